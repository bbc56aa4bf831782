// Package aggregation keeps sliding windows of performance metrics and
// derives percentile, trend and bottleneck views from them.
package aggregation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/thc1006/agentperf/pkg/monitoring/perf"
)

// ErrUnknownWindow is returned when a window name cannot be resolved.
var ErrUnknownWindow = errors.New("unknown aggregation window")

// AggregationWindow is a window size in seconds.
type AggregationWindow int

const (
	WindowMinute      AggregationWindow = 60
	WindowFiveMinutes AggregationWindow = 300
	WindowHour        AggregationWindow = 3600
	WindowDay         AggregationWindow = 86400
	WindowWeek        AggregationWindow = 604800
)

// AllWindows lists the windows from shortest to longest.
var AllWindows = []AggregationWindow{WindowMinute, WindowFiveMinutes, WindowHour, WindowDay, WindowWeek}

var windowNames = map[AggregationWindow]string{
	WindowMinute:      "minute",
	WindowFiveMinutes: "five_minutes",
	WindowHour:        "hour",
	WindowDay:         "day",
	WindowWeek:        "week",
}

// Duration returns the window length.
func (w AggregationWindow) Duration() time.Duration {
	return time.Duration(w) * time.Second
}

func (w AggregationWindow) String() string {
	if name, ok := windowNames[w]; ok {
		return name
	}
	return strconv.Itoa(int(w)) + "s"
}

// ParseWindow accepts a window name ("minute", "hour", ...) or its size in
// seconds.
func ParseWindow(s string) (AggregationWindow, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for w, name := range windowNames {
		if name == s {
			return w, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := windowNames[AggregationWindow(n)]; ok {
			return AggregationWindow(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownWindow, s)
}

// MetricWindow holds the metrics of one type that fall inside a sliding
// window. Metrics are kept in timestamp order and pruned from the front.
type MetricWindow struct {
	size    AggregationWindow
	metrics []perf.PerformanceMetric
}

// NewMetricWindow creates an empty window.
func NewMetricWindow(size AggregationWindow) *MetricWindow {
	return &MetricWindow{size: size}
}

// Size returns the window length.
func (w *MetricWindow) Size() AggregationWindow { return w.size }

// Add inserts m in timestamp order and prunes entries that fell out of the
// window. Samples with equal timestamps keep arrival order.
func (w *MetricWindow) Add(m perf.PerformanceMetric, now time.Time) {
	i := sort.Search(len(w.metrics), func(i int) bool {
		return w.metrics[i].Timestamp.After(m.Timestamp)
	})
	w.metrics = append(w.metrics, perf.PerformanceMetric{})
	copy(w.metrics[i+1:], w.metrics[i:])
	w.metrics[i] = m
	w.Prune(now)
}

// Prune drops metrics older than now minus the window size and returns how
// many were removed.
func (w *MetricWindow) Prune(now time.Time) int {
	cutoff := now.Add(-w.size.Duration())
	n := 0
	for n < len(w.metrics) && w.metrics[n].Timestamp.Before(cutoff) {
		n++
	}
	if n == 0 {
		return 0
	}
	remaining := make([]perf.PerformanceMetric, len(w.metrics)-n)
	copy(remaining, w.metrics[n:])
	w.metrics = remaining
	return n
}

// Values prunes and returns the remaining values, oldest first.
func (w *MetricWindow) Values(now time.Time) []float64 {
	w.Prune(now)
	out := make([]float64, len(w.metrics))
	for i, m := range w.metrics {
		out[i] = m.Value
	}
	return out
}

// Len prunes and returns the number of metrics in the window.
func (w *MetricWindow) Len(now time.Time) int {
	w.Prune(now)
	return len(w.metrics)
}

// Percentile interpolates linearly between the sorted neighbours of rank
// (n-1)*p/100. sorted must be in ascending order.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	index := float64(n-1) * p / 100
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
