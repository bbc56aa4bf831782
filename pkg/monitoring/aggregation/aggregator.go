package aggregation

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/stat"

	"github.com/thc1006/agentperf/pkg/monitoring/perf"
)

const (
	DefaultCacheTTL             = 10 * time.Second
	DefaultMaxResourceSamples   = 1000
	DefaultMaxBreakdownHistory  = 500
	DefaultBottleneckPercentile = 95.0

	trendChangeThreshold = 0.20
	highImpactViolations = 5
)

// AggregatedMetrics summarizes one (metric type, window) pair.
type AggregatedMetrics struct {
	MetricType perf.MetricType   `json:"metric_type"`
	Window     AggregationWindow `json:"window_seconds"`
	Count      int               `json:"count"`
	Mean       float64           `json:"mean"`
	Median     float64           `json:"median"`
	Min        float64           `json:"min"`
	Max        float64           `json:"max"`
	P50        float64           `json:"p50"`
	P95        float64           `json:"p95"`
	P99        float64           `json:"p99"`
	StdDev     float64           `json:"std_dev"`
	Total      float64           `json:"total"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ResourceMetrics is a point-in-time process snapshot.
type ResourceMetrics struct {
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryMB           float64   `json:"memory_mb"`
	MemoryPercent      float64   `json:"memory_percent"`
	ThreadCount        int       `json:"thread_count"`
	ConnectionPoolSize int       `json:"connection_pool_size"`
	QueueDepth         int       `json:"queue_depth"`
	Timestamp          time.Time `json:"timestamp"`
}

// MetricBottleneck reports recent samples above a metric's hourly percentile.
type MetricBottleneck struct {
	MetricType  perf.MetricType `json:"metric_type"`
	Threshold   float64         `json:"threshold"`
	Violations  int             `json:"violations"`
	MaxRecent   float64         `json:"max_recent"`
	Impact      string          `json:"impact"`
	HourlyCount int             `json:"hourly_count"`
}

// Trend directions.
const (
	TrendDegrading = "degrading"
	TrendImproving = "improving"
	TrendStable    = "stable"
)

// Trend compares the last minute with the last hour.
type Trend struct {
	Direction     string  `json:"direction"`
	ChangePercent float64 `json:"change_percent"`
	MinuteMean    float64 `json:"minute_mean"`
	HourMean      float64 `json:"hour_mean"`
}

// ResourceSummary describes the retained resource samples.
type ResourceSummary struct {
	Latest           ResourceMetrics `json:"latest"`
	Samples          int             `json:"samples"`
	AvgCPUPercent    float64         `json:"avg_cpu_percent"`
	AvgMemoryMB      float64         `json:"avg_memory_mb"`
	AvgMemoryPercent float64         `json:"avg_memory_percent"`
	AvgThreadCount   float64         `json:"avg_thread_count"`
}

// PerformanceSummary is the combined view returned by GetPerformanceSummary.
type PerformanceSummary struct {
	Timestamp        time.Time                                         `json:"timestamp"`
	Metrics          map[perf.MetricType]map[string]*AggregatedMetrics `json:"metrics"`
	Resources        *ResourceSummary                                  `json:"resources"`
	Trends           map[perf.MetricType]Trend                         `json:"trends"`
	Bottlenecks      []MetricBottleneck                                `json:"bottlenecks"`
	AverageBreakdown *perf.TimingBreakdown                             `json:"average_breakdown"`
	BreakdownCount   int                                               `json:"breakdown_count"`
}

// summaryWindows are the windows reported in PerformanceSummary.
var summaryWindows = []AggregationWindow{WindowMinute, WindowFiveMinutes, WindowHour}

type cacheKey struct {
	metricType perf.MetricType
	window     AggregationWindow
}

type cachedAggregate struct {
	value      AggregatedMetrics
	computedAt time.Time
}

// Option configures a MetricsAggregator.
type Option func(*MetricsAggregator)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(a *MetricsAggregator) { a.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *MetricsAggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithCacheTTL sets how long computed aggregates are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(a *MetricsAggregator) { a.cacheTTL = ttl }
}

// WithHistoryLimits bounds the breakdown history and the resource ring.
func WithHistoryLimits(breakdowns, resources int) Option {
	return func(a *MetricsAggregator) {
		if breakdowns > 0 {
			a.maxBreakdowns = breakdowns
		}
		if resources > 0 {
			a.maxResources = resources
		}
	}
}

// MetricsAggregator keeps one MetricWindow per metric type and window size.
// A single mutex guards windows, cache and history.
type MetricsAggregator struct {
	mu sync.Mutex

	logger        logr.Logger
	now           func() time.Time
	cacheTTL      time.Duration
	maxBreakdowns int
	maxResources  int

	windows    map[perf.MetricType]map[AggregationWindow]*MetricWindow
	cache      map[cacheKey]cachedAggregate
	resources  []ResourceMetrics
	breakdowns []perf.TimingBreakdown
}

// NewMetricsAggregator creates an aggregator with every window allocated.
func NewMetricsAggregator(opts ...Option) *MetricsAggregator {
	a := &MetricsAggregator{
		logger:        logr.Discard(),
		now:           time.Now,
		cacheTTL:      DefaultCacheTTL,
		maxBreakdowns: DefaultMaxBreakdownHistory,
		maxResources:  DefaultMaxResourceSamples,
		windows:       make(map[perf.MetricType]map[AggregationWindow]*MetricWindow, len(perf.AllMetricTypes)),
		cache:         make(map[cacheKey]cachedAggregate),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithName("metrics-aggregator")

	for _, mt := range perf.AllMetricTypes {
		byWindow := make(map[AggregationWindow]*MetricWindow, len(AllWindows))
		for _, w := range AllWindows {
			byWindow[w] = NewMetricWindow(w)
		}
		a.windows[mt] = byWindow
	}
	return a
}

// AddMetric records m in every window of its type. A zero timestamp is
// replaced with the current time and a future one is clamped to it.
func (a *MetricsAggregator) AddMetric(m perf.PerformanceMetric) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addMetricLocked(m)
}

func (a *MetricsAggregator) addMetricLocked(m perf.PerformanceMetric) {
	byWindow, ok := a.windows[m.MetricType]
	if !ok {
		a.logger.Info("Dropping metric of unknown type", "warning", true, "metric_type", m.MetricType)
		return
	}
	now := a.now()
	switch {
	case m.Timestamp.IsZero():
		m.Timestamp = now
	case m.Timestamp.After(now):
		a.logger.Info("Clamping future metric timestamp", "warning", true,
			"metric_type", m.MetricType, "timestamp", m.Timestamp)
		m.Timestamp = now
	}
	for _, w := range AllWindows {
		byWindow[w].Add(m, now)
	}
}

// breakdownMetricFields maps non-zero breakdown fields to synthesized metrics.
var breakdownMetricFields = []struct {
	metricType perf.MetricType
	value      func(b perf.TimingBreakdown) float64
}{
	{perf.MetricInitialization, func(b perf.TimingBreakdown) float64 { return b.InitializationMs }},
	{perf.MetricToolExecution, func(b perf.TimingBreakdown) float64 { return b.ToolExecutionMs }},
	{perf.MetricLLMProcessing, func(b perf.TimingBreakdown) float64 { return b.LLMProcessingMs }},
	{perf.MetricWebSocket, func(b perf.TimingBreakdown) float64 { return b.WebSocketNotificationMs }},
	{perf.MetricDatabaseQuery, func(b perf.TimingBreakdown) float64 { return b.DatabaseQueryMs }},
	{perf.MetricExternalAPI, func(b perf.TimingBreakdown) float64 { return b.ExternalAPIMs }},
	{perf.MetricQueueWait, func(b perf.TimingBreakdown) float64 { return b.QueueWaitMs }},
	{perf.MetricTotalExecution, func(b perf.TimingBreakdown) float64 { return b.TotalMs }},
	{perf.MetricTTFT, func(b perf.TimingBreakdown) float64 {
		if b.TimeToFirstTokenMs == nil {
			return 0
		}
		return *b.TimeToFirstTokenMs
	}},
}

// AddTimingBreakdown keeps b in the bounded history and feeds each non-zero
// field into the metric windows.
func (a *MetricsAggregator) AddTimingBreakdown(b perf.TimingBreakdown, agentName, correlationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.breakdowns = append(a.breakdowns, b)
	if len(a.breakdowns) > a.maxBreakdowns {
		a.breakdowns = a.breakdowns[len(a.breakdowns)-a.maxBreakdowns:]
	}

	now := a.now()
	for _, field := range breakdownMetricFields {
		v := field.value(b)
		if v == 0 {
			continue
		}
		a.addMetricLocked(perf.PerformanceMetric{
			MetricType:    field.metricType,
			Value:         v,
			Timestamp:     now,
			AgentName:     agentName,
			CorrelationID: correlationID,
			Metadata:      map[string]any{"source": "timing_breakdown"},
		})
	}
}

// AddResourceMetrics appends r to the resource ring.
func (a *MetricsAggregator) AddResourceMetrics(r ResourceMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = a.now()
	}
	a.resources = append(a.resources, r)
	if len(a.resources) > a.maxResources {
		a.resources = a.resources[len(a.resources)-a.maxResources:]
	}
}

// ResourceHistory returns a copy of the retained resource samples, oldest first.
func (a *MetricsAggregator) ResourceHistory() []ResourceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ResourceMetrics, len(a.resources))
	copy(out, a.resources)
	return out
}

// BreakdownHistory returns a copy of the retained breakdowns, oldest first.
func (a *MetricsAggregator) BreakdownHistory() []perf.TimingBreakdown {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]perf.TimingBreakdown, len(a.breakdowns))
	copy(out, a.breakdowns)
	return out
}

// GetAggregatedMetrics returns statistics for one type and window, or nil
// when the window holds no samples. Results are reused for the cache TTL.
func (a *MetricsAggregator) GetAggregatedMetrics(metricType perf.MetricType, window AggregationWindow) *AggregatedMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aggregateLocked(metricType, window)
}

func (a *MetricsAggregator) aggregateLocked(metricType perf.MetricType, window AggregationWindow) *AggregatedMetrics {
	now := a.now()
	key := cacheKey{metricType: metricType, window: window}
	if cached, ok := a.cache[key]; ok && now.Sub(cached.computedAt) < a.cacheTTL {
		v := cached.value
		return &v
	}

	w, ok := a.windows[metricType][window]
	if !ok {
		return nil
	}
	values := w.Values(now)
	if len(values) == 0 {
		delete(a.cache, key)
		return nil
	}

	agg := computeAggregate(values)
	agg.MetricType = metricType
	agg.Window = window
	agg.Timestamp = now

	a.cache[key] = cachedAggregate{value: agg, computedAt: now}
	return &agg
}

func computeAggregate(values []float64) AggregatedMetrics {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}

	agg := AggregatedMetrics{
		Count:  len(sorted),
		Mean:   stat.Mean(sorted, nil),
		Median: Percentile(sorted, 50),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Total:  total,
	}
	if len(sorted) >= 2 {
		agg.P50 = Percentile(sorted, 50)
		agg.P95 = Percentile(sorted, 95)
		agg.P99 = Percentile(sorted, 99)
		agg.StdDev = stat.StdDev(sorted, nil)
	} else {
		agg.P50, agg.P95, agg.P99 = sorted[0], sorted[0], sorted[0]
	}
	return agg
}

// GetBottlenecks reports metric types whose last-minute samples exceed the
// given percentile of the last hour. Percentiles other than 50, 95 and 99 use
// the hourly maximum.
func (a *MetricsAggregator) GetBottlenecks(percentile float64) []MetricBottleneck {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bottlenecksLocked(percentile)
}

func (a *MetricsAggregator) bottlenecksLocked(percentile float64) []MetricBottleneck {
	now := a.now()
	out := []MetricBottleneck{}

	for _, mt := range perf.AllMetricTypes {
		hourly := a.aggregateLocked(mt, WindowHour)
		if hourly == nil {
			continue
		}
		threshold := hourly.Max
		switch percentile {
		case 50:
			threshold = hourly.P50
		case 95:
			threshold = hourly.P95
		case 99:
			threshold = hourly.P99
		}

		var violations int
		var maxRecent float64
		for _, v := range a.windows[mt][WindowMinute].Values(now) {
			if v > threshold {
				violations++
				if v > maxRecent {
					maxRecent = v
				}
			}
		}
		if violations == 0 {
			continue
		}

		impact := "medium"
		if violations > highImpactViolations {
			impact = "high"
		}
		out = append(out, MetricBottleneck{
			MetricType:  mt,
			Threshold:   threshold,
			Violations:  violations,
			MaxRecent:   maxRecent,
			Impact:      impact,
			HourlyCount: hourly.Count,
		})
	}
	return out
}

// DetectTrends compares minute and hour means for every metric type with
// data in both windows.
func (a *MetricsAggregator) DetectTrends() map[perf.MetricType]Trend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detectTrendsLocked()
}

func (a *MetricsAggregator) detectTrendsLocked() map[perf.MetricType]Trend {
	trends := make(map[perf.MetricType]Trend)
	for _, mt := range perf.AllMetricTypes {
		minute := a.aggregateLocked(mt, WindowMinute)
		hour := a.aggregateLocked(mt, WindowHour)
		if minute == nil || hour == nil || hour.Mean == 0 {
			continue
		}
		change := (minute.Mean - hour.Mean) / hour.Mean
		direction := TrendStable
		switch {
		case change > trendChangeThreshold:
			direction = TrendDegrading
		case change < -trendChangeThreshold:
			direction = TrendImproving
		}
		trends[mt] = Trend{
			Direction:     direction,
			ChangePercent: change * 100,
			MinuteMean:    minute.Mean,
			HourMean:      hour.Mean,
		}
	}
	return trends
}

// GetPerformanceSummary combines aggregates, resources, trends, bottlenecks
// and the average breakdown.
func (a *MetricsAggregator) GetPerformanceSummary() PerformanceSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	summary := PerformanceSummary{
		Timestamp:      a.now(),
		Metrics:        make(map[perf.MetricType]map[string]*AggregatedMetrics),
		Trends:         a.detectTrendsLocked(),
		Bottlenecks:    a.bottlenecksLocked(DefaultBottleneckPercentile),
		BreakdownCount: len(a.breakdowns),
	}

	for _, mt := range perf.AllMetricTypes {
		for _, w := range summaryWindows {
			agg := a.aggregateLocked(mt, w)
			if agg == nil {
				continue
			}
			if summary.Metrics[mt] == nil {
				summary.Metrics[mt] = make(map[string]*AggregatedMetrics)
			}
			summary.Metrics[mt][w.String()] = agg
		}
	}

	if n := len(a.resources); n > 0 {
		rs := &ResourceSummary{Latest: a.resources[n-1], Samples: n}
		for _, r := range a.resources {
			rs.AvgCPUPercent += r.CPUPercent
			rs.AvgMemoryMB += r.MemoryMB
			rs.AvgMemoryPercent += r.MemoryPercent
			rs.AvgThreadCount += float64(r.ThreadCount)
		}
		rs.AvgCPUPercent /= float64(n)
		rs.AvgMemoryMB /= float64(n)
		rs.AvgMemoryPercent /= float64(n)
		rs.AvgThreadCount /= float64(n)
		summary.Resources = rs
	}

	if n := len(a.breakdowns); n > 0 {
		summary.AverageBreakdown = averageBreakdown(a.breakdowns)
	}
	return summary
}

func averageBreakdown(history []perf.TimingBreakdown) *perf.TimingBreakdown {
	var avg perf.TimingBreakdown
	var ttftSum float64
	var ttftCount int
	for _, b := range history {
		avg.InitializationMs += b.InitializationMs
		avg.ToolExecutionMs += b.ToolExecutionMs
		avg.LLMProcessingMs += b.LLMProcessingMs
		avg.WebSocketNotificationMs += b.WebSocketNotificationMs
		avg.DatabaseQueryMs += b.DatabaseQueryMs
		avg.ExternalAPIMs += b.ExternalAPIMs
		avg.QueueWaitMs += b.QueueWaitMs
		avg.TotalMs += b.TotalMs
		avg.ParallelExecutionMs += b.ParallelExecutionMs
		avg.OverheadMs += b.OverheadMs
		if b.TimeToFirstTokenMs != nil {
			ttftSum += *b.TimeToFirstTokenMs
			ttftCount++
		}
	}
	n := float64(len(history))
	avg.InitializationMs /= n
	avg.ToolExecutionMs /= n
	avg.LLMProcessingMs /= n
	avg.WebSocketNotificationMs /= n
	avg.DatabaseQueryMs /= n
	avg.ExternalAPIMs /= n
	avg.QueueWaitMs /= n
	avg.TotalMs /= n
	avg.ParallelExecutionMs /= n
	avg.OverheadMs /= n
	if ttftCount > 0 {
		ttft := ttftSum / float64(ttftCount)
		avg.TimeToFirstTokenMs = &ttft
	}
	return &avg
}

// ClearOldMetrics prunes every window and returns the number of samples
// removed. Cached aggregates are dropped as well.
func (a *MetricsAggregator) ClearOldMetrics() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	removed := 0
	for _, byWindow := range a.windows {
		for _, w := range byWindow {
			removed += w.Prune(now)
		}
	}
	a.cache = make(map[cacheKey]cachedAggregate)
	a.logger.V(1).Info("Pruned metric windows", "removed", removed)
	return removed
}
