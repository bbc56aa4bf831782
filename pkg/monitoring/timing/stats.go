package timing

import (
	"encoding/json"
	"math"
	"sort"
)

// AggregateStats holds running statistics over completed entries. It only
// grows; there is no removal.
type AggregateStats struct {
	TotalTimeMs float64
	Count       int
	MinTimeMs   float64
	MaxTimeMs   float64
	AvgTimeMs   float64
	Operations  map[string]struct{}
}

// NewAggregateStats returns empty stats with MinTimeMs at +Inf.
func NewAggregateStats() *AggregateStats {
	return &AggregateStats{
		MinTimeMs:  math.Inf(1),
		Operations: make(map[string]struct{}),
	}
}

// AddEntry folds a completed entry into the stats. Open entries are ignored.
func (s *AggregateStats) AddEntry(e *Entry) {
	if e == nil || !e.IsComplete() {
		return
	}
	s.add(e.Operation, e.DurationMs)
}

func (s *AggregateStats) add(operation string, durationMs float64) {
	s.TotalTimeMs += durationMs
	s.Count++
	if durationMs < s.MinTimeMs {
		s.MinTimeMs = durationMs
	}
	if durationMs > s.MaxTimeMs {
		s.MaxTimeMs = durationMs
	}
	s.AvgTimeMs = s.TotalTimeMs / float64(s.Count)
	s.Operations[operation] = struct{}{}
}

// OperationNames returns the distinct operation labels, sorted.
func (s *AggregateStats) OperationNames() []string {
	names := make([]string, 0, len(s.Operations))
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON reports min as 0 for empty stats since JSON has no infinity.
func (s *AggregateStats) MarshalJSON() ([]byte, error) {
	minTime := s.MinTimeMs
	if s.Count == 0 || math.IsInf(minTime, 0) {
		minTime = 0
	}
	return json.Marshal(struct {
		Count       int      `json:"count"`
		TotalTimeMs float64  `json:"total_time_ms"`
		AvgTimeMs   float64  `json:"avg_time_ms"`
		MinTimeMs   float64  `json:"min_time_ms"`
		MaxTimeMs   float64  `json:"max_time_ms"`
		Operations  []string `json:"operations"`
	}{
		Count:       s.Count,
		TotalTimeMs: s.TotalTimeMs,
		AvgTimeMs:   s.AvgTimeMs,
		MinTimeMs:   minTime,
		MaxTimeMs:   s.MaxTimeMs,
		Operations:  s.OperationNames(),
	})
}
