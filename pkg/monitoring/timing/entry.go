// Package timing builds hierarchical execution-timing trees for agent runs and
// aggregates them into bottleneck and optimization reports.
package timing

import (
	"time"

	"github.com/google/uuid"
)

// Category is the coarse classification of a timed operation.
type Category string

const (
	CategoryLLM           Category = "llm"
	CategoryDatabase      Category = "database"
	CategoryCache         Category = "cache"
	CategoryProcessing    Category = "processing"
	CategoryNetwork       Category = "network"
	CategoryValidation    Category = "validation"
	CategoryOrchestration Category = "orchestration"
	CategoryUnknown       Category = "unknown"
)

// AllCategories lists every category in declaration order.
var AllCategories = []Category{
	CategoryLLM,
	CategoryDatabase,
	CategoryCache,
	CategoryProcessing,
	CategoryNetwork,
	CategoryValidation,
	CategoryOrchestration,
	CategoryUnknown,
}

// Entry is a single timed operation inside an execution.
type Entry struct {
	ID         string         `json:"entry_id"`
	Operation  string         `json:"operation"`
	Category   Category       `json:"category"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// NewEntry creates an open entry started at start.
func NewEntry(operation string, category Category, parentID string, start time.Time, metadata map[string]any) *Entry {
	if category == "" {
		category = CategoryUnknown
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Entry{
		ID:        uuid.NewString(),
		Operation: operation,
		Category:  category,
		StartTime: start,
		Metadata:  metadata,
		ParentID:  parentID,
	}
}

// IsComplete reports whether the entry has an end time.
func (e *Entry) IsComplete() bool {
	return !e.EndTime.IsZero()
}

// CompleteAt closes the entry at end. DurationMs is derived from the start
// and end times so both are always set together.
func (e *Entry) CompleteAt(end time.Time, errMsg string) {
	if end.Before(e.StartTime) {
		end = e.StartTime
	}
	e.EndTime = end
	e.DurationMs = float64(end.Sub(e.StartTime)) / float64(time.Millisecond)
	if errMsg != "" {
		e.Error = errMsg
	}
}

// Duration returns the measured duration, zero while the entry is open.
func (e *Entry) Duration() time.Duration {
	if !e.IsComplete() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}
