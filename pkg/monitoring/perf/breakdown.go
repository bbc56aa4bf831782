package perf

import (
	"strings"
	"time"
)

// PhaseTimer measures one named phase.
type PhaseTimer struct {
	PhaseName  string         `json:"phase_name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	now func() time.Time
}

func newPhaseTimer(name string, metadata map[string]any, now func() time.Time) *PhaseTimer {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &PhaseTimer{PhaseName: name, StartTime: now(), Metadata: metadata, now: now}
}

// Stopped reports whether Stop has been called.
func (p *PhaseTimer) Stopped() bool {
	return !p.EndTime.IsZero()
}

// Stop ends the phase and returns its duration. Later calls return the same
// duration.
func (p *PhaseTimer) Stop() float64 {
	if p.Stopped() {
		return p.DurationMs
	}
	end := p.now()
	if end.Before(p.StartTime) {
		end = p.StartTime
	}
	p.EndTime = end
	p.DurationMs = float64(end.Sub(p.StartTime)) / float64(time.Millisecond)
	return p.DurationMs
}

// Breakdown bucket names.
const (
	BucketInitialization = "initialization"
	BucketToolExecution  = "tool_execution"
	BucketLLMProcessing  = "llm_processing"
	BucketWebSocket      = "websocket_notification"
	BucketDatabaseQuery  = "database_query"
	BucketExternalAPI    = "external_api"
	BucketQueueWait      = "queue_wait"
	BucketOverhead       = "overhead"
)

// BucketNames lists the eight normalized breakdown categories.
var BucketNames = []string{
	BucketInitialization,
	BucketToolExecution,
	BucketLLMProcessing,
	BucketWebSocket,
	BucketDatabaseQuery,
	BucketExternalAPI,
	BucketQueueWait,
	BucketOverhead,
}

var phaseBucketKeywords = []struct {
	keywords []string
	bucket   string
}{
	{[]string{"init"}, BucketInitialization},
	{[]string{"tool"}, BucketToolExecution},
	{[]string{"llm"}, BucketLLMProcessing},
	{[]string{"websocket"}, BucketWebSocket},
	{[]string{"database", "db"}, BucketDatabaseQuery},
	{[]string{"api", "external"}, BucketExternalAPI},
	{[]string{"queue"}, BucketQueueWait},
}

// BucketForPhase returns the breakdown bucket a phase name falls into, or ""
// when no keyword matches.
func BucketForPhase(phaseName string) string {
	name := strings.ToLower(phaseName)
	for _, row := range phaseBucketKeywords {
		for _, kw := range row.keywords {
			if strings.Contains(name, kw) {
				return row.bucket
			}
		}
	}
	return ""
}

// TimingBreakdown decomposes one execution's time into fixed buckets.
type TimingBreakdown struct {
	InitializationMs        float64  `json:"initialization_ms"`
	ToolExecutionMs         float64  `json:"tool_execution_ms"`
	LLMProcessingMs         float64  `json:"llm_processing_ms"`
	WebSocketNotificationMs float64  `json:"websocket_notification_ms"`
	DatabaseQueryMs         float64  `json:"database_query_ms"`
	ExternalAPIMs           float64  `json:"external_api_ms"`
	QueueWaitMs             float64  `json:"queue_wait_ms"`
	TotalMs                 float64  `json:"total_ms"`
	TimeToFirstTokenMs      *float64 `json:"time_to_first_token_ms"`
	ParallelExecutionMs     float64  `json:"parallel_execution_ms"`
	OverheadMs              float64  `json:"overhead_ms"`
}

func (b *TimingBreakdown) bucket(name string) *float64 {
	switch name {
	case BucketInitialization:
		return &b.InitializationMs
	case BucketToolExecution:
		return &b.ToolExecutionMs
	case BucketLLMProcessing:
		return &b.LLMProcessingMs
	case BucketWebSocket:
		return &b.WebSocketNotificationMs
	case BucketDatabaseQuery:
		return &b.DatabaseQueryMs
	case BucketExternalAPI:
		return &b.ExternalAPIMs
	case BucketQueueWait:
		return &b.QueueWaitMs
	case BucketOverhead:
		return &b.OverheadMs
	}
	return nil
}

// AccountedMs is the sum of the seven named buckets.
func (b TimingBreakdown) AccountedMs() float64 {
	return b.InitializationMs + b.ToolExecutionMs + b.LLMProcessingMs +
		b.WebSocketNotificationMs + b.DatabaseQueryMs + b.ExternalAPIMs + b.QueueWaitMs
}

// Buckets returns the eight normalized categories, overhead included.
func (b TimingBreakdown) Buckets() map[string]float64 {
	out := make(map[string]float64, len(BucketNames))
	for _, name := range BucketNames {
		out[name] = *b.bucket(name)
	}
	return out
}

// EfficiencyPercent is the share of total time not lost to overhead, floored
// at zero. An empty breakdown is 100% efficient.
func (b TimingBreakdown) EfficiencyPercent() float64 {
	if b.TotalMs <= 0 {
		return 100
	}
	eff := (1 - b.OverheadMs/b.TotalMs) * 100
	if eff < 0 {
		return 0
	}
	return eff
}
