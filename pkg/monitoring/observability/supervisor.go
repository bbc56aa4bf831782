// Package observability ties per-workflow timing collection to the shared
// aggregators used for reporting.
package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/thc1006/agentperf/pkg/logging"
	"github.com/thc1006/agentperf/pkg/monitoring/aggregation"
	"github.com/thc1006/agentperf/pkg/monitoring/perf"
	"github.com/thc1006/agentperf/pkg/monitoring/timing"
)

// ErrUnknownWorkflow is returned when completing a workflow that is not active.
var ErrUnknownWorkflow = errors.New("workflow not active")

type workflowKey struct{}

// Workflow is one supervised agent execution.
type Workflow struct {
	CorrelationID string
	Name          string
	AgentName     string
	StartedAt     time.Time

	Timing *timing.ExecutionTimingCollector
	Phases *perf.EnhancedExecutionTimingCollector
}

// RunPhase times fn both as a named phase and as an entry of the timing tree.
func (w *Workflow) RunPhase(ctx context.Context, name string, category timing.Category, fn func(ctx context.Context) error) error {
	w.Phases.StartPhase(name, nil)
	defer w.Phases.StopPhase(name)
	return w.Timing.TimeOperation(ctx, name, category, nil, fn)
}

// WorkflowFromContext returns the workflow started by StartWorkflow.
func WorkflowFromContext(ctx context.Context) (*Workflow, bool) {
	w, ok := ctx.Value(workflowKey{}).(*Workflow)
	return w, ok
}

// WorkflowResult is returned when a workflow completes.
type WorkflowResult struct {
	CorrelationID string                                 `json:"correlation_id"`
	Workflow      string                                 `json:"workflow"`
	AgentName     string                                 `json:"agent_name"`
	Tree          *timing.ExecutionTimingTree            `json:"tree"`
	CriticalPath  []*timing.Entry                        `json:"critical_path"`
	Summary       perf.Summary                           `json:"summary"`
	Analysis      perf.BreakdownAnalysis                 `json:"analysis"`
	Anomalies     []perf.Anomaly                         `json:"anomalies"`
	SLOCompliance map[perf.MetricType]perf.SLOCompliance `json:"slo_compliance"`
}

// Report is the combined view of both aggregators.
type Report struct {
	GeneratedAt     time.Time                      `json:"generated_at"`
	ActiveWorkflows int                            `json:"active_workflows"`
	Optimization    *timing.OptimizationReport     `json:"optimization"`
	Performance     aggregation.PerformanceSummary `json:"performance"`
}

// Option configures SupervisorObservability.
type Option func(*SupervisorObservability)

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *SupervisorObservability) { s.logger = logger }
}

// WithClock replaces time.Now for the workflows' collectors.
func WithClock(now func() time.Time) Option {
	return func(s *SupervisorObservability) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSLOThresholds overrides perf.DefaultSLOThresholds.
func WithSLOThresholds(thresholds map[perf.MetricType]float64) Option {
	return func(s *SupervisorObservability) { s.sloThresholds = thresholds }
}

// WithAnomalyZScore sets the anomaly z-score bound.
func WithAnomalyZScore(z float64) Option {
	return func(s *SupervisorObservability) { s.zScore = z }
}

// SupervisorObservability tracks active workflows and archives them into the
// shared aggregators when they complete.
type SupervisorObservability struct {
	mu sync.Mutex

	logger        logr.Logger
	perfLogger    logr.Logger
	now           func() time.Time
	sloThresholds map[perf.MetricType]float64
	zScore        float64

	timings  *timing.TimingAggregator
	metrics  *aggregation.MetricsAggregator
	analyzer *perf.PerformanceAnalyzer
	active   map[string]*Workflow
}

// NewSupervisorObservability wires workflows to the given aggregators.
func NewSupervisorObservability(timings *timing.TimingAggregator, metrics *aggregation.MetricsAggregator, opts ...Option) *SupervisorObservability {
	s := &SupervisorObservability{
		logger:        logr.Discard(),
		now:           time.Now,
		sloThresholds: perf.DefaultSLOThresholds,
		zScore:        perf.DefaultAnomalyZScore,
		timings:       timings,
		metrics:       metrics,
		active:        make(map[string]*Workflow),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("supervisor-observability")
	s.perfLogger = s.logger.WithName(logging.ComponentPerf)
	s.analyzer = perf.NewPerformanceAnalyzer(s.zScore, perf.WithLogger(s.perfLogger))
	return s
}

// CorrelationIDFromContext uses the trace id of the active span when there is
// one and a random UUID otherwise.
func CorrelationIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// StartWorkflow begins timing a workflow and returns a context carrying it.
func (s *SupervisorObservability) StartWorkflow(ctx context.Context, name, agentName string) (context.Context, *Workflow) {
	correlationID := CorrelationIDFromContext(ctx)

	s.mu.Lock()
	if _, exists := s.active[correlationID]; exists {
		// Several workflows under one span get distinct ids.
		correlationID = fmt.Sprintf("%s-%s", correlationID, uuid.NewString()[:8])
	}
	w := &Workflow{
		CorrelationID: correlationID,
		Name:          name,
		AgentName:     agentName,
		StartedAt:     s.now(),
		Timing: timing.NewExecutionTimingCollector(agentName,
			timing.WithLogger(s.logger), timing.WithClock(s.now)),
		Phases: perf.NewEnhancedExecutionTimingCollector(agentName, correlationID,
			perf.WithLogger(s.perfLogger), perf.WithClock(s.now)),
	}
	s.active[correlationID] = w
	s.mu.Unlock()

	w.Timing.StartExecution(correlationID)
	s.logger.Info("Workflow started", "workflow", name, "agent", agentName, "correlation_id", correlationID)
	return context.WithValue(ctx, workflowKey{}, w), w
}

// CompleteWorkflow closes the workflow's tree, archives it and its breakdown,
// and returns the per-workflow analysis.
func (s *SupervisorObservability) CompleteWorkflow(correlationID string) (*WorkflowResult, error) {
	s.mu.Lock()
	w, ok := s.active[correlationID]
	if ok {
		delete(s.active, correlationID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("complete %s: %w", correlationID, ErrUnknownWorkflow)
	}

	tree := w.Timing.CompleteExecution()
	summary := w.Phases.GetSummary()
	recorded := w.Phases.Metrics()

	if tree != nil {
		s.timings.AddTimingTree(tree)
	}
	s.metrics.AddTimingBreakdown(summary.Breakdown, w.AgentName, correlationID)
	for _, m := range recorded {
		if derivedFromBreakdown(m) {
			continue
		}
		s.metrics.AddMetric(m)
	}

	result := &WorkflowResult{
		CorrelationID: correlationID,
		Workflow:      w.Name,
		AgentName:     w.AgentName,
		Tree:          tree,
		Summary:       summary,
		Analysis:      s.analyzer.AnalyzeTimingBreakdown(summary.Breakdown),
		Anomalies:     s.analyzer.DetectAnomalies(recorded),
		SLOCompliance: s.analyzer.CalculateSLOCompliance(recorded, s.sloThresholds),
	}
	if tree != nil {
		result.CriticalPath = tree.GetCriticalPath()
	}

	s.logger.Info("Workflow completed",
		"workflow", w.Name,
		"agent", w.AgentName,
		"correlation_id", correlationID,
		"total_ms", summary.Breakdown.TotalMs,
		"efficiency_percent", summary.EfficiencyPercent,
		"bottlenecks", len(result.Analysis.Bottlenecks))
	return result, nil
}

// derivedFromBreakdown reports metrics that AddTimingBreakdown already
// synthesizes: phase durations and time to first token.
func derivedFromBreakdown(m perf.PerformanceMetric) bool {
	if m.MetricType == perf.MetricTTFT {
		return true
	}
	_, fromPhase := m.Metadata["phase"]
	return fromPhase
}

// ActiveWorkflows returns the number of workflows not yet completed.
func (s *SupervisorObservability) ActiveWorkflows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Report combines the optimization report and the performance summary.
func (s *SupervisorObservability) Report() Report {
	return Report{
		GeneratedAt:     s.now(),
		ActiveWorkflows: s.ActiveWorkflows(),
		Optimization:    s.timings.GenerateOptimizationReport(),
		Performance:     s.metrics.GetPerformanceSummary(),
	}
}
