package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Option configures collectors and analyzers in this package.
type Option func(*options)

type options struct {
	logger logr.Logger
	now    func() time.Time
}

func defaultOptions() options {
	return options{logger: logr.Discard(), now: time.Now}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// EnhancedExecutionTimingCollector records named phases, parallel tasks and
// typed metrics for one execution. Phases do not nest: starting a phase whose
// name is already running replaces it.
type EnhancedExecutionTimingCollector struct {
	mu sync.Mutex

	agentName     string
	correlationID string
	logger        logr.Logger
	now           func() time.Time
	startTime     time.Time

	phases         map[string]*PhaseTimer
	phaseOrder     []string
	parallelTasks  map[string]*PhaseTimer
	firstTokenTime time.Time
	metrics        []PerformanceMetric
}

// NewEnhancedExecutionTimingCollector starts the wall clock for one execution.
func NewEnhancedExecutionTimingCollector(agentName, correlationID string, opts ...Option) *EnhancedExecutionTimingCollector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &EnhancedExecutionTimingCollector{
		agentName:     agentName,
		correlationID: correlationID,
		logger:        o.logger.WithName("phase-collector").WithValues("agent", agentName, "correlation_id", correlationID),
		now:           o.now,
		startTime:     o.now(),
		phases:        make(map[string]*PhaseTimer),
		parallelTasks: make(map[string]*PhaseTimer),
	}
}

// AgentName returns the agent being timed.
func (c *EnhancedExecutionTimingCollector) AgentName() string { return c.agentName }

// CorrelationID returns the execution's correlation id.
func (c *EnhancedExecutionTimingCollector) CorrelationID() string { return c.correlationID }

// StartPhase starts timing name. A running phase with the same name is
// stopped and replaced.
func (c *EnhancedExecutionTimingCollector) StartPhase(name string, metadata map[string]any) *PhaseTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.phases[name]; ok {
		if !prior.Stopped() {
			c.logger.Info("Phase already running, restarting", "warning", true, "phase", name)
			prior.Stop()
		}
	} else {
		c.phaseOrder = append(c.phaseOrder, name)
	}

	timer := newPhaseTimer(name, metadata, c.now)
	c.phases[name] = timer
	return timer
}

// StopPhase stops name and records a metric inferred from its name. It
// returns false if the phase was never started.
func (c *EnhancedExecutionTimingCollector) StopPhase(name string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer, ok := c.phases[name]
	if !ok {
		c.logger.Info("Attempted to stop unknown phase", "warning", true, "phase", name)
		return 0, false
	}
	if timer.Stopped() {
		return timer.DurationMs, true
	}

	duration := timer.Stop()
	c.addMetricLocked(MetricTypeForPhase(name), duration, map[string]any{"phase": name})
	c.logger.V(1).Info("Phase completed", "phase", name, "duration_ms", duration)
	return duration, true
}

// RecordFirstToken captures time-to-first-token on the first call and returns
// it in milliseconds. Later calls return 0.
func (c *EnhancedExecutionTimingCollector) RecordFirstToken() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.firstTokenTime.IsZero() {
		return 0
	}
	c.firstTokenTime = c.now()
	ttft := msSince(c.startTime, c.firstTokenTime)
	c.addMetricLocked(MetricTTFT, ttft, nil)
	return ttft
}

// StartParallelTask starts a named timer that is tracked apart from phases.
// A running task with the same name is stopped and replaced.
func (c *EnhancedExecutionTimingCollector) StartParallelTask(name string) *PhaseTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.parallelTasks[name]; ok && !prior.Stopped() {
		c.logger.Info("Parallel task already running, restarting", "warning", true, "task", name)
		prior.Stop()
	}
	timer := newPhaseTimer(name, map[string]any{"parallel": true}, c.now)
	c.parallelTasks[name] = timer
	return timer
}

// StopParallelTask stops a parallel task timer.
func (c *EnhancedExecutionTimingCollector) StopParallelTask(name string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer, ok := c.parallelTasks[name]
	if !ok {
		c.logger.Info("Attempted to stop unknown parallel task", "warning", true, "task", name)
		return 0, false
	}
	return timer.Stop(), true
}

// RunParallel runs tasks concurrently, timing each as a parallel task. The
// first error cancels the shared context and is returned.
func (c *EnhancedExecutionTimingCollector) RunParallel(ctx context.Context, tasks map[string]func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, task := range tasks {
		name, task := name, task
		c.StartParallelTask(name)
		g.Go(func() error {
			defer c.StopParallelTask(name)
			if err := task(gctx); err != nil {
				return fmt.Errorf("parallel task %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// AddMetric records a metric stamped with this execution's identity.
func (c *EnhancedExecutionTimingCollector) AddMetric(metricType MetricType, value float64, metadata map[string]any) PerformanceMetric {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addMetricLocked(metricType, value, metadata)
}

func (c *EnhancedExecutionTimingCollector) addMetricLocked(metricType MetricType, value float64, metadata map[string]any) PerformanceMetric {
	m := PerformanceMetric{
		MetricType:    metricType,
		Value:         value,
		Timestamp:     c.now(),
		AgentName:     c.agentName,
		CorrelationID: c.correlationID,
		Metadata:      metadata,
	}
	c.metrics = append(c.metrics, m)
	return m
}

// Metrics returns a copy of the recorded metrics.
func (c *EnhancedExecutionTimingCollector) Metrics() []PerformanceMetric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PerformanceMetric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// GetBreakdown sums stopped phases into their buckets. TotalMs is the sum of
// all phase durations, overhead is wall clock minus the accounted buckets.
func (c *EnhancedExecutionTimingCollector) GetBreakdown() TimingBreakdown {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakdownLocked()
}

func (c *EnhancedExecutionTimingCollector) breakdownLocked() TimingBreakdown {
	var b TimingBreakdown

	for _, name := range c.phaseOrder {
		timer := c.phases[name]
		if timer == nil || !timer.Stopped() {
			continue
		}
		b.TotalMs += timer.DurationMs
		if slot := b.bucket(BucketForPhase(name)); slot != nil {
			*slot += timer.DurationMs
		}
	}

	if !c.firstTokenTime.IsZero() {
		ttft := msSince(c.startTime, c.firstTokenTime)
		b.TimeToFirstTokenMs = &ttft
	}

	var sum, longest float64
	var stopped int
	for _, task := range c.parallelTasks {
		if !task.Stopped() {
			continue
		}
		stopped++
		sum += task.DurationMs
		if task.DurationMs > longest {
			longest = task.DurationMs
		}
	}
	if stopped > 0 {
		b.ParallelExecutionMs = sum - longest
	}

	wall := msSince(c.startTime, c.now())
	if overhead := wall - b.AccountedMs(); overhead > 0 {
		b.OverheadMs = overhead
	}
	return b
}

// Summary describes one execution for reporting.
type Summary struct {
	AgentName          string          `json:"agent_name"`
	CorrelationID      string          `json:"correlation_id"`
	Breakdown          TimingBreakdown `json:"breakdown"`
	PhaseCount         int             `json:"phase_count"`
	MetricCount        int             `json:"metric_count"`
	TimeToFirstTokenMs *float64        `json:"time_to_first_token_ms"`
	WallClockMs        float64         `json:"wall_clock_ms"`
	EfficiencyPercent  float64         `json:"efficiency_percent"`
}

// GetSummary returns the breakdown plus counters.
func (c *EnhancedExecutionTimingCollector) GetSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.breakdownLocked()
	return Summary{
		AgentName:          c.agentName,
		CorrelationID:      c.correlationID,
		Breakdown:          b,
		PhaseCount:         len(c.phases),
		MetricCount:        len(c.metrics),
		TimeToFirstTokenMs: b.TimeToFirstTokenMs,
		WallClockMs:        msSince(c.startTime, c.now()),
		EfficiencyPercent:  b.EfficiencyPercent(),
	}
}

func msSince(start, end time.Time) float64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
