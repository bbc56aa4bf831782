package perf

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(ms float64) {
	c.t = c.t.Add(time.Duration(ms * float64(time.Millisecond)))
}

func TestPhaseTimerStopIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	p := newPhaseTimer("llm_call", nil, clock.Now)
	assert.False(t, p.Stopped())

	clock.Advance(35)
	first := p.Stop()
	clock.Advance(100)
	second := p.Stop()

	assert.InDelta(t, 35.0, first, 1e-9)
	assert.Equal(t, first, second)
	assert.True(t, p.Stopped())
}

func TestBreakdownSumsPhasesIntoBuckets(t *testing.T) {
	clock := newFakeClock()
	c := NewEnhancedExecutionTimingCollector("writer", "corr-1", WithClock(clock.Now))

	phases := []struct {
		name string
		ms   float64
	}{
		{"agent_init", 20},
		{"tool_search", 100},
		{"LLM_generate", 300},
		{"llm_refine", 50},
		{"db_lookup", 40},
		{"external_api_call", 60},
		{"queue", 10},
		{"websocket_send", 5},
		{"misc_bookkeeping", 15},
	}
	for _, p := range phases {
		c.StartPhase(p.name, nil)
		clock.Advance(p.ms)
		d, ok := c.StopPhase(p.name)
		require.True(t, ok)
		assert.InDelta(t, p.ms, d, 1e-9)
	}
	clock.Advance(25)

	b := c.GetBreakdown()
	assert.InDelta(t, 20.0, b.InitializationMs, 1e-9)
	assert.InDelta(t, 100.0, b.ToolExecutionMs, 1e-9)
	assert.InDelta(t, 350.0, b.LLMProcessingMs, 1e-9)
	assert.InDelta(t, 40.0, b.DatabaseQueryMs, 1e-9)
	assert.InDelta(t, 60.0, b.ExternalAPIMs, 1e-9)
	assert.InDelta(t, 10.0, b.QueueWaitMs, 1e-9)
	assert.InDelta(t, 5.0, b.WebSocketNotificationMs, 1e-9)
	assert.InDelta(t, 600.0, b.TotalMs, 1e-9)
	// 625ms wall clock minus 585ms accounted.
	assert.InDelta(t, 40.0, b.OverheadMs, 1e-9)
	assert.Nil(t, b.TimeToFirstTokenMs)

	buckets := b.Buckets()
	assert.Len(t, buckets, 8)
	assert.InDelta(t, 40.0, buckets[BucketOverhead], 1e-9)
	assert.InDelta(t, (1-40.0/600.0)*100, b.EfficiencyPercent(), 1e-9)
}

func TestStopPhaseRecordsInferredMetric(t *testing.T) {
	clock := newFakeClock()
	c := NewEnhancedExecutionTimingCollector("writer", "corr-1", WithClock(clock.Now))

	c.StartPhase("database_read", nil)
	clock.Advance(12)
	c.StopPhase("database_read")
	c.StopPhase("database_read")

	_, ok := c.StopPhase("never_started")
	assert.False(t, ok)

	metrics := c.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, MetricDatabaseQuery, metrics[0].MetricType)
	assert.InDelta(t, 12.0, metrics[0].Value, 1e-9)
	assert.Equal(t, "writer", metrics[0].AgentName)
	assert.Equal(t, "corr-1", metrics[0].CorrelationID)
}

func TestStartPhaseRestartReplacesRunningTimer(t *testing.T) {
	clock := newFakeClock()
	c := NewEnhancedExecutionTimingCollector("writer", "corr", WithClock(clock.Now))

	first := c.StartPhase("tool_call", nil)
	clock.Advance(30)
	second := c.StartPhase("tool_call", nil)
	assert.True(t, first.Stopped())
	assert.InDelta(t, 30.0, first.DurationMs, 1e-9)

	clock.Advance(70)
	d, ok := c.StopPhase("tool_call")
	require.True(t, ok)
	assert.InDelta(t, 70.0, d, 1e-9)
	assert.True(t, second.Stopped())

	b := c.GetBreakdown()
	assert.InDelta(t, 70.0, b.ToolExecutionMs, 1e-9)
	assert.Len(t, c.Metrics(), 1)
}

func TestRecordFirstTokenOnlyOnce(t *testing.T) {
	clock := newFakeClock()
	c := NewEnhancedExecutionTimingCollector("writer", "corr", WithClock(clock.Now))

	clock.Advance(180)
	assert.InDelta(t, 180.0, c.RecordFirstToken(), 1e-9)
	clock.Advance(50)
	assert.Zero(t, c.RecordFirstToken())

	metrics := c.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, MetricTTFT, metrics[0].MetricType)

	b := c.GetBreakdown()
	require.NotNil(t, b.TimeToFirstTokenMs)
	assert.InDelta(t, 180.0, *b.TimeToFirstTokenMs, 1e-9)
}

func TestParallelExecutionSavings(t *testing.T) {
	clock := newFakeClock()
	c := NewEnhancedExecutionTimingCollector("researcher", "corr", WithClock(clock.Now))

	c.StartParallelTask("search_a")
	c.StartParallelTask("search_b")
	c.StartParallelTask("search_c")
	clock.Advance(10)
	c.StopParallelTask("search_a")
	clock.Advance(5)
	c.StopParallelTask("search_c")
	clock.Advance(5)
	c.StopParallelTask("search_b")

	_, ok := c.StopParallelTask("missing")
	assert.False(t, ok)

	b := c.GetBreakdown()
	assert.InDelta(t, 25.0, b.ParallelExecutionMs, 1e-9)
	assert.Zero(t, b.TotalMs, "parallel tasks are not phases")
}

func TestStartParallelTaskRestartWarns(t *testing.T) {
	clock := newFakeClock()
	core, logs := observer.New(zap.InfoLevel)
	c := NewEnhancedExecutionTimingCollector("researcher", "corr",
		WithClock(clock.Now), WithLogger(zapr.NewLogger(zap.New(core))))

	first := c.StartParallelTask("search")
	clock.Advance(40)
	second := c.StartParallelTask("search")
	assert.True(t, first.Stopped())
	assert.InDelta(t, 40.0, first.DurationMs, 1e-9)
	assert.False(t, second.Stopped())

	entries := logs.FilterMessage("Parallel task already running, restarting").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["warning"])
	assert.Equal(t, "search", entries[0].ContextMap()["task"])

	clock.Advance(15)
	d, ok := c.StopParallelTask("search")
	require.True(t, ok)
	assert.InDelta(t, 15.0, d, 1e-9)

	c.StartParallelTask("search")
	assert.Len(t, logs.FilterMessage("Parallel task already running, restarting").All(), 1,
		"starting a stopped task again is not a restart")
}

func TestRunParallelTimesEveryTask(t *testing.T) {
	c := NewEnhancedExecutionTimingCollector("researcher", "corr")
	var ran atomic.Int32

	err := c.RunParallel(context.Background(), map[string]func(context.Context) error{
		"a": func(ctx context.Context) error { ran.Add(1); return nil },
		"b": func(ctx context.Context) error { ran.Add(1); return nil },
		"c": func(ctx context.Context) error { ran.Add(1); return nil },
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, ran.Load())

	b := c.GetBreakdown()
	assert.GreaterOrEqual(t, b.ParallelExecutionMs, 0.0)
}

func TestRunParallelReturnsFirstError(t *testing.T) {
	c := NewEnhancedExecutionTimingCollector("researcher", "corr")
	boom := errors.New("boom")

	err := c.RunParallel(context.Background(), map[string]func(context.Context) error{
		"fails": func(ctx context.Context) error { return boom },
		"waits": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSummary(t *testing.T) {
	clock := newFakeClock()
	c := NewEnhancedExecutionTimingCollector("writer", "corr-9", WithClock(clock.Now))
	c.StartPhase("init", nil)
	clock.Advance(10)
	c.StopPhase("init")
	c.AddMetric(MetricMemoryUsage, 512, map[string]any{"unit": "mb"})
	clock.Advance(10)

	s := c.GetSummary()
	assert.Equal(t, "writer", s.AgentName)
	assert.Equal(t, "corr-9", s.CorrelationID)
	assert.Equal(t, 1, s.PhaseCount)
	assert.Equal(t, 2, s.MetricCount)
	assert.InDelta(t, 20.0, s.WallClockMs, 1e-9)
	assert.Nil(t, s.TimeToFirstTokenMs)
	assert.InDelta(t, 10.0, s.Breakdown.OverheadMs, 1e-9)
	assert.InDelta(t, 0.0, s.EfficiencyPercent, 1e-9)
}

func TestPhaseKeywordTables(t *testing.T) {
	cases := map[string]struct {
		bucket string
		metric MetricType
	}{
		"Initialize":       {BucketInitialization, MetricInitialization},
		"tool_exec":        {BucketToolExecution, MetricToolExecution},
		"llm":              {BucketLLMProcessing, MetricLLMProcessing},
		"websocket_notify": {BucketWebSocket, MetricWebSocket},
		"DB":               {BucketDatabaseQuery, MetricDatabaseQuery},
		"external_fetch":   {BucketExternalAPI, MetricExternalAPI},
		"queue_wait":       {BucketQueueWait, MetricQueueWait},
		"render":           {"", MetricTotalExecution},
	}
	for name, want := range cases {
		assert.Equal(t, want.bucket, BucketForPhase(name), name)
		assert.Equal(t, want.metric, MetricTypeForPhase(name), name)
	}
}

func TestParseMetricType(t *testing.T) {
	mt, err := ParseMetricType(" TTFT ")
	require.NoError(t, err)
	assert.Equal(t, MetricTTFT, mt)

	_, err = ParseMetricType("latency_of_everything")
	assert.ErrorIs(t, err, ErrUnknownMetricType)
}
