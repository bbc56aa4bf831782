package exporter

import (
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thc1006/agentperf/pkg/monitoring/aggregation"
	"github.com/thc1006/agentperf/pkg/monitoring/perf"
	"github.com/thc1006/agentperf/pkg/monitoring/timing"
)

func populatedSources(t *testing.T) (*aggregation.MetricsAggregator, *timing.TimingAggregator) {
	t.Helper()

	metrics := aggregation.NewMetricsAggregator()
	for _, v := range []float64{100, 200, 300} {
		metrics.AddMetric(perf.PerformanceMetric{MetricType: perf.MetricTTFT, Value: v})
	}
	metrics.AddResourceMetrics(aggregation.ResourceMetrics{CPUPercent: 12.5, MemoryMB: 256, ThreadCount: 9, QueueDepth: 3})

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	collector := timing.NewExecutionTimingCollector("writer", timing.WithClock(now))
	collector.StartExecution("corr-1")
	llm := collector.StartTiming("generate", timing.CategoryLLM, nil)
	clock = clock.Add(800 * time.Millisecond)
	collector.EndTiming(llm, nil)
	clock = clock.Add(200 * time.Millisecond)
	tree := collector.CompleteExecution()
	require.NotNil(t, tree)

	timings := timing.NewTimingAggregator()
	timings.AddTimingTree(tree)
	return metrics, timings
}

func TestCollectorBottleneckGauges(t *testing.T) {
	metrics, timings := populatedSources(t)
	c := NewCollector(metrics, timings, 500, logr.Discard())

	expected := `
# HELP agentperf_bottlenecks Number of detected timing bottlenecks by priority
# TYPE agentperf_bottlenecks gauge
agentperf_bottlenecks{priority="critical"} 0
agentperf_bottlenecks{priority="high"} 0
agentperf_bottlenecks{priority="low"} 1
agentperf_bottlenecks{priority="medium"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "agentperf_bottlenecks"))
}

func TestCollectorMetricValuesAndResources(t *testing.T) {
	metrics, timings := populatedSources(t)
	c := NewCollector(metrics, timings, 0, logr.Discard())

	// One metric type over three windows with five stats each.
	assert.Equal(t, 15, testutil.CollectAndCount(c, "agentperf_metric_value"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "agentperf_category_time_ms_total"))

	expected := `
# HELP agentperf_resource_cpu_percent Latest sampled process CPU usage
# TYPE agentperf_resource_cpu_percent gauge
agentperf_resource_cpu_percent 12.5
# HELP agentperf_resource_threads Latest sampled process thread count
# TYPE agentperf_resource_threads gauge
agentperf_resource_threads 9
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"agentperf_resource_cpu_percent", "agentperf_resource_threads"))
}

func TestCollectorRegistersAndToleratesNilSources(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := NewCollector(nil, nil, 0, logr.Discard())
	require.NoError(t, c.Register(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
