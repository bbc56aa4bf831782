// Package exporter exposes aggregated performance data as Prometheus metrics.
package exporter

import (
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thc1006/agentperf/pkg/monitoring/aggregation"
	"github.com/thc1006/agentperf/pkg/monitoring/perf"
	"github.com/thc1006/agentperf/pkg/monitoring/timing"
)

const namespace = "agentperf"

// MetricsSource provides windowed metric aggregates.
type MetricsSource interface {
	GetAggregatedMetrics(metricType perf.MetricType, window aggregation.AggregationWindow) *aggregation.AggregatedMetrics
	ResourceHistory() []aggregation.ResourceMetrics
}

// TimingSource provides timing-tree aggregates.
type TimingSource interface {
	AggregateByCategory() map[timing.Category]*timing.AggregateStats
	IdentifyBottlenecks(thresholdMs float64) []timing.Bottleneck
}

// exportedWindows are the windows published as gauges.
var exportedWindows = []aggregation.AggregationWindow{
	aggregation.WindowMinute,
	aggregation.WindowFiveMinutes,
	aggregation.WindowHour,
}

// Collector computes gauges from its sources on every scrape.
type Collector struct {
	metrics     MetricsSource
	timings     TimingSource
	thresholdMs float64
	logger      logr.Logger

	metricValueDesc   *prometheus.Desc
	categoryTimeDesc  *prometheus.Desc
	categoryCountDesc *prometheus.Desc
	bottlenecksDesc   *prometheus.Desc
	cpuDesc           *prometheus.Desc
	memoryMBDesc      *prometheus.Desc
	memoryPctDesc     *prometheus.Desc
	threadsDesc       *prometheus.Desc
	queueDepthDesc    *prometheus.Desc
	connPoolDesc      *prometheus.Desc
}

// NewCollector builds a collector. Either source may be nil.
func NewCollector(metrics MetricsSource, timings TimingSource, thresholdMs float64, logger logr.Logger) *Collector {
	if thresholdMs <= 0 {
		thresholdMs = timing.DefaultBottleneckThresholdMs
	}
	return &Collector{
		metrics:     metrics,
		timings:     timings,
		thresholdMs: thresholdMs,
		logger:      logger.WithName("prometheus-exporter"),

		metricValueDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "metric_value"),
			"Windowed statistic of a performance metric",
			[]string{"metric_type", "window", "stat"}, nil),
		categoryTimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "category_time_ms_total"),
			"Total time spent per operation category across recorded executions",
			[]string{"category"}, nil),
		categoryCountDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "category_operations_total"),
			"Number of completed operations per category",
			[]string{"category"}, nil),
		bottlenecksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bottlenecks"),
			"Number of detected timing bottlenecks by priority",
			[]string{"priority"}, nil),
		cpuDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resource", "cpu_percent"),
			"Latest sampled process CPU usage", nil, nil),
		memoryMBDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resource", "memory_mb"),
			"Latest sampled process resident memory in MB", nil, nil),
		memoryPctDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resource", "memory_percent"),
			"Latest sampled process memory share", nil, nil),
		threadsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resource", "threads"),
			"Latest sampled process thread count", nil, nil),
		queueDepthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resource", "queue_depth"),
			"Latest reported work queue depth", nil, nil),
		connPoolDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resource", "connection_pool_size"),
			"Latest reported connection pool size", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.metricValueDesc
	ch <- c.categoryTimeDesc
	ch <- c.categoryCountDesc
	ch <- c.bottlenecksDesc
	ch <- c.cpuDesc
	ch <- c.memoryMBDesc
	ch <- c.memoryPctDesc
	ch <- c.threadsDesc
	ch <- c.queueDepthDesc
	ch <- c.connPoolDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.metrics != nil {
		c.collectMetricValues(ch)
		c.collectResources(ch)
	}
	if c.timings != nil {
		c.collectTimings(ch)
	}
}

func (c *Collector) collectMetricValues(ch chan<- prometheus.Metric) {
	for _, mt := range perf.AllMetricTypes {
		for _, w := range exportedWindows {
			agg := c.metrics.GetAggregatedMetrics(mt, w)
			if agg == nil {
				continue
			}
			stats := []struct {
				name  string
				value float64
			}{
				{"p50", agg.P50},
				{"p95", agg.P95},
				{"p99", agg.P99},
				{"mean", agg.Mean},
				{"count", float64(agg.Count)},
			}
			for _, s := range stats {
				ch <- prometheus.MustNewConstMetric(c.metricValueDesc, prometheus.GaugeValue, s.value,
					string(mt), w.String(), s.name)
			}
		}
	}
}

func (c *Collector) collectResources(ch chan<- prometheus.Metric) {
	history := c.metrics.ResourceHistory()
	if len(history) == 0 {
		return
	}
	latest := history[len(history)-1]
	ch <- prometheus.MustNewConstMetric(c.cpuDesc, prometheus.GaugeValue, latest.CPUPercent)
	ch <- prometheus.MustNewConstMetric(c.memoryMBDesc, prometheus.GaugeValue, latest.MemoryMB)
	ch <- prometheus.MustNewConstMetric(c.memoryPctDesc, prometheus.GaugeValue, latest.MemoryPercent)
	ch <- prometheus.MustNewConstMetric(c.threadsDesc, prometheus.GaugeValue, float64(latest.ThreadCount))
	ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(latest.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.connPoolDesc, prometheus.GaugeValue, float64(latest.ConnectionPoolSize))
}

func (c *Collector) collectTimings(ch chan<- prometheus.Metric) {
	for category, stats := range c.timings.AggregateByCategory() {
		ch <- prometheus.MustNewConstMetric(c.categoryTimeDesc, prometheus.GaugeValue, stats.TotalTimeMs, string(category))
		ch <- prometheus.MustNewConstMetric(c.categoryCountDesc, prometheus.GaugeValue, float64(stats.Count), string(category))
	}

	counts := map[timing.Priority]int{
		timing.PriorityCritical: 0,
		timing.PriorityHigh:     0,
		timing.PriorityMedium:   0,
		timing.PriorityLow:      0,
	}
	bottlenecks := c.timings.IdentifyBottlenecks(c.thresholdMs)
	for _, b := range bottlenecks {
		counts[b.Priority]++
	}
	for priority, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.bottlenecksDesc, prometheus.GaugeValue, float64(n), string(priority))
	}
	c.logger.V(1).Info("Collected timing gauges", "bottlenecks", len(bottlenecks))
}

// Register adds the collector to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	return reg.Register(c)
}
