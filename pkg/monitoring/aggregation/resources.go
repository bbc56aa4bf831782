package aggregation

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/thc1006/agentperf/pkg/monitoring/perf"
)

// DefaultResourceSampleInterval is used when the sampler is given no interval.
const DefaultResourceSampleInterval = 15 * time.Second

// ResourceSampler periodically snapshots the current process and feeds the
// snapshot into an aggregator. Memory and thread usage are also recorded as
// metrics so they take part in windowed aggregation.
type ResourceSampler struct {
	aggregator *MetricsAggregator
	proc       *process.Process
	interval   time.Duration
	logger     logr.Logger

	// ConnectionPoolSize and QueueDepth, when set, report host gauges that
	// the process itself cannot observe.
	ConnectionPoolSize func() int
	QueueDepth         func() int
}

// NewResourceSampler creates a sampler for the running process.
func NewResourceSampler(aggregator *MetricsAggregator, interval time.Duration, logger logr.Logger) (*ResourceSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open current process: %w", err)
	}
	if interval <= 0 {
		interval = DefaultResourceSampleInterval
	}
	return &ResourceSampler{
		aggregator: aggregator,
		proc:       proc,
		interval:   interval,
		logger:     logger.WithName("resource-sampler"),
	}, nil
}

// Snapshot reads the process counters without recording them.
func (s *ResourceSampler) Snapshot(ctx context.Context) (ResourceMetrics, error) {
	var r ResourceMetrics

	cpu, err := s.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("read cpu percent: %w", err)
	}
	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("read memory info: %w", err)
	}
	memPercent, err := s.proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("read memory percent: %w", err)
	}
	threads, err := s.proc.NumThreadsWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("read thread count: %w", err)
	}

	r.CPUPercent = cpu
	r.MemoryMB = float64(memInfo.RSS) / (1024 * 1024)
	r.MemoryPercent = float64(memPercent)
	r.ThreadCount = int(threads)
	if s.ConnectionPoolSize != nil {
		r.ConnectionPoolSize = s.ConnectionPoolSize()
	}
	if s.QueueDepth != nil {
		r.QueueDepth = s.QueueDepth()
	}
	return r, nil
}

// Sample takes one snapshot and records it.
func (s *ResourceSampler) Sample(ctx context.Context) error {
	r, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.aggregator.AddResourceMetrics(r)
	s.aggregator.AddMetric(perf.PerformanceMetric{
		MetricType: perf.MetricMemoryUsage,
		Value:      r.MemoryMB,
		Metadata:   map[string]any{"unit": "mb"},
	})
	s.aggregator.AddMetric(perf.PerformanceMetric{
		MetricType: perf.MetricThreadPoolUsage,
		Value:      float64(r.ThreadCount),
		Metadata:   map[string]any{"unit": "threads"},
	})
	return nil
}

// Run samples on every tick until ctx is cancelled. Sampling failures are
// logged and do not stop the loop.
func (s *ResourceSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting resource sampling", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping resource sampling")
			return
		case <-ticker.C:
			if err := s.Sample(ctx); err != nil {
				s.logger.Error(err, "Failed to sample process resources")
			}
		}
	}
}
