package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/thc1006/agentperf/pkg/config"
	"github.com/thc1006/agentperf/pkg/handlers"
	"github.com/thc1006/agentperf/pkg/logging"
	"github.com/thc1006/agentperf/pkg/monitoring/aggregation"
	"github.com/thc1006/agentperf/pkg/monitoring/exporter"
	"github.com/thc1006/agentperf/pkg/monitoring/timing"
)

// Version is set at build time.
var Version = "dev"

const pruneInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Logging.Development,
		ServiceName: "perf-server",
		Version:     Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error(err, "perf-server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logr.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timings := timing.NewTimingAggregator(
		timing.WithLogger(logger.WithName(logging.ComponentTiming)),
		timing.WithBottleneckThreshold(cfg.Timing.BottleneckThresholdMs),
		timing.WithReportTopN(cfg.Timing.ReportTopN),
	)
	metrics := aggregation.NewMetricsAggregator(
		aggregation.WithLogger(logger.WithName(logging.ComponentAggregation)),
		aggregation.WithCacheTTL(cfg.Metrics.CacheTTL.Duration),
		aggregation.WithHistoryLimits(cfg.Metrics.BreakdownHistory, cfg.Metrics.ResourceHistory),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	perfCollector := exporter.NewCollector(metrics, timings, cfg.Timing.BottleneckThresholdMs,
		logger.WithName(logging.ComponentExporter))
	if err := perfCollector.Register(registry); err != nil {
		return fmt.Errorf("failed to register exporter: %w", err)
	}

	sampler, err := aggregation.NewResourceSampler(metrics, cfg.Metrics.ResourceSampleInterval.Duration,
		logger.WithName(logging.ComponentSampler))
	if err != nil {
		return fmt.Errorf("failed to create resource sampler: %w", err)
	}
	go sampler.Run(ctx)
	go pruneLoop(ctx, metrics, logger)

	api := handlers.NewServer(timings, metrics,
		handlers.WithLogger(logger),
		handlers.WithRegistry(registry),
		handlers.WithIngestLimit(cfg.Ingest.QPS, cfg.Ingest.Burst),
		handlers.WithMaxBodyBytes(cfg.Ingest.MaxBodyBytes),
		handlers.WithBottleneckThreshold(cfg.Timing.BottleneckThresholdMs),
	)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", server.Addr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Server forced to shutdown")
	}
	logger.Info("Server exited")
	return nil
}

func pruneLoop(ctx context.Context, metrics *aggregation.MetricsAggregator, logger logr.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := metrics.ClearOldMetrics(); removed > 0 {
				logger.V(1).Info("Pruned expired metrics", "removed", removed)
			}
		}
	}
}
