package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/thc1006/agentperf/pkg/config"
	"github.com/thc1006/agentperf/pkg/logging"
	"github.com/thc1006/agentperf/pkg/monitoring/aggregation"
	"github.com/thc1006/agentperf/pkg/monitoring/observability"
	"github.com/thc1006/agentperf/pkg/monitoring/perf"
	"github.com/thc1006/agentperf/pkg/monitoring/timing"
)

func main() {
	workflows := flag.Int("workflows", 6, "number of synthetic workflows to run")
	agents := flag.String("agents", "planner,researcher,writer", "comma-separated agent names")
	seed := flag.Int64("seed", 1, "random seed for phase durations")
	threshold := flag.Float64("threshold-ms", 50, "bottleneck threshold in milliseconds, 0 uses the configured value")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Format: "console", Development: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	slo, err := cfg.SLOThresholdMap()
	if err != nil {
		logger.Error(err, "Invalid SLO thresholds")
		os.Exit(1)
	}
	if *threshold <= 0 {
		*threshold = cfg.Timing.BottleneckThresholdMs
	}

	timings := timing.NewTimingAggregator(
		timing.WithLogger(logger.WithName(logging.ComponentTiming)),
		timing.WithBottleneckThreshold(*threshold),
		timing.WithReportTopN(cfg.Timing.ReportTopN),
	)
	supervisor := observability.NewSupervisorObservability(timings, aggregation.GetGlobalAggregator(),
		observability.WithLogger(logger.WithName(logging.ComponentObservability)),
		observability.WithSLOThresholds(slo),
		observability.WithAnomalyZScore(cfg.Metrics.AnomalyZScore),
	)

	rng := rand.New(rand.NewSource(*seed))
	names := strings.Split(*agents, ",")
	for i := 0; i < *workflows; i++ {
		agent := strings.TrimSpace(names[i%len(names)])
		if err := runWorkflow(context.Background(), supervisor, agent, rng, logger); err != nil {
			logger.Error(err, "Workflow failed", "agent", agent)
		}
	}

	report, err := timings.ExportReportJSON()
	if err != nil {
		logger.Error(err, "Failed to export optimization report")
		os.Exit(1)
	}
	fmt.Println(string(report))

	summary, err := json.MarshalIndent(supervisor.Report().Performance, "", "  ")
	if err != nil {
		logger.Error(err, "Failed to encode performance summary")
		os.Exit(1)
	}
	fmt.Println(string(summary))
}

func jitter(rng *rand.Rand, minMs, maxMs int) time.Duration {
	return time.Duration(minMs+rng.Intn(maxMs-minMs+1)) * time.Millisecond
}

func runWorkflow(ctx context.Context, s *observability.SupervisorObservability, agent string, rng *rand.Rand, logger logr.Logger) error {
	ctx, w := s.StartWorkflow(ctx, "answer_request", agent)

	// Durations are drawn up front so parallel tasks never share the generator.
	initFor := jitter(rng, 5, 15)
	queueFor := jitter(rng, 1, 30)
	dbFor := jitter(rng, 10, 40)
	firstTokenFor := jitter(rng, 20, 60)
	generateFor := jitter(rng, 40, 120)
	toolDurations := map[string]time.Duration{
		"search":    jitter(rng, 10, 50),
		"calculate": jitter(rng, 5, 20),
		"fetch_doc": jitter(rng, 15, 60),
	}
	notifyFor := jitter(rng, 1, 5)

	sleep := func(d time.Duration) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	steps := []struct {
		name     string
		category timing.Category
		fn       func(ctx context.Context) error
	}{
		{"initialization", timing.CategoryOrchestration, sleep(initFor)},
		{"queue_wait", timing.CategoryOrchestration, sleep(queueFor)},
		{"db_context_lookup", timing.CategoryDatabase, sleep(dbFor)},
		{"llm_generate", timing.CategoryLLM, func(ctx context.Context) error {
			if err := sleep(firstTokenFor)(ctx); err != nil {
				return err
			}
			w.Phases.RecordFirstToken()
			return sleep(generateFor)(ctx)
		}},
		{"tool_execution", timing.CategoryProcessing, func(ctx context.Context) error {
			tasks := make(map[string]func(ctx context.Context) error, len(toolDurations))
			for name, d := range toolDurations {
				tasks[name] = sleep(d)
			}
			return w.Phases.RunParallel(ctx, tasks)
		}},
		{"websocket_notify", timing.CategoryNetwork, sleep(notifyFor)},
	}
	for _, step := range steps {
		if err := w.RunPhase(ctx, step.name, step.category, step.fn); err != nil {
			return err
		}
	}
	w.Phases.AddMetric(perf.MetricThreadPoolUsage, float64(len(toolDurations)), map[string]any{"source": "tool_execution"})

	result, err := s.CompleteWorkflow(w.CorrelationID)
	if err != nil {
		return err
	}
	logger.Info("Workflow finished",
		"agent", agent,
		"correlation_id", result.CorrelationID,
		"total_ms", result.Summary.Breakdown.TotalMs,
		"efficiency_percent", result.Summary.EfficiencyPercent,
		"recommendations", len(result.Analysis.Recommendations))
	return nil
}
