package perf

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/stat"
)

// Analysis thresholds.
const (
	BottleneckShare        = 0.30
	QueueWaitShare         = 0.20
	DatabaseQueryShare     = 0.25
	OverheadShare          = 0.15
	SlowFirstTokenMs       = 5000.0
	DefaultAnomalyZScore   = 3.0
	minSamplesForAnomalies = 3
)

// DefaultSLOThresholds are upper bounds in milliseconds (percent for usage
// metrics) used when no thresholds are configured.
var DefaultSLOThresholds = map[MetricType]float64{
	MetricTTFT:           2000,
	MetricTotalExecution: 30000,
	MetricQueueWait:      1000,
	MetricDatabaseQuery:  500,
	MetricExternalAPI:    2000,
	MetricWebSocket:      100,
}

// PhaseBottleneck is a breakdown bucket that dominates total time.
type PhaseBottleneck struct {
	Phase      string  `json:"phase"`
	DurationMs float64 `json:"duration_ms"`
	Percentage float64 `json:"percentage"`
}

// BreakdownAnalysis is the result of AnalyzeTimingBreakdown.
type BreakdownAnalysis struct {
	Bottlenecks       []PhaseBottleneck `json:"bottlenecks"`
	Recommendations   []string          `json:"recommendations"`
	Warnings          []string          `json:"warnings"`
	EfficiencyPercent float64           `json:"efficiency_percent"`
}

// Anomaly is a sample far from its metric type's mean.
type Anomaly struct {
	Metric PerformanceMetric `json:"metric"`
	ZScore float64           `json:"z_score"`
	Mean   float64           `json:"mean"`
	StdDev float64           `json:"std_dev"`
}

// SLOCompliance reports how many samples of one metric type met the threshold.
type SLOCompliance struct {
	Threshold         float64 `json:"threshold"`
	Samples           int     `json:"samples"`
	Violations        int     `json:"violations"`
	CompliancePercent float64 `json:"compliance_percent"`
}

// PerformanceAnalyzer is stateless apart from its configuration.
type PerformanceAnalyzer struct {
	logger    logr.Logger
	zScoreMax float64
}

// NewPerformanceAnalyzer returns an analyzer flagging anomalies above
// zScore standard deviations. Non-positive values use DefaultAnomalyZScore.
func NewPerformanceAnalyzer(zScore float64, opts ...Option) *PerformanceAnalyzer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if zScore <= 0 {
		zScore = DefaultAnomalyZScore
	}
	return &PerformanceAnalyzer{logger: o.logger.WithName("performance-analyzer"), zScoreMax: zScore}
}

// AnalyzeTimingBreakdown flags buckets above 30% of total time and emits
// fixed recommendations for queue wait, database and overhead shares.
func (a *PerformanceAnalyzer) AnalyzeTimingBreakdown(b TimingBreakdown) BreakdownAnalysis {
	analysis := BreakdownAnalysis{
		Bottlenecks:       []PhaseBottleneck{},
		Recommendations:   []string{},
		Warnings:          []string{},
		EfficiencyPercent: b.EfficiencyPercent(),
	}

	if b.TimeToFirstTokenMs != nil && *b.TimeToFirstTokenMs > SlowFirstTokenMs {
		analysis.Warnings = append(analysis.Warnings,
			fmt.Sprintf("Time to first token %.0fms exceeds %.0fms", *b.TimeToFirstTokenMs, SlowFirstTokenMs))
	}

	if b.TotalMs <= 0 {
		return analysis
	}

	buckets := b.Buckets()
	for _, name := range BucketNames {
		share := buckets[name] / b.TotalMs
		if share > BottleneckShare {
			analysis.Bottlenecks = append(analysis.Bottlenecks, PhaseBottleneck{
				Phase:      name,
				DurationMs: buckets[name],
				Percentage: share * 100,
			})
		}
	}
	sort.SliceStable(analysis.Bottlenecks, func(i, j int) bool {
		return analysis.Bottlenecks[i].DurationMs > analysis.Bottlenecks[j].DurationMs
	})

	if b.QueueWaitMs/b.TotalMs > QueueWaitShare {
		analysis.Recommendations = append(analysis.Recommendations,
			"High queue wait time - consider increasing worker pool size")
	}
	if b.DatabaseQueryMs/b.TotalMs > DatabaseQueryShare {
		analysis.Recommendations = append(analysis.Recommendations,
			"Database queries taking significant time - review indexes and cache hot reads")
	}
	if b.OverheadMs/b.TotalMs > OverheadShare {
		analysis.Recommendations = append(analysis.Recommendations,
			"High unaccounted overhead - instrument untracked phases")
	}

	a.logger.V(1).Info("Analyzed timing breakdown",
		"total_ms", b.TotalMs, "bottlenecks", len(analysis.Bottlenecks))
	return analysis
}

// DetectAnomalies flags samples whose z-score within their metric type group
// exceeds the configured bound. Groups with fewer than three samples or zero
// spread are skipped.
func (a *PerformanceAnalyzer) DetectAnomalies(metrics []PerformanceMetric) []Anomaly {
	groups := make(map[MetricType][]PerformanceMetric)
	for _, m := range metrics {
		groups[m.MetricType] = append(groups[m.MetricType], m)
	}

	anomalies := []Anomaly{}
	for _, mt := range AllMetricTypes {
		group := groups[mt]
		if len(group) < minSamplesForAnomalies {
			continue
		}
		values := make([]float64, len(group))
		for i, m := range group {
			values[i] = m.Value
		}
		mean, stdDev := stat.MeanStdDev(values, nil)
		if stdDev == 0 || math.IsNaN(stdDev) {
			continue
		}
		for _, m := range group {
			z := math.Abs(m.Value-mean) / stdDev
			if z > a.zScoreMax {
				anomalies = append(anomalies, Anomaly{Metric: m, ZScore: z, Mean: mean, StdDev: stdDev})
			}
		}
	}
	return anomalies
}

// CalculateSLOCompliance returns, per threshold, the percentage of samples at
// or below it. Metric types without samples are fully compliant.
func (a *PerformanceAnalyzer) CalculateSLOCompliance(metrics []PerformanceMetric, thresholds map[MetricType]float64) map[MetricType]SLOCompliance {
	if thresholds == nil {
		thresholds = DefaultSLOThresholds
	}

	result := make(map[MetricType]SLOCompliance, len(thresholds))
	for mt, threshold := range thresholds {
		c := SLOCompliance{Threshold: threshold, CompliancePercent: 100}
		for _, m := range metrics {
			if m.MetricType != mt {
				continue
			}
			c.Samples++
			if m.Value > threshold {
				c.Violations++
			}
		}
		if c.Samples > 0 {
			c.CompliancePercent = float64(c.Samples-c.Violations) / float64(c.Samples) * 100
		}
		result[mt] = c
	}
	return result
}
