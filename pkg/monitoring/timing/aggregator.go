package timing

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Priority ranks a bottleneck by its average duration.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityThresholds is evaluated in order; the first threshold met wins.
var priorityThresholds = []struct {
	priority Priority
	minMs    float64
}{
	{PriorityCritical, 5000},
	{PriorityHigh, 2000},
	{PriorityMedium, 1000},
	{PriorityLow, 500},
}

// optimizationFraction estimates how much of a bottleneck's impact could be
// recovered.
var optimizationFraction = map[Priority]float64{
	PriorityCritical: 0.5,
	PriorityHigh:     0.4,
	PriorityMedium:   0.3,
	PriorityLow:      0.2,
}

// PriorityFor maps an average duration to a priority.
func PriorityFor(avgMs float64) Priority {
	for _, t := range priorityThresholds {
		if avgMs >= t.minMs {
			return t.priority
		}
	}
	return PriorityLow
}

const (
	// DefaultBottleneckThresholdMs is the per-entry duration above which an
	// operation is considered for bottleneck analysis.
	DefaultBottleneckThresholdMs = 500.0

	maxReportBottlenecks        = 10
	maxReportRecommendations    = 10
	topBottleneckRecommendation = 3
	categoryRecommendationMs    = 10000.0
	batchingSuggestionTrees     = 100
)

// Bottleneck describes one (category, operation) pair whose entries exceeded
// the threshold.
type Bottleneck struct {
	Operation       string   `json:"operation"`
	Category        Category `json:"category"`
	AvgDurationMs   float64  `json:"avg_duration_ms"`
	OccurrenceCount int      `json:"occurrence_count"`
	TotalImpactMs   float64  `json:"total_impact_ms"`
	Priority        Priority `json:"priority"`
	Recommendation  string   `json:"recommendation"`
	AffectedAgents  []string `json:"affected_agents"`
	ImpactPercent   float64  `json:"impact_percentage"`
}

// OptimizationReport is a point-in-time snapshot built by GenerateOptimizationReport.
type OptimizationReport struct {
	TotalExecutions         int                          `json:"total_executions"`
	TotalDurationMs         float64                      `json:"total_duration_ms"`
	AvgDurationMs           float64                      `json:"avg_duration_ms"`
	Bottlenecks             []Bottleneck                 `json:"bottlenecks"`
	CategoryBreakdown       map[Category]*AggregateStats `json:"category_breakdown"`
	AgentBreakdown          map[string]*AggregateStats   `json:"agent_breakdown"`
	OptimizationPotentialMs float64                      `json:"optimization_potential_ms"`
	Recommendations         []string                     `json:"recommendations"`
	GeneratedAt             time.Time                    `json:"generated_at"`
}

// CriticalPath is the longest root-to-leaf chain of one tree.
type CriticalPath struct {
	CorrelationID   string   `json:"correlation_id"`
	AgentName       string   `json:"agent_name"`
	TotalDurationMs float64  `json:"total_duration_ms"`
	Entries         []*Entry `json:"entries"`
}

// TimingAggregator accumulates completed trees from many executions and
// derives category, agent and bottleneck views on demand. Trees accumulate
// until ClearHistory is called.
type TimingAggregator struct {
	mu sync.RWMutex

	logger      logr.Logger
	now         func() time.Time
	thresholdMs float64
	reportTopN  int

	trees []*ExecutionTimingTree
}

// NewTimingAggregator creates an empty aggregator.
func NewTimingAggregator(opts ...Option) *TimingAggregator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	threshold := o.thresholdMs
	if threshold <= 0 {
		threshold = DefaultBottleneckThresholdMs
	}
	topN := o.reportTopN
	if topN <= 0 {
		topN = maxReportBottlenecks
	}
	return &TimingAggregator{
		logger:      o.logger.WithName("timing-aggregator"),
		now:         o.now,
		thresholdMs: threshold,
		reportTopN:  topN,
	}
}

// WithBottleneckThreshold sets the threshold used by GenerateOptimizationReport.
func WithBottleneckThreshold(ms float64) Option {
	return func(o *options) { o.thresholdMs = ms }
}

// WithReportTopN caps the bottlenecks carried by a report.
func WithReportTopN(n int) Option {
	return func(o *options) { o.reportTopN = n }
}

// AddTimingTree records a tree. Nil trees are ignored.
func (a *TimingAggregator) AddTimingTree(tree *ExecutionTimingTree) {
	if tree == nil {
		return
	}
	a.mu.Lock()
	a.trees = append(a.trees, tree)
	a.mu.Unlock()
	a.logger.V(1).Info("Added timing tree", "correlation_id", tree.CorrelationID, "agent", tree.AgentName)
}

// TreeCount returns the number of recorded trees.
func (a *TimingAggregator) TreeCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.trees)
}

// ClearHistory drops every recorded tree.
func (a *TimingAggregator) ClearHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trees = nil
}

// AggregateByCategory folds every completed entry into per-category stats.
func (a *TimingAggregator) AggregateByCategory() map[Category]*AggregateStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return aggregateByCategory(a.trees)
}

// AggregateByAgent folds each tree's root duration into per-agent stats.
func (a *TimingAggregator) AggregateByAgent() map[string]*AggregateStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return aggregateByAgent(a.trees)
}

// IdentifyBottlenecks groups entries slower than thresholdMs by category and
// operation, sorted by total impact descending.
func (a *TimingAggregator) IdentifyBottlenecks(thresholdMs float64) []Bottleneck {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return identifyBottlenecks(a.trees, thresholdMs)
}

// GetCriticalPaths returns each tree's critical path, longest first.
func (a *TimingAggregator) GetCriticalPaths() []CriticalPath {
	a.mu.RLock()
	defer a.mu.RUnlock()

	paths := make([]CriticalPath, 0, len(a.trees))
	for _, tree := range a.trees {
		entries := tree.GetCriticalPath()
		if len(entries) == 0 {
			continue
		}
		var total float64
		for _, e := range entries {
			total += e.DurationMs
		}
		paths = append(paths, CriticalPath{
			CorrelationID:   tree.CorrelationID,
			AgentName:       tree.AgentName,
			TotalDurationMs: total,
			Entries:         entries,
		})
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return paths[i].TotalDurationMs > paths[j].TotalDurationMs
	})
	return paths
}

// GenerateOptimizationReport builds a fresh report from the recorded trees.
func (a *TimingAggregator) GenerateOptimizationReport() *OptimizationReport {
	a.mu.RLock()
	defer a.mu.RUnlock()

	report := &OptimizationReport{
		TotalExecutions:   len(a.trees),
		CategoryBreakdown: aggregateByCategory(a.trees),
		AgentBreakdown:    aggregateByAgent(a.trees),
		Bottlenecks:       []Bottleneck{},
		Recommendations:   []string{},
		GeneratedAt:       a.now().UTC(),
	}

	for _, tree := range a.trees {
		report.TotalDurationMs += tree.TotalDurationMs()
	}
	if report.TotalExecutions > 0 {
		report.AvgDurationMs = report.TotalDurationMs / float64(report.TotalExecutions)
	}

	// Potential covers every bottleneck, not only the listed ones.
	bottlenecks := identifyBottlenecks(a.trees, a.thresholdMs)
	report.OptimizationPotentialMs = optimizationPotential(bottlenecks)
	if len(bottlenecks) > a.reportTopN {
		bottlenecks = bottlenecks[:a.reportTopN]
	}
	report.Bottlenecks = bottlenecks
	report.Recommendations = buildRecommendations(bottlenecks, report.CategoryBreakdown, len(a.trees))

	a.logger.V(1).Info("Generated optimization report",
		"executions", report.TotalExecutions,
		"bottlenecks", len(report.Bottlenecks),
		"optimization_potential_ms", report.OptimizationPotentialMs)
	return report
}

type reportSummary struct {
	TotalExecutions         int     `json:"total_executions"`
	TotalDurationMs         float64 `json:"total_duration_ms"`
	AvgDurationMs           float64 `json:"avg_duration_ms"`
	OptimizationPotentialMs float64 `json:"optimization_potential_ms"`
}

type reportDocument struct {
	GeneratedAt       string                       `json:"generated_at"`
	Summary           reportSummary                `json:"summary"`
	Bottlenecks       []Bottleneck                 `json:"bottlenecks"`
	CategoryBreakdown map[Category]*AggregateStats `json:"category_breakdown"`
	AgentBreakdown    map[string]*AggregateStats   `json:"agent_breakdown"`
	Recommendations   []string                     `json:"recommendations"`
}

// ExportReportJSON renders report as indented JSON with a fixed key layout.
func ExportReportJSON(report *OptimizationReport) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("export report: nil report")
	}
	doc := reportDocument{
		GeneratedAt: report.GeneratedAt.UTC().Format(time.RFC3339Nano),
		Summary: reportSummary{
			TotalExecutions:         report.TotalExecutions,
			TotalDurationMs:         report.TotalDurationMs,
			AvgDurationMs:           report.AvgDurationMs,
			OptimizationPotentialMs: report.OptimizationPotentialMs,
		},
		Bottlenecks:       report.Bottlenecks,
		CategoryBreakdown: report.CategoryBreakdown,
		AgentBreakdown:    report.AgentBreakdown,
		Recommendations:   report.Recommendations,
	}
	if doc.Bottlenecks == nil {
		doc.Bottlenecks = []Bottleneck{}
	}
	if doc.CategoryBreakdown == nil {
		doc.CategoryBreakdown = map[Category]*AggregateStats{}
	}
	if doc.AgentBreakdown == nil {
		doc.AgentBreakdown = map[string]*AggregateStats{}
	}
	if doc.Recommendations == nil {
		doc.Recommendations = []string{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export report: %w", err)
	}
	return data, nil
}

// ExportReportJSON generates a report and renders it.
func (a *TimingAggregator) ExportReportJSON() ([]byte, error) {
	return ExportReportJSON(a.GenerateOptimizationReport())
}

func aggregateByCategory(trees []*ExecutionTimingTree) map[Category]*AggregateStats {
	stats := make(map[Category]*AggregateStats)
	for _, tree := range trees {
		for _, entry := range tree.Entries {
			if !entry.IsComplete() {
				continue
			}
			s, ok := stats[entry.Category]
			if !ok {
				s = NewAggregateStats()
				stats[entry.Category] = s
			}
			s.AddEntry(entry)
		}
	}
	return stats
}

func aggregateByAgent(trees []*ExecutionTimingTree) map[string]*AggregateStats {
	stats := make(map[string]*AggregateStats)
	for _, tree := range trees {
		root := tree.Root()
		if root == nil || !root.IsComplete() {
			continue
		}
		s, ok := stats[tree.AgentName]
		if !ok {
			s = NewAggregateStats()
			stats[tree.AgentName] = s
		}
		s.AddEntry(root)
	}
	return stats
}

type bottleneckKey struct {
	category  Category
	operation string
}

type bottleneckGroup struct {
	total  float64
	count  int
	agents map[string]struct{}
}

func identifyBottlenecks(trees []*ExecutionTimingTree, thresholdMs float64) []Bottleneck {
	var grandTotal float64
	groups := make(map[bottleneckKey]*bottleneckGroup)

	for _, tree := range trees {
		for _, entry := range tree.Entries {
			if !entry.IsComplete() {
				continue
			}
			grandTotal += entry.DurationMs
			if entry.DurationMs <= thresholdMs {
				continue
			}
			key := bottleneckKey{category: entry.Category, operation: entry.Operation}
			g, ok := groups[key]
			if !ok {
				g = &bottleneckGroup{agents: make(map[string]struct{})}
				groups[key] = g
			}
			g.total += entry.DurationMs
			g.count++
			g.agents[tree.AgentName] = struct{}{}
		}
	}

	bottlenecks := make([]Bottleneck, 0, len(groups))
	for key, g := range groups {
		avg := g.total / float64(g.count)
		agents := make([]string, 0, len(g.agents))
		for name := range g.agents {
			agents = append(agents, name)
		}
		sort.Strings(agents)

		b := Bottleneck{
			Operation:       key.operation,
			Category:        key.category,
			AvgDurationMs:   avg,
			OccurrenceCount: g.count,
			TotalImpactMs:   g.total,
			Priority:        PriorityFor(avg),
			Recommendation:  recommendationFor(key.category, key.operation, avg),
			AffectedAgents:  agents,
		}
		if grandTotal > 0 {
			b.ImpactPercent = g.total / grandTotal * 100
		}
		bottlenecks = append(bottlenecks, b)
	}

	sort.Slice(bottlenecks, func(i, j int) bool {
		if bottlenecks[i].TotalImpactMs != bottlenecks[j].TotalImpactMs {
			return bottlenecks[i].TotalImpactMs > bottlenecks[j].TotalImpactMs
		}
		if bottlenecks[i].Category != bottlenecks[j].Category {
			return bottlenecks[i].Category < bottlenecks[j].Category
		}
		return bottlenecks[i].Operation < bottlenecks[j].Operation
	})
	return bottlenecks
}

func optimizationPotential(bottlenecks []Bottleneck) float64 {
	var potential float64
	for _, b := range bottlenecks {
		potential += b.TotalImpactMs * optimizationFraction[b.Priority]
	}
	return potential
}

func buildRecommendations(bottlenecks []Bottleneck, categories map[Category]*AggregateStats, treeCount int) []string {
	recs := make([]string, 0, maxReportRecommendations)

	for i, b := range bottlenecks {
		if i >= topBottleneckRecommendation {
			break
		}
		recs = append(recs, fmt.Sprintf("[%s] %s (%s, avg %.0fms x%d): %s",
			b.Priority, b.Operation, b.Category, b.AvgDurationMs, b.OccurrenceCount, b.Recommendation))
	}

	for _, category := range AllCategories {
		s, ok := categories[category]
		if !ok || s.TotalTimeMs <= categoryRecommendationMs {
			continue
		}
		recs = append(recs, categoryRecommendation(category, s.TotalTimeMs))
	}

	if treeCount > batchingSuggestionTrees {
		recs = append(recs, fmt.Sprintf("%d executions recorded; batch similar requests to amortize per-execution overhead", treeCount))
	}

	if len(recs) > maxReportRecommendations {
		recs = recs[:maxReportRecommendations]
	}
	return recs
}
