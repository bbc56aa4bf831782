package timing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// IncompleteTimingError is recorded on entries that were still open when
// their execution completed.
const IncompleteTimingError = "Execution completed with unclosed timing"

// Option configures a collector or aggregator.
type Option func(*options)

type options struct {
	logger      logr.Logger
	now         func() time.Time
	thresholdMs float64
	reportTopN  int
}

func defaultOptions() options {
	return options{logger: logr.Discard(), now: time.Now}
}

// WithLogger sets the logger used for usage warnings.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// ExecutionTimingCollector builds one timing tree per execution. Nesting
// follows an explicit stack: the most recently started open entry becomes the
// parent of the next one. One collector serves one logical, non-parallel
// execution; parallel branches need their own collectors.
type ExecutionTimingCollector struct {
	mu sync.Mutex

	agentName string
	logger    logr.Logger
	now       func() time.Time

	currentTree    *ExecutionTimingTree
	entryStack     []string
	activeEntries  map[string]*Entry
	completedTrees []*ExecutionTimingTree
}

// NewExecutionTimingCollector creates a collector for agentName.
func NewExecutionTimingCollector(agentName string, opts ...Option) *ExecutionTimingCollector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ExecutionTimingCollector{
		agentName:     agentName,
		logger:        o.logger.WithName("timing-collector").WithValues("agent", agentName),
		now:           o.now,
		activeEntries: make(map[string]*Entry),
	}
}

// AgentName returns the agent this collector times.
func (c *ExecutionTimingCollector) AgentName() string {
	return c.agentName
}

// StartExecution begins a new tree with a single open orchestration root and
// resets the entry stack to that root.
func (c *ExecutionTimingCollector) StartExecution(correlationID string) *ExecutionTimingTree {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentTree != nil {
		c.logger.Info("Starting execution while another is in progress, previous tree discarded",
			"warning", true,
			"previous_correlation_id", c.currentTree.CorrelationID,
			"correlation_id", correlationID)
	}

	root := NewEntry(fmt.Sprintf("%s_execution", c.agentName), CategoryOrchestration, "", c.now(),
		map[string]any{"correlation_id": correlationID})
	tree := NewExecutionTimingTree(correlationID, c.agentName, root)

	c.currentTree = tree
	c.entryStack = []string{root.ID}
	c.activeEntries = map[string]*Entry{root.ID: root}

	c.logger.V(1).Info("Started execution timing", "correlation_id", correlationID, "root_id", root.ID)
	return tree
}

// StartTiming opens a new entry nested under the top of the stack.
func (c *ExecutionTimingCollector) StartTiming(operation string, category Category, metadata map[string]any) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	parentID := ""
	if n := len(c.entryStack); n > 0 {
		parentID = c.entryStack[n-1]
	}

	entry := NewEntry(operation, category, parentID, c.now(), metadata)
	c.entryStack = append(c.entryStack, entry.ID)
	c.activeEntries[entry.ID] = entry

	if c.currentTree != nil {
		if err := c.currentTree.AddEntry(entry); err != nil {
			c.logger.Info("Timing entry not attached to tree", "warning", true, "operation", operation, "reason", err.Error())
		}
	}
	return entry
}

// EndTiming closes entry and truncates the stack at its position, dropping
// any descendants that are still open. Unknown or already closed entries are
// logged and ignored.
func (c *ExecutionTimingCollector) EndTiming(entry *Entry, err error) {
	if entry == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.activeEntries[entry.ID]; !ok {
		c.logger.Info("Attempted to end untracked timing entry", "warning", true,
			"entry_id", entry.ID, "operation", entry.Operation)
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	entry.CompleteAt(c.now(), errMsg)
	delete(c.activeEntries, entry.ID)

	for i, id := range c.entryStack {
		if id == entry.ID {
			c.entryStack = c.entryStack[:i]
			break
		}
	}
}

// CompleteExecution closes the root and any still-open entries, archives the
// current tree and returns it. Returns nil if no execution was started.
func (c *ExecutionTimingCollector) CompleteExecution() *ExecutionTimingTree {
	c.mu.Lock()
	defer c.mu.Unlock()

	tree := c.currentTree
	if tree == nil {
		return nil
	}

	now := c.now()
	if root := tree.Root(); root != nil && !root.IsComplete() {
		root.CompleteAt(now, "")
		delete(c.activeEntries, root.ID)
	}

	if len(c.activeEntries) > 0 {
		c.logger.Info("Force-completing unclosed timing entries", "warning", true,
			"correlation_id", tree.CorrelationID, "count", len(c.activeEntries))
	}
	for id, entry := range c.activeEntries {
		if !entry.IsComplete() {
			entry.CompleteAt(now, IncompleteTimingError)
		}
		delete(c.activeEntries, id)
	}

	c.completedTrees = append(c.completedTrees, tree)
	c.currentTree = nil
	c.entryStack = nil

	c.logger.V(1).Info("Completed execution timing",
		"correlation_id", tree.CorrelationID,
		"entries", len(tree.Entries),
		"duration_ms", tree.TotalDurationMs())
	return tree
}

// TimeOperation runs fn inside a timing entry. The entry is closed on every
// exit path; fn's error is recorded and returned unchanged, and panics are
// recorded then re-raised.
func (c *ExecutionTimingCollector) TimeOperation(ctx context.Context, operation string, category Category, metadata map[string]any, fn func(ctx context.Context) error) (err error) {
	entry := c.StartTiming(operation, category, metadata)
	defer func() {
		if r := recover(); r != nil {
			c.EndTiming(entry, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		c.EndTiming(entry, err)
	}()
	return fn(ctx)
}

// CurrentTree returns the tree being built, or nil.
func (c *ExecutionTimingCollector) CurrentTree() *ExecutionTimingTree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTree
}

// CompletedTrees returns the archived trees in completion order.
func (c *ExecutionTimingCollector) CompletedTrees() []*ExecutionTimingTree {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ExecutionTimingTree, len(c.completedTrees))
	copy(out, c.completedTrees)
	return out
}

// ClearCompleted drops archived trees.
func (c *ExecutionTimingCollector) ClearCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedTrees = nil
}

// GetAggregatedStats groups every completed entry of the archived trees by
// category.
func (c *ExecutionTimingCollector) GetAggregatedStats() map[Category]*AggregateStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[Category]*AggregateStats)
	for _, tree := range c.completedTrees {
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

// GetSlowestOperations returns the limit slowest completed entries across the
// archived trees and the one in flight.
func (c *ExecutionTimingCollector) GetSlowestOperations(limit int) []*Entry {
	entries := c.completedEntries()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DurationMs > entries[j].DurationMs
	})
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// GetBottlenecks returns completed entries slower than thresholdMs, slowest first.
func (c *ExecutionTimingCollector) GetBottlenecks(thresholdMs float64) []*Entry {
	var out []*Entry
	for _, e := range c.completedEntries() {
		if e.DurationMs > thresholdMs {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DurationMs > out[j].DurationMs
	})
	return out
}

func (c *ExecutionTimingCollector) completedEntries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	trees := c.completedTrees
	if c.currentTree != nil {
		trees = append(trees[:len(trees):len(trees)], c.currentTree)
	}

	var out []*Entry
	for _, tree := range trees {
		out = append(out, tree.CompletedEntries()...)
	}
	return out
}
