package timing

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownParent is returned when an entry references a parent that is not
// part of the tree.
var ErrUnknownParent = errors.New("parent entry not found in tree")

// ExecutionTimingTree is the hierarchical record of one execution. The tree
// owns its entries; Children is kept consistent with each entry's ParentID.
type ExecutionTimingTree struct {
	RootID        string              `json:"root_id"`
	CorrelationID string              `json:"correlation_id"`
	AgentName     string              `json:"agent_name"`
	Entries       map[string]*Entry   `json:"entries"`
	Children      map[string][]string `json:"children"`
	StartTime     time.Time           `json:"start_time"`
}

// NewExecutionTimingTree creates a tree rooted at root.
func NewExecutionTimingTree(correlationID, agentName string, root *Entry) *ExecutionTimingTree {
	t := &ExecutionTimingTree{
		RootID:        root.ID,
		CorrelationID: correlationID,
		AgentName:     agentName,
		Entries:       map[string]*Entry{root.ID: root},
		Children:      make(map[string][]string),
		StartTime:     root.StartTime,
	}
	return t
}

// AddEntry registers entry under its parent.
func (t *ExecutionTimingTree) AddEntry(entry *Entry) error {
	if entry.ParentID != "" {
		if _, ok := t.Entries[entry.ParentID]; !ok {
			return fmt.Errorf("entry %s (%s): %w", entry.ID, entry.Operation, ErrUnknownParent)
		}
	}
	if _, exists := t.Entries[entry.ID]; exists {
		return nil
	}
	t.Entries[entry.ID] = entry
	if entry.ParentID != "" {
		t.Children[entry.ParentID] = append(t.Children[entry.ParentID], entry.ID)
	}
	return nil
}

// Root returns the root entry.
func (t *ExecutionTimingTree) Root() *Entry {
	return t.Entries[t.RootID]
}

// TotalDurationMs is the root entry's duration, zero while the root is open.
func (t *ExecutionTimingTree) TotalDurationMs() float64 {
	root := t.Root()
	if root == nil || !root.IsComplete() {
		return 0
	}
	return root.DurationMs
}

// IsComplete reports whether every entry in the tree has been closed.
func (t *ExecutionTimingTree) IsComplete() bool {
	for _, e := range t.Entries {
		if !e.IsComplete() {
			return false
		}
	}
	return true
}

// CompletedEntries returns the closed entries in no particular order.
func (t *ExecutionTimingTree) CompletedEntries() []*Entry {
	out := make([]*Entry, 0, len(t.Entries))
	for _, e := range t.Entries {
		if e.IsComplete() {
			out = append(out, e)
		}
	}
	return out
}

// GetCriticalPath returns the root-to-leaf chain with the largest cumulative
// duration. Among equal children the first one added wins.
func (t *ExecutionTimingTree) GetCriticalPath() []*Entry {
	if t.Root() == nil {
		return nil
	}
	path, _ := t.criticalPathFrom(t.RootID)
	return path
}

func (t *ExecutionTimingTree) criticalPathFrom(id string) ([]*Entry, float64) {
	entry := t.Entries[id]
	if entry == nil {
		return nil, 0
	}

	var (
		bestPath  []*Entry
		bestValue float64
		found     bool
	)
	for _, childID := range t.Children[id] {
		childPath, childValue := t.criticalPathFrom(childID)
		if !found || childValue > bestValue {
			bestPath, bestValue, found = childPath, childValue, true
		}
	}

	path := make([]*Entry, 0, len(bestPath)+1)
	path = append(path, entry)
	path = append(path, bestPath...)
	return path, entry.DurationMs + bestValue
}

// Validate checks the parent and children bookkeeping.
func (t *ExecutionTimingTree) Validate() error {
	if _, ok := t.Entries[t.RootID]; !ok {
		return fmt.Errorf("root %s missing from entries", t.RootID)
	}
	for id, e := range t.Entries {
		if id == t.RootID {
			continue
		}
		if _, ok := t.Entries[e.ParentID]; !ok {
			return fmt.Errorf("entry %s: %w", id, ErrUnknownParent)
		}
		if !containsID(t.Children[e.ParentID], id) {
			return fmt.Errorf("entry %s not listed under parent %s", id, e.ParentID)
		}
	}
	for parentID, children := range t.Children {
		for _, childID := range children {
			child, ok := t.Entries[childID]
			if !ok || child.ParentID != parentID {
				return fmt.Errorf("child %s listed under %s does not point back", childID, parentID)
			}
		}
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
