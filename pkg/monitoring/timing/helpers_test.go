package timing

import (
	"time"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(ms float64) {
	c.t = c.t.Add(time.Duration(ms * float64(time.Millisecond)))
}

type childSpec struct {
	operation  string
	category   Category
	durationMs float64
}

// buildTree makes a completed tree whose children all start with the root.
func buildTree(agent string, rootMs float64, children ...childSpec) *ExecutionTimingTree {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	root := NewEntry(agent+"_execution", CategoryOrchestration, "", start, nil)
	root.CompleteAt(start.Add(ms(rootMs)), "")
	tree := NewExecutionTimingTree("corr-"+agent, agent, root)
	for _, c := range children {
		e := NewEntry(c.operation, c.category, root.ID, start, nil)
		e.CompleteAt(start.Add(ms(c.durationMs)), "")
		if err := tree.AddEntry(e); err != nil {
			panic(err)
		}
	}
	return tree
}

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}
