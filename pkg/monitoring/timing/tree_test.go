package timing

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryCompleteAt(t *testing.T) {
	clock := newFakeClock()
	e := NewEntry("op", "", "", clock.Now(), nil)
	assert.Equal(t, CategoryUnknown, e.Category)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.IsComplete())
	assert.Zero(t, e.Duration())

	clock.Advance(250.5)
	e.CompleteAt(clock.Now(), "failed")
	assert.True(t, e.IsComplete())
	assert.InDelta(t, 250.5, e.DurationMs, 1e-6)
	assert.Equal(t, "failed", e.Error)

	backwards := NewEntry("op", CategoryCache, "", clock.Now(), nil)
	backwards.CompleteAt(clock.Now().Add(-ms(10)), "")
	assert.Zero(t, backwards.DurationMs)
}

func TestTreeAddEntryRejectsUnknownParent(t *testing.T) {
	clock := newFakeClock()
	root := NewEntry("root", CategoryOrchestration, "", clock.Now(), nil)
	tree := NewExecutionTimingTree("corr", "agent", root)

	orphan := NewEntry("orphan", CategoryLLM, "missing", clock.Now(), nil)
	err := tree.AddEntry(orphan)
	require.ErrorIs(t, err, ErrUnknownParent)
	assert.NotContains(t, tree.Entries, orphan.ID)

	child := NewEntry("child", CategoryLLM, root.ID, clock.Now(), nil)
	require.NoError(t, tree.AddEntry(child))
	require.NoError(t, tree.AddEntry(child))
	assert.Equal(t, []string{child.ID}, tree.Children[root.ID])
	require.NoError(t, tree.Validate())
}

func TestTreeValidateDetectsBrokenChildren(t *testing.T) {
	tree := buildTree("agent", 100, childSpec{"a", CategoryLLM, 50})
	require.NoError(t, tree.Validate())

	tree.Children[tree.RootID] = nil
	assert.Error(t, tree.Validate())
}

func TestCriticalPathFollowsLargestCumulativeDuration(t *testing.T) {
	clock := newFakeClock()
	c := NewExecutionTimingCollector("agent", WithClock(clock.Now))
	tree := c.StartExecution("corr")

	a := c.StartTiming("a", CategoryProcessing, nil)
	leaf := c.StartTiming("a.leaf", CategoryLLM, nil)
	clock.Advance(400)
	c.EndTiming(leaf, nil)
	clock.Advance(50)
	c.EndTiming(a, nil)

	b := c.StartTiming("b", CategoryDatabase, nil)
	clock.Advance(500)
	c.EndTiming(b, nil)
	c.CompleteExecution()

	path := tree.GetCriticalPath()
	require.Len(t, path, 3)
	assert.Equal(t, tree.RootID, path[0].ID)
	assert.Same(t, a, path[1])
	assert.Same(t, leaf, path[2])
}

func TestCriticalPathTieKeepsFirstChild(t *testing.T) {
	tree := buildTree("agent", 100,
		childSpec{"first", CategoryLLM, 40},
		childSpec{"second", CategoryLLM, 40},
	)
	path := tree.GetCriticalPath()
	require.Len(t, path, 2)
	assert.Equal(t, "first", path[1].Operation)
}

func TestCriticalPathSingleRoot(t *testing.T) {
	tree := buildTree("agent", 100)
	path := tree.GetCriticalPath()
	require.Len(t, path, 1)
	assert.Equal(t, tree.RootID, path[0].ID)
}

func TestAggregateStatsAverageInvariant(t *testing.T) {
	s := NewAggregateStats()
	assert.True(t, math.IsInf(s.MinTimeMs, 1))

	clock := newFakeClock()
	for i, d := range []float64{10, 30, 5, 55} {
		e := NewEntry("op", CategoryCache, "", clock.Now(), nil)
		if i%2 == 1 {
			e.Operation = "other"
		}
		e.CompleteAt(clock.Now().Add(ms(d)), "")
		s.AddEntry(e)
		assert.InDelta(t, s.TotalTimeMs/float64(s.Count), s.AvgTimeMs, 1e-9)
	}
	s.AddEntry(NewEntry("open", CategoryCache, "", clock.Now(), nil))

	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 100.0, s.TotalTimeMs, 1e-9)
	assert.InDelta(t, 5.0, s.MinTimeMs, 1e-9)
	assert.InDelta(t, 55.0, s.MaxTimeMs, 1e-9)
	assert.Equal(t, []string{"op", "other"}, s.OperationNames())
}

func TestAggregateStatsJSONOfEmptyStats(t *testing.T) {
	data, err := json.Marshal(NewAggregateStats())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 0.0, decoded["min_time_ms"])
	assert.Equal(t, 0.0, decoded["count"])
	assert.Equal(t, []any{}, decoded["operations"])
}
