package blocking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ericroliver/tinyscheduler/pkg/types"
)

func strp(s string) *string { return &s }

func TestFilterRemovesBlockedTasks(t *testing.T) {
	tasks := []types.Task{
		{ID: "1", IsCurrentlyBlocked: false},
		{ID: "2", IsCurrentlyBlocked: true},
		{ID: "3", IsCurrentlyBlocked: false},
	}
	kept, blocked := Filter(tasks)
	assert.Equal(t, 1, blocked)
	assert.Len(t, kept, 2)
	for _, t := range kept {
		assert.False(t.IsCurrentlyBlocked)
	}
}

func TestCountBlockersOnlyCountsInternalBlockers(t *testing.T) {
	tasks := []types.Task{
		{ID: "A"},
		{ID: "B", BlockedByTaskID: strp("A")},
		{ID: "C", BlockedByTaskID: strp("external")},
	}
	counts := CountBlockers(tasks)
	assert.Equal(t, 1, counts["A"])
	assert.Equal(t, 0, counts["external"])
}

func TestSortOrdersByBlockerCountThenPriorityThenAge(t *testing.T) {
	tasks := []types.Task{
		{ID: "A", Priority: 0},
		{ID: "C", Priority: 5},
	}
	counts := map[string]int{"A": 1, "C": 0}
	sorted := Sort(tasks, counts)
	assert.Equal(t, []string{"A", "C"}, ids(sorted))
}

func TestSortFallsBackToPriorityWhenBlockerCountsTie(t *testing.T) {
	tasks := []types.Task{
		{ID: "low", Priority: 1},
		{ID: "high", Priority: 10},
	}
	sorted := Sort(tasks, map[string]int{})
	assert.Equal(t, []string{"high", "low"}, ids(sorted))
}

func TestSortFallsBackToCreatedAtFIFO(t *testing.T) {
	tasks := []types.Task{
		{ID: "later", Priority: 0, CreatedAt: strp("2025-01-02T00:00:00Z")},
		{ID: "earlier", Priority: 0, CreatedAt: strp("2025-01-01T00:00:00Z")},
		{ID: "no-timestamp", Priority: 0},
	}
	sorted := Sort(tasks, map[string]int{})
	assert.Equal(t, []string{"earlier", "later", "no-timestamp"}, ids(sorted))
}

func TestFilterAndSortBlockerPrioritizationScenario(t *testing.T) {
	tasks := []types.Task{
		{ID: "A", Priority: 0},
		{ID: "B", Priority: 10, BlockedByTaskID: strp("A"), IsCurrentlyBlocked: true},
		{ID: "C", Priority: 5},
	}
	sorted, blocked := FilterAndSort(tasks)
	assert.Equal(t, 1, blocked)
	assert.Equal(t, []string{"A", "C"}, ids(sorted))
}

func TestFilterAndSortSimpleUnassignedDispatchScenario(t *testing.T) {
	tasks := []types.Task{
		{ID: "101", Priority: 0},
		{ID: "102", Priority: 0},
		{ID: "103", Priority: 0},
	}
	sorted, blocked := FilterAndSort(tasks)
	assert.Equal(t, 0, blocked)
	assert.Equal(t, []string{"101", "102", "103"}, ids(sorted))
}

func ids(tasks []types.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
