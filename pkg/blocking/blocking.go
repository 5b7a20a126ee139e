// Package blocking implements the pure filter-and-sort step the
// reconciler applies to candidate task lists: blocked tasks are removed,
// then the remainder is ordered so that tasks blocking the most other
// candidates go first, ties broken by priority, then by age.
package blocking

import (
	"sort"

	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// sentinelCreatedAt sorts after any real RFC3339 timestamp so tasks with
// no created_at are treated as youngest.
const sentinelCreatedAt = "￿"

// Filter removes every task with IsCurrentlyBlocked set, returning the
// survivors and a count of how many were removed.
func Filter(tasks []types.Task) ([]types.Task, int) {
	kept := make([]types.Task, 0, len(tasks))
	blocked := 0
	for _, t := range tasks {
		if t.IsCurrentlyBlocked {
			blocked++
			continue
		}
		kept = append(kept, t)
	}
	return kept, blocked
}

// CountBlockers builds the multiset of how many tasks in the list are
// blocked by each task id. A blocker id not present in the list
// contributes nothing to its own count (it's external).
func CountBlockers(tasks []types.Task) map[string]int {
	counts := make(map[string]int)
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		if t.BlockedByTaskID == nil {
			continue
		}
		blocker := *t.BlockedByTaskID
		if _, ok := ids[blocker]; ok {
			counts[blocker]++
		}
	}
	return counts
}

// Sort orders tasks by (-blockerCount, -priority, createdAt), the
// composite key named in the candidate selection policy: most-blocking
// first, then highest priority, then oldest first.
func Sort(tasks []types.Task, blockerCount map[string]int) []types.Task {
	sorted := make([]types.Task, len(tasks))
	copy(sorted, tasks)

	sort.SliceStable(sorted, func(i, j int) bool {
		bi, bj := blockerCount[sorted[i].ID], blockerCount[sorted[j].ID]
		if bi != bj {
			return bi > bj
		}
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return createdAtKey(sorted[i]) < createdAtKey(sorted[j])
	})
	return sorted
}

func createdAtKey(t types.Task) string {
	if t.CreatedAt == nil || *t.CreatedAt == "" {
		return sentinelCreatedAt
	}
	return *t.CreatedAt
}

// FilterAndSort applies Filter then Sort, the combined step the
// reconciler runs on every candidate list unless the blocking kill
// switch is set.
func FilterAndSort(tasks []types.Task) ([]types.Task, int) {
	kept, blocked := Filter(tasks)
	counts := CountBlockers(tasks)
	return Sort(kept, counts), blocked
}
