package taskclient

import (
	"context"
	"sync"

	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// Fake is a hand-written in-memory Client used by reconciler and
// supervisor tests, matching the teacher's test style of fakes over
// mocking frameworks.
type Fake struct {
	mu sync.Mutex

	IdleByAgent map[string][]types.Task
	Unassigned  map[string][]types.Task

	Assigned      []AssignCall
	StateUpdates  []StateUpdateCall
	AssignResult  bool
	UpdateResult  bool
	FailAssign    map[string]bool // task_id -> force failure
}

type AssignCall struct {
	TaskID string
	Agent  string
}

type StateUpdateCall struct {
	TaskID   string
	State    types.UpdateState
	Metadata map[string]any
}

// NewFake returns a Fake defaulting Assign/UpdateState to succeed.
func NewFake() *Fake {
	return &Fake{
		IdleByAgent:  map[string][]types.Task{},
		Unassigned:   map[string][]types.Task{},
		AssignResult: true,
		UpdateResult: true,
		FailAssign:   map[string]bool{},
	}
}

func (f *Fake) ListIdleTasks(_ context.Context, agent string, limit int) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := f.IdleByAgent[agent]
	if limit >= 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	out := make([]types.Task, len(tasks))
	copy(out, tasks)
	return out, nil
}

func (f *Fake) GetUnassignedInQueue(_ context.Context, queue string, limit int) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := f.Unassigned[queue]
	if limit >= 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	out := make([]types.Task, len(tasks))
	copy(out, tasks)
	return out, nil
}

func (f *Fake) Assign(_ context.Context, taskID, agent string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Assigned = append(f.Assigned, AssignCall{TaskID: taskID, Agent: agent})
	if f.FailAssign[taskID] {
		return false
	}
	return f.AssignResult
}

func (f *Fake) UpdateState(_ context.Context, taskID string, state types.UpdateState, metadata map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StateUpdates = append(f.StateUpdates, StateUpdateCall{TaskID: taskID, State: state, Metadata: metadata})
	return f.UpdateResult
}

var _ Client = (*Fake)(nil)
