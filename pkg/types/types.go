package types

import (
	"regexp"
	"time"
)

// identifierPattern is the charset and length bound shared by task_id and
// agent names. Host identifiers are not checked against it.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidIdentifier reports whether s satisfies the shared identifier rule.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// LeaseState is the terminal/running state recorded in a lease file.
type LeaseState string

const (
	LeaseRunning   LeaseState = "running"
	LeaseCompleted LeaseState = "completed"
	LeaseFailed    LeaseState = "failed"
)

// Lease is the durable, on-disk record of a supervisor's ownership of a
// task on this host. One file per in-flight task.
type Lease struct {
	TaskID    string     `json:"task_id"`
	Agent     string     `json:"agent"`
	PID       int        `json:"pid"`
	Recipe    string     `json:"recipe"`
	StartedAt time.Time  `json:"started_at"`
	Heartbeat time.Time  `json:"heartbeat"`
	Host      string     `json:"host"`
	State     LeaseState `json:"state"`
}

// Classification is the outcome of comparing a lease against the host's
// process table and the staleness thresholds.
type Classification string

const (
	Healthy        Classification = "healthy"
	DeadProcess    Classification = "dead_process"
	StaleHeartbeat Classification = "stale_heartbeat"
	OverMaxRuntime Classification = "over_max_runtime"
)

// TaskStatus is the remote task-service's view of a task's progress.
type TaskStatus string

const (
	TaskIdle     TaskStatus = "idle"
	TaskWorking  TaskStatus = "working"
	TaskComplete TaskStatus = "complete"
)

// Task is the transient view of a task as reported by the task service.
// It is never persisted locally; the lease is the only durable record.
type Task struct {
	ID                 string     `json:"id"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	QueueName          *string    `json:"queue_name,omitempty"`
	Status             TaskStatus `json:"status"`
	Recipe             *string    `json:"recipe,omitempty"`
	CreatedAt          *string    `json:"created_at,omitempty"`
	Priority           int        `json:"priority"`
	BlockedByTaskID    *string    `json:"blocked_by_task_id,omitempty"`
	IsCurrentlyBlocked bool       `json:"is_currently_blocked"`
}

// Agent is a static agent-to-queue descriptor loaded from the agent
// control file.
type Agent struct {
	Name      string `json:"agentName"`
	QueueName string `json:"agentType"`
}

// UpdateState is the terminal-or-requeue state passed to the task
// service's update_state operation. It is distinct from TaskStatus:
// "failed" is a supervisor/reconciler-side outcome, never a status the
// task service itself reports back through list/get operations.
type UpdateState string

const (
	StateWorking   UpdateState = "working"
	StateCompleted UpdateState = "completed"
	StateFailed    UpdateState = "failed"
	StateIdle      UpdateState = "idle" // requeue
)
