// Package tserrors defines the error kinds distinguished by tinyscheduler's
// core (spec section "ERROR HANDLING DESIGN"): configuration problems,
// identifier/path validation failures, lease conflicts, exhausted remote
// calls, and spawn failures. Callers use errors.As to distinguish kinds
// rather than matching strings.
package tserrors

import "fmt"

// ConfigurationError wraps a missing or invalid setting. Fatal at startup.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InvalidIdentifier is returned when a task_id or agent name fails the
// shared charset/length rule. Host identifiers are not checked against it.
type InvalidIdentifier struct {
	Kind  string // "task_id", "agent"
	Value string
}

func (e *InvalidIdentifier) Error() string {
	return fmt.Sprintf("invalid %s identifier: %q", e.Kind, e.Value)
}

// PathEscape is returned when a resolved path would leave its allowed
// parent directory.
type PathEscape struct {
	Path   string
	Parent string
}

func (e *PathEscape) Error() string {
	return fmt.Sprintf("path %q escapes %q", e.Path, e.Parent)
}

// LeaseConflict is returned by the lease store's create operation when a
// lease for the task already exists.
type LeaseConflict struct {
	TaskID string
}

func (e *LeaseConflict) Error() string {
	return fmt.Sprintf("lease already exists for task %q", e.TaskID)
}

// RemoteTransient wraps an error from a failed task-service call: either
// the call exhausted its retry budget, or the service answered with a
// non-retryable 4xx status and retrying stopped early.
type RemoteTransient struct {
	Op  string
	Err error
}

func (e *RemoteTransient) Error() string {
	return fmt.Sprintf("task service %s exhausted retries: %v", e.Op, e.Err)
}

func (e *RemoteTransient) Unwrap() error { return e.Err }

// SpawnFailure is returned when the OS could not create the supervisor
// process for a task.
type SpawnFailure struct {
	TaskID string
	Err    error
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("spawn supervisor for task %q: %v", e.TaskID, e.Err)
}

func (e *SpawnFailure) Unwrap() error { return e.Err }
