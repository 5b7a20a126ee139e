// Package supervisor owns one task's end-to-end lifecycle: writing the
// lease, running the worker subprocess, heartbeating, and guaranteeing
// cleanup ordering on exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ericroliver/tinyscheduler/pkg/leasestore"
	"github.com/ericroliver/tinyscheduler/pkg/log"
	"github.com/ericroliver/tinyscheduler/pkg/metrics"
	"github.com/ericroliver/tinyscheduler/pkg/taskclient"
	"github.com/ericroliver/tinyscheduler/pkg/tserrors"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// gracePeriod bounds how long a worker gets to exit after being signaled
// before the supervisor escalates to SIGKILL.
const gracePeriod = 10 * time.Second

// Params describes one task assignment the supervisor must run to
// completion.
type Params struct {
	TaskID           string
	Agent            string
	Recipe           string
	WorkerExecutable string
	TaskServiceEndpoint string
	HeartbeatInterval time.Duration
	Host             string
	LogDir           string
}

// Supervisor runs a single worker subprocess and owns its lease.
type Supervisor struct {
	params Params
	leases *leasestore.Store
	client taskclient.Client
	logger zerolog.Logger

	mu          sync.Mutex
	terminal    bool
	cmd         *exec.Cmd
}

// New builds a Supervisor for one task assignment.
func New(params Params, leases *leasestore.Store, client taskclient.Client) *Supervisor {
	return &Supervisor{
		params: params,
		leases: leases,
		client: client,
		logger: log.WithComponent("supervisor").With().Str("task_id", params.TaskID).Logger(),
	}
}

// Run executes the full lifecycle: create lease, spawn worker, heartbeat,
// wait, report outcome, delete lease. It returns a non-nil error only for
// conditions the caller (the spawning reconciler) needs distinct exit
// status for; all other failures are handled internally per the
// guaranteed cleanup order.
func (s *Supervisor) Run(ctx context.Context) error {
	if !types.ValidIdentifier(s.params.TaskID) {
		return &tserrors.InvalidIdentifier{Kind: "task_id", Value: s.params.TaskID}
	}
	if !types.ValidIdentifier(s.params.Agent) {
		return &tserrors.InvalidIdentifier{Kind: "agent", Value: s.params.Agent}
	}

	now := time.Now().UTC()
	lease := &types.Lease{
		TaskID:    s.params.TaskID,
		Agent:     s.params.Agent,
		PID:       os.Getpid(),
		Recipe:    s.params.Recipe,
		StartedAt: now,
		Heartbeat: now,
		Host:      s.params.Host,
		State:     types.LeaseRunning,
	}
	if err := s.leases.Create(lease); err != nil {
		var conflict *tserrors.LeaseConflict
		if errors.As(err, &conflict) {
			s.logger.Warn().Err(err).Msg("lease already exists, aborting without touching it")
			return err
		}
		return fmt.Errorf("create lease: %w", err)
	}

	logFile, err := s.openLogFile()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to open worker log file, continuing without one")
	} else {
		defer logFile.Close()
	}

	cmd := exec.CommandContext(ctx, s.params.WorkerExecutable, s.workerArgv()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		s.logger.Error().Err(err).Msg("worker spawn failed")
		s.finish(ctx, types.StateFailed, lease, 0, time.Since(now), err)
		return &tserrors.SpawnFailure{TaskID: s.params.TaskID, Err: err}
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx, lease, stop)
	}()

	start := time.Now()
	waitErr := cmd.Wait()
	close(stop)
	wg.Wait()
	duration := time.Since(start)
	metrics.SupervisorRuntimeSeconds.Observe(duration.Seconds())

	outcome := types.StateCompleted
	exitCode := 0
	if waitErr != nil {
		outcome = types.StateFailed
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.finish(ctx, outcome, lease, exitCode, duration, waitErr)
	return nil
}

// finish performs the guaranteed cleanup order: report the outcome to
// the task service, then delete the lease. This is the final act that
// releases the task, run regardless of whether the report succeeded.
func (s *Supervisor) finish(ctx context.Context, outcome types.UpdateState, lease *types.Lease, exitCode int, duration time.Duration, cause error) {
	s.mu.Lock()
	s.terminal = true
	s.mu.Unlock()

	metadata := map[string]any{
		"exit_code": exitCode,
		"duration_seconds": duration.Seconds(),
	}
	if cause != nil {
		metadata["error"] = cause.Error()
	}
	s.client.UpdateState(ctx, s.params.TaskID, outcome, metadata)
	metrics.SupervisorOutcomesTotal.WithLabelValues(string(outcome)).Inc()

	if err := s.leases.Delete(lease.TaskID); err != nil {
		s.logger.Error().Err(err).Msg("failed to delete lease after terminal state")
	}
}

// heartbeatLoop updates the lease heartbeat on a timer until stop fires.
// Heartbeats and the terminal-state write are mutually exclusive: once
// terminal is set, no further heartbeat write is attempted.
func (s *Supervisor) heartbeatLoop(ctx context.Context, lease *types.Lease, stop <-chan struct{}) {
	ticker := time.NewTicker(s.params.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			terminal := s.terminal
			s.mu.Unlock()
			if terminal {
				return
			}

			lease.Heartbeat = time.Now().UTC()
			if err := s.leases.Update(lease); err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat write failed")
			}
		}
	}
}

// Signal forwards sig to the worker's process group, then escalates to
// SIGKILL if the process has not exited within gracePeriod.
func (s *Supervisor) Signal(sig syscall.Signal) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, sig)

	go func() {
		timer := time.NewTimer(gracePeriod)
		defer timer.Stop()
		<-timer.C

		s.mu.Lock()
		terminal := s.terminal
		s.mu.Unlock()
		if terminal {
			return
		}
		s.logger.Warn().Msg("worker did not exit within grace period, escalating to SIGKILL")
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}()
}

// workerArgv is the argv passed to WorkerExecutable itself: just enough
// for the worker to find its recipe and identify its task to anything it
// logs. The supervisor, not the worker, owns the lease file, the task
// service client, and the heartbeat.
func (s *Supervisor) workerArgv() []string {
	return []string{
		"--task-id", s.params.TaskID,
		"--agent", s.params.Agent,
		"--recipe", s.params.Recipe,
	}
}

func (s *Supervisor) openLogFile() (*os.File, error) {
	if s.params.LogDir == "" {
		return nil, nil
	}
	path := fmt.Sprintf("%s/task_%s.log", s.params.LogDir, s.params.TaskID)
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
