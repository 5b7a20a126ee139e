package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/ericroliver/tinyscheduler/pkg/config"
	"github.com/ericroliver/tinyscheduler/pkg/log"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// processSpawner implements reconciler.Spawner by re-execing this binary's
// hidden `supervise` subcommand as a detached subprocess, one per task. A
// task's run can outlive the reconciliation pass that spawned it by hours,
// so the supervisor cannot live as a goroutine of this process: Setpgid
// puts the child in its own process group so it keeps running after the
// reconciler exits, is not signaled when the reconciler's group is, and
// survives to report the task's outcome and delete its lease on its own.
type processSpawner struct {
	cfg      *config.Config
	leaseDir string
}

func newProcessSpawner(cfg *config.Config, leaseDir string) *processSpawner {
	return &processSpawner{cfg: cfg, leaseDir: leaseDir}
}

func (s *processSpawner) Spawn(_ context.Context, task types.Task, agent, recipePath string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}

	cmd := exec.Command(self, superviseArgv(s.cfg, s.leaseDir, task.ID, agent, recipePath)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if logFile, err := openSuperviseLogFile(s.cfg.LogDir, task.ID); err != nil {
		log.WithComponent("spawn").Warn().Err(err).Str("task_id", task.ID).Msg("failed to open supervisor log file, continuing without one")
	} else {
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start supervisor process: %w", err)
	}

	log.WithComponent("spawn").Info().
		Str("task_id", task.ID).
		Str("agent", agent).
		Int("pid", cmd.Process.Pid).
		Msg("supervisor process started")
	return nil
}

func superviseArgv(cfg *config.Config, leaseDir, taskID, agent, recipePath string) []string {
	return []string{
		"supervise",
		"--task-id", taskID,
		"--agent", agent,
		"--recipe", recipePath,
		"--lease-dir", leaseDir,
		"--worker-executable", cfg.WorkerExecutable,
		"--task-service-endpoint", cfg.TaskServiceEndpoint,
		"--heartbeat-interval", cfg.HeartbeatInterval.String(),
		"--max-runtime", cfg.MaxRuntime.String(),
		"--call-timeout", cfg.CallTimeout.String(),
		"--host", cfg.Host,
		"--log-dir", cfg.LogDir,
	}
}

func openSuperviseLogFile(logDir, taskID string) (*os.File, error) {
	if logDir == "" {
		return nil, nil
	}
	path := filepath.Join(logDir, fmt.Sprintf("supervisor_%s.log", taskID))
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
