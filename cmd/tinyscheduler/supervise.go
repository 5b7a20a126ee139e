package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericroliver/tinyscheduler/pkg/leasestore"
	"github.com/ericroliver/tinyscheduler/pkg/supervisor"
	"github.com/ericroliver/tinyscheduler/pkg/taskclient"
)

// superviseCmd runs one task's Supervisor lifecycle to completion. It is
// not meant to be invoked directly; the reconciler execs it as a detached
// subprocess (see spawn.go) so the task survives the reconciler's exit.
var superviseCmd = &cobra.Command{
	Use:    "supervise",
	Short:  "Run a single task's supervisor lifecycle",
	Hidden: true,
	RunE:   runSupervise,
}

func init() {
	flags := superviseCmd.Flags()
	flags.String("task-id", "", "task id")
	flags.String("agent", "", "agent name")
	flags.String("recipe", "", "resolved recipe path")
	flags.String("lease-dir", "", "lease directory")
	flags.String("worker-executable", "", "worker executable path")
	flags.String("task-service-endpoint", "", "task service endpoint")
	flags.Duration("heartbeat-interval", 15*time.Second, "heartbeat interval")
	flags.Duration("max-runtime", 4*time.Hour, "max runtime before a lease is classified over_max_runtime")
	flags.Duration("call-timeout", 30*time.Second, "task service call timeout")
	flags.String("host", "", "host identifier")
	flags.String("log-dir", "", "worker log directory")

	for _, name := range []string{"task-id", "agent", "recipe", "lease-dir", "worker-executable", "task-service-endpoint", "host"} {
		_ = superviseCmd.MarkFlagRequired(name)
	}
}

func runSupervise(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	taskID, _ := flags.GetString("task-id")
	agent, _ := flags.GetString("agent")
	recipe, _ := flags.GetString("recipe")
	leaseDir, _ := flags.GetString("lease-dir")
	workerExecutable, _ := flags.GetString("worker-executable")
	endpoint, _ := flags.GetString("task-service-endpoint")
	heartbeatInterval, _ := flags.GetDuration("heartbeat-interval")
	maxRuntime, _ := flags.GetDuration("max-runtime")
	callTimeout, _ := flags.GetDuration("call-timeout")
	host, _ := flags.GetString("host")
	logDir, _ := flags.GetString("log-dir")

	leases := leasestore.New(leaseDir, heartbeatInterval, maxRuntime)
	client := taskclient.NewHTTPClient(endpoint, callTimeout, taskclient.DefaultRetryPolicy())

	params := supervisor.Params{
		TaskID:              taskID,
		Agent:               agent,
		Recipe:              recipe,
		WorkerExecutable:    workerExecutable,
		TaskServiceEndpoint: endpoint,
		HeartbeatInterval:   heartbeatInterval,
		Host:                host,
		LogDir:              logDir,
	}

	if err := supervisor.New(params, leases, client).Run(context.Background()); err != nil {
		return fmt.Errorf("supervisor run: %w", err)
	}
	return nil
}
