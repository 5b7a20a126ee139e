package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ericroliver/tinyscheduler/pkg/config"
	"github.com/ericroliver/tinyscheduler/pkg/leasestore"
	"github.com/ericroliver/tinyscheduler/pkg/metrics"
	"github.com/ericroliver/tinyscheduler/pkg/reconciler"
	"github.com/ericroliver/tinyscheduler/pkg/registry"
	"github.com/ericroliver/tinyscheduler/pkg/taskcache"
	"github.com/ericroliver/tinyscheduler/pkg/taskclient"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop once or as a daemon",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Bool("once", false, "run a single reconciliation pass and exit")
	runCmd.Flags().Bool("daemon", false, "run the reconciliation loop until interrupted")
	runCmd.Flags().Bool("dry-run", false, "log intended actions without assigning, spawning, or reclaiming")
	runCmd.Flags().Duration("loop-interval", 0, "override the configured loop interval")
	runCmd.Flags().Bool("disable-blocking", false, "disable blocked-task filtering for this run")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address to serve /metrics on in daemon mode")
}

func runRun(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")
	daemon, _ := cmd.Flags().GetBool("daemon")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	loopInterval, _ := cmd.Flags().GetDuration("loop-interval")
	disableBlocking, _ := cmd.Flags().GetBool("disable-blocking")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if once == daemon {
		return fmt.Errorf("exactly one of --once or --daemon is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dryRun {
		cfg.DryRun = true
	}
	if disableBlocking {
		cfg.DisableBlocking = true
	}
	if loopInterval > 0 {
		cfg.LoopInterval = loopInterval
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	leases := leasestore.New(cfg.LeaseDir, cfg.HeartbeatInterval, cfg.MaxRuntime)
	client := taskclient.NewHTTPClient(cfg.TaskServiceEndpoint, cfg.CallTimeout, cfg.RetryPolicy())
	if cache, err := taskcache.Open(cfg.BaseDir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: task cache unavailable: %v\n", err)
	} else {
		client.WithCache(cache)
		defer cache.Close()
	}
	reg, err := registry.Load(cfg.AgentControlFile)
	if err != nil {
		return fmt.Errorf("load agent control file: %w", err)
	}
	spawner := newProcessSpawner(cfg, cfg.LeaseDir)
	recon := reconciler.New(cfg, leases, client, reg, spawner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if once {
		summary, err := recon.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("reconciliation pass failed: %w", err)
		}
		if summary.Skipped {
			fmt.Println("reconciliation pass skipped: lock held by another process")
			return nil
		}
		fmt.Printf("pass complete: scanned=%d reclaimed=%d spawned=%d blocked=%d errors=%d\n",
			summary.LeasesScanned, summary.LeasesReclaimed, summary.TasksSpawned, summary.TasksBlocked, summary.Errors)
		return nil
	}

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("shutting down...")
		cancel()
	}()

	start := time.Now()
	if err := recon.RunDaemon(ctx, cfg.LoopInterval); err != nil {
		return err
	}
	fmt.Printf("stopped after %s\n", time.Since(start).Round(time.Second))
	return nil
}
