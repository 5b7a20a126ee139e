// Package config loads and validates tinyscheduler's process-wide
// configuration: paths, per-agent limits, timing, and the feature flags
// that gate dry-run and the blocking kill switch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ericroliver/tinyscheduler/pkg/taskclient"
	"github.com/ericroliver/tinyscheduler/pkg/tserrors"
)

// Config is the immutable, process-wide configuration loaded at startup.
type Config struct {
	BaseDir             string         `yaml:"base_dir"`
	LeaseDir            string         `yaml:"lease_dir"`
	LogDir              string         `yaml:"log_dir"`
	RecipesDir          string         `yaml:"recipes_dir"`
	WorkerExecutable    string         `yaml:"worker_executable"`
	TaskServiceEndpoint string         `yaml:"task_service_endpoint"`
	AgentLimits         map[string]int `yaml:"agent_limits"`
	LoopInterval        time.Duration  `yaml:"loop_interval"`
	HeartbeatInterval   time.Duration  `yaml:"heartbeat_interval"`
	MaxRuntime          time.Duration  `yaml:"max_runtime"`
	CallTimeout         time.Duration  `yaml:"call_timeout"`
	DryRun              bool           `yaml:"dry_run"`
	DisableBlocking     bool           `yaml:"disable_blocking"`
	AgentControlFile    string         `yaml:"agent_control_file"`
	Host                string         `yaml:"host"`
}

// Default returns a Config with every optional field filled in; BaseDir
// must still be set by the caller before Validate.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		LoopInterval:      30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		MaxRuntime:        4 * time.Hour,
		CallTimeout:       30 * time.Second,
		Host:              host,
		AgentLimits:       map[string]int{},
	}
}

// Load reads a YAML config file at path, layering it over Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &tserrors.ConfigurationError{Field: "config file", Err: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &tserrors.ConfigurationError{Field: "config file", Err: err}
	}

	applyPathDefaults(cfg)
	return cfg, nil
}

// applyPathDefaults derives lease_dir/log_dir/recipes_dir/agent_control_file
// from base_dir when the caller left them unset, matching the filesystem
// layout named in the external interfaces.
func applyPathDefaults(cfg *Config) {
	if cfg.BaseDir == "" {
		return
	}
	if cfg.LeaseDir == "" {
		cfg.LeaseDir = filepath.Join(cfg.BaseDir, "state", "running")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.BaseDir, "state", "logs")
	}
	if cfg.RecipesDir == "" {
		cfg.RecipesDir = filepath.Join(cfg.BaseDir, "recipes")
	}
	if cfg.AgentControlFile == "" {
		cfg.AgentControlFile = filepath.Join(cfg.BaseDir, "state", "agents.json")
	}
}

// LockFilePath returns the path to the reconciler's process-wide lock file.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.BaseDir, "state", "tinyscheduler.lock")
}

// RetryPolicy returns the task-service client's retry policy. Config has no
// retry settings of its own, so this is always taskclient.DefaultRetryPolicy.
func (c *Config) RetryPolicy() taskclient.RetryPolicy {
	return taskclient.DefaultRetryPolicy()
}

// Validate checks every field required before any reconciliation pass
// runs, returning a ConfigurationError describing the first problem
// found.
func (c *Config) Validate() error {
	required := map[string]string{
		"base_dir":              c.BaseDir,
		"lease_dir":             c.LeaseDir,
		"log_dir":               c.LogDir,
		"recipes_dir":           c.RecipesDir,
		"worker_executable":     c.WorkerExecutable,
		"task_service_endpoint": c.TaskServiceEndpoint,
		"host":                  c.Host,
	}
	for field, value := range required {
		if value == "" {
			return &tserrors.ConfigurationError{Field: field, Err: fmt.Errorf("must not be empty")}
		}
	}

	for _, dir := range []string{c.LeaseDir, c.LogDir, c.RecipesDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return &tserrors.ConfigurationError{Field: dir, Err: fmt.Errorf("does not exist: %w", err)}
		}
		if !info.IsDir() {
			return &tserrors.ConfigurationError{Field: dir, Err: fmt.Errorf("is not a directory")}
		}
	}

	for agent, limit := range c.AgentLimits {
		if limit < 0 {
			return &tserrors.ConfigurationError{Field: "agent_limits." + agent, Err: fmt.Errorf("must be >= 0, got %d", limit)}
		}
	}

	if c.LoopInterval <= 0 {
		return &tserrors.ConfigurationError{Field: "loop_interval", Err: fmt.Errorf("must be positive")}
	}
	if c.HeartbeatInterval <= 0 {
		return &tserrors.ConfigurationError{Field: "heartbeat_interval", Err: fmt.Errorf("must be positive")}
	}
	if c.MaxRuntime <= 0 {
		return &tserrors.ConfigurationError{Field: "max_runtime", Err: fmt.Errorf("must be positive")}
	}

	return nil
}

// LimitFor returns the configured concurrency limit for agent, defaulting
// to 1 when unset.
func (c *Config) LimitFor(agent string) int {
	if limit, ok := c.AgentLimits[agent]; ok {
		return limit
	}
	return 1
}

// EnsureDirectories creates BaseDir's derived subdirectories, used by
// `validate-config --fix`.
func EnsureDirectories(cfg *Config) error {
	for _, dir := range []string{cfg.LeaseDir, cfg.LogDir, cfg.RecipesDir, filepath.Dir(cfg.LockFilePath())} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %q: %w", dir, err)
		}
	}
	return nil
}

// EnsureAgentControlFile writes an empty agent array at cfg.AgentControlFile
// if nothing exists there yet, used by `validate-config --fix`. An empty
// array is chosen over a populated template: it puts the scheduler in
// legacy mode immediately, which is the safer default for a freshly
// initialized installation with no agents configured yet.
func EnsureAgentControlFile(cfg *Config) error {
	if cfg.AgentControlFile == "" {
		return nil
	}
	if _, err := os.Stat(cfg.AgentControlFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat agent control file: %w", err)
	}
	return os.WriteFile(cfg.AgentControlFile, []byte("[]\n"), 0o600)
}
