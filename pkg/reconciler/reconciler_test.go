package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ericroliver/tinyscheduler/pkg/config"
	"github.com/ericroliver/tinyscheduler/pkg/leasestore"
	"github.com/ericroliver/tinyscheduler/pkg/registry"
	"github.com/ericroliver/tinyscheduler/pkg/taskclient"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

type fakeSpawner struct {
	calls []spawnCall
	fail  map[string]bool
}

type spawnCall struct {
	TaskID string
	Agent  string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{fail: map[string]bool{}}
}

func (s *fakeSpawner) Spawn(_ context.Context, task types.Task, agent, _ string) error {
	s.calls = append(s.calls, spawnCall{TaskID: task.ID, Agent: agent})
	if s.fail[task.ID] {
		return assert.AnError
	}
	return nil
}

func newTestSetup(t *testing.T) (*config.Config, *leasestore.Store) {
	t.Helper()
	base := t.TempDir()
	leaseDir := filepath.Join(base, "leases")
	recipesDir := filepath.Join(base, "recipes")
	require.NoError(t, os.MkdirAll(leaseDir, 0o755))
	require.NoError(t, os.MkdirAll(recipesDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "state"), 0o755))

	cfg := config.Default()
	cfg.BaseDir = base
	cfg.LeaseDir = leaseDir
	cfg.RecipesDir = recipesDir
	cfg.Host = "test-host"

	store := leasestore.New(leaseDir, cfg.HeartbeatInterval, cfg.MaxRuntime)
	return cfg, store
}

func strp(s string) *string { return &s }

func TestSimpleUnassignedDispatchScenario(t *testing.T) {
	cfg, store := newTestSetup(t)
	cfg.AgentLimits = map[string]int{"vaela": 3, "damien": 2}

	reg, err := registry.Load(writeRegistry(t, `[{"agentName":"vaela","agentType":"dev"},{"agentName":"damien","agentType":"dev"}]`))
	require.NoError(t, err)

	client := taskclient.NewFake()
	client.Unassigned["dev"] = []types.Task{
		{ID: "101", Status: types.TaskIdle},
		{ID: "102", Status: types.TaskIdle},
		{ID: "103", Status: types.TaskIdle},
	}

	spawner := newFakeSpawner()
	r := New(cfg, store, client, reg, spawner)

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TasksSpawned)
	assert.Len(t, spawner.calls, 3)
	assert.Equal(t, "damien", spawner.calls[0].Agent)
	assert.Equal(t, "damien", spawner.calls[1].Agent)
	assert.Equal(t, "vaela", spawner.calls[2].Agent)
}

func TestBlockerPrioritizationScenario(t *testing.T) {
	cfg, store := newTestSetup(t)
	cfg.AgentLimits = map[string]int{"vaela": 1}

	reg, err := registry.Load(writeRegistry(t, `[{"agentName":"vaela","agentType":"dev"}]`))
	require.NoError(t, err)

	client := taskclient.NewFake()
	client.Unassigned["dev"] = []types.Task{
		{ID: "A", Priority: 0},
		{ID: "B", Priority: 10, BlockedByTaskID: strp("A"), IsCurrentlyBlocked: true},
		{ID: "C", Priority: 5},
	}

	spawner := newFakeSpawner()
	r := New(cfg, store, client, reg, spawner)

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TasksBlocked)
	assert.Equal(t, 1, summary.TasksSpawned)
	require.Len(t, spawner.calls, 1)
	assert.Equal(t, "A", spawner.calls[0].TaskID)
}

func TestStaleHeartbeatReclaimScenario(t *testing.T) {
	cfg, store := newTestSetup(t)
	cfg.AgentLimits = map[string]int{}

	reg := registry.Empty()
	client := taskclient.NewFake()
	spawner := newFakeSpawner()

	require.NoError(t, store.Create(&types.Lease{
		TaskID:    "77",
		Agent:     "oscar",
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC().Add(-30 * time.Minute),
		Heartbeat: time.Now().UTC().Add(-15 * time.Minute),
		Host:      cfg.Host,
		State:     types.LeaseRunning,
	}))

	r := New(cfg, store, client, reg, spawner)
	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LeasesReclaimed)
	require.Len(t, client.StateUpdates, 1)
	assert.Equal(t, "77", client.StateUpdates[0].TaskID)
	assert.Equal(t, types.StateIdle, client.StateUpdates[0].State)

	lease, err := store.Get("77")
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestDeadProcessReclaimScenario(t *testing.T) {
	cfg, store := newTestSetup(t)
	cfg.AgentLimits = map[string]int{}

	reg := registry.Empty()
	client := taskclient.NewFake()
	spawner := newFakeSpawner()

	require.NoError(t, store.Create(&types.Lease{
		TaskID:    "88",
		Agent:     "oscar",
		PID:       deadPID(),
		StartedAt: time.Now().UTC(),
		Heartbeat: time.Now().UTC(),
		Host:      cfg.Host,
		State:     types.LeaseRunning,
	}))

	r := New(cfg, store, client, reg, spawner)
	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LeasesReclaimed)
	require.Len(t, client.StateUpdates, 1)
	assert.Equal(t, types.StateIdle, client.StateUpdates[0].State)
}

func TestOverlappingInvocationScenario(t *testing.T) {
	cfg, store := newTestSetup(t)
	cfg.AgentLimits = map[string]int{}

	reg := registry.Empty()
	client := taskclient.NewFake()
	spawner := newFakeSpawner()
	r := New(cfg, store, client, reg, spawner)

	held, err := os.OpenFile(cfg.LockFilePath(), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer held.Close()
	require.NoError(t, unix.Flock(int(held.Fd()), unix.LOCK_EX|unix.LOCK_NB))

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
}

func TestKillSwitchRollbackScenario(t *testing.T) {
	cfg, store := newTestSetup(t)
	cfg.AgentLimits = map[string]int{"vaela": 3}
	cfg.DisableBlocking = true

	reg := registry.Empty()
	client := taskclient.NewFake()
	client.IdleByAgent["vaela"] = []types.Task{
		{ID: "z", Priority: 0},
		{ID: "a", Priority: 100},
		{ID: "m", Priority: 50},
	}
	spawner := newFakeSpawner()
	r := New(cfg, store, client, reg, spawner)

	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TasksBlocked)
	require.Len(t, spawner.calls, 3)
	assert.Equal(t, []string{"z", "a", "m"}, []string{spawner.calls[0].TaskID, spawner.calls[1].TaskID, spawner.calls[2].TaskID})
}

func writeRegistry(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func deadPID() int {
	return 1<<30 + 7
}
