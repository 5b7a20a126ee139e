package leasestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericroliver/tinyscheduler/pkg/tserrors"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, 15*time.Second, time.Hour)
}

func sampleLease(taskID string) *types.Lease {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.Lease{
		TaskID:    taskID,
		Agent:     "vaela",
		PID:       os.Getpid(),
		Recipe:    "vaela.yaml",
		StartedAt: now,
		Heartbeat: now,
		Host:      "test-host",
		State:     types.LeaseRunning,
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	lease := sampleLease("101")

	require.NoError(t, store.Create(lease))

	got, err := store.Get("101")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, lease.TaskID, got.TaskID)
	assert.Equal(t, lease.Agent, got.Agent)
	assert.Equal(t, lease.PID, got.PID)
	assert.True(t, lease.StartedAt.Equal(got.StartedAt))
}

func TestCreateConflict(t *testing.T) {
	store := newTestStore(t)
	lease := sampleLease("101")

	require.NoError(t, store.Create(lease))

	err := store.Create(lease)
	var conflict *tserrors.LeaseConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get("999")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateOverwrites(t *testing.T) {
	store := newTestStore(t)
	lease := sampleLease("101")
	require.NoError(t, store.Create(lease))

	lease.Heartbeat = lease.Heartbeat.Add(30 * time.Second)
	require.NoError(t, store.Update(lease))

	got, err := store.Get("101")
	require.NoError(t, err)
	assert.True(t, lease.Heartbeat.Equal(got.Heartbeat))
}

func TestDeleteTolerantOfAbsent(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Delete("does-not-exist"))
}

func TestListSkipsMalformed(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Create(sampleLease("101")))
	require.NoError(t, store.Create(sampleLease("102")))

	require.NoError(t, os.WriteFile(filepath.Join(store.leaseDir, "task_103.json"), []byte("{not json"), 0o600))

	leases, err := store.List()
	require.NoError(t, err)
	assert.Len(t, leases, 2)
}

func TestCountByAgent(t *testing.T) {
	store := newTestStore(t)
	a := sampleLease("101")
	b := sampleLease("102")
	b.Agent = "damien"
	require.NoError(t, store.Create(a))
	require.NoError(t, store.Create(b))

	count, err := store.CountByAgent("vaela")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInvalidIdentifierRejected(t *testing.T) {
	store := newTestStore(t)

	_, err := store.resolvedPath("../escape")
	var invalid *tserrors.InvalidIdentifier
	assert.ErrorAs(t, err, &invalid)

	_, err = store.resolvedPath(string(make([]byte, 65)))
	assert.ErrorAs(t, err, &invalid)
}

func TestClassifyHealthy(t *testing.T) {
	store := newTestStore(t)
	lease := sampleLease("101")

	got := store.Classify(lease, time.Now())
	assert.Equal(t, types.Healthy, got)
}

func TestClassifyDeadProcess(t *testing.T) {
	store := newTestStore(t)
	lease := sampleLease("101")
	lease.PID = 999999 // exceedingly unlikely to be a live pid in the test sandbox

	got := store.Classify(lease, time.Now())
	assert.Equal(t, types.DeadProcess, got)
}

func TestClassifyStaleHeartbeat(t *testing.T) {
	store := newTestStore(t)
	lease := sampleLease("101")
	lease.Heartbeat = time.Now().Add(-15 * time.Minute)

	got := store.Classify(lease, time.Now())
	assert.Equal(t, types.StaleHeartbeat, got)
}

func TestClassifyOverMaxRuntime(t *testing.T) {
	store := New(t.TempDir(), 15*time.Second, time.Minute)
	lease := sampleLease("101")
	lease.StartedAt = time.Now().Add(-2 * time.Minute)

	got := store.Classify(lease, time.Now())
	assert.Equal(t, types.OverMaxRuntime, got)
}

func TestClassifyDeadProcessWinsOverOtherCauses(t *testing.T) {
	store := New(t.TempDir(), 15*time.Second, time.Minute)
	lease := sampleLease("101")
	lease.PID = 999999
	lease.StartedAt = time.Now().Add(-2 * time.Minute)
	lease.Heartbeat = time.Now().Add(-15 * time.Minute)

	got := store.Classify(lease, time.Now())
	assert.Equal(t, types.DeadProcess, got)
}
