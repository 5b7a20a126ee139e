package leasestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"

	"github.com/ericroliver/tinyscheduler/pkg/log"
	"github.com/ericroliver/tinyscheduler/pkg/tserrors"
	"github.com/ericroliver/tinyscheduler/pkg/types"
)

// Store owns lease_dir and implements atomic create/update/delete,
// enumeration, and staleness classification.
type Store struct {
	leaseDir         string
	heartbeatInterval time.Duration
	maxRuntime       time.Duration
}

// New returns a Store rooted at leaseDir. leaseDir must already exist.
func New(leaseDir string, heartbeatInterval, maxRuntime time.Duration) *Store {
	return &Store{
		leaseDir:          leaseDir,
		heartbeatInterval: heartbeatInterval,
		maxRuntime:        maxRuntime,
	}
}

// Dir returns the lease directory this store is rooted at.
func (s *Store) Dir() string {
	return s.leaseDir
}

func fileName(taskID string) string {
	return "task_" + taskID + ".json"
}

// resolvedPath validates taskID and returns the path the lease would live
// at, guaranteeing it resolves strictly inside leaseDir.
func (s *Store) resolvedPath(taskID string) (string, error) {
	if !types.ValidIdentifier(taskID) {
		return "", &tserrors.InvalidIdentifier{Kind: "task_id", Value: taskID}
	}

	leaseDirResolved, err := filepath.EvalSymlinks(s.leaseDir)
	if err != nil {
		return "", fmt.Errorf("resolve lease dir: %w", err)
	}

	candidate := filepath.Join(leaseDirResolved, fileName(taskID))

	// The lease file itself may not exist yet (create path) or may be a
	// symlink (an attack or a stray artifact); resolve what we can and
	// check containment either way.
	resolved := candidate
	if target, err := filepath.EvalSymlinks(candidate); err == nil {
		resolved = target
	}

	if resolved != leaseDirResolved && !strings.HasPrefix(resolved, leaseDirResolved+string(os.PathSeparator)) {
		return "", &tserrors.PathEscape{Path: resolved, Parent: leaseDirResolved}
	}

	return candidate, nil
}

// Create writes a new lease. It fails with LeaseConflict if a lease for
// this task already exists.
func (s *Store) Create(lease *types.Lease) error {
	path, err := s.resolvedPath(lease.TaskID)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(path); err == nil {
		return &tserrors.LeaseConflict{TaskID: lease.TaskID}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat lease %q: %w", lease.TaskID, err)
	}

	return s.writeAtomic(path, lease)
}

// Update overwrites an existing lease using the same atomic temp+rename
// pattern used by Create. Unlike Create, it does not check whether the
// lease already exists. The supervisor writes the initial lease with
// Create and each heartbeat with Update.
func (s *Store) Update(lease *types.Lease) error {
	path, err := s.resolvedPath(lease.TaskID)
	if err != nil {
		return err
	}
	return s.writeAtomic(path, lease)
}

func (s *Store) writeAtomic(path string, lease *types.Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("marshal lease %q: %w", lease.TaskID, err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending lease file %q: %w", lease.TaskID, err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			log.WithComponent("leasestore").Debug().Err(err).Msg("cleanup pending lease file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write lease %q: %w", lease.TaskID, err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit lease %q: %w", lease.TaskID, err)
	}

	return nil
}

// Delete removes the lease file. A missing file is not an error.
func (s *Store) Delete(taskID string) error {
	path, err := s.resolvedPath(taskID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete lease %q: %w", taskID, err)
	}
	return nil
}

// Get returns the lease for taskID, or nil if no lease file exists.
func (s *Store) Get(taskID string) (*types.Lease, error) {
	path, err := s.resolvedPath(taskID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lease %q: %w", taskID, err)
	}

	var lease types.Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("parse lease %q: %w", taskID, err)
	}
	return &lease, nil
}

// List enumerates all lease files, skipping malformed ones with a warning.
func (s *Store) List() ([]*types.Lease, error) {
	entries, err := os.ReadDir(s.leaseDir)
	if err != nil {
		return nil, fmt.Errorf("list lease dir: %w", err)
	}

	logger := log.WithComponent("leasestore")
	var leases []*types.Lease
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "task_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		taskID := strings.TrimSuffix(strings.TrimPrefix(name, "task_"), ".json")
		lease, err := s.Get(taskID)
		if err != nil {
			logger.Warn().Err(err).Str("file", name).Msg("skipping malformed lease file")
			continue
		}
		if lease == nil {
			continue
		}
		leases = append(leases, lease)
	}

	sort.Slice(leases, func(i, j int) bool { return leases[i].TaskID < leases[j].TaskID })
	return leases, nil
}

// CountByAgent returns the number of leases currently held by agent.
func (s *Store) CountByAgent(agent string) (int, error) {
	leases, err := s.List()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, l := range leases {
		if l.Agent == agent {
			count++
		}
	}
	return count, nil
}

// Classify compares lease against the host process table and the
// configured staleness thresholds, applying the priority order
// dead_process > over_max_runtime > stale_heartbeat.
func (s *Store) Classify(lease *types.Lease, now time.Time) types.Classification {
	if !processAlive(lease.PID) {
		return types.DeadProcess
	}
	if now.Sub(lease.StartedAt) > s.maxRuntime {
		return types.OverMaxRuntime
	}
	staleAfter := 3 * s.heartbeatInterval
	if staleAfter < 60*time.Second {
		staleAfter = 60 * time.Second
	}
	if now.Sub(lease.Heartbeat) > staleAfter {
		return types.StaleHeartbeat
	}
	return types.Healthy
}

// processAlive reports whether pid refers to a live process on this host.
// A permission-denied result means the process exists (just owned by
// someone else), so it is treated as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == unix.EPERM {
		return true
	}
	return false
}
