// Package lock implements the reconciler's process-wide exclusive lock: a
// non-blocking advisory flock on a fixed file, held for the duration of one
// reconciliation pass. Existence of the lock file after a crash must never
// block the next run, so the lock is the flock itself, not the file's
// presence.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrHeld is returned by Acquire when another process currently holds the
// lock.
var ErrHeld = errors.New("lock held by another process")

// Lock represents a held exclusive, non-blocking flock on path.
type Lock struct {
	path string
	file *os.File
}

type holderInfo struct {
	PID        int    `json:"pid"`
	Host       string `json:"host"`
	AcquiredAt string `json:"acquired_at"`
}

// Acquire attempts to take the exclusive non-blocking lock at path. If the
// lock is already held, it returns ErrHeld wrapping a description of the
// current holder (best-effort, read from the file's contents).
func Acquire(path, host string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		holder := readHolderHint(path)
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, holder)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &Lock{path: path, file: file}
	if err := l.writeHolderInfo(host); err != nil {
		// Non-fatal: the lock itself (the flock) is what matters; the
		// holder-info file is only a diagnostic aid for contention logs.
		_ = err
	}
	return l, nil
}

func (l *Lock) writeHolderInfo(host string) error {
	info := holderInfo{
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	_, err = l.file.Write(data)
	return err
}

func readHolderHint(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("lock=%s", path)
	}
	var info holderInfo
	if err := json.Unmarshal(data, &info); err != nil || info.PID == 0 {
		return fmt.Sprintf("lock=%s", path)
	}
	return fmt.Sprintf("pid=%d host=%s acquired_at=%s", info.PID, info.Host, info.AcquiredAt)
}

// Release unlocks and closes the lock file. The file itself is left in
// place; its existence carries no meaning once unlocked.
func (l *Lock) Release() error {
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}
	return nil
}
