package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Lock is the content of the lock file.
type Lock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	RunID     string    `json:"run_id"`
}

var ErrLockHeld = errors.New("marathon lock is held")

// AcquireLock claims the run directory for this process. A lock left behind
// by a dead process is removed and claimed.
func (s *Store) AcquireLock(runID string) (release func() error, err error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, err
	}
	return s.acquire(runID, true)
}

func (s *Store) acquire(runID string, retryStale bool) (func() error, error) {
	data, err := json.MarshalIndent(Lock{PID: os.Getpid(), StartedAt: time.Now(), RunID: runID}, "", "    ")
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, err
		}
		existing, readErr := s.ReadLock()
		if readErr != nil || existing.PID <= 0 {
			return nil, fmt.Errorf("%w (lock file exists)", ErrLockHeld)
		}
		if processAlive(existing.PID) {
			return nil, fmt.Errorf("%w by pid %d (run_id=%s)", ErrLockHeld, existing.PID, existing.RunID)
		}
		if retryStale && os.Remove(s.LockPath) == nil {
			return s.acquire(runID, false)
		}
		return nil, fmt.Errorf("%w (stale lock could not be removed)", ErrLockHeld)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(s.LockPath)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(s.LockPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(s.LockPath)
		return nil, err
	}
	return func() error { return os.Remove(s.LockPath) }, nil
}

// ReadLock returns the current lock holder, if any.
func (s *Store) ReadLock() (*Lock, error) {
	b, err := os.ReadFile(s.LockPath)
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Holder reports a live lock holder, or nil when the directory is free.
func (s *Store) Holder() *Lock {
	l, err := s.ReadLock()
	if err != nil || l.PID <= 0 || !processAlive(l.PID) {
		return nil
	}
	return l
}

func processAlive(pid int) bool {
	// On unix, signal 0 checks existence/permission.
	return syscall.Kill(pid, 0) == nil
}
