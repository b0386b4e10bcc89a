package state

import (
	"errors"
	"testing"
)

func TestAcquireLockBlocksSecondAcquire(t *testing.T) {
	s := NewStore(t.TempDir())

	release, err := s.AcquireLock("run-a")
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}

	if _, err := s.AcquireLock("run-b"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if h := s.Holder(); h == nil || h.RunID != "run-a" {
		t.Fatalf("expected run-a to hold the lock, got %+v", h)
	}

	if err := release(); err != nil {
		t.Fatalf("release error: %v", err)
	}
	release, err = s.AcquireLock("run-c")
	if err != nil {
		t.Fatalf("expected AcquireLock after release to succeed, got: %v", err)
	}
	_ = release()
}
