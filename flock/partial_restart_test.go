package flock

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempDir(t *testing.T) func() {
	t.Helper()
	tmp, err := os.MkdirTemp("", "lola-flock-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	orig := Dir
	setDirForTest(tmp)
	return func() {
		setDirForTest(orig)
		os.RemoveAll(tmp)
	}
}

// setDirForTest lets the test suite point Dir at a scratch directory
// instead of /dev/shm/lola/partial_restart, since the test environment
// may not have permission to write there.
func setDirForTest(path string) {
	Dir = path
}

func TestExclusiveMarkerPreventsSecondOwner(t *testing.T) {
	defer withTempDir(t)()

	m1, err := OpenExistenceMarker(9, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m1.Unlock()
	if err := m1.TryLockExclusive(); err != nil {
		t.Fatalf("expected first exclusive lock to succeed: %v", err)
	}

	m2, err := OpenExistenceMarker(9, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m2.Unlock()
	if err := m2.TryLockExclusive(); err == nil {
		t.Fatal("expected second exclusive lock to fail while first is held")
	}
}

func TestSharedMarkerAllowsMultipleHolders(t *testing.T) {
	defer withTempDir(t)()

	m1, err := OpenUsageMarker(9, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m1.Unlock()
	if err := m1.TryLockShared(); err != nil {
		t.Fatalf("expected shared lock to succeed: %v", err)
	}

	m2, err := OpenUsageMarker(9, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m2.Unlock()
	if err := m2.TryLockShared(); err != nil {
		t.Fatalf("expected second shared lock to succeed: %v", err)
	}
}

func TestIsHeldExclusivelyDetectsLiveOwner(t *testing.T) {
	defer withTempDir(t)()

	path := ExistenceMarkerPath(9, 3)
	held, err := IsHeldExclusively(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if held {
		t.Fatal("expected no owner before anyone locks it")
	}

	m, err := OpenExistenceMarker(9, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Unlock()
	if err := m.TryLockExclusive(); err != nil {
		t.Fatalf("unexpected error taking exclusive lock: %v", err)
	}

	held, err = IsHeldExclusively(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !held {
		t.Fatal("expected IsHeldExclusively to detect the live owner")
	}
}

func TestMarkerPaths(t *testing.T) {
	defer withTempDir(t)()

	want := filepath.Join(Dir, "existence-000000000000002a-00007")
	if got := ExistenceMarkerPath(42, 7); got != want {
		t.Errorf("ExistenceMarkerPath(42, 7) = %q, want %q", got, want)
	}

	want = filepath.Join(Dir, "usage-000000000000002a-00007")
	if got := UsageMarkerPath(42, 7); got != want {
		t.Errorf("UsageMarkerPath(42, 7) = %q, want %q", got, want)
	}
}
