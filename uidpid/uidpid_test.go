package uidpid

import (
	"sync"
	"testing"

	"github.com/ehrlich-b/lola-shm/shm"
)

func newTestMapping(t *testing.T, capacity int) *Mapping {
	t.Helper()
	arena := shm.NewArena(make([]byte, 1<<16))
	m, _, err := NewMapping(arena, capacity)
	if err != nil {
		t.Fatalf("NewMapping failed: %v", err)
	}
	return m
}

func TestRegisterFreshUid(t *testing.T) {
	m := newTestMapping(t, 4)

	_, hadPrevious, err := m.Register(1000, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hadPrevious {
		t.Fatal("fresh uid should not report a previous registration")
	}

	pid, ok := m.Lookup(1000)
	if !ok || pid != 42 {
		t.Fatalf("expected pid 42, got %d ok=%v", pid, ok)
	}
}

func TestRegisterDetectsPartialRestart(t *testing.T) {
	m := newTestMapping(t, 4)
	m.Register(1000, 42)

	oldPID, hadPrevious, err := m.Register(1000, 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hadPrevious || oldPID != 42 {
		t.Fatalf("expected to detect previous pid 42, got hadPrevious=%v oldPID=%d", hadPrevious, oldPID)
	}

	pid, _ := m.Lookup(1000)
	if pid != 99 {
		t.Fatalf("expected updated pid 99, got %d", pid)
	}
}

func TestCapacityExhausted(t *testing.T) {
	m := newTestMapping(t, 2)
	if _, _, err := m.Register(1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := m.Register(2, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := m.Register(3, 3); err == nil {
		t.Fatal("expected table-full error")
	}
}

func TestUnregister(t *testing.T) {
	m := newTestMapping(t, 4)
	m.Register(7, 77)

	if err := m.Unregister(7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.Lookup(7); ok {
		t.Fatal("expected lookup to fail after unregister")
	}
	if err := m.Unregister(7); err == nil {
		t.Fatal("expected error unregistering an already-removed uid")
	}
}

func TestDefaultCapacityMatchesOriginal(t *testing.T) {
	m := newTestMapping(t, 0)
	if m.Capacity() != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, m.Capacity())
	}
}

func TestRegisterConcurrentDistinctUids(t *testing.T) {
	const n = 32
	m := newTestMapping(t, n)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = m.Register(uint32(100+i), int32(1000+i))
		}()
	}
	wg.Wait()

	// Every registration must have won its own entry: none lost to a
	// racing claim of the same free slot, none erroring before capacity.
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Register(%d) failed: %v", 100+i, errs[i])
		}
		pid, ok := m.Lookup(uint32(100 + i))
		if !ok || pid != int32(1000+i) {
			t.Fatalf("uid %d: expected pid %d, got %d ok=%v", 100+i, 1000+i, pid, ok)
		}
	}
}
