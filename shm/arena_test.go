package shm

import (
	"testing"

	"github.com/ehrlich-b/lola-shm/errors"
)

func TestArenaAllocateSequential(t *testing.T) {
	a := NewArena(make([]byte, 256))

	p1, err := a.Allocate(32, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := a.Allocate(32, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p1.IsNull() || p2.IsNull() {
		t.Fatal("expected non-null allocations")
	}
	if a.Used() < 64 {
		t.Fatalf("expected at least 64 bytes used, got %d", a.Used())
	}
}

func TestArenaAllocateExhaustion(t *testing.T) {
	a := NewArena(make([]byte, 64))

	if _, err := a.Allocate(64, 1); err != nil {
		t.Fatalf("unexpected error filling arena: %v", err)
	}

	_, err := a.Allocate(1, 1)
	if err == nil {
		t.Fatal("expected error allocating past arena capacity")
	}
	if !errors.Is(err, errors.CodeNoSlotAvailable) {
		t.Fatalf("expected CodeNoSlotAvailable, got %v", err)
	}
}

func TestArenaAllocateRejectsNonPositiveSize(t *testing.T) {
	a := NewArena(make([]byte, 64))
	if _, err := a.Allocate(0, 8); err == nil {
		t.Fatal("expected error allocating zero bytes")
	}
}

func TestArenaAllocateTyped(t *testing.T) {
	type widget struct {
		X, Y int64
	}
	a := NewArena(make([]byte, 256))

	ptr, obj, err := AllocateTyped[widget](a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr.IsNull() {
		t.Fatal("expected non-null typed pointer")
	}
	obj.X, obj.Y = 1, 2

	resolved := ptr.Get(a.BaseAddr())
	if resolved.X != 1 || resolved.Y != 2 {
		t.Fatalf("expected resolved object to match written fields, got %+v", resolved)
	}
}

func TestArenaNeverShrinksUsed(t *testing.T) {
	a := NewArena(make([]byte, 128))
	a.Allocate(16, 1)
	used1 := a.Used()
	a.Allocate(16, 1)
	used2 := a.Used()

	if used2 <= used1 {
		t.Fatalf("expected used to grow monotonically: %d -> %d", used1, used2)
	}
}

func TestEstimateAllocationSize(t *testing.T) {
	sizes := []int64{3, 10, 4}
	aligns := []int64{1, 8, 4}

	total := EstimateAllocationSize(sizes, aligns)
	if total <= 0 {
		t.Fatalf("expected positive estimate, got %d", total)
	}
	// 3 bytes, pad to 8 for next alloc (8), +10 = 18, pad to 4 (20), +4 = 24
	if total != 24 {
		t.Fatalf("expected 24, got %d", total)
	}
}
