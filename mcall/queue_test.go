package mcall

import (
	"testing"

	"github.com/ehrlich-b/lola-shm/shm"
)

func newTestQueue(t *testing.T, depth, maxArgSize, maxResultSize int) *Queue {
	t.Helper()
	arena := shm.NewArena(make([]byte, 1<<16))
	q, _, err := NewQueue(arena, depth, maxArgSize, maxResultSize)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	return q
}

func TestEnqueueDequeueCompleteCollect(t *testing.T) {
	q := newTestQueue(t, 4, 64, 64)

	h, err := q.Enqueue(111, []byte("add(2,3)"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.StateAt(h) != CallPending {
		t.Fatalf("expected Pending after enqueue, got %v", q.StateAt(h))
	}

	handle, arg, ok := q.DequeuePending()
	if !ok || handle != h {
		t.Fatalf("expected to dequeue handle %d, got %d ok=%v", h, handle, ok)
	}
	if string(arg[:8]) != "add(2,3)" {
		t.Fatalf("unexpected argument payload: %q", arg[:8])
	}

	if err := q.Complete(handle, []byte("5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.StateAt(handle) != CallDone {
		t.Fatalf("expected Done after complete, got %v", q.StateAt(handle))
	}

	result, err := q.Collect(handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result[:1]) != "5" {
		t.Fatalf("unexpected result payload: %q", result[:1])
	}
	if q.StateAt(handle) != CallFree {
		t.Fatalf("expected Free after collect, got %v", q.StateAt(handle))
	}
}

func TestQueueFullWhenAllSlotsPending(t *testing.T) {
	q := newTestQueue(t, 2, 16, 16)

	if _, err := q.Enqueue(1, []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Enqueue(2, []byte("b")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Enqueue(3, []byte("c")); err == nil {
		t.Fatal("expected enqueue to fail once the queue is full")
	}
}

func TestCompleteRejectsWrongState(t *testing.T) {
	q := newTestQueue(t, 2, 16, 16)
	h, _ := q.Enqueue(1, []byte("a"))
	// h is Pending, not InProgress yet.
	if err := q.Complete(h, []byte("x")); err == nil {
		t.Fatal("expected Complete to reject a Pending (not InProgress) slot")
	}
}

func TestArgumentTooLarge(t *testing.T) {
	q := newTestQueue(t, 1, 4, 4)
	if _, err := q.Enqueue(1, []byte("toolong")); err == nil {
		t.Fatal("expected oversized argument to be rejected")
	}
}

func TestClaimPendingTargetsExactSlot(t *testing.T) {
	q := newTestQueue(t, 4, 16, 16)

	h, err := q.Enqueue(1, []byte("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := q.ClaimPending(h + 1); ok {
		t.Fatal("expected claim of an empty slot to fail")
	}
	arg, ok := q.ClaimPending(h)
	if !ok {
		t.Fatal("expected claim of the pending slot to succeed")
	}
	if string(arg[:1]) != "x" {
		t.Fatalf("unexpected argument payload: %q", arg[:1])
	}
	// A duplicate signal for the same slot must be a no-op.
	if _, ok := q.ClaimPending(h); ok {
		t.Fatal("expected duplicate claim to fail")
	}
}
