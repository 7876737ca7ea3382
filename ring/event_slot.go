// Package ring implements the lock-free slot allocation protocol events and
// fields are published through: a fixed-size array of payload slots, a CAS
// state machine guarding each one, and a companion subscription control word
// readers use to register without ever blocking a writer.
package ring

import (
	"os"
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/internal/logging"
	"github.com/ehrlich-b/lola-shm/shm"
)

// fatalCorruption terminates the process on a violated shared-memory
// invariant. Continuing after one is unsafe: the segment is shared, so a
// corrupted count poisons every attached process, not just this one. A
// var rather than a direct call so tests can observe the trip without
// dying.
var fatalCorruption = func(msg string) {
	logging.Default().Error(msg)
	os.Exit(2)
}

// SlotState is the state of one EventSlot in its allocation lifecycle.
type SlotState int32

const (
	// SlotFree: no writer owns the slot and no reader holds a reference.
	SlotFree SlotState = iota
	// SlotWriting: a writer has claimed the slot and is copying payload
	// into it. Readers must never observe this state as eligible.
	SlotWriting
	// SlotReady: payload is complete and visible; readers may take
	// references to it.
	SlotReady
)

// EventSlot is one payload slot in an event's data-control ring. It is a
// POD type allocated in place inside a control segment's arena, while the
// payload bytes it points at live in the DATA segment's arena — the slot
// carries only the offset. Each slot tracks its own CAS state plus a
// reference count so writers can tell whether a ready slot is still being
// read before reusing it.
type EventSlot struct {
	state       atomic.Int32  // SlotState
	refs        atomic.Int32  // outstanding reader references
	seq         atomic.Uint64 // monotonically increasing publish timestamp
	payloadOff  shm.OffsetPtr[byte]
	payloadSize int64
}

// State returns the slot's current state.
func (s *EventSlot) State() SlotState { return SlotState(s.state.Load()) }

// Seq returns the publish sequence number last written to this slot.
func (s *EventSlot) Seq() uint64 { return s.seq.Load() }

// Payload resolves the slot's backing buffer against the DATA segment's
// arena. Callers must only read it while holding a reference obtained via
// AcquireRef, and only write to it after winning TryClaim.
func (s *EventSlot) Payload(dataArena *shm.Arena) []byte {
	return dataArena.Bytes(s.payloadOff, s.payloadSize)
}

// TryClaim attempts to transition a free, unreferenced slot into Writing
// state for a new publish. It fails if the slot is currently Writing, or
// Ready with at least one outstanding reader reference — exactly the two
// conditions under which reusing it would corrupt an in-progress read.
func (s *EventSlot) TryClaim() bool {
	if s.refs.Load() > 0 {
		return false
	}
	return s.state.CompareAndSwap(int32(SlotFree), int32(SlotWriting)) ||
		s.state.CompareAndSwap(int32(SlotReady), int32(SlotWriting))
}

// Publish marks a claimed slot Ready and stamps it with the next publish
// sequence number. Must only be called by the writer that won TryClaim.
func (s *EventSlot) Publish(seq uint64) {
	s.seq.Store(seq)
	s.state.Store(int32(SlotReady))
}

// AcquireRef takes a reader reference on the slot if and only if it is
// currently Ready, returning the sequence number visible at acquisition
// time. A slot transitioning to Writing concurrently with this call is
// exactly the race this protects against: the refcount increment and the
// state check must agree on the same already-visible Ready state before a
// reader is allowed to read payload bytes.
func (s *EventSlot) AcquireRef() (ok bool, seq uint64) {
	s.refs.Add(1)
	if SlotState(s.state.Load()) != SlotReady {
		s.refs.Add(-1)
		return false, 0
	}
	return true, s.seq.Load()
}

// ReleaseRef drops a reader reference taken by AcquireRef. Driving the
// count below zero means a release without a matching acquire — a
// corrupted segment — and is fatal.
func (s *EventSlot) ReleaseRef() {
	if s.refs.Add(-1) < 0 {
		fatalCorruption("event slot refcount underflow")
	}
}

// ReleaseRefIfHeld drops a reference only when the count is positive,
// reporting whether it did. The rollback path uses this instead of
// ReleaseRef because a log slot interrupted mid-transaction cannot prove
// whether its refcount increment landed before the crash, and a blind
// decrement would underflow — which on the normal path is treated as
// corruption.
func (s *EventSlot) ReleaseRefIfHeld() bool {
	for {
		cur := s.refs.Load()
		if cur <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// TryReclaim transitions a Ready slot with no outstanding references back
// to Free, completing the reader-side release protocol. It is a no-op if
// references remain or the writer currently owns the slot.
func (s *EventSlot) TryReclaim() bool {
	if s.refs.Load() != 0 {
		return false
	}
	return s.state.CompareAndSwap(int32(SlotReady), int32(SlotFree))
}

// RefCount returns the current outstanding reader reference count,
// exposed for tests and diagnostics.
func (s *EventSlot) RefCount() int32 { return s.refs.Load() }

// ForceFree unconditionally resets the slot to Free with a zero
// refcount, discarding whatever partial write was in progress. This is
// only safe when the caller has already established, via the
// transaction log, that the slot's owning writer is dead and cannot be
// racing to finish a legitimate Publish.
func (s *EventSlot) ForceFree() {
	s.refs.Store(0)
	s.state.Store(int32(SlotFree))
}
