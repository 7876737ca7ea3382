package ring

import (
	"testing"

	"github.com/ehrlich-b/lola-shm/shm"
)

func newTestSlot(t *testing.T, payloadSize int) (*shm.Arena, *EventSlot) {
	t.Helper()
	arena := shm.NewArena(make([]byte, 1<<16))
	block, err := AllocatePayloadBlock(arena, 1, payloadSize)
	if err != nil {
		t.Fatalf("AllocatePayloadBlock failed: %v", err)
	}
	slot := &EventSlot{}
	buf := arena.Bytes(block, int64(payloadSize))
	slot.payloadOff = shm.OffsetPtrFromRaw(arena.BaseAddr(), &buf[0])
	slot.payloadSize = int64(payloadSize)
	return arena, slot
}

func TestEventSlotClaimPublishRelease(t *testing.T) {
	arena, s := newTestSlot(t, 16)
	if s.State() != SlotFree {
		t.Fatalf("new slot should be Free, got %v", s.State())
	}

	if !s.TryClaim() {
		t.Fatal("expected to claim a free slot")
	}
	if s.State() != SlotWriting {
		t.Fatalf("expected Writing after claim, got %v", s.State())
	}

	copy(s.Payload(arena), []byte("hello"))
	s.Publish(1)
	if s.State() != SlotReady {
		t.Fatalf("expected Ready after publish, got %v", s.State())
	}

	ok, seq := s.AcquireRef()
	if !ok || seq != 1 {
		t.Fatalf("expected to acquire ready slot with seq 1, got ok=%v seq=%d", ok, seq)
	}
	if s.RefCount() != 1 {
		t.Fatalf("expected refcount 1, got %d", s.RefCount())
	}
	s.ReleaseRef()
	if s.RefCount() != 0 {
		t.Fatalf("expected refcount 0 after release, got %d", s.RefCount())
	}
}

func TestEventSlotCannotClaimWhileReferenced(t *testing.T) {
	_, s := newTestSlot(t, 8)
	s.TryClaim()
	s.Publish(1)

	ok, _ := s.AcquireRef()
	if !ok {
		t.Fatal("expected acquire to succeed")
	}

	if s.TryClaim() {
		t.Fatal("must not be able to reclaim a slot with an outstanding reference")
	}

	s.ReleaseRef()
	if !s.TryClaim() {
		t.Fatal("expected reclaim to succeed once reference released")
	}
}

func TestEventSlotAcquireFailsWhileWriting(t *testing.T) {
	_, s := newTestSlot(t, 8)
	s.TryClaim()

	ok, _ := s.AcquireRef()
	if ok {
		t.Fatal("must not acquire a reference to a slot mid-write")
	}
	if s.RefCount() != 0 {
		t.Fatalf("failed acquire must not leak a refcount, got %d", s.RefCount())
	}
}

func TestEventSlotTryReclaim(t *testing.T) {
	_, s := newTestSlot(t, 8)
	s.TryClaim()
	s.Publish(1)

	s.AcquireRef()
	if s.TryReclaim() {
		t.Fatal("must not reclaim while a reference is outstanding")
	}
	s.ReleaseRef()
	if !s.TryReclaim() {
		t.Fatal("expected reclaim once the last reference is gone")
	}
	if s.State() != SlotFree {
		t.Fatalf("expected Free after reclaim, got %v", s.State())
	}
}

func TestEventSlotDoubleReleaseIsFatal(t *testing.T) {
	_, s := newTestSlot(t, 8)
	s.TryClaim()
	s.Publish(1)
	s.AcquireRef()

	var tripped string
	prev := fatalCorruption
	fatalCorruption = func(msg string) { tripped = msg }
	defer func() { fatalCorruption = prev }()

	s.ReleaseRef()
	if tripped != "" {
		t.Fatalf("a matched release must not trip the corruption handler, got %q", tripped)
	}
	s.ReleaseRef()
	if tripped == "" {
		t.Fatal("a release without a matching acquire must be detected as corruption")
	}
}

func TestEventSlotReleaseRefIfHeldNeverUnderflows(t *testing.T) {
	_, s := newTestSlot(t, 8)
	s.TryClaim()
	s.Publish(1)
	s.AcquireRef()

	if !s.ReleaseRefIfHeld() {
		t.Fatal("expected conditional release to drop the held reference")
	}
	if s.ReleaseRefIfHeld() {
		t.Fatal("conditional release on a zero refcount must be a no-op")
	}
	if s.RefCount() != 0 {
		t.Fatalf("expected refcount 0, got %d", s.RefCount())
	}
}
