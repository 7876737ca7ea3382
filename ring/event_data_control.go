package ring

import (
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/shm"
)

// defaultMaxAllocateRetries bounds how many full eligibility scans a
// writer performs before giving up on AllocateNextSlot. A writer that
// can't claim a slot within this many passes is almost certainly facing a
// leaked reference (a reader that crashed mid-read and never released),
// which is exactly what the transaction log (package txlog) exists to
// detect and roll back — this bound just keeps a stuck writer from
// spinning forever in the meantime.
const defaultMaxAllocateRetries = 64

// DataControlHeader is the POD record EventDataControl's state lives in
// inside the control arena: the slot array's location plus the publish
// sequence every attaching process must see the same value for. It is
// this header's OffsetPtr, not a Go pointer, that makes an event's
// data-control block findable across process boundaries.
type DataControlHeader struct {
	maxRetries  int32
	numSlots    int32
	payloadSize int64
	nextSeq     atomic.Uint64
	slotsOff    shm.OffsetPtr[EventSlot]
}

// EventDataControl is the process-local handle onto a DataControlHeader
// and its resolved slot array. The control arena holds the slot state
// machines; the DATA arena holds the payload bytes the slots point into.
// Both pointers are only meaningful in the process that resolved them,
// but everything they point at lives in shared memory and is resolved
// identically by every process that opens the same segments.
type EventDataControl struct {
	arena        *shm.Arena // control segment
	payloadArena *shm.Arena // DATA segment
	header       *DataControlHeader
	slots        []EventSlot
}

// AllocatePayloadBlock reserves one contiguous numSlots*payloadSize region
// from the DATA segment's arena. Splitting this out of NewEventDataControl
// lets an ASIL-B service's two control segments (QM and ASIL-B) lay their
// independent slot state machines over the same payload storage.
func AllocatePayloadBlock(dataArena *shm.Arena, numSlots, payloadSize int) (shm.OffsetPtr[byte], error) {
	return dataArena.Allocate(int64(numSlots)*int64(payloadSize), 8)
}

// NewEventDataControl allocates a ring of numSlots slots plus its header
// inside ctrlArena, each slot pointing at its share of the payloadBlock
// previously reserved from dataArena via AllocatePayloadBlock. It returns
// the header's OffsetPtr so the caller (EventControl) can record it in a
// directory entry for later attach-by-offset.
func NewEventDataControl(ctrlArena, dataArena *shm.Arena, payloadBlock shm.OffsetPtr[byte], numSlots, payloadSize int) (*EventDataControl, shm.OffsetPtr[DataControlHeader], error) {
	if numSlots <= 0 || payloadSize <= 0 {
		return nil, shm.OffsetPtr[DataControlHeader]{}, errors.New("NewEventDataControl",
			errors.CodeBindingFailure, "slot count and payload size must be positive")
	}
	slotsOff, slots, err := shm.AllocateArray[EventSlot](ctrlArena, numSlots)
	if err != nil {
		return nil, shm.OffsetPtr[DataControlHeader]{}, err
	}
	block := dataArena.Bytes(payloadBlock, int64(numSlots)*int64(payloadSize))
	if block == nil {
		return nil, shm.OffsetPtr[DataControlHeader]{}, errors.New("NewEventDataControl",
			errors.CodeInvalidHandle, "null payload block")
	}
	for i := range slots {
		slots[i].payloadOff = shm.OffsetPtrFromRaw(dataArena.BaseAddr(), &block[i*payloadSize])
		slots[i].payloadSize = int64(payloadSize)
		slots[i].state.Store(int32(SlotFree))
	}
	hdrOff, hdr, err := shm.AllocateTyped[DataControlHeader](ctrlArena)
	if err != nil {
		return nil, shm.OffsetPtr[DataControlHeader]{}, err
	}
	hdr.maxRetries = defaultMaxAllocateRetries
	hdr.numSlots = int32(numSlots)
	hdr.payloadSize = int64(payloadSize)
	hdr.slotsOff = slotsOff

	return &EventDataControl{arena: ctrlArena, payloadArena: dataArena, header: hdr, slots: slots}, hdrOff, nil
}

// OpenEventDataControl attaches to a DataControlHeader previously built
// by NewEventDataControl, resolving its slot array against the control
// arena and its payload against the DATA arena. This is the path a proxy
// (or any process other than the one that created the segments) uses to
// reach the same ring by offset.
func OpenEventDataControl(ctrlArena, dataArena *shm.Arena, ptr shm.OffsetPtr[DataControlHeader]) (*EventDataControl, error) {
	hdr := shm.ResolveTyped(ctrlArena, ptr)
	if hdr == nil {
		return nil, errors.New("OpenEventDataControl", errors.CodeInvalidHandle, "null data-control offset")
	}
	slots := shm.ResolveArray[EventSlot](ctrlArena, hdr.slotsOff, int(hdr.numSlots))
	return &EventDataControl{arena: ctrlArena, payloadArena: dataArena, header: hdr, slots: slots}, nil
}

// Arena returns the control arena this block's slots were resolved against.
func (c *EventDataControl) Arena() *shm.Arena { return c.arena }

// NumSlots returns the configured ring size.
func (c *EventDataControl) NumSlots() int { return len(c.slots) }

// PayloadAt resolves slot idx's payload bytes against the DATA arena.
func (c *EventDataControl) PayloadAt(idx int) []byte {
	if idx < 0 || idx >= len(c.slots) {
		return nil
	}
	return c.slots[idx].Payload(c.payloadArena)
}

// AllocateNextSlot picks the eligible slot with the smallest publish
// sequence (the oldest; a never-published Free slot has sequence zero and
// is preferred outright) and claims it via CAS. Eligible means Free, or
// Ready with no outstanding reader references. On CAS failure the whole
// scan restarts, bounded by the header's retry budget.
func (c *EventDataControl) AllocateNextSlot() (int, *EventSlot, error) {
	if len(c.slots) == 0 {
		return -1, nil, errors.New("EventDataControl.AllocateNextSlot", errors.CodeNoSlotAvailable, "no slots configured")
	}
	maxRetries := int(c.header.maxRetries)
	for attempt := 0; attempt < maxRetries; attempt++ {
		bestIdx := -1
		var bestSeq uint64
		for i := range c.slots {
			s := &c.slots[i]
			switch s.State() {
			case SlotWriting:
				continue
			case SlotReady:
				if s.RefCount() > 0 {
					continue
				}
			}
			if seq := s.Seq(); bestIdx == -1 || seq < bestSeq {
				bestIdx = i
				bestSeq = seq
			}
		}
		if bestIdx == -1 {
			continue
		}
		if c.slots[bestIdx].TryClaim() {
			return bestIdx, &c.slots[bestIdx], nil
		}
	}
	return -1, nil, errors.New("EventDataControl.AllocateNextSlot", errors.CodeNoSlotAvailable,
		"no free slot found within retry budget")
}

// NextSeq reserves the next publish sequence number.
func (c *EventDataControl) NextSeq() uint64 { return c.header.nextSeq.Add(1) }

// Publish stamps the given already-claimed slot with a fresh sequence
// number and marks it Ready.
func (c *EventDataControl) Publish(slot *EventSlot) uint64 {
	seq := c.NextSeq()
	slot.Publish(seq)
	return seq
}

// SlotAt returns the slot at idx for reader-side access.
func (c *EventDataControl) SlotAt(idx int) *EventSlot {
	if idx < 0 || idx >= len(c.slots) {
		return nil
	}
	return &c.slots[idx]
}

// IndexOf returns the index of slot within the ring, or -1 if it is not
// one of this control block's slots.
func (c *EventDataControl) IndexOf(slot *EventSlot) int {
	for i := range c.slots {
		if &c.slots[i] == slot {
			return i
		}
	}
	return -1
}

// LatestReady scans all slots and returns the index of the one with the
// highest publish sequence currently in Ready state, used by a freshly
// subscribing reader to find the newest available sample.
func (c *EventDataControl) LatestReady() (idx int, ok bool) {
	var bestSeq uint64
	bestIdx := -1
	for i := range c.slots {
		s := &c.slots[i]
		if s.State() != SlotReady {
			continue
		}
		if seq := s.Seq(); bestIdx == -1 || seq > bestSeq {
			bestSeq = seq
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return -1, false
	}
	return bestIdx, true
}
