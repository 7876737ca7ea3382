// Package mcall implements the type-erased method call queue methods are
// dispatched through: a proxy enqueues an argument blob of whatever size
// the generated method signature requires, the skeleton's call handler
// dequeues it without knowing the concrete argument type, invokes the
// real handler, and writes the result back into the same slot.
package mcall

import (
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/shm"
)

// CallState tracks one call slot's position in its request/reply
// lifecycle.
type CallState int32

const (
	CallFree CallState = iota
	CallPending       // argument written, awaiting skeleton pickup
	CallInProgress    // skeleton handler running
	CallDone          // result written, awaiting proxy pickup
)

// callSlot is one reusable request/reply slot in the queue. It is a POD
// struct — every field is either an atomic or a fixed-size OffsetPtr/cap
// pair — so the whole array it lives in (see Queue) is allocated directly
// inside a segment's arena rather than as heap-backed Go slices.
type callSlot struct {
	state     atomic.Int32
	callerPID atomic.Int32
	argOff    shm.OffsetPtr[byte]
	argCap    int32
	argLen    atomic.Int32
	resOff    shm.OffsetPtr[byte]
	resCap    int32
	resLen    atomic.Int32
}

// QueueHeader is the POD record Queue resolves against: the slot array's
// location and the round-robin cursor every process enqueuing against
// this method must share.
type QueueHeader struct {
	depth         int32
	maxArgSize    int32
	maxResultSize int32
	cursor        atomic.Uint32
	slotsOff      shm.OffsetPtr[callSlot]
}

// Queue is the fixed-capacity type-erased call queue for one method
// element. Its slots are claimed round-robin from a shared cursor and
// released by CAS. An event's data-control ring (package ring) claims
// differently: it takes the eligible slot with the oldest publish
// sequence.
type Queue struct {
	arena  *shm.Arena
	header *QueueHeader
	slots  []callSlot
}

// NewQueue allocates a call queue with depth slots inside arena, each able
// to hold up to maxArgSize bytes of argument and maxResultSize bytes of
// result. It returns the header's OffsetPtr for the caller's directory.
func NewQueue(arena *shm.Arena, depth int, maxArgSize, maxResultSize int) (*Queue, shm.OffsetPtr[QueueHeader], error) {
	slotsOff, slots, err := shm.AllocateArray[callSlot](arena, depth)
	if err != nil {
		return nil, shm.OffsetPtr[QueueHeader]{}, err
	}
	for i := range slots {
		argOff, err := arena.Allocate(int64(maxArgSize), 8)
		if err != nil {
			return nil, shm.OffsetPtr[QueueHeader]{}, err
		}
		resOff, err := arena.Allocate(int64(maxResultSize), 8)
		if err != nil {
			return nil, shm.OffsetPtr[QueueHeader]{}, err
		}
		slots[i].argOff = argOff
		slots[i].argCap = int32(maxArgSize)
		slots[i].resOff = resOff
		slots[i].resCap = int32(maxResultSize)
	}
	hdrOff, hdr, err := shm.AllocateTyped[QueueHeader](arena)
	if err != nil {
		return nil, shm.OffsetPtr[QueueHeader]{}, err
	}
	hdr.depth = int32(depth)
	hdr.maxArgSize = int32(maxArgSize)
	hdr.maxResultSize = int32(maxResultSize)
	hdr.slotsOff = slotsOff

	return &Queue{arena: arena, header: hdr, slots: slots}, hdrOff, nil
}

// OpenQueue attaches to a Queue previously built by NewQueue, given its
// header offset. Used by a proxy resolving a method's directory entry
// instead of receiving a live pointer from the skeleton that built it.
func OpenQueue(arena *shm.Arena, ptr shm.OffsetPtr[QueueHeader]) (*Queue, error) {
	hdr := shm.ResolveTyped(arena, ptr)
	if hdr == nil {
		return nil, errors.New("OpenQueue", errors.CodeInvalidHandle, "null queue offset")
	}
	slots := shm.ResolveArray[callSlot](arena, hdr.slotsOff, int(hdr.depth))
	return &Queue{arena: arena, header: hdr, slots: slots}, nil
}

// Enqueue claims a free slot, copies argument into it, and marks it
// Pending for the skeleton side to pick up. It returns the slot handle
// the caller needs to later retrieve the result.
func (q *Queue) Enqueue(callerPID int32, argument []byte) (handle int, err error) {
	n := uint32(len(q.slots))
	for attempt := uint32(0); attempt < n; attempt++ {
		idx := (q.header.cursor.Add(1) - 1) % n
		s := &q.slots[idx]
		if s.state.CompareAndSwap(int32(CallFree), int32(CallPending)) {
			if int32(len(argument)) > s.argCap {
				s.state.Store(int32(CallFree))
				return -1, errors.New("Queue.Enqueue", errors.CodeCallQueueFull, "argument exceeds slot capacity")
			}
			buf := q.arena.Bytes(s.argOff, int64(s.argCap))
			copy(buf, argument)
			s.argLen.Store(int32(len(argument)))
			s.callerPID.Store(callerPID)
			return int(idx), nil
		}
	}
	return -1, errors.New("Queue.Enqueue", errors.CodeCallQueueFull, "no free call slot")
}

// ClaimPending claims the specific slot at handle, transitioning it
// Pending→InProgress, and returns its argument bytes. This is the path
// the provider's call handler takes when the message-passing signal names
// the exact slot the caller wrote; ok is false if the slot holds no
// pending call (a duplicate or stale signal).
func (q *Queue) ClaimPending(handle int) (argument []byte, ok bool) {
	if handle < 0 || handle >= len(q.slots) {
		return nil, false
	}
	s := &q.slots[handle]
	if !s.state.CompareAndSwap(int32(CallPending), int32(CallInProgress)) {
		return nil, false
	}
	return q.arena.Bytes(s.argOff, int64(s.argLen.Load())), true
}

// DequeuePending scans for a Pending slot, claims it InProgress, and
// returns its handle and argument bytes for the skeleton's handler to
// invoke. Returns ok=false if nothing is pending.
func (q *Queue) DequeuePending() (handle int, argument []byte, ok bool) {
	for idx := range q.slots {
		s := &q.slots[idx]
		if s.state.CompareAndSwap(int32(CallPending), int32(CallInProgress)) {
			buf := q.arena.Bytes(s.argOff, int64(s.argLen.Load()))
			return idx, buf, true
		}
	}
	return -1, nil, false
}

// Complete writes result into the slot at handle and marks it Done for
// the original caller to retrieve.
func (q *Queue) Complete(handle int, result []byte) error {
	if handle < 0 || handle >= len(q.slots) {
		return errors.New("Queue.Complete", errors.CodeInvalidHandle, "handle out of range")
	}
	s := &q.slots[handle]
	if CallState(s.state.Load()) != CallInProgress {
		return errors.New("Queue.Complete", errors.CodeInvalidHandle, "slot not in progress")
	}
	if int32(len(result)) > s.resCap {
		return errors.New("Queue.Complete", errors.CodeCallQueueFull, "result exceeds slot capacity")
	}
	buf := q.arena.Bytes(s.resOff, int64(s.resCap))
	copy(buf, result)
	s.resLen.Store(int32(len(result)))
	s.state.Store(int32(CallDone))
	return nil
}

// Collect retrieves the result from a Done slot at handle and frees it
// for reuse.
func (q *Queue) Collect(handle int) (result []byte, err error) {
	if handle < 0 || handle >= len(q.slots) {
		return nil, errors.New("Queue.Collect", errors.CodeInvalidHandle, "handle out of range")
	}
	s := &q.slots[handle]
	if CallState(s.state.Load()) != CallDone {
		return nil, errors.New("Queue.Collect", errors.CodeInvalidHandle, "result not ready")
	}
	buf := q.arena.Bytes(s.resOff, int64(s.resLen.Load()))
	out := make([]byte, len(buf))
	copy(out, buf)
	s.state.Store(int32(CallFree))
	return out, nil
}

// StateAt returns the current state of the slot at handle, for tests and
// diagnostics.
func (q *Queue) StateAt(handle int) CallState {
	return CallState(q.slots[handle].state.Load())
}

// Depth returns the queue's fixed slot count.
func (q *Queue) Depth() int { return len(q.slots) }
