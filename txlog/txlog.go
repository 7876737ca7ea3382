// Package txlog implements the crash-safe transaction logs that make the
// lock-free slot protocol recoverable. Every reference a reader takes on a
// payload slot, every subscription it enters, and every slot claim a writer
// makes is bracketed by BEGIN/END markers written into shared memory before
// and after the operation itself. A participant that dies mid-operation
// leaves a marker pair any survivor can read; the rollback executor undoes
// the half-finished operation on the dead participant's behalf.
//
// The log structures are POD: fixed-size arrays of atomic flags allocated
// inside a control segment's arena, attached by offset from the segment
// directory, never by live pointer. A log is only ever written by its
// owning participant while that participant is alive, which is what makes
// a survivor's read-and-undo safe — a dead owner cannot race it.
package txlog

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/shm"
)

// maxRefSlots bounds the per-participant reference transaction array, one
// entry per ring slot. Ring depth is configuration-bounded well below this.
const maxRefSlots = 64

// LogSlot is one transaction's BEGIN/END marker pair. The flag encoding
// follows the reference/dereference bracket discipline: a reference
// transaction sets begin then end; the matching dereference clears end
// then begin. Any slot with begin set after its owner died carries state
// the rollback executor must deal with.
type LogSlot struct {
	begin atomic.Bool
	end   atomic.Bool
}

// Pending reports whether a transaction was started here and not yet
// fully unwound.
func (s *LogSlot) Pending() bool { return s.begin.Load() }

// Completed reports whether the slot records a fully-bracketed
// (begin && end) transaction.
func (s *LogSlot) Completed() bool { return s.begin.Load() && s.end.Load() }

// Interrupted reports a transaction caught between its markers: begun but
// never committed, or mid-unwind. Only a crash produces this observation
// from another process.
func (s *LogSlot) Interrupted() bool { return s.begin.Load() && !s.end.Load() }

func (s *LogSlot) clear() {
	s.end.Store(false)
	s.begin.Store(false)
}

// Log is one participant's transaction record for one event: a reference
// marker per ring slot, one subscribe marker, and the sample window the
// subscribe recorded so rollback can undo it with the right magnitude.
type Log struct {
	refs               [maxRefSlots]LogSlot
	subscribe          LogSlot
	recordedMaxSamples atomic.Int32
}

// ReferenceBegin marks that a reference on ring slot idx is about to be
// taken.
func (l *Log) ReferenceBegin(idx int) { l.refs[idx].begin.Store(true) }

// ReferenceEnd marks the reference on ring slot idx as fully taken.
func (l *Log) ReferenceEnd(idx int) { l.refs[idx].end.Store(true) }

// DereferenceBegin marks that the reference on ring slot idx is about to
// be dropped.
func (l *Log) DereferenceBegin(idx int) { l.refs[idx].end.Store(false) }

// DereferenceEnd marks the reference on ring slot idx as fully dropped,
// returning the marker pair to its idle state.
func (l *Log) DereferenceEnd(idx int) { l.refs[idx].begin.Store(false) }

// RefSlot exposes ring slot idx's marker pair for tests and the rollback
// executor.
func (l *Log) RefSlot(idx int) *LogSlot { return &l.refs[idx] }

// ClaimBegin records a writer's slot claim on ring slot idx. The marker
// is armed fresh (end cleared first) because the writer reuses the same
// slot's marker across publishes.
func (l *Log) ClaimBegin(idx int) {
	l.refs[idx].end.Store(false)
	l.refs[idx].begin.Store(true)
}

// ClaimEnd retires a writer's slot claim marker. A completed publish
// leaves nothing to undo, so the pair returns to idle rather than to the
// completed state a held reader reference would show.
func (l *Log) ClaimEnd(idx int) { l.refs[idx].clear() }

// SubscribeBegin marks that a subscription with the given sample window
// is about to be entered.
func (l *Log) SubscribeBegin(maxSamples int) {
	l.recordedMaxSamples.Store(int32(maxSamples))
	l.subscribe.begin.Store(true)
}

// SubscribeEnd marks the subscription as fully entered.
func (l *Log) SubscribeEnd() { l.subscribe.end.Store(true) }

// UnsubscribeBegin marks that the subscription is about to be dropped.
func (l *Log) UnsubscribeBegin() { l.subscribe.end.Store(false) }

// UnsubscribeEnd marks the subscription as fully dropped.
func (l *Log) UnsubscribeEnd() { l.subscribe.begin.Store(false) }

// SubscribePending reports whether a subscription is recorded (entered,
// or caught mid-enter/mid-drop by a crash).
func (l *Log) SubscribePending() bool { return l.subscribe.Pending() }

// RecordedMaxSamples returns the sample window captured at SubscribeBegin.
func (l *Log) RecordedMaxSamples() int { return int(l.recordedMaxSamples.Load()) }

// Id identifies a transaction log's owning participant. It is the
// participant's application identity (uid), not its pid: a restarted
// process carries the same Id, which is exactly how it finds the log its
// previous incarnation abandoned.
type Id uint32

// Node is one TransactionLogSet entry: ownership metadata wrapped around
// an embedded Log. Registration claims a node by CAS on active; rollback
// first marks needsRollback, then unwinds the log, then clears both.
type Node struct {
	active        atomic.Bool
	needsRollback atomic.Bool
	id            atomic.Uint32
	log           Log
}

// SetHeader is the POD record a Set resolves against: the node array's
// location and the capacities every attaching process must agree on. The
// array holds numProxyNodes proxy entries plus one distinguished skeleton
// tracing entry at index numProxyNodes.
type SetHeader struct {
	numRefSlots   int32
	numProxyNodes int32
	nodesOff      shm.OffsetPtr[Node]
}

// Set is the process-local handle onto one event's transaction log set.
type Set struct {
	header *SetHeader
	nodes  []Node
}

// NewSet allocates a transaction log set inside arena, sized for
// maxProxies concurrently registered proxy logs over a ring of numRefSlots
// slots, plus the skeleton tracing log. It returns the header's OffsetPtr
// for the caller's directory entry.
func NewSet(arena *shm.Arena, numRefSlots, maxProxies int) (*Set, shm.OffsetPtr[SetHeader], error) {
	if numRefSlots <= 0 || numRefSlots > maxRefSlots {
		return nil, shm.OffsetPtr[SetHeader]{}, errors.New("txlog.NewSet", errors.CodeBindingFailure,
			"ring slot count out of range for transaction log")
	}
	nodesOff, nodes, err := shm.AllocateArray[Node](arena, maxProxies+1)
	if err != nil {
		return nil, shm.OffsetPtr[SetHeader]{}, err
	}
	hdrOff, hdr, err := shm.AllocateTyped[SetHeader](arena)
	if err != nil {
		return nil, shm.OffsetPtr[SetHeader]{}, err
	}
	hdr.numRefSlots = int32(numRefSlots)
	hdr.numProxyNodes = int32(maxProxies)
	hdr.nodesOff = nodesOff
	return &Set{header: hdr, nodes: nodes}, hdrOff, nil
}

// OpenSet attaches to a Set previously built by NewSet, given its header
// offset.
func OpenSet(arena *shm.Arena, ptr shm.OffsetPtr[SetHeader]) (*Set, error) {
	hdr := shm.ResolveTyped(arena, ptr)
	if hdr == nil {
		return nil, errors.New("txlog.OpenSet", errors.CodeInvalidHandle, "null log-set offset")
	}
	nodes := shm.ResolveArray[Node](arena, hdr.nodesOff, int(hdr.numProxyNodes)+1)
	return &Set{header: hdr, nodes: nodes}, nil
}

// NumRefSlots returns the per-log reference slot count (the ring depth).
func (s *Set) NumRefSlots() int { return int(s.header.numRefSlots) }

// RegisterProxy claims a proxy log node for id, or returns the node id
// already holds. A node still marked needsRollback cannot be re-claimed;
// its owner must complete rollback first.
func (s *Set) RegisterProxy(id Id) (*Log, error) {
	proxyNodes := s.nodes[:s.header.numProxyNodes]
	for i := range proxyNodes {
		n := &proxyNodes[i]
		if n.active.Load() && n.id.Load() == uint32(id) {
			if n.needsRollback.Load() {
				return nil, errors.New("txlog.Set.RegisterProxy", errors.CodeCouldNotRestartProxy,
					"previous incarnation's log still awaits rollback")
			}
			return &n.log, nil
		}
	}
	for i := range proxyNodes {
		n := &proxyNodes[i]
		if n.active.CompareAndSwap(false, true) {
			n.id.Store(uint32(id))
			return &n.log, nil
		}
	}
	return nil, errors.New("txlog.Set.RegisterProxy", errors.CodeNoSlotAvailable,
		"transaction log set full")
}

// Unregister releases id's proxy node after a clean unsubscribe. The
// node's log must be idle; dangling markers are the rollback executor's
// business, not Unregister's.
func (s *Set) Unregister(id Id) {
	proxyNodes := s.nodes[:s.header.numProxyNodes]
	for i := range proxyNodes {
		n := &proxyNodes[i]
		if n.active.Load() && n.id.Load() == uint32(id) {
			n.id.Store(0)
			n.active.Store(false)
			return
		}
	}
}

// SkeletonLog returns the distinguished skeleton tracing log.
func (s *Set) SkeletonLog() *Log { return &s.nodes[s.header.numProxyNodes].log }

// MarkNeedsRollback flags every active node owned by id, returning how
// many were flagged. Flagging and unwinding are separate steps so a
// rollback interrupted partway leaves the flag set for the next attempt.
func (s *Set) MarkNeedsRollback(id Id) int {
	marked := 0
	proxyNodes := s.nodes[:s.header.numProxyNodes]
	for i := range proxyNodes {
		n := &proxyNodes[i]
		if n.active.Load() && n.id.Load() == uint32(id) {
			n.needsRollback.Store(true)
			marked++
		}
	}
	return marked
}

// DereferenceFunc undoes one slot reference on behalf of a dead
// participant: decrement the slot's refcount if held and reclaim the slot
// if that was the last reference. interrupted is true when the marker
// pair was caught between BEGIN and END, meaning the refcount increment
// may or may not have landed.
type DereferenceFunc func(slotIdx int, interrupted bool) error

// UnsubscribeFunc undoes one subscription on behalf of a dead
// participant, given the sample window recorded at subscribe time.
type UnsubscribeFunc func(recordedMaxSamples int) error

// RollbackMarked unwinds every node owned by id that MarkNeedsRollback
// flagged: each pending reference marker triggers deref, a pending
// subscribe marker triggers unsub, and a fully-unwound node is cleared
// and deactivated. A callback failure leaves the node flagged so a later
// attempt can retry, and surfaces CodeCouldNotRestartProxy.
func (s *Set) RollbackMarked(id Id, deref DereferenceFunc, unsub UnsubscribeFunc) error {
	proxyNodes := s.nodes[:s.header.numProxyNodes]
	for i := range proxyNodes {
		n := &proxyNodes[i]
		if !n.active.Load() || n.id.Load() != uint32(id) || !n.needsRollback.Load() {
			continue
		}
		if err := s.rollbackLog(&n.log, deref, unsub); err != nil {
			return errors.Wrap("txlog.Set.RollbackMarked", err)
		}
		n.needsRollback.Store(false)
		n.id.Store(0)
		n.active.Store(false)
	}
	return nil
}

func (s *Set) rollbackLog(l *Log, deref DereferenceFunc, unsub UnsubscribeFunc) error {
	for idx := 0; idx < int(s.header.numRefSlots); idx++ {
		slot := &l.refs[idx]
		if !slot.Pending() {
			continue
		}
		if err := deref(idx, slot.Interrupted()); err != nil {
			return err
		}
		slot.clear()
	}
	if l.subscribe.Pending() {
		if err := unsub(l.RecordedMaxSamples()); err != nil {
			return err
		}
		l.subscribe.clear()
		l.recordedMaxSamples.Store(0)
	}
	return nil
}

// SlotStuckFunc handles a skeleton slot-claim marker left pending: the
// rollback decides per slot whether the write never completed (slot stuck
// Writing, must be force-freed) or completed without its END marker
// (nothing to undo).
type SlotStuckFunc func(slotIdx int, interrupted bool)

// RollbackSkeleton unwinds the skeleton tracing log after a provider
// restart. Only the reference markers matter; the skeleton never
// subscribes to its own events.
func (s *Set) RollbackSkeleton(onPending SlotStuckFunc) {
	l := s.SkeletonLog()
	for idx := 0; idx < int(s.header.numRefSlots); idx++ {
		slot := &l.refs[idx]
		if !slot.Pending() {
			continue
		}
		onPending(idx, slot.Interrupted())
		slot.clear()
	}
}

// ActiveIds returns the distinct owner ids of currently active proxy
// nodes, for diagnostics.
func (s *Set) ActiveIds() []Id {
	var out []Id
	proxyNodes := s.nodes[:s.header.numProxyNodes]
	for i := range proxyNodes {
		n := &proxyNodes[i]
		if n.active.Load() {
			out = append(out, Id(n.id.Load()))
		}
	}
	return out
}

// segmentState tracks rollback progress per mapped segment within this
// process: the mutex serializing concurrent rollback attempts and the set
// of participant ids whose rollback already completed here. Keyed by the
// segment's base address in a process-local registry, the same
// one-lock-per-resource shape used for per-file registries elsewhere —
// rollback is a pure in-memory operation once the segment is mapped, so
// the live address is the natural key.
type segmentState struct {
	mu   sync.Mutex
	done map[Id]bool
}

var segmentRegistry sync.Map // map[uintptr]*segmentState

func stateFor(segmentBase uintptr) *segmentState {
	v, ok := segmentRegistry.Load(segmentBase)
	if !ok {
		v, _ = segmentRegistry.LoadOrStore(segmentBase, &segmentState{done: make(map[Id]bool)})
	}
	return v.(*segmentState)
}

// EventRollback binds one event's log set to the compensating actions its
// slots need. The callbacks close over the event's data-control ring and
// subscription word; txlog itself never sees them.
type EventRollback struct {
	Set         *Set
	Dereference DereferenceFunc
	Unsubscribe UnsubscribeFunc
}

// RollbackExecutor runs the crash rollback for one participant identity
// against one control segment. It is constructed per proxy open; repeat
// runs for the same (segment, id) pair within a process are no-ops.
type RollbackExecutor struct {
	segmentBase uintptr
	id          Id
}

// NewRollbackExecutor builds an executor for the control segment mapped
// at segmentBase, acting on behalf of the participant identified by id.
func NewRollbackExecutor(segmentBase uintptr, id Id) *RollbackExecutor {
	return &RollbackExecutor{segmentBase: segmentBase, id: id}
}

// Run marks and unwinds every event's dangling transactions owned by the
// executor's id. The per-segment mutex serializes concurrent proxies of
// the same process; across processes, safety follows from logs being
// written only by live owners. A partial failure leaves the affected
// nodes flagged and returns the error so the open is rejected and a later
// attempt can retry.
func (r *RollbackExecutor) Run(events []EventRollback) error {
	st := stateFor(r.segmentBase)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.done[r.id] {
		return nil
	}
	for _, ev := range events {
		ev.Set.MarkNeedsRollback(r.id)
	}
	for _, ev := range events {
		if err := ev.Set.RollbackMarked(r.id, ev.Dereference, ev.Unsubscribe); err != nil {
			return errors.Wrap("txlog.RollbackExecutor.Run", err)
		}
	}
	st.done[r.id] = true
	return nil
}

// ResetSegmentState forgets a segment's rollback bookkeeping. Tests use
// it between cases that reuse an arena address range; production code has
// no reason to call it.
func ResetSegmentState(segmentBase uintptr) {
	segmentRegistry.Delete(segmentBase)
}
