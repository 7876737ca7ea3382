// Package lola implements a LoLa-style shared-memory zero-copy pub/sub and
// request/reply IPC binding: a Skeleton offers events, fields, and methods
// over mmap'd segments that Proxy instances attach to directly, with no
// broker process on the data path. Notifications ride a lightweight
// message-passing service (package mpsvc); crash recovery is handled by
// shared-memory transaction logs and a rollback executor (package txlog)
// plus a pair of file-lock markers per instance (package flock).
package lola

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/flock"
	"github.com/ehrlich-b/lola-shm/internal/config"
	"github.com/ehrlich-b/lola-shm/internal/logging"
	"github.com/ehrlich-b/lola-shm/mcall"
	"github.com/ehrlich-b/lola-shm/mpsvc"
	"github.com/ehrlich-b/lola-shm/ring"
	"github.com/ehrlich-b/lola-shm/shm"
	"github.com/ehrlich-b/lola-shm/txlog"
	"github.com/ehrlich-b/lola-shm/uidpid"
	"github.com/ehrlich-b/lola-shm/wire"
)

// MethodHandler is the provider-side implementation of one method: it
// receives the caller's argument bytes and returns the result bytes to
// write back into the call slot.
type MethodHandler func(argument []byte) ([]byte, error)

// skeletonEvent is one registered event's writer-side state: the
// per-quality-level control blocks, the composite the publish path
// allocates through, and the transaction log sets carrying the skeleton's
// tracing markers.
type skeletonEvent struct {
	qm    *ring.EventControl
	asilB *ring.EventControl // nil for a QM-only service
	comp  *ring.CompositeDataControl
	logQM *txlog.Set
	logB  *txlog.Set // nil for a QM-only service
}

// primaryLogSet returns the set the skeleton records its tracing markers
// in: the ASIL-B one when present, since that is the ring candidate
// selection runs against.
func (ev *skeletonEvent) primaryLogSet() *txlog.Set {
	if ev.logB != nil {
		return ev.logB
	}
	return ev.logQM
}

// Skeleton is the provider-side binding for one service instance: it
// creates (or, across a partial restart, re-opens) the instance's
// shared-memory segments, registers events/fields into them, lazily
// materializes the methods segment on first consumer interest, and
// answers rollback/notification duties for the lifetime of the offer.
type Skeleton struct {
	cfg *config.ServiceConfig

	data    *shm.Segment
	dataHdr *DataStorageHeader
	ctrlQM  *shm.Segment
	ctrlB   *shm.Segment // nil unless the service is ASIL-B

	dirQM *ControlDirectory
	dirB  *ControlDirectory

	uids   *uidpid.Mapping
	events map[wire.ElementFqId]*skeletonEvent

	methodsMu      sync.Mutex
	methodsSeg     *shm.Segment
	methods        map[wire.ElementFqId]*mcall.MethodData
	methodHandlers map[wire.ElementFqId]MethodHandler

	existence *flock.Marker
	mp        *mpsvc.Service
	metrics   *Metrics

	mu sync.Mutex
}

// NewSkeleton builds (but does not yet offer) a Skeleton for cfg, wiring
// a message-passing service bound to ctx for the skeleton's lifetime.
func NewSkeleton(ctx context.Context, cfg *config.ServiceConfig) *Skeleton {
	s := &Skeleton{
		cfg:            cfg,
		events:         make(map[wire.ElementFqId]*skeletonEvent),
		methods:        make(map[wire.ElementFqId]*mcall.MethodData),
		methodHandlers: make(map[wire.ElementFqId]MethodHandler),
		mp:             mpsvc.NewService(ctx, mpsvc.ConfigForPID(int32(os.Getpid()))),
		metrics:        NewMetrics(),
	}
	return s
}

func (s *Skeleton) isASILB() bool { return s.cfg.ASILLevel == "ASIL-B" }

// PrepareOffer claims the instance's existence marker and then takes one
// of two paths, decided by the usage marker. If no proxy holds a shared
// usage lock, any leftover shared memory belongs to no one: it is wiped
// and all segments are created fresh. If proxies do hold the usage lock,
// a previous incarnation of this skeleton died while consumers stayed
// attached: the existing segments are re-opened in place, the provider
// identity is restamped, and the dead incarnation's tracing transactions
// are rolled back — subscriptions survive untouched.
func (s *Skeleton) PrepareOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existence, err := flock.OpenExistenceMarker(s.cfg.ServiceID, s.cfg.InstanceID)
	if err != nil {
		return errors.Wrap("Skeleton.PrepareOffer", err)
	}
	if err := existence.TryLockExclusive(); err != nil {
		existence.Unlock()
		return errors.Wrap("Skeleton.PrepareOffer", err)
	}
	s.existence = existence

	usage, err := flock.OpenUsageMarker(s.cfg.ServiceID, s.cfg.InstanceID)
	if err != nil {
		existence.Unlock()
		s.existence = nil
		return errors.Wrap("Skeleton.PrepareOffer", err)
	}
	if err := usage.TryLockExclusive(); err == nil {
		// No live proxies. Drop the exclusive usage lock again once the
		// segments exist, so proxies can shared-lock it.
		err = s.freshOffer()
		usage.Unlock()
		if err != nil {
			existence.Unlock()
			s.existence = nil
			return errors.Wrap("Skeleton.PrepareOffer", err)
		}
	} else {
		usage.Unlock()
		if err := s.reopenOffer(); err != nil {
			existence.Unlock()
			s.existence = nil
			return errors.Wrap("Skeleton.PrepareOffer", err)
		}
	}

	s.registerMethodMessageHandlers()
	logging.Default().Info("service offered",
		"service_id", s.cfg.ServiceID, "instance_id", s.cfg.InstanceID, "asil_level", s.cfg.ASILLevel)
	return nil
}

// freshOffer wipes stale artefacts and builds all segments from scratch.
func (s *Skeleton) freshOffer() error {
	s.removeStaleSegments()

	pid := int32(os.Getpid())
	dataPath := shm.DataSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID)
	data, err := shm.CreateSegment(dataPath, s.estimateDataSize(), 0o644)
	if err != nil {
		return err
	}
	s.data = data

	hdr, err := newDataStorageHeader(data.Arena(), pid, s.cfg.InstanceUID)
	if err != nil {
		s.teardownSegments(true)
		return err
	}
	s.dataHdr = hdr

	ctrlSize := s.estimateControlSize()
	qmPath := shm.ControlSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID, s.cfg.InstanceUID, shm.KindControlQM)
	ctrlQM, err := shm.CreateSegment(qmPath, ctrlSize, 0o666)
	if err != nil {
		s.teardownSegments(true)
		return err
	}
	s.ctrlQM = ctrlQM
	if s.dirQM, err = newControlDirectory(ctrlQM.Arena(), pid); err != nil {
		s.teardownSegments(true)
		return err
	}

	uids, uidOff, err := uidpid.NewMapping(ctrlQM.Arena(), s.cfg.MaxUidPidEntries)
	if err != nil {
		s.teardownSegments(true)
		return err
	}
	s.uids = uids
	s.dirQM.uidPidOff = uidOff
	s.dirQM.uidPidCapacity = int32(uids.Capacity())

	if s.isASILB() {
		bPath := shm.ControlSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID, s.cfg.InstanceUID, shm.KindControlASILB)
		ctrlB, err := shm.CreateSegment(bPath, ctrlSize, 0o666)
		if err != nil {
			s.teardownSegments(true)
			return err
		}
		s.ctrlB = ctrlB
		if s.dirB, err = newControlDirectory(ctrlB.Arena(), pid); err != nil {
			s.teardownSegments(true)
			return err
		}
		_, uidOffB, err := uidpid.NewMapping(ctrlB.Arena(), s.cfg.MaxUidPidEntries)
		if err != nil {
			s.teardownSegments(true)
			return err
		}
		s.dirB.uidPidOff = uidOffB
		s.dirB.uidPidCapacity = int32(s.cfg.MaxUidPidEntries)
	}

	if err := s.setupEvents(); err != nil {
		s.teardownSegments(true)
		return err
	}
	return nil
}

// reopenOffer attaches to segments a previous incarnation left behind,
// restamps the provider identity, and rolls back the dead incarnation's
// tracing transactions. Proxy subscriptions and outstanding references
// survive untouched.
func (s *Skeleton) reopenOffer() error {
	pid := int32(os.Getpid())

	data, err := shm.OpenSegment(shm.DataSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID), false)
	if err != nil {
		return err
	}
	s.data = data
	if s.dataHdr, err = openDataStorageHeader(data.Arena()); err != nil {
		s.teardownSegments(false)
		return err
	}
	s.dataHdr.SkeletonPID.Store(pid)
	s.dataHdr.SkeletonUID.Store(s.cfg.InstanceUID)

	ctrlQM, err := shm.OpenSegment(shm.ControlSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID, s.cfg.InstanceUID, shm.KindControlQM), false)
	if err != nil {
		s.teardownSegments(false)
		return err
	}
	s.ctrlQM = ctrlQM
	if s.dirQM, err = openControlDirectory(ctrlQM.Arena()); err != nil {
		s.teardownSegments(false)
		return err
	}
	s.dirQM.setProviderPID(pid)
	if s.uids, err = uidpid.OpenMapping(ctrlQM.Arena(), s.dirQM.uidPidOff); err != nil {
		s.teardownSegments(false)
		return err
	}

	if s.isASILB() {
		ctrlB, err := shm.OpenSegment(shm.ControlSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID, s.cfg.InstanceUID, shm.KindControlASILB), false)
		if err != nil {
			s.teardownSegments(false)
			return err
		}
		s.ctrlB = ctrlB
		if s.dirB, err = openControlDirectory(ctrlB.Arena()); err != nil {
			s.teardownSegments(false)
			return err
		}
		s.dirB.setProviderPID(pid)
	}

	if err := s.resolveEvents(); err != nil {
		s.teardownSegments(false)
		return err
	}
	s.rollbackSkeletonLogs()
	return nil
}

// removeStaleSegments deletes any segment files a crashed prior
// incarnation left behind. Safe because the caller holds the usage marker
// exclusively: nothing is mapped by anyone.
func (s *Skeleton) removeStaleSegments() {
	paths := []string{
		shm.DataSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID),
		shm.ControlSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID, s.cfg.InstanceUID, shm.KindControlQM),
		shm.ControlSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID, s.cfg.InstanceUID, shm.KindControlASILB),
	}
	if matches, err := filepath.Glob(shm.MethodsSegmentGlob(s.cfg.ServiceID, s.cfg.InstanceID, s.cfg.InstanceUID)); err == nil {
		paths = append(paths, matches...)
	}
	for _, p := range paths {
		os.Remove(p)
	}
}

// teardownSegments unwinds a partially-completed offer. remove controls
// whether backing files are deleted (fresh-create path) or merely
// unmapped (re-open path, where surviving proxies still use them).
func (s *Skeleton) teardownSegments(remove bool) {
	segs := []*shm.Segment{s.methodsSeg, s.ctrlB, s.ctrlQM, s.data}
	for _, seg := range segs {
		if seg == nil {
			continue
		}
		if remove {
			seg.Remove()
		} else {
			seg.Close()
		}
	}
	s.methodsSeg, s.ctrlB, s.ctrlQM, s.data = nil, nil, nil, nil
	s.dataHdr, s.dirQM, s.dirB, s.uids = nil, nil, nil, nil
}

// estimateDataSize sizes the DATA segment: the storage header plus every
// event's contiguous payload block. Simulate mode drives a scratch arena
// through the exact allocation sequence the create path performs;
// estimate mode sums the closed-form equivalents.
func (s *Skeleton) estimateDataSize() int64 {
	if s.cfg.ShmSizeCalcMode == config.SizingModeSimulate {
		scratch := int64(1 << 16)
		for _, e := range s.cfg.Events {
			scratch += int64(e.MaxSamples*e.SampleSize) + 4096
		}
		sim := shm.NewArena(make([]byte, scratch))
		shm.AllocateTyped[DataStorageHeader](sim)
		for _, e := range s.cfg.Events {
			ring.AllocatePayloadBlock(sim, e.MaxSamples, e.SampleSize)
		}
		used := sim.Used() + 4096
		return used
	}
	total := int64(1 << 16) // storage header incl. metainfo table
	for _, e := range s.cfg.Events {
		total += int64(e.MaxSamples*e.SampleSize) + 64
	}
	if total < 1<<17 {
		total = 1 << 17
	}
	return total
}

// estimateControlSize sizes one control segment: the directory, the
// uid/pid table, and every event's slot ring, subscription word, and
// transaction log set. The base covers the fixed-size directory and
// uid/pid table regardless of event count.
func (s *Skeleton) estimateControlSize() int64 {
	total := int64(1 << 17)
	for _, e := range s.cfg.Events {
		// slots + data-control header + subscription word + log set with
		// one node per subscriber plus the skeleton node.
		total += int64(e.MaxSamples)*128 + int64(e.MaxSubscribers+1)*2048 + 4096
	}
	if total < 1<<20 {
		total = 1 << 20
	}
	return total
}

// setupEvents builds every configured event/field's control state inside
// each control segment's arena and records it in that segment's
// directory, with the payload block allocated once from the DATA arena
// and shared by both quality levels.
func (s *Skeleton) setupEvents() error {
	for _, e := range s.cfg.Events {
		elemType := wire.ElementTypeEvent
		if e.IsField {
			elemType = wire.ElementTypeField
		}
		id := wire.ElementFqId{
			ServiceID:   s.cfg.ServiceID,
			ElementID:   e.ElementID,
			InstanceID:  s.cfg.InstanceID,
			ElementType: elemType,
		}
		if _, ok := s.events[wire.Canonical(id)]; ok {
			return errors.NewForElement("Skeleton.setupEvents", id.String(),
				errors.CodeBindingFailure, "duplicate event registration")
		}

		block, err := ring.AllocatePayloadBlock(s.data.Arena(), e.MaxSamples, e.SampleSize)
		if err != nil {
			return err
		}
		if err := s.dataHdr.addMeta(id, e.SampleSize, 8, e.MaxSamples, block); err != nil {
			return err
		}

		ev := &skeletonEvent{}
		qm, qmRec, err := ring.NewEventControl(s.ctrlQM.Arena(), s.data.Arena(), block,
			e.MaxSamples, e.SampleSize, e.MaxSubscribers, e.EnforceMaxSamples)
		if err != nil {
			return err
		}
		logQM, logQMOff, err := txlog.NewSet(s.ctrlQM.Arena(), e.MaxSamples, e.MaxSubscribers)
		if err != nil {
			return err
		}
		if err := s.dirQM.addEvent(id, qmRec, logQMOff); err != nil {
			return err
		}
		ev.qm, ev.logQM = qm, logQM

		if s.isASILB() {
			asilB, bRec, err := ring.NewEventControl(s.ctrlB.Arena(), s.data.Arena(), block,
				e.MaxSamples, e.SampleSize, e.MaxSubscribers, e.EnforceMaxSamples)
			if err != nil {
				return err
			}
			logB, logBOff, err := txlog.NewSet(s.ctrlB.Arena(), e.MaxSamples, e.MaxSubscribers)
			if err != nil {
				return err
			}
			if err := s.dirB.addEvent(id, bRec, logBOff); err != nil {
				return err
			}
			ev.asilB, ev.logB = asilB, logB
		}

		if ev.asilB != nil {
			ev.comp = ring.NewCompositeDataControl(ev.qm.DataControl, ev.asilB.DataControl)
		} else {
			ev.comp = ring.NewCompositeDataControl(ev.qm.DataControl, nil)
		}
		s.events[wire.Canonical(id)] = ev
	}
	return nil
}

// resolveEvents rebuilds the events map from the existing directories
// after a re-open, attaching by offset exactly as a proxy would.
func (s *Skeleton) resolveEvents() error {
	return s.dirQM.forEachEvent(func(id wire.ElementFqId, rec ring.EventControlRecord, logOff shm.OffsetPtr[txlog.SetHeader]) error {
		qm, err := ring.OpenEventControl(s.ctrlQM.Arena(), s.data.Arena(), rec)
		if err != nil {
			return err
		}
		logQM, err := txlog.OpenSet(s.ctrlQM.Arena(), logOff)
		if err != nil {
			return err
		}
		ev := &skeletonEvent{qm: qm, logQM: logQM}
		if s.isASILB() {
			bRec, bLogOff, ok := s.dirB.findEvent(id)
			if !ok {
				return errors.NewForElement("Skeleton.resolveEvents", id.String(),
					errors.CodeBindingFailure, "event missing from ASIL-B directory")
			}
			if ev.asilB, err = ring.OpenEventControl(s.ctrlB.Arena(), s.data.Arena(), bRec); err != nil {
				return err
			}
			if ev.logB, err = txlog.OpenSet(s.ctrlB.Arena(), bLogOff); err != nil {
				return err
			}
			ev.comp = ring.NewCompositeDataControl(ev.qm.DataControl, ev.asilB.DataControl)
		} else {
			ev.comp = ring.NewCompositeDataControl(ev.qm.DataControl, nil)
		}
		s.events[wire.Canonical(id)] = ev
		return nil
	})
}

// rollbackSkeletonLogs unwinds slot-claim markers the dead incarnation
// left pending: a slot caught mid-write is force-freed, a claim that
// completed its publish but not its END marker needs nothing beyond
// clearing.
func (s *Skeleton) rollbackSkeletonLogs() {
	for _, ev := range s.events {
		ev := ev
		ev.primaryLogSet().RollbackSkeleton(func(slotIdx int, interrupted bool) {
			if !interrupted {
				return
			}
			if slot := ev.comp.Primary().SlotAt(slotIdx); slot != nil && slot.State() == ring.SlotWriting {
				ev.comp.Abort(slotIdx)
			}
		})
	}
	s.metrics.RecordRollback(1)
}

// Publish writes payload into the next free slot of event's ring(s) and
// notifies subscribers at every offered quality level. The slot claim is
// bracketed by skeleton tracing markers so a crash mid-publish can be
// rolled back by the next incarnation.
func (s *Skeleton) Publish(event wire.ElementFqId, payload []byte) error {
	ev, ok := s.events[wire.Canonical(event)]
	if !ok {
		return errors.NewForElement("Skeleton.Publish", event.String(), errors.CodeServiceNotOffered, "event not registered")
	}
	idx, err := ev.comp.AllocateNextSlot()
	if err != nil {
		s.metrics.RecordPublish(0, false)
		return errors.Wrap("Skeleton.Publish", err)
	}
	dst := ev.comp.Payload(idx)
	if len(payload) > len(dst) {
		ev.comp.Abort(idx)
		s.metrics.RecordPublish(0, false)
		return errors.NewForElement("Skeleton.Publish", event.String(), errors.CodeBindingFailure,
			"payload exceeds configured sample size")
	}
	lg := ev.primaryLogSet().SkeletonLog()
	lg.ClaimBegin(idx)
	copy(dst, payload)
	ev.comp.Publish(idx)
	lg.ClaimEnd(idx)

	s.mp.NotifyEvent(mpsvc.QualityQM, event)
	if ev.asilB != nil {
		s.mp.NotifyEvent(mpsvc.QualityASILB, event)
	}
	s.metrics.RecordPublish(0, true)
	return nil
}

// registerMethodMessageHandlers wires the message-passing service's
// method signals to this skeleton: a consumer announcing interest
// triggers lazy creation of the methods segment, and a call signal runs
// the registered handler against the named queue slot.
func (s *Skeleton) registerMethodMessageHandlers() {
	onSubscribed := func(method wire.ElementFqId, subscriberPID int32) {
		if err := s.EnsureMethodsSegment(); err != nil {
			logging.Default().Warn("failed to materialize methods segment",
				"method", method.String(), "subscriber_pid", subscriberPID, "error", err)
		}
	}
	onCall := func(method wire.ElementFqId, position, callerPID int32) {
		s.handleMethodCall(method, position)
	}
	for _, level := range []mpsvc.QualityLevel{mpsvc.QualityQM, mpsvc.QualityASILB} {
		s.mp.RegisterMethodSubscribedHandler(level, onSubscribed)
		s.mp.RegisterMethodCallHandler(level, onCall)
	}
}

// RegisterMethodHandler installs the user implementation for one method.
// Handlers may be installed before or after the first consumer
// subscribes; a call signal arriving for a method with no handler is
// dropped.
func (s *Skeleton) RegisterMethodHandler(method wire.ElementFqId, h MethodHandler) {
	s.methodsMu.Lock()
	s.methodHandlers[wire.Canonical(method)] = h
	s.methodsMu.Unlock()
}

// maxQueueDepth returns the largest configured method queue depth, which
// parameterizes the methods segment's name.
func (s *Skeleton) maxQueueDepth() int {
	depth := 0
	for _, m := range s.cfg.Methods {
		if m.QueueDepth > depth {
			depth = m.QueueDepth
		}
	}
	return depth
}

// EnsureMethodsSegment lazily creates and populates the methods segment.
// It is a no-op when already materialized, when no methods are
// configured, or when no configured method carries argument or return
// data. Normally driven by the first SubscribeServiceMethod signal;
// exported so a co-located test harness can materialize it directly.
func (s *Skeleton) EnsureMethodsSegment() error {
	s.methodsMu.Lock()
	defer s.methodsMu.Unlock()

	if s.methodsSeg != nil || len(s.cfg.Methods) == 0 {
		return nil
	}
	hasData := false
	size := int64(1 << 16) // method table
	for _, m := range s.cfg.Methods {
		if m.MaxArgSize > 0 || m.MaxResultSize > 0 {
			hasData = true
		}
		size += int64(m.QueueDepth)*int64(m.MaxArgSize+m.MaxResultSize) + 4096
	}
	if !hasData {
		return nil
	}

	path := shm.MethodsSegmentPath(s.cfg.ServiceID, s.cfg.InstanceID, s.cfg.InstanceUID, s.maxQueueDepth())
	seg, err := shm.CreateSegment(path, size, 0o666)
	if err != nil {
		return errors.Wrap("Skeleton.EnsureMethodsSegment", err)
	}
	table, err := mcall.NewMethodTable(seg.Arena())
	if err != nil {
		seg.Remove()
		return errors.Wrap("Skeleton.EnsureMethodsSegment", err)
	}
	for _, m := range s.cfg.Methods {
		id := wire.ElementFqId{
			ServiceID:   s.cfg.ServiceID,
			ElementID:   m.ElementID,
			InstanceID:  s.cfg.InstanceID,
			ElementType: wire.ElementTypeMethod,
		}
		md, rec, err := mcall.NewMethodData(seg.Arena(), id, m.QueueDepth, m.MaxArgSize, m.MaxResultSize)
		if err != nil {
			seg.Remove()
			return errors.Wrap("Skeleton.EnsureMethodsSegment", err)
		}
		if err := table.Add(id, rec); err != nil {
			seg.Remove()
			return errors.Wrap("Skeleton.EnsureMethodsSegment", err)
		}
		s.methods[wire.Canonical(id)] = md
	}
	s.methodsSeg = seg
	logging.Default().Info("methods segment materialized", "path", path)
	return nil
}

// handleMethodCall services one call signal: claim the named queue slot,
// run the registered handler, write the result back. Stale or duplicate
// signals (slot not pending) are ignored.
func (s *Skeleton) handleMethodCall(method wire.ElementFqId, position int32) {
	key := wire.Canonical(method)
	s.methodsMu.Lock()
	md := s.methods[key]
	h := s.methodHandlers[key]
	s.methodsMu.Unlock()
	if md == nil || h == nil {
		s.metrics.RecordMethodCall(0, false)
		return
	}
	arg, ok := md.Queue.ClaimPending(int(position))
	if !ok {
		return
	}
	result, err := h(arg)
	if err != nil {
		logging.Default().Warn("method handler failed", "method", method.String(), "error", err)
		result = nil
	}
	if err := md.Queue.Complete(int(position), result); err != nil {
		logging.Default().Warn("failed to complete method call", "method", method.String(), "error", err)
		s.metrics.RecordMethodCall(0, false)
		return
	}
	s.metrics.RecordMethodCall(0, true)
}

// RegisterEventNotification exposes the skeleton's message-passing
// service so a co-located proxy's handler can be invoked when event
// updates.
func (s *Skeleton) RegisterEventNotification(level mpsvc.QualityLevel, event wire.ElementFqId, targetPID int32, handler mpsvc.EventReceiveHandler) mpsvc.HandlerRegistrationNo {
	return s.mp.RegisterEventNotification(level, event, targetPID, handler)
}

// NotifyOutdatedNodeId forwards to the message-passing service, letting a
// restarting proxy clear registrations it held under its previous pid.
func (s *Skeleton) NotifyOutdatedNodeId(level mpsvc.QualityLevel, outdatedPID int32) int {
	return s.mp.NotifyOutdatedNodeId(level, outdatedPID)
}

// RegisterUID records uid as running under pid, returning the pid
// previously registered for this uid, if any; a previous pid different
// from pid marks a partial restart.
func (s *Skeleton) RegisterUID(uid uint32, pid int32) (oldPID int32, hadPrevious bool, err error) {
	return s.uids.Register(uid, pid)
}

// Metrics returns the skeleton's metrics collector.
func (s *Skeleton) Metrics() *Metrics { return s.metrics }

// PrepareStopOffer ends the offer. If no proxy still holds the usage
// marker, every segment and both marker files are removed; otherwise the
// segments are left in place for the survivors (and a potential
// re-offering skeleton) and only this process's mappings are dropped.
func (s *Skeleton) PrepareStopOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.mp.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}

	usage, err := flock.OpenUsageMarker(s.cfg.ServiceID, s.cfg.InstanceID)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	noProxies := false
	if usage != nil {
		noProxies = usage.TryLockExclusive() == nil
	}

	s.teardownSegments(noProxies)
	if usage != nil {
		usage.Unlock()
	}
	if s.existence != nil {
		if err := s.existence.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.existence = nil
	}
	if noProxies {
		os.Remove(flock.UsageMarkerPath(s.cfg.ServiceID, s.cfg.InstanceID))
		os.Remove(flock.ExistenceMarkerPath(s.cfg.ServiceID, s.cfg.InstanceID))
	}

	s.metrics.Stop()
	if firstErr != nil {
		return errors.Wrap("Skeleton.PrepareStopOffer", firstErr)
	}
	return nil
}
