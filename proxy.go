package lola

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/flock"
	"github.com/ehrlich-b/lola-shm/mcall"
	"github.com/ehrlich-b/lola-shm/mpsvc"
	"github.com/ehrlich-b/lola-shm/ring"
	"github.com/ehrlich-b/lola-shm/shm"
	"github.com/ehrlich-b/lola-shm/txlog"
	"github.com/ehrlich-b/lola-shm/uidpid"
	"github.com/ehrlich-b/lola-shm/wire"
)

// usageLockAttempts bounds the shared-lock retry loop in Create. The
// window in which the skeleton's create path holds the usage marker
// exclusively is a few milliseconds wide; anything still locked after
// the full retry budget is a skeleton wedged mid-create, and the open
// should fail rather than hang.
const (
	usageLockAttempts = 20
	usageLockBackoff  = 5 * time.Millisecond
)

// proxyEvent is one event's reader-side state: the control block and
// transaction log set resolved from the directory, plus this proxy's own
// registered log once it subscribes.
type proxyEvent struct {
	ec  *ring.EventControl
	set *txlog.Set
	log *txlog.Log // nil until Subscribe
}

// Proxy is the consumer-side binding for one service instance: it opens
// the instance's DATA segment read-only and its control segment
// read-write (for its own subscription/reference state), rolls back
// anything its previous incarnation left dangling, and drives
// subscribe/receive/release and method-call flows. A Proxy never holds a
// live Go pointer into another process's structures — it resolves
// everything it touches from the ControlDirectory the skeleton wrote at
// the head of the control segment's arena, by OffsetPtr, the same way a
// second OS process attaching to the same mmap'd file would have to.
type Proxy struct {
	serviceID  uint16
	instanceID uint16
	uid        uint32
	pid        int32
	level      mpsvc.QualityLevel

	data    *shm.Segment
	dataHdr *DataStorageHeader
	ctrl    *shm.Segment
	dir     *ControlDirectory
	uids    *uidpid.Mapping

	usage *flock.Marker

	events    map[wire.ElementFqId]*proxyEvent
	heldSlots map[wire.ElementFqId]int // event -> data-control slot index currently referenced

	methodsSeg        *shm.Segment
	methodTable       *mcall.MethodTable
	methods           map[wire.ElementFqId]*mcall.MethodData
	subscribedMethods map[wire.ElementFqId]bool

	ctx     context.Context
	cancel  context.CancelFunc
	mp      *mpsvc.Service
	metrics *Metrics
}

// ProxyOptions configures how Create attaches to a service instance.
// ASILB selects which control segment the proxy operates against and
// must name a quality level the offering skeleton actually created. PID
// overrides the registered process id; zero means the real one. Tests
// use the override to play several "processes" from one.
type ProxyOptions struct {
	ServiceID  uint16
	InstanceID uint16
	UID        uint32
	ASILB      bool
	PID        int32
}

// Create attaches to an already-offered service instance:
//
//  1. verify a skeleton holds the existence marker, then take a shared
//     usage lock (with bounded retry over the skeleton's narrow
//     exclusive-hold window),
//  2. open the DATA segment read-only, read the provider's uid out of
//     its header, and open the matching control segment read-write,
//  3. register this proxy's uid/pid pair; a previous pid surfacing here
//     means this identity crashed and is restarting, so the provider is
//     told to drop state keyed on the old pid,
//  4. run the rollback executor over every event's transaction log set,
//     undoing whatever the previous incarnation left dangling.
//
// A rollback that cannot complete rejects the open with
// errors.CodeCouldNotRestartProxy; the segments are left for a later
// attempt to retry.
func Create(opts ProxyOptions) (*Proxy, error) {
	existenceHeld, err := flock.IsHeldExclusively(flock.ExistenceMarkerPath(opts.ServiceID, opts.InstanceID))
	if err != nil {
		return nil, errors.Wrap("proxy.Create", err)
	}
	if !existenceHeld {
		return nil, errors.New("proxy.Create", errors.CodeServiceNotOffered,
			"no skeleton currently offers this instance")
	}

	usage, err := flock.OpenUsageMarker(opts.ServiceID, opts.InstanceID)
	if err != nil {
		return nil, errors.Wrap("proxy.Create", err)
	}
	locked := false
	for attempt := 0; attempt < usageLockAttempts; attempt++ {
		if usage.TryLockShared() == nil {
			locked = true
			break
		}
		time.Sleep(usageLockBackoff)
	}
	if !locked {
		usage.Unlock()
		return nil, errors.New("proxy.Create", errors.CodeBindingFailure,
			"could not acquire shared usage lock")
	}

	pid := opts.PID
	if pid == 0 {
		pid = int32(os.Getpid())
	}
	level := mpsvc.QualityQM
	ctrlKind := shm.KindControlQM
	if opts.ASILB {
		level = mpsvc.QualityASILB
		ctrlKind = shm.KindControlASILB
	}

	p := &Proxy{
		serviceID:         opts.ServiceID,
		instanceID:        opts.InstanceID,
		uid:               opts.UID,
		pid:               pid,
		level:             level,
		usage:             usage,
		events:            make(map[wire.ElementFqId]*proxyEvent),
		heldSlots:         make(map[wire.ElementFqId]int),
		methods:           make(map[wire.ElementFqId]*mcall.MethodData),
		subscribedMethods: make(map[wire.ElementFqId]bool),
	}

	p.data, err = shm.OpenSegment(shm.DataSegmentPath(opts.ServiceID, opts.InstanceID), true)
	if err != nil {
		p.closePartial()
		return nil, errors.Wrap("proxy.Create", err)
	}
	p.dataHdr, err = openDataStorageHeader(p.data.Arena())
	if err != nil {
		p.closePartial()
		return nil, errors.Wrap("proxy.Create", err)
	}
	providerUID := p.dataHdr.SkeletonUID.Load()

	ctrlPath := shm.ControlSegmentPath(opts.ServiceID, opts.InstanceID, providerUID, ctrlKind)
	p.ctrl, err = shm.OpenSegment(ctrlPath, false)
	if err != nil {
		p.closePartial()
		return nil, errors.Wrap("proxy.Create", err)
	}
	p.dir, err = openControlDirectory(p.ctrl.Arena())
	if err != nil {
		p.closePartial()
		return nil, errors.Wrap("proxy.Create", err)
	}
	p.uids, err = uidpid.OpenMapping(p.ctrl.Arena(), p.dir.uidPidOff)
	if err != nil {
		p.closePartial()
		return nil, errors.Wrap("proxy.Create", err)
	}

	if err := p.resolveEvents(); err != nil {
		p.closePartial()
		return nil, errors.Wrap("proxy.Create", err)
	}

	oldPID, hadPrevious, err := p.uids.Register(opts.UID, pid)
	if err != nil {
		p.closePartial()
		return nil, errors.Wrap("proxy.Create", err)
	}

	if err := p.rollbackOwnTransactions(); err != nil {
		p.closePartial()
		return nil, errors.Wrap("proxy.Create", err)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mp = mpsvc.NewService(p.ctx, mpsvc.ConfigForPID(pid))
	p.metrics = NewMetrics()

	// A previous incarnation's pid means state keyed on it may linger in
	// the provider. The notification is fire-and-forget; the provider
	// treats it idempotently.
	if hadPrevious && oldPID != pid && oldPID != 0 {
		p.mp.SendOutdatedNodeId(level, p.dir.ProviderPID(), oldPID)
	}
	return p, nil
}

// closePartial unwinds a half-built Create without touching transaction
// state: mappings drop, the shared usage lock releases, nothing in
// shared memory changes.
func (p *Proxy) closePartial() {
	if p.ctrl != nil {
		p.ctrl.Close()
	}
	if p.data != nil {
		p.data.Close()
	}
	if p.usage != nil {
		p.usage.Unlock()
	}
}

// resolveEvents walks the control directory once, resolving every
// event's control block and transaction log set by offset.
func (p *Proxy) resolveEvents() error {
	return p.dir.forEachEvent(func(id wire.ElementFqId, rec ring.EventControlRecord, logOff shm.OffsetPtr[txlog.SetHeader]) error {
		ec, err := ring.OpenEventControl(p.ctrl.Arena(), p.data.Arena(), rec)
		if err != nil {
			return err
		}
		set, err := txlog.OpenSet(p.ctrl.Arena(), logOff)
		if err != nil {
			return err
		}
		p.events[wire.Canonical(id)] = &proxyEvent{ec: ec, set: set}
		return nil
	})
}

// rollbackOwnTransactions runs the rollback executor for this proxy's
// identity over every event, undoing references and subscriptions a
// crashed previous incarnation never released.
func (p *Proxy) rollbackOwnTransactions() error {
	rollbacks := make([]txlog.EventRollback, 0, len(p.events))
	for _, pe := range p.events {
		pe := pe
		rollbacks = append(rollbacks, txlog.EventRollback{
			Set: pe.set,
			Dereference: func(slotIdx int, interrupted bool) error {
				slot := pe.ec.DataControl.SlotAt(slotIdx)
				if slot == nil {
					return errors.New("proxy.rollback", errors.CodeCouldNotRestartProxy,
						"logged slot index outside the ring")
				}
				if interrupted {
					slot.ReleaseRefIfHeld()
				} else {
					slot.ReleaseRef()
				}
				slot.TryReclaim()
				return nil
			},
			Unsubscribe: func(recordedMaxSamples int) error {
				pe.ec.SubscriptionControl.RollbackUnsubscribe(recordedMaxSamples)
				return nil
			},
		})
	}
	exec := txlog.NewRollbackExecutor(p.ctrl.Arena().BaseAddr(), txlog.Id(p.uid))
	if err := exec.Run(rollbacks); err != nil {
		return errors.Wrap("proxy.rollbackOwnTransactions", err)
	}
	return nil
}

// getEvent returns event's resolved state.
func (p *Proxy) getEvent(event wire.ElementFqId) (*proxyEvent, error) {
	pe, ok := p.events[wire.Canonical(event)]
	if !ok {
		return nil, errors.NewForElement("Proxy.getEvent", event.String(),
			errors.CodeServiceNotOffered, "event not known to this instance")
	}
	return pe, nil
}

// Subscribe registers this proxy with event's subscription word,
// requesting a window of up to maxSamples concurrently held samples. The
// operation is bracketed in the proxy's transaction log so a crash
// between the markers is undone by the next incarnation's rollback.
func (p *Proxy) Subscribe(event wire.ElementFqId, maxSamples int) error {
	event = wire.Canonical(event)
	pe, err := p.getEvent(event)
	if err != nil {
		return errors.Wrap("Proxy.Subscribe", err)
	}
	if pe.log != nil {
		return nil // already subscribed
	}
	lg, err := pe.set.RegisterProxy(txlog.Id(p.uid))
	if err != nil {
		return errors.Wrap("Proxy.Subscribe", err)
	}
	lg.SubscribeBegin(maxSamples)
	if err := pe.ec.SubscriptionControl.Subscribe(maxSamples); err != nil {
		lg.UnsubscribeBegin()
		lg.UnsubscribeEnd()
		pe.set.Unregister(txlog.Id(p.uid))
		return errors.Wrap("Proxy.Subscribe", err)
	}
	lg.SubscribeEnd()
	pe.log = lg
	return nil
}

// Unsubscribe removes this proxy's registration for event. Any
// outstanding reference must be released first via Release.
func (p *Proxy) Unsubscribe(event wire.ElementFqId) error {
	event = wire.Canonical(event)
	pe, err := p.getEvent(event)
	if err != nil {
		return errors.Wrap("Proxy.Unsubscribe", err)
	}
	if pe.log == nil {
		return errors.NewForElement("Proxy.Unsubscribe", event.String(), errors.CodeInvalidHandle, "not subscribed")
	}
	if _, held := p.heldSlots[event]; held {
		return errors.NewForElement("Proxy.Unsubscribe", event.String(), errors.CodeBindingFailure,
			"release outstanding reference before unsubscribing")
	}
	pe.log.UnsubscribeBegin()
	if err := pe.ec.SubscriptionControl.Unsubscribe(); err != nil {
		return errors.Wrap("Proxy.Unsubscribe", err)
	}
	pe.log.UnsubscribeEnd()
	pe.set.Unregister(txlog.Id(p.uid))
	pe.log = nil
	return nil
}

// Receive acquires a reference to the newest Ready sample of event and
// returns its payload bytes. The returned slice aliases DATA segment
// storage directly (zero-copy); callers must call Release for the same
// event before the next Receive or before unsubscribing. The reference
// acquisition is bracketed in the proxy's transaction log.
func (p *Proxy) Receive(event wire.ElementFqId) ([]byte, error) {
	event = wire.Canonical(event)
	pe, err := p.getEvent(event)
	if err != nil {
		return nil, errors.Wrap("Proxy.Receive", err)
	}
	if pe.log == nil {
		return nil, errors.NewForElement("Proxy.Receive", event.String(), errors.CodeInvalidHandle,
			"subscribe before receiving")
	}
	if _, held := p.heldSlots[event]; held {
		return nil, errors.NewForElement("Proxy.Receive", event.String(), errors.CodeBindingFailure,
			"previous reference not yet released")
	}

	idx, ok := pe.ec.DataControl.LatestReady()
	if !ok {
		p.metrics.RecordReceive(0, false)
		return nil, errors.NewForElement("Proxy.Receive", event.String(), errors.CodeNoSlotAvailable, "no ready sample")
	}
	slot := pe.ec.DataControl.SlotAt(idx)

	pe.log.ReferenceBegin(idx)
	acquired, _ := slot.AcquireRef()
	if !acquired {
		pe.log.DereferenceBegin(idx)
		pe.log.DereferenceEnd(idx)
		p.metrics.RecordReceive(0, false)
		return nil, errors.NewForElement("Proxy.Receive", event.String(), errors.CodeNoSlotAvailable,
			"slot was reclaimed before reference could be taken")
	}
	pe.log.ReferenceEnd(idx)

	p.heldSlots[event] = idx
	p.metrics.RecordReceive(0, true)
	return slot.Payload(p.data.Arena()), nil
}

// Release drops the proxy's outstanding reference on event's most
// recently received sample, reclaiming the slot (Ready back to Free) if
// this was the last reference and the writer does not currently own it.
func (p *Proxy) Release(event wire.ElementFqId) error {
	event = wire.Canonical(event)
	pe, err := p.getEvent(event)
	if err != nil {
		return errors.Wrap("Proxy.Release", err)
	}
	idx, held := p.heldSlots[event]
	if !held {
		return errors.NewForElement("Proxy.Release", event.String(), errors.CodeInvalidHandle, "no outstanding reference")
	}
	slot := pe.ec.DataControl.SlotAt(idx)

	pe.log.DereferenceBegin(idx)
	slot.ReleaseRef()
	slot.TryReclaim()
	pe.log.DereferenceEnd(idx)

	delete(p.heldSlots, event)
	return nil
}

// RegisterEventNotification registers handler to run whenever the
// provider announces an update for event at this proxy's quality level.
func (p *Proxy) RegisterEventNotification(event wire.ElementFqId, handler mpsvc.EventReceiveHandler) mpsvc.HandlerRegistrationNo {
	return p.mp.RegisterEventNotification(p.level, event, p.dir.ProviderPID(), handler)
}

// ensureMethodBinding lazily announces interest in the instance's
// methods and opens the provider's methods segment. The segment is
// created asynchronously by the provider on first announcement, so the
// open retries over a bounded window.
func (p *Proxy) ensureMethodBinding(method wire.ElementFqId) (*mcall.MethodData, error) {
	key := wire.Canonical(method)
	if md, ok := p.methods[key]; ok {
		return md, nil
	}
	if !p.subscribedMethods[key] {
		if err := p.mp.SubscribeServiceMethod(p.level, p.dir.ProviderPID(), method); err != nil {
			return nil, errors.Wrap("Proxy.ensureMethodBinding", err)
		}
		p.subscribedMethods[key] = true
	}
	if p.methodsSeg == nil {
		providerUID := p.dataHdr.SkeletonUID.Load()
		glob := shm.MethodsSegmentGlob(p.serviceID, p.instanceID, providerUID)
		var path string
		for attempt := 0; attempt < usageLockAttempts; attempt++ {
			if matches, _ := filepath.Glob(glob); len(matches) > 0 {
				path = matches[0]
				break
			}
			time.Sleep(usageLockBackoff)
		}
		if path == "" {
			return nil, errors.NewForElement("Proxy.ensureMethodBinding", method.String(),
				errors.CodeBindingFailure, "methods segment never appeared")
		}
		seg, err := shm.OpenSegment(path, false)
		if err != nil {
			return nil, errors.Wrap("Proxy.ensureMethodBinding", err)
		}
		table, err := mcall.OpenMethodTable(seg.Arena())
		if err != nil {
			seg.Close()
			return nil, errors.Wrap("Proxy.ensureMethodBinding", err)
		}
		p.methodsSeg = seg
		p.methodTable = table
	}
	rec, ok := p.methodTable.Find(method)
	if !ok {
		return nil, errors.NewForElement("Proxy.ensureMethodBinding", method.String(),
			errors.CodeServiceNotOffered, "method not in methods segment")
	}
	md, err := mcall.OpenMethodData(p.methodsSeg.Arena(), method, rec)
	if err != nil {
		return nil, errors.Wrap("Proxy.ensureMethodBinding", err)
	}
	p.methods[key] = md
	return md, nil
}

// Call writes argument into a free slot of method's call queue and
// signals the provider. It returns the slot handle the caller passes to
// CollectResult once the provider has serviced the call.
func (p *Proxy) Call(method wire.ElementFqId, argument []byte) (handle int, err error) {
	md, err := p.ensureMethodBinding(method)
	if err != nil {
		return -1, errors.Wrap("Proxy.Call", err)
	}
	h, err := md.Queue.Enqueue(p.pid, argument)
	if err != nil {
		p.metrics.RecordMethodCall(0, false)
		return -1, errors.Wrap("Proxy.Call", err)
	}
	if err := p.mp.CallMethod(p.level, p.dir.ProviderPID(), method, int32(h)); err != nil {
		return -1, errors.Wrap("Proxy.Call", err)
	}
	return h, nil
}

// CollectResult retrieves the result of a previously-enqueued call,
// returning errors.CodeInvalidHandle while the provider has not yet
// completed it. Callers poll; the provider signals no reply message.
func (p *Proxy) CollectResult(method wire.ElementFqId, handle int) ([]byte, error) {
	md, ok := p.methods[wire.Canonical(method)]
	if !ok {
		return nil, errors.NewForElement("Proxy.CollectResult", method.String(),
			errors.CodeInvalidHandle, "method never called")
	}
	result, err := md.Queue.Collect(handle)
	if err != nil {
		return nil, errors.Wrap("Proxy.CollectResult", err)
	}
	p.metrics.RecordMethodCall(0, true)
	return result, nil
}

// ProviderPID returns the pid of the skeleton currently providing the
// instance.
func (p *Proxy) ProviderPID() int32 { return p.dir.ProviderPID() }

// Metrics returns the proxy's metrics collector.
func (p *Proxy) Metrics() *Metrics { return p.metrics }

// Close releases every outstanding reference, unsubscribes cleanly,
// unregisters the proxy's uid/pid pair, stops its message-passing
// service, drops its shared usage lock, and unmaps the segments.
func (p *Proxy) Close() error {
	for event := range p.heldSlots {
		p.Release(event)
	}
	for event, pe := range p.events {
		if pe.log != nil {
			p.Unsubscribe(event)
		}
	}
	if p.uids != nil {
		p.uids.Unregister(p.uid)
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.mp != nil {
		p.mp.Stop()
	}
	var firstErr error
	if p.methodsSeg != nil {
		if err := p.methodsSeg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.ctrl != nil {
		if err := p.ctrl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.data != nil {
		if err := p.data.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.usage != nil {
		if err := p.usage.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.metrics != nil {
		p.metrics.Stop()
	}
	if firstErr != nil {
		return errors.Wrap("Proxy.Close", firstErr)
	}
	return nil
}
