// Package mpsvc implements the out-of-band message-passing service LoLa
// skeletons and proxies use to notify each other of event updates without
// polling shared memory: NotifyEvent pushes a notification to every proxy
// registered for an event, Register/Reregister/UnregisterEventNotification
// manage those registrations, and NotifyOutdatedNodeId lets a restarting
// proxy tell a skeleton to forget handlers registered under its previous
// (pre-crash) pid.
//
// Every Service binds a named Unix-domain-socket port per quality level
// (see PortPath), the local stand-in for the fixed "/LoLa_<pid>_QM" /
// "/LoLa_<pid>_ASIL_B" port names of a real LoLa host: registrations and
// notifications addressed to a pid other than this process's own travel
// out that port rather than through an in-memory map, so two Service
// instances running in two different OS processes (or, in tests, two
// instances in one process bound to distinct fake pids) genuinely
// interoperate across the boundary this package exists to cross.
//
// QM and ASIL-B traffic is kept on entirely separate receivers, worker
// pools, and ports so a misbehaving QM client can never starve ASIL-B
// notification delivery.
package mpsvc

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/wire"
)

// QualityLevel is the ASIL safety-integrity level a notification or
// registration belongs to.
type QualityLevel int

const (
	QualityQM QualityLevel = iota
	QualityASILB
)

// HandlerRegistrationNo identifies one registered notification handler so
// it can later be unregistered.
type HandlerRegistrationNo uint32

// EventReceiveHandler is invoked when a subscribed event updates. It
// receives the event id so one handler can be shared across multiple
// registrations.
type EventReceiveHandler func(event wire.ElementFqId)

type registration struct {
	id        HandlerRegistrationNo
	event     wire.ElementFqId
	targetPID int32
	handler   EventReceiveHandler
}

// MethodSubscribedHandler is invoked when a consumer announces interest
// in a service's methods, so the provider can lazily materialize the
// methods segment before the first call arrives.
type MethodSubscribedHandler func(method wire.ElementFqId, subscriberPID int32)

// MethodCallHandler is invoked when a consumer signals that it wrote
// call arguments into queue slot position of the named method.
type MethodCallHandler func(method wire.ElementFqId, position int32, callerPID int32)

// receiver owns one quality level's registrations, worker pool, and
// remote (cross-process) subscriber bookkeeping.
type receiver struct {
	mu            sync.Mutex
	nextID        HandlerRegistrationNo
	registrations map[HandlerRegistrationNo]*registration
	byEvent       map[wire.ElementFqId][]*registration

	remoteMu sync.Mutex
	remote   map[wire.ElementFqId]*remoteTargets

	methodMu           sync.RWMutex
	onMethodSubscribed MethodSubscribedHandler
	onMethodCall       MethodCallHandler

	pool *workerPool
}

func newReceiver(workers, queueSize int, logger zerolog.Logger) *receiver {
	return &receiver{
		registrations: make(map[HandlerRegistrationNo]*registration),
		byEvent:       make(map[wire.ElementFqId][]*registration),
		remote:        make(map[wire.ElementFqId]*remoteTargets),
		pool:          newWorkerPool(workers, queueSize, logger),
	}
}

func (r *receiver) remoteFor(event wire.ElementFqId) *remoteTargets {
	key := wire.Canonical(event)
	r.remoteMu.Lock()
	defer r.remoteMu.Unlock()
	rt, ok := r.remote[key]
	if !ok {
		rt = &remoteTargets{}
		r.remote[key] = rt
	}
	return rt
}

// Service is the message-passing service for one host: one receiver (and
// worker pool, and named port) per quality level.
type Service struct {
	ownPID int32
	qm     *receiver
	asilB  *receiver
	qmPort *port
	asilPort *port
	log    zerolog.Logger
}

// Config controls the sizing of each quality level's worker pool and the
// pid this Service's ports are bound under.
type Config struct {
	OwnPID         int32
	QMWorkers      int
	QMQueueSize    int
	ASILBWorkers   int
	ASILBQueueSize int
	Logger         zerolog.Logger
}

// DefaultConfig returns a sensible default sizing: modest pools on both
// quality levels, with ASIL-B given its own dedicated capacity
// independent of QM load. OwnPID is left zero; callers that intend to
// exchange cross-process messages should use ConfigForPID instead.
func DefaultConfig() Config {
	return Config{
		QMWorkers:      4,
		QMQueueSize:    256,
		ASILBWorkers:   4,
		ASILBQueueSize: 256,
		Logger:         zerolog.Nop(),
	}
}

// ConfigForPID returns DefaultConfig with OwnPID set to pid, so the
// resulting Service binds its named ports under that pid's identity and
// can tell its own registrations (no wire send needed) apart from a
// remote provider's (wire send required).
func ConfigForPID(pid int32) Config {
	cfg := DefaultConfig()
	cfg.OwnPID = pid
	return cfg
}

// NewService builds a Service, binds its QM and ASIL-B named ports under
// cfg.OwnPID, and starts both quality levels' worker pools bound to ctx.
// Port binding failures are logged and leave that quality level reachable
// only in-process (same-pid callers still work via Config.OwnPID), since a
// single-process test harness that never expects cross-process traffic on
// a level should not have to pay for the ASIL-B port it doesn't use.
func NewService(ctx context.Context, cfg Config) *Service {
	s := &Service{
		ownPID: cfg.OwnPID,
		qm:     newReceiver(cfg.QMWorkers, cfg.QMQueueSize, cfg.Logger),
		asilB:  newReceiver(cfg.ASILBWorkers, cfg.ASILBQueueSize, cfg.Logger),
		log:    cfg.Logger,
	}
	s.qm.pool.start(ctx)
	s.asilB.pool.start(ctx)

	if cfg.OwnPID != 0 {
		if p, err := listenPort(cfg.OwnPID, QualityQM, cfg.Logger, func(kind wire.MsgKind, payload []byte) {
			s.handleWireMessage(QualityQM, kind, payload)
		}); err != nil {
			s.log.Warn().Err(err).Int32("pid", cfg.OwnPID).Msg("failed to bind QM message-passing port")
		} else {
			s.qmPort = p
		}
		if p, err := listenPort(cfg.OwnPID, QualityASILB, cfg.Logger, func(kind wire.MsgKind, payload []byte) {
			s.handleWireMessage(QualityASILB, kind, payload)
		}); err != nil {
			s.log.Warn().Err(err).Int32("pid", cfg.OwnPID).Msg("failed to bind ASIL-B message-passing port")
		} else {
			s.asilPort = p
		}
	}
	return s
}

func (s *Service) receiverFor(level QualityLevel) *receiver {
	if level == QualityASILB {
		return s.asilB
	}
	return s.qm
}

// handleWireMessage is the dispatch callback every named port invokes for
// a decoded incoming datagram: it turns wire bytes back into the same
// local operations a same-process caller would have invoked directly.
func (s *Service) handleWireMessage(level QualityLevel, kind wire.MsgKind, payload []byte) {
	switch kind {
	case wire.MsgKindNotifyEvent:
		var p wire.EventNotifyPayload
		if err := p.UnmarshalBinary(payload); err != nil {
			return
		}
		s.notifyLocal(level, p.Event)
	case wire.MsgKindRegisterEventNotification:
		var p wire.EventNotifyPayload
		if err := p.UnmarshalBinary(payload); err != nil {
			return
		}
		s.receiverFor(level).remoteFor(p.Event).add(p.TargetPID)
	case wire.MsgKindReregisterEventNotification:
		var p wire.EventNotifyPayload
		if err := p.UnmarshalBinary(payload); err != nil {
			return
		}
		s.receiverFor(level).remoteFor(p.Event).add(p.TargetPID)
	case wire.MsgKindUnregisterEventNotification:
		var p wire.EventNotifyPayload
		if err := p.UnmarshalBinary(payload); err != nil {
			return
		}
		s.receiverFor(level).remoteFor(p.Event).remove(p.TargetPID)
	case wire.MsgKindNotifyOutdatedNodeID:
		var p wire.OutdatedNodePayload
		if err := p.UnmarshalBinary(payload); err != nil {
			return
		}
		s.NotifyOutdatedNodeId(level, p.OutdatedPID)
	case wire.MsgKindSubscribeServiceMethod:
		var p wire.MethodCallPayload
		if err := p.UnmarshalBinary(payload); err != nil {
			return
		}
		s.dispatchMethodSubscribed(level, p.Method, p.CallerPID)
	case wire.MsgKindCallMethod:
		var p wire.MethodCallPayload
		if err := p.UnmarshalBinary(payload); err != nil {
			return
		}
		s.dispatchMethodCall(level, p.Method, p.Position, p.CallerPID)
	}
}

// dispatchMethodSubscribed hands a method-subscription announcement to
// level's registered handler on its worker pool. A missing handler makes
// the delivery a no-op — handler storage is weak by design, so a
// provider element torn down between send and delivery is not an error.
func (s *Service) dispatchMethodSubscribed(level QualityLevel, method wire.ElementFqId, subscriberPID int32) {
	r := s.receiverFor(level)
	r.methodMu.RLock()
	h := r.onMethodSubscribed
	r.methodMu.RUnlock()
	if h == nil {
		return
	}
	r.pool.submit(func() { h(method, subscriberPID) })
}

// dispatchMethodCall hands a call signal to level's registered handler on
// its worker pool, with the same weak-handler no-op semantics as
// dispatchMethodSubscribed.
func (s *Service) dispatchMethodCall(level QualityLevel, method wire.ElementFqId, position, callerPID int32) {
	r := s.receiverFor(level)
	r.methodMu.RLock()
	h := r.onMethodCall
	r.methodMu.RUnlock()
	if h == nil {
		return
	}
	r.pool.submit(func() { h(method, position, callerPID) })
}

// RegisterMethodSubscribedHandler installs the provider-side handler for
// method-subscription announcements at the given quality level. Passing
// nil uninstalls it.
func (s *Service) RegisterMethodSubscribedHandler(level QualityLevel, h MethodSubscribedHandler) {
	r := s.receiverFor(level)
	r.methodMu.Lock()
	r.onMethodSubscribed = h
	r.methodMu.Unlock()
}

// RegisterMethodCallHandler installs the provider-side handler for call
// signals at the given quality level. Passing nil uninstalls it.
func (s *Service) RegisterMethodCallHandler(level QualityLevel, h MethodCallHandler) {
	r := s.receiverFor(level)
	r.methodMu.Lock()
	r.onMethodCall = h
	r.methodMu.Unlock()
}

// SubscribeServiceMethod announces to targetPID's Service that this
// process intends to call the named method, triggering lazy creation of
// the provider's methods segment. A same-pid target dispatches locally.
func (s *Service) SubscribeServiceMethod(level QualityLevel, targetPID int32, method wire.ElementFqId) error {
	if targetPID == s.ownPID {
		s.dispatchMethodSubscribed(level, method, s.ownPID)
		return nil
	}
	return sendToPID(targetPID, level, wire.MsgKindSubscribeServiceMethod,
		wire.MethodCallPayload{Method: method, CallerPID: s.ownPID})
}

// CallMethod signals targetPID's Service that call arguments for method
// are waiting in queue slot position. A same-pid target dispatches
// locally.
func (s *Service) CallMethod(level QualityLevel, targetPID int32, method wire.ElementFqId, position int32) error {
	if targetPID == s.ownPID {
		s.dispatchMethodCall(level, method, position, s.ownPID)
		return nil
	}
	return sendToPID(targetPID, level, wire.MsgKindCallMethod,
		wire.MethodCallPayload{Method: method, Position: position, CallerPID: s.ownPID})
}

// notifyLocal dispatches event to this process's own registered handlers
// only, run on level's worker pool. It never sends wire messages, so it is
// safe to call from handleWireMessage without risking a notification loop.
func (s *Service) notifyLocal(level QualityLevel, event wire.ElementFqId) {
	r := s.receiverFor(level)
	r.mu.Lock()
	regs := append([]*registration(nil), r.byEvent[wire.Canonical(event)]...)
	r.mu.Unlock()

	for _, reg := range regs {
		reg := reg
		r.pool.submit(func() { reg.handler(reg.event) })
	}
}

// NotifyEvent dispatches a notification for event to every handler
// registered at the given quality level on this process, and to every
// remote process that registered a cross-process interest in it. The
// remote fan-out drains that event's remoteTargets through a bounded,
// resume-cursor copy (package-level remoteTargets.forEach) rather than
// snapshotting an unbounded list under one lock, matching the original
// binding's fixed-size node-identifier-copy buffer.
func (s *Service) NotifyEvent(level QualityLevel, event wire.ElementFqId) {
	s.notifyLocal(level, event)

	rt := s.receiverFor(level).remoteFor(event)
	payload := wire.EventNotifyPayload{Event: event}
	rt.forEach(func(pid int32) {
		if pid == s.ownPID {
			return
		}
		if err := sendToPID(pid, level, wire.MsgKindNotifyEvent, payload); err != nil {
			s.log.Warn().Err(err).Str("event", event.String()).Int32("target_pid", pid).
				Msg("failed to deliver remote event notification")
		}
	})
}

// RegisterEventNotification registers handler to be called whenever event
// updates, returning a registration number that can later be passed to
// UnregisterEventNotification. targetPID identifies the process offering
// event; when it names a different process than this Service's own pid,
// the registration is additionally announced to that process's named port
// so its NotifyEvent calls learn to reach this pid.
func (s *Service) RegisterEventNotification(level QualityLevel, event wire.ElementFqId, targetPID int32, handler EventReceiveHandler) HandlerRegistrationNo {
	key := wire.Canonical(event)
	r := s.receiverFor(level)
	r.mu.Lock()
	r.nextID++
	reg := &registration{id: r.nextID, event: event, targetPID: targetPID, handler: handler}
	r.registrations[reg.id] = reg
	r.byEvent[key] = append(r.byEvent[key], reg)
	r.mu.Unlock()

	if targetPID != 0 && targetPID != s.ownPID {
		payload := wire.EventNotifyPayload{Event: event, RegistrationNo: uint32(reg.id), TargetPID: s.ownPID}
		if err := sendToPID(targetPID, level, wire.MsgKindRegisterEventNotification, payload); err != nil {
			s.log.Warn().Err(err).Str("event", event.String()).Int32("target_pid", targetPID).
				Msg("failed to announce event registration to provider")
		}
	}
	return reg.id
}

// ReregisterEventNotification re-announces every existing registration
// for event at the given quality level. It is used after a proxy detects
// its event provider has restarted (and so lost its remote-targets table)
// — the proxy re-sends its already-known registration without the caller
// having to provide the handler again, since it was never forgotten
// locally. Logs (via the service's logger) if nothing was registered for
// this event, matching the original's documented "can't distinguish whose
// registration this is" limitation.
func (s *Service) ReregisterEventNotification(level QualityLevel, event wire.ElementFqId, targetPID int32) int {
	r := s.receiverFor(level)
	r.mu.Lock()
	count := 0
	for _, reg := range r.byEvent[wire.Canonical(event)] {
		reg.targetPID = targetPID
		count++
	}
	r.mu.Unlock()

	if count == 0 {
		s.log.Warn().
			Str("event", event.String()).
			Int32("target_pid", targetPID).
			Msg("reregister requested for event with no existing handlers")
		return 0
	}
	if targetPID != 0 && targetPID != s.ownPID {
		payload := wire.EventNotifyPayload{Event: event, TargetPID: s.ownPID}
		if err := sendToPID(targetPID, level, wire.MsgKindReregisterEventNotification, payload); err != nil {
			s.log.Warn().Err(err).Str("event", event.String()).Int32("target_pid", targetPID).
				Msg("failed to re-announce event registration to provider")
		}
	}
	return count
}

// UnregisterEventNotification removes a previously-registered handler.
func (s *Service) UnregisterEventNotification(level QualityLevel, event wire.ElementFqId, regNo HandlerRegistrationNo) error {
	r := s.receiverFor(level)
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[regNo]
	if !ok {
		return errors.NewForElement("Service.UnregisterEventNotification", event.String(),
			errors.CodeInvalidHandle, "registration not found")
	}
	delete(r.registrations, regNo)
	key := wire.Canonical(event)
	list := r.byEvent[key]
	for i, cand := range list {
		if cand.id == regNo {
			r.byEvent[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if reg.targetPID != 0 && reg.targetPID != s.ownPID {
		payload := wire.EventNotifyPayload{Event: event, RegistrationNo: uint32(regNo), TargetPID: s.ownPID}
		sendToPID(reg.targetPID, level, wire.MsgKindUnregisterEventNotification, payload)
	}
	return nil
}

// NotifyOutdatedNodeId informs every registration held under outdatedPID
// at the given quality level that it is stale, removing it, and purges
// outdatedPID from every event's remote-targets set. Used by a skeleton
// when a proxy tells it (via SendOutdatedNodeId, over this same
// message-passing channel) that it previously ran under a different pid
// which crashed without unregistering.
func (s *Service) NotifyOutdatedNodeId(level QualityLevel, outdatedPID int32) int {
	r := s.receiverFor(level)
	r.mu.Lock()
	removed := 0
	for id, reg := range r.registrations {
		if reg.targetPID == outdatedPID {
			delete(r.registrations, id)
			removed++
		}
	}
	for event, list := range r.byEvent {
		filtered := list[:0]
		for _, reg := range list {
			if reg.targetPID != outdatedPID {
				filtered = append(filtered, reg)
			}
		}
		r.byEvent[event] = filtered
	}
	events := make([]wire.ElementFqId, 0, len(r.remote))
	r.remoteMu.Lock()
	for event := range r.remote {
		events = append(events, event)
	}
	r.remoteMu.Unlock()
	r.mu.Unlock()

	for _, event := range events {
		r.remoteFor(event).remove(outdatedPID)
	}
	return removed
}

// SendOutdatedNodeId announces, over the wire, that outdatedPID (this
// process's own previous, pre-crash pid) is stale and should be forgotten
// by targetPID's Service at the given quality level. A restarting proxy
// calls this against the event provider it is about to re-subscribe to,
// mirroring IMessagePassingService::NotifyOutdatedNodeId in the original
// binding.
func (s *Service) SendOutdatedNodeId(level QualityLevel, targetPID, outdatedPID int32) error {
	if targetPID == s.ownPID {
		s.NotifyOutdatedNodeId(level, outdatedPID)
		return nil
	}
	return sendToPID(targetPID, level, wire.MsgKindNotifyOutdatedNodeID, wire.OutdatedNodePayload{OutdatedPID: outdatedPID})
}

// RegistrationsForTarget counts the live handler registrations whose
// provider is targetPID at the given quality level, for diagnostics and
// tests asserting outdated-pid cleanup.
func (s *Service) RegistrationsForTarget(level QualityLevel, targetPID int32) int {
	r := s.receiverFor(level)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, reg := range r.registrations {
		if reg.targetPID == targetPID {
			n++
		}
	}
	return n
}

// DroppedNotifications returns the count of notifications dropped due to
// backpressure at the given quality level, for metrics/diagnostics.
func (s *Service) DroppedNotifications(level QualityLevel) int64 {
	return s.receiverFor(level).pool.droppedCount()
}

// OwnPID returns the pid this Service's named ports are bound under.
func (s *Service) OwnPID() int32 { return s.ownPID }

// Stop drains and stops both quality levels' worker pools, waiting for
// in-flight notifications to finish, and closes both named ports.
func (s *Service) Stop() error {
	g := new(errgroup.Group)
	g.Go(func() error { s.qm.pool.stop(); return nil })
	g.Go(func() error { s.asilB.pool.stop(); return nil })
	err := g.Wait()
	if s.qmPort != nil {
		s.qmPort.Close()
	}
	if s.asilPort != nil {
		s.asilPort.Close()
	}
	return err
}
