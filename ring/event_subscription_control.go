package ring

import (
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/shm"
)

// EventSubscriptionControl packs an event's subscription state into one
// 32-bit word: the live subscriber count in the high half and the largest
// per-subscriber sample window any of them ever requested in the low
// half. Keeping both in a single atomic is what lets subscriber arrival
// and departure be a plain CAS loop with no lock and no torn reads — a
// reader of the word always sees a count and a window that belonged
// together.
//
// The chosen window never shrinks on unsubscribe. Shrinking it safely
// would require proving no surviving subscriber still depends on the old
// value, which needs a quiescence protocol this layer does not have.
type EventSubscriptionControl struct {
	state             atomic.Uint32 // subscriberCount<<16 | chosenMaxSamples
	maxSubscribers    uint16
	maxSamplesCeiling uint16
	enforceMax        bool
}

func packSubState(count, chosen uint16) uint32 { return uint32(count)<<16 | uint32(chosen) }

func unpackSubState(v uint32) (count, chosen uint16) {
	return uint16(v >> 16), uint16(v)
}

// NewEventSubscriptionControl allocates a subscription control word inside
// arena, capped at maxSubscribers concurrent subscribers and a
// maxSamplesCeiling sample window (normally the event's ring depth).
// enforceMax controls whether Subscribe refuses a request that would grow
// the chosen window past what existing subscribers established. It returns
// the OffsetPtr so the caller (EventControl) can record it for
// attach-by-offset.
func NewEventSubscriptionControl(arena *shm.Arena, maxSubscribers, maxSamplesCeiling int, enforceMax bool) (shm.OffsetPtr[EventSubscriptionControl], *EventSubscriptionControl, error) {
	off, c, err := shm.AllocateTyped[EventSubscriptionControl](arena)
	if err != nil {
		return shm.OffsetPtr[EventSubscriptionControl]{}, nil, err
	}
	c.maxSubscribers = uint16(maxSubscribers)
	c.maxSamplesCeiling = uint16(maxSamplesCeiling)
	c.enforceMax = enforceMax
	return off, c, nil
}

// Subscribe registers one more subscriber requesting a window of up to
// requestedMaxSamples samples. The new chosen window is the max of the
// current one and the request. With enforcement on, a request above the
// configured ceiling is always refused, and a request that would raise
// the window other subscribers already operate under is refused too —
// growing it mid-flight would invalidate the slot budget the writer
// sized against.
func (c *EventSubscriptionControl) Subscribe(requestedMaxSamples int) error {
	if requestedMaxSamples <= 0 {
		return errors.New("EventSubscriptionControl.Subscribe", errors.CodeBindingFailure,
			"requested max samples must be positive")
	}
	req := uint16(requestedMaxSamples)
	if c.enforceMax && req > c.maxSamplesCeiling {
		return errors.New("EventSubscriptionControl.Subscribe", errors.CodeNoSlotAvailable,
			"requested sample window exceeds configured ceiling")
	}
	for {
		cur := c.state.Load()
		count, chosen := unpackSubState(cur)
		if count >= c.maxSubscribers {
			return errors.New("EventSubscriptionControl.Subscribe", errors.CodeNoSlotAvailable,
				"max subscriber count reached")
		}
		if c.enforceMax && count > 0 && req > chosen {
			return errors.New("EventSubscriptionControl.Subscribe", errors.CodeNoSlotAvailable,
				"request would grow the sample window established by live subscribers")
		}
		newChosen := chosen
		if req > newChosen {
			newChosen = req
		}
		if c.state.CompareAndSwap(cur, packSubState(count+1, newChosen)) {
			return nil
		}
	}
}

// Unsubscribe removes one subscriber. The chosen sample window is left
// untouched (see the type comment).
func (c *EventSubscriptionControl) Unsubscribe() error {
	for {
		cur := c.state.Load()
		count, chosen := unpackSubState(cur)
		if count == 0 {
			return errors.New("EventSubscriptionControl.Unsubscribe", errors.CodeInvalidHandle,
				"no subscribers registered")
		}
		if c.state.CompareAndSwap(cur, packSubState(count-1, chosen)) {
			return nil
		}
	}
}

// RollbackUnsubscribe undoes a dangling subscribe transaction on behalf
// of a subscriber that crashed between its BEGIN and END markers. The
// count is decremented if any registration remains; the chosen window is
// left as the crashed subscriber grew it, per the never-shrinks rule.
// recordedMaxSamples is accepted for symmetry with the transaction log's
// record and for diagnostics; it does not alter the window.
func (c *EventSubscriptionControl) RollbackUnsubscribe(recordedMaxSamples int) {
	_ = recordedMaxSamples
	for {
		cur := c.state.Load()
		count, chosen := unpackSubState(cur)
		if count == 0 {
			return
		}
		if c.state.CompareAndSwap(cur, packSubState(count-1, chosen)) {
			return
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (c *EventSubscriptionControl) SubscriberCount() int {
	count, _ := unpackSubState(c.state.Load())
	return int(count)
}

// ChosenMaxSamples returns the largest sample window any subscriber has
// requested so far.
func (c *EventSubscriptionControl) ChosenMaxSamples() int {
	_, chosen := unpackSubState(c.state.Load())
	return int(chosen)
}

// MaxSubscribers returns the configured subscriber capacity.
func (c *EventSubscriptionControl) MaxSubscribers() int { return int(c.maxSubscribers) }
