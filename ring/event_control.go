package ring

import (
	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/shm"
)

// EventControlRecord is the fixed-size, POD pair of offsets a directory
// entry (see the root package's control-segment directory) stores for one
// event: where its data-control ring and its subscription control word
// live inside the control arena. It is this record, not a live Go
// pointer, that a proxy carries away from resolving an event's directory
// entry.
type EventControlRecord struct {
	DataControl         shm.OffsetPtr[DataControlHeader]
	SubscriptionControl shm.OffsetPtr[EventSubscriptionControl]
}

// EventControl bundles the two halves of an event's shared-memory control
// state: the data-control ring writers publish into, and the subscription
// word readers register with. A skeleton creates exactly one EventControl
// per registered event or field per control segment (two for an ASIL-B
// service, one per quality level, laid over the same DATA payload).
type EventControl struct {
	DataControl         *EventDataControl
	SubscriptionControl *EventSubscriptionControl
}

// NewEventControl allocates an EventControl inside ctrlArena, its slots
// pointing at payloadBlock within dataArena, sized for numSlots payload
// slots of payloadSize bytes and up to maxSubscribers concurrent
// subscriptions. enforceMax mirrors the event's enforce_max_samples
// configuration. It returns the EventControlRecord the caller must
// persist in the directory for later OpenEventControl calls by other
// processes.
func NewEventControl(ctrlArena, dataArena *shm.Arena, payloadBlock shm.OffsetPtr[byte], numSlots, payloadSize, maxSubscribers int, enforceMax bool) (*EventControl, EventControlRecord, error) {
	dc, dcOff, err := NewEventDataControl(ctrlArena, dataArena, payloadBlock, numSlots, payloadSize)
	if err != nil {
		return nil, EventControlRecord{}, err
	}
	scOff, sc, err := NewEventSubscriptionControl(ctrlArena, maxSubscribers, numSlots, enforceMax)
	if err != nil {
		return nil, EventControlRecord{}, err
	}
	return &EventControl{DataControl: dc, SubscriptionControl: sc},
		EventControlRecord{DataControl: dcOff, SubscriptionControl: scOff}, nil
}

// OpenEventControl attaches to an EventControl previously built by
// NewEventControl, given its directory record and both arenas. This is
// the path a proxy uses to reach an event's shared state by offset
// instead of receiving a live pointer from the skeleton that created it.
func OpenEventControl(ctrlArena, dataArena *shm.Arena, rec EventControlRecord) (*EventControl, error) {
	dc, err := OpenEventDataControl(ctrlArena, dataArena, rec.DataControl)
	if err != nil {
		return nil, err
	}
	sc := shm.ResolveTyped(ctrlArena, rec.SubscriptionControl)
	if sc == nil {
		return nil, errors.New("OpenEventControl", errors.CodeInvalidHandle, "null subscription-control offset")
	}
	return &EventControl{DataControl: dc, SubscriptionControl: sc}, nil
}
