package mcall

import (
	"github.com/ehrlich-b/lola-shm/shm"
	"github.com/ehrlich-b/lola-shm/wire"
)

// MethodDataRecord is the POD entry the methods segment's MethodTable
// stores for one method: just the offset of its call queue's header. A proxy resolving a method's directory entry turns this record
// into a MethodData via OpenMethodData without ever touching a Go pointer
// the skeleton process owns.
type MethodDataRecord struct {
	QueueHeader shm.OffsetPtr[QueueHeader]
}

// MethodData is the process-local handle for one registered method: its
// identity, and the call queue requests flow through.
type MethodData struct {
	Element wire.ElementFqId
	Queue   *Queue
}

// NewMethodData allocates a call queue for element inside arena, sized
// for depth concurrent in-flight calls, returning the MethodDataRecord
// the caller must persist in its directory.
func NewMethodData(arena *shm.Arena, element wire.ElementFqId, depth, maxArgSize, maxResultSize int) (*MethodData, MethodDataRecord, error) {
	q, qOff, err := NewQueue(arena, depth, maxArgSize, maxResultSize)
	if err != nil {
		return nil, MethodDataRecord{}, err
	}
	return &MethodData{Element: element, Queue: q}, MethodDataRecord{QueueHeader: qOff}, nil
}

// OpenMethodData attaches to a MethodData previously built by
// NewMethodData, given element's directory record.
func OpenMethodData(arena *shm.Arena, element wire.ElementFqId, rec MethodDataRecord) (*MethodData, error) {
	q, err := OpenQueue(arena, rec.QueueHeader)
	if err != nil {
		return nil, err
	}
	return &MethodData{Element: element, Queue: q}, nil
}
