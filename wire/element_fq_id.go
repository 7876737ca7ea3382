// Package wire defines the fixed on-wire/on-shared-memory layouts that
// cross process boundaries: the identifier every service element is keyed
// by, and the envelope message-passing notifications are framed with.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/lola-shm/errors"
)

// ElementFqIdWireSize is the fixed on-wire size of a marshaled ElementFqId.
const ElementFqIdWireSize = 8

// ElementType differentiates the kinds of service element an ElementFqId
// can name. Methods are identified the same way as events for addressing
// purposes; the call-queue protocol (package mcall) layers on top.
type ElementType uint8

const (
	ElementTypeInvalid ElementType = iota
	ElementTypeEvent
	ElementTypeField
	ElementTypeMethod
)

// ElementFqId uniquely identifies a service element (event, field, or
// method) instance within one host's set of LoLa bindings. ServiceID and
// ElementID are assigned at code-generation time; InstanceID is a
// deployment parameter distinguishing multiple running instances of the
// same service type.
//
// The struct is a fixed-size value type with no pointers, so it can be
// memcpy'd into shared memory and used as a map key without surprises.
type ElementFqId struct {
	ServiceID   uint16
	ElementID   uint16
	InstanceID  uint16
	ElementType ElementType
}

// InvalidElementFqId is the zero-value-equivalent "no such element"
// sentinel, matching the all-max-value convention of the binding this
// layout is drawn from.
var InvalidElementFqId = ElementFqId{
	ServiceID:   0xFFFF,
	ElementID:   0xFFFF,
	InstanceID:  0xFFFF,
	ElementType: ElementTypeInvalid,
}

// IsEvent reports whether id names an event element.
func IsEvent(id ElementFqId) bool { return id.ElementType == ElementTypeEvent }

// IsField reports whether id names a field element.
func IsField(id ElementFqId) bool { return id.ElementType == ElementTypeField }

// IsMethod reports whether id names a method element.
func IsMethod(id ElementFqId) bool { return id.ElementType == ElementTypeMethod }

// String renders id for logs and error messages (the partial-restart
// marker files use their own hex naming). ElementType is intentionally
// omitted: the other three fields already uniquely identify a service
// element.
func (id ElementFqId) String() string {
	return fmt.Sprintf("%d_%d_%d", id.ServiceID, id.InstanceID, id.ElementID)
}

// Less orders two ElementFqIds, needed wherever they are used as sorted
// map/set keys (e.g. the skeleton's event_controls_ table).
func Less(a, b ElementFqId) bool {
	if a.ServiceID != b.ServiceID {
		return a.ServiceID < b.ServiceID
	}
	if a.InstanceID != b.InstanceID {
		return a.InstanceID < b.InstanceID
	}
	return a.ElementID < b.ElementID
}

// Equal compares two ElementFqIds ignoring ElementType, matching the
// original equality semantics: the other three fields already disambiguate.
func Equal(a, b ElementFqId) bool {
	return a.ServiceID == b.ServiceID && a.InstanceID == b.InstanceID && a.ElementID == b.ElementID
}

// Hash returns a uint64 suitable for use as a hash-map bucket key, packing
// the three identifying fields the same way the struct orders them.
func Hash(id ElementFqId) uint64 {
	return uint64(id.ServiceID)<<32 | uint64(id.ElementID)<<16 | uint64(id.InstanceID)
}

// Canonical returns id with its ElementType cleared. Native Go maps
// compare every struct field, but equality, ordering, and hashing of an
// ElementFqId all ignore the kind — so any map keyed by ElementFqId must
// key on the canonical form, or two ids differing only in kind land in
// different buckets when they must collide.
func Canonical(id ElementFqId) ElementFqId {
	id.ElementType = ElementTypeInvalid
	return id
}

// MarshalBinary writes id in a fixed little-endian layout, for carrying an
// ElementFqId across the message-passing wire protocol (package mpsvc).
func (id ElementFqId) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ElementFqIdWireSize)
	binary.LittleEndian.PutUint16(buf[0:2], id.ServiceID)
	binary.LittleEndian.PutUint16(buf[2:4], id.ElementID)
	binary.LittleEndian.PutUint16(buf[4:6], id.InstanceID)
	buf[6] = byte(id.ElementType)
	return buf, nil
}

// UnmarshalBinary reads an ElementFqId from buf, which must be at least
// ElementFqIdWireSize bytes.
func (id *ElementFqId) UnmarshalBinary(buf []byte) error {
	if len(buf) < ElementFqIdWireSize {
		return errors.New("ElementFqId.UnmarshalBinary", errors.CodeCommunicationLinkError, "short buffer")
	}
	id.ServiceID = binary.LittleEndian.Uint16(buf[0:2])
	id.ElementID = binary.LittleEndian.Uint16(buf[2:4])
	id.InstanceID = binary.LittleEndian.Uint16(buf[4:6])
	id.ElementType = ElementType(buf[6])
	return nil
}
