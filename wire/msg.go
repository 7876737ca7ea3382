package wire

import (
	"encoding/binary"

	"github.com/ehrlich-b/lola-shm/errors"
)

// MsgKind identifies the payload carried by a Header, mirroring the
// IMessagePassingService operations every message-passing port must
// dispatch.
type MsgKind uint8

const (
	MsgKindNotifyEvent MsgKind = iota + 1
	MsgKindRegisterEventNotification
	MsgKindReregisterEventNotification
	MsgKindUnregisterEventNotification
	MsgKindNotifyOutdatedNodeID
	MsgKindSubscribeServiceMethod
	MsgKindCallMethod
)

// HeaderSize is the fixed on-wire size of Header, kept small since it
// rides ahead of every message-passing datagram.
const HeaderSize = 16

// Header is the fixed-layout envelope prefixing every message-passing
// payload: what kind of notification this is, how many payload bytes
// follow, and a sequence number field. The send path leaves Seq at zero
// and ports do not inspect it.
type Header struct {
	Kind MsgKind
	_    [3]byte // padding, keeps Len 4-byte aligned
	Len  uint32
	Seq  uint32
	_    uint32 // reserved
}

// MarshalBinary writes h in a fixed little-endian layout.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint32(buf[4:8], h.Len)
	binary.LittleEndian.PutUint32(buf[8:12], h.Seq)
	return buf, nil
}

// UnmarshalBinary reads a Header from buf, which must be at least
// HeaderSize bytes.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return errors.New("Header.UnmarshalBinary", errors.CodeCommunicationLinkError, "short buffer")
	}
	h.Kind = MsgKind(buf[0])
	h.Len = binary.LittleEndian.Uint32(buf[4:8])
	h.Seq = binary.LittleEndian.Uint32(buf[8:12])
	return nil
}

// EventNotifyPayload is carried by MsgKindNotifyEvent and
// MsgKindRegisterEventNotification/MsgKindReregisterEventNotification/
// MsgKindUnregisterEventNotification messages. TargetPID's meaning
// depends on the message kind: for a notify it is unused, for a
// register/reregister it carries the sending process's own pid (the one
// the provider should notify back).
type EventNotifyPayload struct {
	Event          ElementFqId
	RegistrationNo uint32
	TargetPID      int32
}

// eventNotifyPayloadWireSize is ElementFqIdWireSize, rounded up to a
// 4-byte boundary, plus the two trailing uint32/int32 fields.
const eventNotifyPayloadWireSize = 8 + 4 + 4

// MarshalBinary writes p in a fixed little-endian layout.
func (p EventNotifyPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, eventNotifyPayloadWireSize)
	eventBuf, _ := p.Event.MarshalBinary()
	copy(buf[0:8], eventBuf)
	binary.LittleEndian.PutUint32(buf[8:12], p.RegistrationNo)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(p.TargetPID))
	return buf, nil
}

// UnmarshalBinary reads an EventNotifyPayload from buf.
func (p *EventNotifyPayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < eventNotifyPayloadWireSize {
		return errors.New("EventNotifyPayload.UnmarshalBinary", errors.CodeCommunicationLinkError, "short buffer")
	}
	if err := p.Event.UnmarshalBinary(buf[0:8]); err != nil {
		return err
	}
	p.RegistrationNo = binary.LittleEndian.Uint32(buf[8:12])
	p.TargetPID = int32(binary.LittleEndian.Uint32(buf[12:16]))
	return nil
}

// OutdatedNodePayload is carried by MsgKindNotifyOutdatedNodeID messages,
// informing a skeleton that a previously-registered proxy pid is stale
// and any notification handlers registered under it should be dropped.
type OutdatedNodePayload struct {
	OutdatedPID int32
}

const outdatedNodePayloadWireSize = 4

// MarshalBinary writes p in a fixed little-endian layout.
func (p OutdatedNodePayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, outdatedNodePayloadWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.OutdatedPID))
	return buf, nil
}

// UnmarshalBinary reads an OutdatedNodePayload from buf.
func (p *OutdatedNodePayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < outdatedNodePayloadWireSize {
		return errors.New("OutdatedNodePayload.UnmarshalBinary", errors.CodeCommunicationLinkError, "short buffer")
	}
	p.OutdatedPID = int32(binary.LittleEndian.Uint32(buf[0:4]))
	return nil
}

// MethodCallPayload is carried by MsgKindSubscribeServiceMethod and
// MsgKindCallMethod messages. For a subscribe, Position is unused and
// CallerPID names the subscribing process; for a call, Position is the
// queue slot the caller wrote its arguments into.
type MethodCallPayload struct {
	Method    ElementFqId
	Position  int32
	CallerPID int32
}

const methodCallPayloadWireSize = 8 + 4 + 4

// MarshalBinary writes p in a fixed little-endian layout.
func (p MethodCallPayload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, methodCallPayloadWireSize)
	methodBuf, _ := p.Method.MarshalBinary()
	copy(buf[0:8], methodBuf)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Position))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(p.CallerPID))
	return buf, nil
}

// UnmarshalBinary reads a MethodCallPayload from buf.
func (p *MethodCallPayload) UnmarshalBinary(buf []byte) error {
	if len(buf) < methodCallPayloadWireSize {
		return errors.New("MethodCallPayload.UnmarshalBinary", errors.CodeCommunicationLinkError, "short buffer")
	}
	if err := p.Method.UnmarshalBinary(buf[0:8]); err != nil {
		return err
	}
	p.Position = int32(binary.LittleEndian.Uint32(buf[8:12]))
	p.CallerPID = int32(binary.LittleEndian.Uint32(buf[12:16]))
	return nil
}
