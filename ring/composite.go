package ring

import (
	"github.com/ehrlich-b/lola-shm/errors"
)

// CompositeDataControl is the writer-side view of an ASIL-B event: two
// independent slot state machines, one per control segment, laid over the
// same payload storage in the DATA segment. A slot index is only safe to
// reuse when it is eligible in BOTH rings — a QM reader's outstanding
// reference must hold off reuse exactly as an ASIL-B reader's does, since
// they read the same bytes. For a QM-only event the composite degenerates
// to a single ring and adds nothing.
//
// The ASIL-B ring is the primary: candidate selection and the publish
// sequence come from it, so a flood of QM subscribers can degrade QM
// freshness but never the ordering ASIL-B readers observe.
type CompositeDataControl struct {
	primary   *EventDataControl
	secondary *EventDataControl // nil for a single-level event
}

// NewCompositeDataControl combines an event's per-quality-level data
// controls. asilB may be nil for a QM-only service; qm must not be.
func NewCompositeDataControl(qm, asilB *EventDataControl) *CompositeDataControl {
	if asilB == nil {
		return &CompositeDataControl{primary: qm}
	}
	return &CompositeDataControl{primary: asilB, secondary: qm}
}

// Primary returns the ring candidate selection runs against.
func (c *CompositeDataControl) Primary() *EventDataControl { return c.primary }

// NumSlots returns the ring depth (identical in both rings).
func (c *CompositeDataControl) NumSlots() int { return c.primary.NumSlots() }

// AllocateNextSlot claims one slot index in every ring. The primary ring
// nominates its oldest eligible index; the claim then has to win the CAS
// in the secondary ring too. Losing the secondary claim releases the
// primary one and retries, bounded by the primary's retry budget.
func (c *CompositeDataControl) AllocateNextSlot() (int, error) {
	if c.secondary == nil {
		idx, _, err := c.primary.AllocateNextSlot()
		return idx, err
	}
	maxRetries := int(c.primary.header.maxRetries)
	for attempt := 0; attempt < maxRetries; attempt++ {
		idx, slot, err := c.primary.AllocateNextSlot()
		if err != nil {
			return -1, err
		}
		if c.secondary.SlotAt(idx).TryClaim() {
			return idx, nil
		}
		slot.ForceFree()
	}
	return -1, errors.New("CompositeDataControl.AllocateNextSlot", errors.CodeNoSlotAvailable,
		"no slot simultaneously free in both quality levels")
}

// Payload returns the shared payload bytes for slot idx, for the writer
// to fill between AllocateNextSlot and Publish.
func (c *CompositeDataControl) Payload(idx int) []byte {
	return c.primary.PayloadAt(idx)
}

// Publish stamps slot idx Ready in every ring with one shared sequence
// number drawn from the primary, so QM and ASIL-B readers agree on which
// sample is newest.
func (c *CompositeDataControl) Publish(idx int) uint64 {
	seq := c.primary.NextSeq()
	c.primary.SlotAt(idx).Publish(seq)
	if c.secondary != nil {
		c.secondary.SlotAt(idx).Publish(seq)
	}
	return seq
}

// Abort releases a claimed-but-unpublished slot in every ring, used when
// the publish path fails after allocation (for example a full
// transaction log).
func (c *CompositeDataControl) Abort(idx int) {
	c.primary.SlotAt(idx).ForceFree()
	if c.secondary != nil {
		c.secondary.SlotAt(idx).ForceFree()
	}
}
