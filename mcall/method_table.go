package mcall

import (
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/shm"
	"github.com/ehrlich-b/lola-shm/wire"
)

// maxMethodEntries bounds how many methods one service instance's methods
// segment can carry, comfortably above any generated service interface.
const maxMethodEntries = 32

// methodEntry is one fixed-size slot in a MethodTable: a method's
// identity plus its call queue's directory record.
type methodEntry struct {
	used    atomic.Bool
	element wire.ElementFqId
	rec     MethodDataRecord
}

// MethodTable is the methods segment's root structure: the first (and
// only directory) allocation in a methods arena, always landing at offset
// zero so an attaching consumer can find it with no side channel beyond
// the segment itself. One entry per method that has in-arguments or a
// return type.
type MethodTable struct {
	count   atomic.Int32
	entries [maxMethodEntries]methodEntry
}

// NewMethodTable allocates a MethodTable as arena's first allocation.
func NewMethodTable(arena *shm.Arena) (*MethodTable, error) {
	off, t, err := shm.AllocateTyped[MethodTable](arena)
	if err != nil {
		return nil, err
	}
	if off != shm.RootPtr[MethodTable]() {
		return nil, errors.New("mcall.NewMethodTable", errors.CodeBindingFailure,
			"method table was not the methods segment's first allocation")
	}
	return t, nil
}

// OpenMethodTable resolves the methods segment's root table against
// arena, for a consumer attaching to an already-populated segment.
func OpenMethodTable(arena *shm.Arena) (*MethodTable, error) {
	t := shm.ResolveTyped(arena, shm.RootPtr[MethodTable]())
	if t == nil {
		return nil, errors.New("mcall.OpenMethodTable", errors.CodeServiceNotOffered,
			"methods segment has no table")
	}
	return t, nil
}

// Add records a method's directory entry.
func (t *MethodTable) Add(element wire.ElementFqId, rec MethodDataRecord) error {
	n := t.count.Load()
	if int(n) >= len(t.entries) {
		return errors.New("MethodTable.Add", errors.CodeNoSlotAvailable, "method table full")
	}
	e := &t.entries[n]
	e.element = element
	e.rec = rec
	e.used.Store(true)
	t.count.Add(1)
	return nil
}

// Find scans the table for element's record.
func (t *MethodTable) Find(element wire.ElementFqId) (MethodDataRecord, bool) {
	n := int(t.count.Load())
	for i := 0; i < n && i < len(t.entries); i++ {
		e := &t.entries[i]
		if e.used.Load() && wire.Equal(e.element, element) {
			return e.rec, true
		}
	}
	return MethodDataRecord{}, false
}
