package lola

import (
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/ring"
	"github.com/ehrlich-b/lola-shm/shm"
	"github.com/ehrlich-b/lola-shm/txlog"
	"github.com/ehrlich-b/lola-shm/uidpid"
	"github.com/ehrlich-b/lola-shm/wire"
)

// maxDirectoryEntries bounds how many distinct events/fields one service
// instance's control segment directory can hold, generous above any
// realistic service's element count.
const maxDirectoryEntries = 128

// directoryEntry is one fixed-size, POD slot in ControlDirectory: an
// event's identity, its control record, and its transaction log set's
// offset. Methods do not appear here — they live in the lazily-created
// methods segment, which carries its own root table (mcall.MethodTable).
type directoryEntry struct {
	used     atomic.Bool
	element  wire.ElementFqId
	record   ring.EventControlRecord
	logSet   shm.OffsetPtr[txlog.SetHeader]
}

// ControlDirectory is the control segment's root structure: the very
// first thing a skeleton allocates into a CONTROL-QM/CONTROL-ASIL-B
// arena, always landing at offset 0 (see shm.RootPtr). It is the
// shared-memory counterpart of the original binding's ServiceDataControl
// — a directory of every event's OffsetPtr-addressed control state and
// transaction logs, plus the uid/pid table — that a proxy resolves
// entirely by walking the arena, never by receiving a live Go pointer
// from the skeleton process that built it.
type ControlDirectory struct {
	providerPID    atomic.Int32
	uidPidOff      shm.OffsetPtr[uidpid.MappingHeader]
	uidPidCapacity int32
	entryCount     atomic.Int32
	entries        [maxDirectoryEntries]directoryEntry
}

// newControlDirectory allocates a ControlDirectory as arena's first
// allocation. Callers must invoke this before any other allocation on a
// freshly created control arena, since shm.RootPtr assumes offset 0.
func newControlDirectory(arena *shm.Arena, providerPID int32) (*ControlDirectory, error) {
	off, dir, err := shm.AllocateTyped[ControlDirectory](arena)
	if err != nil {
		return nil, err
	}
	if off != shm.RootPtr[ControlDirectory]() {
		return nil, errors.New("newControlDirectory", errors.CodeBindingFailure,
			"control directory was not the control segment's first allocation")
	}
	dir.providerPID.Store(providerPID)
	return dir, nil
}

// openControlDirectory resolves the control segment's root directory
// against arena, for a proxy (or any process other than the one that
// created the segment) attaching to an already-offered instance.
func openControlDirectory(arena *shm.Arena) (*ControlDirectory, error) {
	dir := shm.ResolveTyped(arena, shm.RootPtr[ControlDirectory]())
	if dir == nil {
		return nil, errors.New("openControlDirectory", errors.CodeServiceNotOffered, "control segment has no directory")
	}
	return dir, nil
}

// addEvent records element's control record and log set, used by
// Skeleton's event registration right after it builds the EventControl.
// It refuses an element that is already registered and a full
// directory.
func (d *ControlDirectory) addEvent(element wire.ElementFqId, rec ring.EventControlRecord, logSet shm.OffsetPtr[txlog.SetHeader]) error {
	if _, _, ok := d.findEvent(element); ok {
		return errors.NewForElement("ControlDirectory.addEvent", element.String(),
			errors.CodeBindingFailure, "element already registered")
	}
	n := d.entryCount.Load()
	if int(n) >= len(d.entries) {
		return errors.New("ControlDirectory.addEvent", errors.CodeNoSlotAvailable, "directory full")
	}
	e := &d.entries[n]
	e.element = element
	e.record = rec
	e.logSet = logSet
	e.used.Store(true)
	d.entryCount.Add(1)
	return nil
}

// findEvent scans the directory for element's control record and log set.
func (d *ControlDirectory) findEvent(element wire.ElementFqId) (ring.EventControlRecord, shm.OffsetPtr[txlog.SetHeader], bool) {
	n := int(d.entryCount.Load())
	for i := 0; i < n && i < len(d.entries); i++ {
		e := &d.entries[i]
		if e.used.Load() && wire.Equal(e.element, element) {
			return e.record, e.logSet, true
		}
	}
	return ring.EventControlRecord{}, shm.OffsetPtr[txlog.SetHeader]{}, false
}

// forEachEvent invokes fn for every registered event. The rollback
// executor walks the directory this way to build per-event compensation
// actions without the caller having to know the element ids up front.
func (d *ControlDirectory) forEachEvent(fn func(element wire.ElementFqId, rec ring.EventControlRecord, logSet shm.OffsetPtr[txlog.SetHeader]) error) error {
	n := int(d.entryCount.Load())
	for i := 0; i < n && i < len(d.entries); i++ {
		e := &d.entries[i]
		if !e.used.Load() {
			continue
		}
		if err := fn(e.element, e.record, e.logSet); err != nil {
			return err
		}
	}
	return nil
}

// ProviderPID returns the pid of the skeleton process that last created
// (or re-opened, across a restart) this control segment. A proxy reads
// this to learn which process's message-passing port to address event
// registrations to.
func (d *ControlDirectory) ProviderPID() int32 { return d.providerPID.Load() }

// setProviderPID stamps a new provider pid, used only by a restarting
// skeleton re-opening an existing control segment.
func (d *ControlDirectory) setProviderPID(pid int32) { d.providerPID.Store(pid) }
