// Package uidpid implements the fixed-capacity uid-to-pid registration
// table every service instance's control segment carries. Every proxy
// process registers its uid/pid pair here on creation; this is how a proxy
// that crashed and restarted recognizes its own stale registration (same
// uid, different pid) and how the skeleton side finds which pids to notify
// on an event update.
package uidpid

import (
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/shm"
)

// DefaultCapacity is the number of uid/pid slots a service's control
// segment reserves, matching the original binding's literal constant.
// See DESIGN.md's Open Question decision for why this default is kept
// instead of a config-derived value.
const DefaultCapacity = 50

type entry struct {
	used atomic.Bool
	uid  atomic.Uint32
	pid  atomic.Int32
}

// MappingHeader is the POD record a Mapping resolves against: the table's
// fixed capacity and the offset of its entry array. Allocating this (and
// the entry array it points at) inside a segment's arena is what makes the
// uid/pid table, like every other control structure, attachable by offset
// rather than by a Go pointer handed across a process boundary.
type MappingHeader struct {
	capacity   int32
	entriesOff shm.OffsetPtr[entry]
}

// Mapping is the process-local handle onto a MappingHeader and its
// resolved entry array.
type Mapping struct {
	arena   *shm.Arena
	header  *MappingHeader
	entries []entry
}

// NewMapping allocates a table with room for capacity entries inside
// arena, returning its header's OffsetPtr for the caller's directory.
func NewMapping(arena *shm.Arena, capacity int) (*Mapping, shm.OffsetPtr[MappingHeader], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entriesOff, entries, err := shm.AllocateArray[entry](arena, capacity)
	if err != nil {
		return nil, shm.OffsetPtr[MappingHeader]{}, err
	}
	hdrOff, hdr, err := shm.AllocateTyped[MappingHeader](arena)
	if err != nil {
		return nil, shm.OffsetPtr[MappingHeader]{}, err
	}
	hdr.capacity = int32(capacity)
	hdr.entriesOff = entriesOff
	return &Mapping{arena: arena, header: hdr, entries: entries}, hdrOff, nil
}

// OpenMapping attaches to a Mapping previously built by NewMapping, given
// its header offset. Used by a proxy resolving the control segment's
// directory instead of sharing a live pointer with the skeleton.
func OpenMapping(arena *shm.Arena, ptr shm.OffsetPtr[MappingHeader]) (*Mapping, error) {
	hdr := shm.ResolveTyped(arena, ptr)
	if hdr == nil {
		return nil, errors.New("OpenMapping", errors.CodeInvalidHandle, "null mapping offset")
	}
	entries := shm.ResolveArray[entry](arena, hdr.entriesOff, int(hdr.capacity))
	return &Mapping{arena: arena, header: hdr, entries: entries}, nil
}

// Register records that uid is currently running as pid. If uid already
// has a registration, the previous pid is returned so the caller (the
// proxy binding's creation path) can detect a partial restart: a returned
// oldPID different from pid means this uid was running before under a
// different process, almost certainly because it crashed and is now
// coming back up.
//
// An empty entry is claimed by CAS on its used flag before uid/pid are
// written; a loser of that race rescans from the top, since the entry it
// wanted now belongs to someone else and the winner may even be
// registering the same uid. Readers that observe a claimed entry before
// its pid store lands see pid 0, which consumers of this table treat as
// "not present".
func (m *Mapping) Register(uid uint32, pid int32) (oldPID int32, hadPrevious bool, err error) {
	for {
		freeIdx := -1
		for i := range m.entries {
			e := &m.entries[i]
			if e.used.Load() && e.uid.Load() == uid {
				old := e.pid.Load()
				e.pid.Store(pid)
				return old, true, nil
			}
			if !e.used.Load() && freeIdx == -1 {
				freeIdx = i
			}
		}
		if freeIdx == -1 {
			return 0, false, errors.New("Mapping.Register", errors.CodeNoSlotAvailable, "uid/pid table full")
		}
		e := &m.entries[freeIdx]
		if !e.used.CompareAndSwap(false, true) {
			continue
		}
		e.uid.Store(uid)
		e.pid.Store(pid)
		return 0, false, nil
	}
}

// Lookup returns the pid currently registered for uid.
func (m *Mapping) Lookup(uid uint32) (pid int32, ok bool) {
	for i := range m.entries {
		e := &m.entries[i]
		if e.used.Load() && e.uid.Load() == uid {
			return e.pid.Load(), true
		}
	}
	return 0, false
}

// Unregister removes uid's entry entirely, used when a proxy shuts down
// cleanly.
func (m *Mapping) Unregister(uid uint32) error {
	for i := range m.entries {
		e := &m.entries[i]
		if e.used.Load() && e.uid.Load() == uid {
			e.pid.Store(0)
			e.uid.Store(0)
			e.used.Store(false)
			return nil
		}
	}
	return errors.New("Mapping.Unregister", errors.CodeInvalidHandle, "uid not registered")
}

// AllRegistered returns a snapshot of every currently registered uid/pid
// pair.
func (m *Mapping) AllRegistered() map[uint32]int32 {
	out := make(map[uint32]int32)
	for i := range m.entries {
		e := &m.entries[i]
		if e.used.Load() {
			out[e.uid.Load()] = e.pid.Load()
		}
	}
	return out
}

// Capacity returns the table's fixed entry count.
func (m *Mapping) Capacity() int { return len(m.entries) }
