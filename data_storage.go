package lola

import (
	"sync/atomic"

	"github.com/ehrlich-b/lola-shm/errors"
	"github.com/ehrlich-b/lola-shm/shm"
	"github.com/ehrlich-b/lola-shm/wire"
)

// maxStorageEntries bounds how many events one DATA segment's metainfo
// table describes, matching the control directory's entry bound.
const maxStorageEntries = 128

// eventMetaInfo describes one event's payload storage well enough to
// walk its samples type-erased: element size, alignment, slot count, and
// where the contiguous payload block starts within the DATA arena. It is
// what lets a tracing or diagnostic consumer iterate samples without the
// generated sample type.
type eventMetaInfo struct {
	used       atomic.Bool
	element    wire.ElementFqId
	sizeOf     int32
	alignOf    int32
	numSlots   int32
	payloadOff shm.OffsetPtr[byte]
}

// DataStorageHeader is the DATA segment's root structure: the
// shared-memory counterpart of the original binding's ServiceDataStorage.
// It opens with the two fields every proxy needs before it can trust
// anything else it reads — which pid and uid currently provide the
// instance — followed by the per-event payload metainfo table. The pid
// and uid are written at segment creation and again only by a new
// skeleton re-offering the instance after a restart.
type DataStorageHeader struct {
	SkeletonPID atomic.Int32
	SkeletonUID atomic.Uint32
	metaCount   atomic.Int32
	meta        [maxStorageEntries]eventMetaInfo
}

// newDataStorageHeader allocates the header as arena's first allocation
// and stamps the providing skeleton's identity.
func newDataStorageHeader(arena *shm.Arena, pid int32, uid uint32) (*DataStorageHeader, error) {
	off, hdr, err := shm.AllocateTyped[DataStorageHeader](arena)
	if err != nil {
		return nil, err
	}
	if off != shm.RootPtr[DataStorageHeader]() {
		return nil, errors.New("newDataStorageHeader", errors.CodeBindingFailure,
			"storage header was not the DATA segment's first allocation")
	}
	hdr.SkeletonPID.Store(pid)
	hdr.SkeletonUID.Store(uid)
	return hdr, nil
}

// openDataStorageHeader resolves the DATA segment's root header against
// arena, for any process attaching to an already-created segment.
func openDataStorageHeader(arena *shm.Arena) (*DataStorageHeader, error) {
	hdr := shm.ResolveTyped(arena, shm.RootPtr[DataStorageHeader]())
	if hdr == nil {
		return nil, errors.New("openDataStorageHeader", errors.CodeServiceNotOffered,
			"DATA segment has no storage header")
	}
	return hdr, nil
}

// addMeta records element's payload metainfo, written by the skeleton
// during event registration.
func (h *DataStorageHeader) addMeta(element wire.ElementFqId, sizeOf, alignOf, numSlots int, payloadOff shm.OffsetPtr[byte]) error {
	n := h.metaCount.Load()
	if int(n) >= len(h.meta) {
		return errors.New("DataStorageHeader.addMeta", errors.CodeNoSlotAvailable, "metainfo table full")
	}
	m := &h.meta[n]
	m.element = element
	m.sizeOf = int32(sizeOf)
	m.alignOf = int32(alignOf)
	m.numSlots = int32(numSlots)
	m.payloadOff = payloadOff
	m.used.Store(true)
	h.metaCount.Add(1)
	return nil
}

// findMeta scans the table for element's payload metainfo.
func (h *DataStorageHeader) findMeta(element wire.ElementFqId) (sizeOf, alignOf, numSlots int, payloadOff shm.OffsetPtr[byte], ok bool) {
	n := int(h.metaCount.Load())
	for i := 0; i < n && i < len(h.meta); i++ {
		m := &h.meta[i]
		if m.used.Load() && wire.Equal(m.element, element) {
			return int(m.sizeOf), int(m.alignOf), int(m.numSlots), m.payloadOff, true
		}
	}
	return 0, 0, 0, shm.OffsetPtr[byte]{}, false
}
