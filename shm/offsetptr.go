// Package shm implements the offset-pointer allocator and memory-mapped
// segment management that every other package in this module builds on.
//
// Shared memory is mapped at a different base address in every process that
// attaches to it, so raw pointers are meaningless across process boundaries.
// OffsetPtr stores a byte distance from its own address instead, which stays
// valid no matter where the segment gets mapped.
package shm

import (
	"unsafe"
)

// Null is the sentinel distance representing a nil OffsetPtr. Zero cannot be
// used for this because an OffsetPtr pointing at itself (distance zero) is a
// degenerate but representable case for zero-sized types; distance 1 can
// never occur since no two distinct objects share an address, so it is safe
// to reserve.
const Null int64 = 1

// OffsetPtr is a self-relative pointer: the distance in bytes from this
// OffsetPtr's own memory address to the address of the pointee. It must be
// trivially copyable (no pointers, no methods with pointer receivers that
// escape) to remain valid when memcpy'd into shared memory.
type OffsetPtr[T any] struct {
	distance int64
}

// OffsetPtrFromRaw builds an OffsetPtr whose pointee lives at target,
// relative to an OffsetPtr that will itself live at selfAddr.
func OffsetPtrFromRaw[T any](selfAddr uintptr, target *T) OffsetPtr[T] {
	if target == nil {
		return OffsetPtr[T]{distance: Null}
	}
	return OffsetPtr[T]{distance: int64(uintptr(unsafe.Pointer(target))) - int64(selfAddr)}
}

// IsNull reports whether p points nowhere.
func (p OffsetPtr[T]) IsNull() bool {
	return p.distance == Null
}

// Get resolves the pointer given the address p itself is stored at. Callers
// must pass the live address of the OffsetPtr value, not a copy, since the
// distance is relative to that exact location.
func (p OffsetPtr[T]) Get(selfAddr uintptr) *T {
	if p.IsNull() {
		return nil
	}
	return (*T)(unsafe.Pointer(selfAddr + uintptr(p.distance)))
}

// Set repoints p at target, given p's own live address.
func (p *OffsetPtr[T]) Set(selfAddr uintptr, target *T) {
	if target == nil {
		p.distance = Null
		return
	}
	p.distance = int64(uintptr(unsafe.Pointer(target))) - int64(selfAddr)
}
