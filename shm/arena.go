package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/lola-shm/errors"
)

// Arena is a bump allocator over a fixed-size byte region. It never frees:
// shared-memory layouts are built once at segment-creation time and torn
// down by unmapping the whole segment, matching the bind-once lifecycle of
// every control/data block this module lays out.
type Arena struct {
	base   uintptr
	size   int64
	offset atomic.Int64
}

// NewArena wraps buf as an allocation arena. buf must stay alive and
// unmoved for the arena's entire lifetime, which in practice means it is
// always backed by an mmap'd region (see Segment) or, in sizing-simulation
// mode, a pinned heap slice.
func NewArena(buf []byte) *Arena {
	a := &Arena{size: int64(len(buf))}
	if len(buf) > 0 {
		a.base = uintptr(unsafe.Pointer(&buf[0]))
	}
	return a
}

// BaseAddr returns the address the arena's region starts at.
func (a *Arena) BaseAddr() uintptr {
	return a.base
}

// Size returns the total arena capacity in bytes.
func (a *Arena) Size() int64 {
	return a.size
}

// Used returns the number of bytes allocated so far.
func (a *Arena) Used() int64 {
	return a.offset.Load()
}

// Allocate reserves size bytes aligned to align (must be a power of two)
// and returns an OffsetPtr[byte] to the reservation. It fails with
// errors.CodeNoSlotAvailable once the arena is exhausted; callers that need the
// total size up front should use EstimateAllocationSize instead of probing.
func (a *Arena) Allocate(size int64, align int64) (OffsetPtr[byte], error) {
	if size <= 0 {
		return OffsetPtr[byte]{}, errors.New("Arena.Allocate", errors.CodeBindingFailure, "size must be positive")
	}
	if align <= 0 {
		align = 1
	}
	for {
		cur := a.offset.Load()
		aligned := alignUp(cur, align)
		next := aligned + size
		if next > a.size {
			return OffsetPtr[byte]{}, errors.New("Arena.Allocate", errors.CodeNoSlotAvailable, "arena exhausted")
		}
		if a.offset.CompareAndSwap(cur, next) {
			ptr := (*byte)(unsafe.Pointer(a.base + uintptr(aligned)))
			return OffsetPtrFromRaw(a.base, ptr), nil
		}
	}
}

// AllocateTyped reserves room for a T, zero-initializes it, and returns the
// OffsetPtr and a live pointer to the fresh object within the arena.
func AllocateTyped[T any](a *Arena) (OffsetPtr[T], *T, error) {
	var zero T
	size := int64(unsafe.Sizeof(zero))
	align := int64(unsafe.Alignof(zero))
	raw, err := a.Allocate(size, align)
	if err != nil {
		return OffsetPtr[T]{}, nil, err
	}
	addr := a.base + uintptr(raw.distance) // distance is relative to arena base here
	obj := (*T)(unsafe.Pointer(addr))
	*obj = zero
	return OffsetPtrFromRaw(a.base, obj), obj, nil
}

// AllocateArray reserves room for n contiguous, zero-initialized Ts and
// returns the OffsetPtr to the first element along with a live slice over
// the whole reservation. This is how every fixed-capacity shared table in
// this module (event slot rings, uid/pid entries, call queue slots) gets
// its backing storage, instead of a heap-allocated Go slice.
func AllocateArray[T any](a *Arena, n int) (OffsetPtr[T], []T, error) {
	var zero T
	elemSize := int64(unsafe.Sizeof(zero))
	align := int64(unsafe.Alignof(zero))
	if n <= 0 {
		return OffsetPtr[T]{}, nil, errors.New("shm.AllocateArray", errors.CodeBindingFailure, "n must be positive")
	}
	raw, err := a.Allocate(elemSize*int64(n), align)
	if err != nil {
		return OffsetPtr[T]{}, nil, err
	}
	first := (*T)(unsafe.Pointer(a.base + uintptr(raw.distance)))
	arr := unsafe.Slice(first, n)
	for i := range arr {
		arr[i] = zero
	}
	return OffsetPtrFromRaw(a.base, first), arr, nil
}

// ResolveTyped resolves p against a, given a is the same arena (or an
// independently-mapped view of the same segment) the pointer was
// allocated from. This is the attach path a process that did not create
// the arena uses to reach a structure by offset instead of by live
// pointer.
func ResolveTyped[T any](a *Arena, p OffsetPtr[T]) *T {
	if p.IsNull() {
		return nil
	}
	return p.Get(a.base)
}

// ResolveArray resolves p as the first element of an n-element array
// within a.
func ResolveArray[T any](a *Arena, p OffsetPtr[T], n int) []T {
	if p.IsNull() || n <= 0 {
		return nil
	}
	first := p.Get(a.base)
	return unsafe.Slice(first, n)
}

// Bytes resolves p as an n-byte span within a, for arena-resident byte
// buffers (event slot payloads, call queue argument/result storage) that
// have no natural Go type of their own.
func (a *Arena) Bytes(p OffsetPtr[byte], n int64) []byte {
	if p.IsNull() || n <= 0 {
		return nil
	}
	first := p.Get(a.base)
	return unsafe.Slice(first, n)
}

// RootPtr returns the OffsetPtr at which this arena's first allocation
// always lands. Every segment-building path (Skeleton.PrepareOffer) must
// allocate its root directory structure before anything else, so that a
// process attaching later can find it with no side channel beyond the
// arena itself.
func RootPtr[T any]() OffsetPtr[T] {
	return OffsetPtr[T]{distance: 0}
}

func alignUp(v, align int64) int64 {
	if align <= 1 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

// EstimateAllocationSize computes the worst-case bytes a sequence of typed
// allocations would consume, accounting for alignment padding, without
// actually allocating from an arena. skeleton.go's sizing modes do not
// call it; its estimate mode uses its own closed-form sum.
func EstimateAllocationSize(sizes []int64, aligns []int64) int64 {
	var total int64
	for i := range sizes {
		total = alignUp(total, aligns[i]) + sizes[i]
	}
	return total
}
