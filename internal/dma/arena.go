// Package dma implements the L4 DMA arena of spec §4.10: a page-backed,
// monotonic bump allocator returning both a virtual pointer and the
// corresponding physical address, with an opaque re-resolvable tag for
// building self-referential device descriptors (UHCI's QH→TD links).
// Ported from original_source/src/dma/arena.rs.
package dma

import (
	"unsafe"

	"venix/internal/mem"
)

const pageSize = mem.PageSize

// Tag is an opaque offset into an Arena's backing store, re-resolvable to
// a pointer after allocation (spec §4.10).
type Tag struct{ offset int }

// page is one arena-owned page: its kernel virtual address and the
// physical frame backing it.
type page struct {
	virt uintptr
	phys mem.Pa_t
}

// Arena is a page-backed, append-only bump allocator. Growth beyond the
// initially reserved pages is unimplemented, matching the original's
// "TODO: get more memory" (spec §4.10).
type Arena struct {
	pages []page
	next  int
}

// PageSource allocates one zeroed page and returns its kernel-virtual
// address and backing physical frame; internal/mem.FrameAllocator plus
// internal/vm.AddressSpace supply this in a real boot image.
type PageSource interface {
	AllocatePage() (virt uintptr, phys mem.Pa_t, ok bool)
}

// New builds an Arena backed by one page from src. Real UHCI/device
// descriptor construction in this kernel never needs more than one page
// per controller instance; the original carries the same single-page
// assumption.
func New(src PageSource) *Arena {
	virt, phys, ok := src.AllocatePage()
	if !ok {
		return nil
	}
	return &Arena{pages: []page{{virt: virt, phys: phys}}}
}

func (a *Arena) capacity() int { return len(a.pages) * pageSize }

func (a *Arena) reserve(alignment, size int) (place int, ok bool) {
	cursor := a.next
	if alignment != 0 {
		if rem := cursor % alignment; rem != 0 {
			cursor += alignment - rem
		}
	}
	if cursor+size > a.capacity() {
		return 0, false
	}
	a.next = cursor + size
	return cursor, true
}

func (a *Arena) resolve(place int) (virt uintptr, phys mem.Pa_t) {
	p := a.pages[place/pageSize]
	off := uintptr(place % pageSize)
	return p.virt + off, p.phys + mem.Pa_t(off)
}

// AcquireValue bump-allocates room for a T, zero-initializes it, and
// returns a pointer into the arena plus its physical address (spec
// §4.10's acquire_default).
func AcquireValue[T any](a *Arena, alignment int) (*T, mem.Pa_t, bool) {
	var zero T
	place, ok := a.reserve(alignment, int(unsafe.Sizeof(zero)))
	if !ok {
		return nil, 0, false
	}
	virt, phys := a.resolve(place)
	ptr := (*T)(unsafe.Pointer(virt))
	*ptr = zero
	return ptr, phys, true
}

// AcquireValueByTag is AcquireValue but returns a re-resolvable Tag
// instead of a live pointer, for building structures that reference
// each other by address before every member is allocated (spec §4.10).
func AcquireValueByTag[T any](a *Arena, alignment int) (Tag, mem.Pa_t, bool) {
	var zero T
	place, ok := a.reserve(alignment, int(unsafe.Sizeof(zero)))
	if !ok {
		return Tag{}, 0, false
	}
	virt, phys := a.resolve(place)
	*(*T)(unsafe.Pointer(virt)) = zero
	return Tag{offset: place}, phys, true
}

// AcquireSlice bump-allocates length zeroed bytes, returning a slice over
// the arena's backing page(s).
func (a *Arena) AcquireSlice(alignment, length int) ([]byte, mem.Pa_t, bool) {
	place, ok := a.reserve(alignment, length)
	if !ok {
		return nil, 0, false
	}
	virt, phys := a.resolve(place)
	return unsafe.Slice((*byte)(unsafe.Pointer(virt)), length), phys, true
}

// AcquireSliceBuffer is AcquireSlice but copies buffer into the freshly
// allocated region.
func (a *Arena) AcquireSliceBuffer(alignment int, buffer []byte) ([]byte, mem.Pa_t, bool) {
	dst, phys, ok := a.AcquireSlice(alignment, len(buffer))
	if !ok {
		return nil, 0, false
	}
	copy(dst, buffer)
	return dst, phys, true
}

// ValueFromTag re-resolves tag to a typed pointer into the arena.
func ValueFromTag[T any](a *Arena, tag Tag) *T {
	virt, _ := a.resolve(tag.offset)
	return (*T)(unsafe.Pointer(virt))
}

// SliceFromTag re-resolves tag to a byte slice of the given length.
func (a *Arena) SliceFromTag(tag Tag, length int) []byte {
	virt, _ := a.resolve(tag.offset)
	return unsafe.Slice((*byte)(unsafe.Pointer(virt)), length)
}
