// Package mem implements the L0 layer: the two-phase physical frame
// allocator, the kernel virtual page allocator, and the HHDM helper that
// lets the kernel peek at arbitrary physical memory without establishing a
// mapping. Ported from biscuit's mem.Physmem_t (single-CPU free-list
// discipline) and original_source/src/memory/{frame_allocator,page_allocator}.rs
// (the Runt/Full two-phase contract spec §4.1 describes).
package mem

import (
	"sort"

	"github.com/pkg/errors"

	"venix/internal/bootinfo"
)

// PageSize is the fixed frame/page size (4 KiB), spec §3.
const PageSize = 4096

// Frame identifies a physical frame by its base physical address.
type Frame uint64

// ErrFrameAllocationFailed is returned when no more frames are available.
var ErrFrameAllocationFailed = errors.New("frame allocation failed")

type region struct {
	start, end uint64 // half-open [start, end), page aligned
}

// FrameAllocator is the two-phase physical frame allocator described in
// spec §4.1: Runt mode hands out frames from a bump cursor over the usable
// memory-map entries with no deallocation; Full mode (entered once the
// kernel heap exists) maintains a free-region list that allocation trims
// and deallocation appends to.
type FrameAllocator struct {
	usable []bootinfo.MemMapEntry

	// Runt mode.
	next int // index of the next frame to hand out, across all usable entries

	// Full mode; nil while in Runt mode.
	free []region
}

// NewFrameAllocator starts the allocator in Runt mode over the usable
// entries of the boot memory map.
func NewFrameAllocator(usable []bootinfo.MemMapEntry) *FrameAllocator {
	return &FrameAllocator{usable: usable}
}

// InFullMode reports whether MoveToFullMode has been called.
func (fa *FrameAllocator) InFullMode() bool { return fa.free != nil }

// GetUsableMemory returns the total length, in bytes, of all USABLE
// memory-map entries — used purely for reporting (spec §4.1).
func (fa *FrameAllocator) GetUsableMemory() uint64 {
	var total uint64
	for _, e := range fa.usable {
		total += e.Length
	}
	return total
}

// usableFrameAt returns the nth 4 KiB frame across all usable entries,
// walking the entries in boot-reported order, or false if n is out of
// range.
func (fa *FrameAllocator) usableFrameAt(n int) (Frame, bool) {
	for _, e := range fa.usable {
		count := int(e.Length / PageSize)
		if n < count {
			return Frame(e.Base + uint64(n)*PageSize), true
		}
		n -= count
	}
	return 0, false
}

// MoveToFullMode converts the current Runt-mode cursor position plus the
// remaining memory map into a free-region list. Per spec §4.1 this is
// invoked once the kernel heap is available.
func (fa *FrameAllocator) MoveToFullMode() {
	var free []region
	remaining := fa.next
	for _, e := range fa.usable {
		if remaining == 0 {
			free = append(free, region{start: e.Base, end: e.Base + e.Length})
			continue
		}
		pages := int(e.Length / PageSize)
		if pages <= remaining {
			remaining -= pages
			continue
		}
		free = append(free, region{
			start: e.Base + uint64(remaining)*PageSize,
			end:   e.Base + e.Length,
		})
		remaining = 0
	}
	fa.free = free
}

// AllocateFrame returns a free frame, or false if none remain.
func (fa *FrameAllocator) AllocateFrame() (Frame, bool) {
	if fa.free != nil {
		if len(fa.free) == 0 {
			return 0, false
		}
		r := &fa.free[0]
		start := r.start
		if r.end-r.start == PageSize {
			fa.free = fa.free[1:]
		} else {
			r.start += PageSize
		}
		return Frame(start), true
	}
	f, ok := fa.usableFrameAt(fa.next)
	if !ok {
		return 0, false
	}
	fa.next++
	return f, true
}

// DeallocateFrame returns a frame to the free-region list. It panics if
// called while still in Runt mode (spec §4.1's explicit contract).
func (fa *FrameAllocator) DeallocateFrame(f Frame) {
	if fa.free == nil {
		panic("mem: DeallocateFrame called in Runt mode")
	}
	fa.free = append(fa.free, region{start: uint64(f), end: uint64(f) + PageSize})
	sort.Slice(fa.free, func(i, j int) bool { return fa.free[i].start < fa.free[j].start })
}

// FreeTotal sums the length of every outstanding free region; together with
// the count of frames handed out and not yet freed this backs testable
// property 4 (spec §8).
func (fa *FrameAllocator) FreeTotal() uint64 {
	var total uint64
	for _, r := range fa.free {
		total += r.end - r.start
	}
	return total
}
