package mem

import (
	"unsafe"

	"venix/internal/bootinfo"
)

// SimArena backs a host-process byte slice as if it were physical RAM, for
// package tests that exercise real pointer arithmetic (frame allocation,
// page-table walks, user copies) without a bootable image. With
// SetHHDMOffset(0) a Pa_t is simply the host address of a byte inside the
// arena, so DmapPmap/HHDM need no translation — the same role biscuit's
// modified runtime plays by handing the kernel real physical memory.
type SimArena struct {
	buf  []byte
	base Pa_t
}

// NewSimArena allocates pages page-aligned 4 KiB frames of backing memory.
func NewSimArena(pages int) *SimArena {
	// Over-allocate then trim to a page boundary so Base is aligned;
	// real frame allocators never hand out unaligned frames and callers
	// rely on that.
	raw := make([]byte, pages*PageSize+PageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + PageSize - 1) &^ (PageSize - 1)
	off := aligned - base
	buf := raw[off : off+uintptr(pages*PageSize)]
	return &SimArena{buf: buf, base: Pa_t(uintptr(unsafe.Pointer(&buf[0])))}
}

// Base is the arena's starting physical (= host) address.
func (a *SimArena) Base() Pa_t { return a.base }

// Entry returns a bootinfo.MemMapEntry covering the whole arena, suitable
// for NewFrameAllocator.
func (a *SimArena) Entry() bootinfo.MemMapEntry {
	return bootinfo.MemMapEntry{Base: uint64(a.base), Length: uint64(len(a.buf)), Type: bootinfo.Usable}
}
