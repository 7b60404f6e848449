package mem

import "sync/atomic"

// hhdmOffset is the process-wide HHDM (higher-half direct map) offset
// obtained from the bootloader at init; it's the canonical way the kernel
// peeks at arbitrary physical memory without allocating a mapping (spec
// §4.2). Stored as an atomic so it can be read from any context once set
// exactly once at boot.
var hhdmOffset uint64

// SetHHDMOffset records the bootloader-provided HHDM offset. Called once
// during early boot.
func SetHHDMOffset(off uint64) {
	atomic.StoreUint64(&hhdmOffset, off)
}

// HHDM returns the direct-mapped virtual address of physical address p:
// hhdm(phys) = phys + offset.
func HHDM(p Pa_t) uintptr {
	return uintptr(p) + uintptr(atomic.LoadUint64(&hhdmOffset))
}

// HHDMOffset returns the raw offset, e.g. for constructing an
// OffsetPageTable-equivalent view of a page table at a known phys address.
func HHDMOffset() uint64 {
	return atomic.LoadUint64(&hhdmOffset)
}

// DmapPmap returns a *Pmap_t view of the page-table page at physical address p
// via the direct map — the page-table-walk analogue of biscuit's
// Physmem_t.Dmap for generic pages.
func DmapPmap(p Pa_t) *Pmap_t {
	return (*Pmap_t)(unsafeOffset(HHDM(p)))
}
