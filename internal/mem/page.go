package mem

import "sync"

// Pa_t is a physical address, kept as its own type (rather than a bare
// uintptr) the way biscuit's mem.Pa_t is, so PTE arithmetic can't be
// accidentally mixed with virtual addresses.
type Pa_t uintptr

// PTE bit layout (x86-64, spec §3/§4.3).
const (
	PTE_P    Pa_t = 1 << 0 // present
	PTE_W    Pa_t = 1 << 1 // writable
	PTE_U    Pa_t = 1 << 2 // user accessible
	PTE_PCD  Pa_t = 1 << 4 // cache disable
	PTE_PS   Pa_t = 1 << 7 // large page
	PTE_G    Pa_t = 1 << 8 // global

	PGOFFSET Pa_t = 0xfff
	PGMASK   Pa_t = ^PGOFFSET
	PTE_ADDR Pa_t = PGMASK
)

// Pmap_t is one level of page table: 512 64-bit entries.
type Pmap_t [512]Pa_t

// PageAllocator is the kernel virtual page allocator of spec §4.2: it
// reserves a still-unused PML4 entry at init and bumps within it in Runt
// mode; in Full mode it maintains a list of free virtual ranges. Ported
// from original_source/src/memory/page_allocator.rs, generalized (the
// original's get_page_range never advanced the bump cursor, which the
// spec calls out as the behavior to fix — see DESIGN.md).
type PageAllocator struct {
	mu sync.Mutex

	runtMode bool

	// Runt mode: bump cursor within the reserved PML4 entry.
	p4Base  uintptr
	cursor  uintptr
	p4Limit uintptr // p4Base + 1<<39

	// Full mode: free virtual ranges within the reserved entry.
	free []region
}

const p4EntrySize = uintptr(1) << 39

// NewPageAllocator finds the first unused (all-zero) PML4 entry in the
// supplied kernel template and reserves it for kernel virtual allocations.
func NewPageAllocator(pml4 *Pmap_t) *PageAllocator {
	for i, e := range pml4 {
		if e&PTE_P == 0 {
			base := uintptr(i) * p4EntrySize
			return &PageAllocator{
				runtMode: true,
				p4Base:   base,
				cursor:   base,
				p4Limit:  base + p4EntrySize,
			}
		}
	}
	panic("mem: no free PML4 entry for kernel page allocator")
}

// GetPageRange bumps (Runt mode) or first-fits (Full mode) size bytes of
// kernel virtual address space and returns the base address.
func (pa *PageAllocator) GetPageRange(size uint64) uintptr {
	pages := (size + PageSize - 1) / PageSize
	need := uintptr(pages) * PageSize

	pa.mu.Lock()
	defer pa.mu.Unlock()

	if pa.runtMode {
		if need > p4EntrySize {
			panic("mem: allocation larger than a PML4 entry in Runt mode")
		}
		if pa.cursor+need > pa.p4Limit {
			panic("mem: kernel page allocator exhausted its PML4 entry")
		}
		start := pa.cursor
		pa.cursor += need
		return start
	}

	for i := range pa.free {
		r := &pa.free[i]
		avail := r.end - r.start
		if avail < uint64(need) {
			continue
		}
		start := uintptr(r.start)
		if avail == uint64(need) {
			pa.free = append(pa.free[:i], pa.free[i+1:]...)
		} else {
			r.start += uint64(need)
		}
		return start
	}
	panic("mem: kernel page allocator out of free virtual ranges")
}

// MoveToFullMode converts the remaining Runt-mode span into the Full-mode
// free-range list.
func (pa *PageAllocator) MoveToFullMode() {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.runtMode {
		return
	}
	pa.runtMode = false
	if pa.cursor < pa.p4Limit {
		pa.free = []region{{start: uint64(pa.cursor), end: uint64(pa.p4Limit)}}
	}
}
