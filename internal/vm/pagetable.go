package vm

import (
	"venix/internal/mem"
)

// pml4Index, pdptIndex, pdIndex, ptIndex split a canonical virtual address
// into its four levels of page-table index (9 bits each), standard x86-64
// 4-level paging.
func pml4Index(va uintptr) int { return int((va >> 39) & 0x1ff) }
func pdptIndex(va uintptr) int { return int((va >> 30) & 0x1ff) }
func pdIndex(va uintptr) int   { return int((va >> 21) & 0x1ff) }
func ptIndex(va uintptr) int   { return int((va >> 12) & 0x1ff) }

// walk descends the 4-level page table rooted at pml4Phys for va, creating
// intermediate tables with the given permission bits when create is true
// and an entry is missing. It returns a pointer to the leaf PTE.
func walk(frames *mem.FrameAllocator, pml4Phys mem.Pa_t, va uintptr, create bool, perms mem.Pa_t) (*mem.Pa_t, bool) {
	table := mem.DmapPmap(pml4Phys)
	idxs := []int{pml4Index(va), pdptIndex(va), pdIndex(va)}
	for _, idx := range idxs {
		e := &table[idx]
		if *e&mem.PTE_P == 0 {
			if !create {
				return nil, false
			}
			f, ok := frames.AllocateFrame()
			if !ok {
				return nil, false
			}
			zero(mem.DmapPmap(mem.Pa_t(f)))
			*e = mem.Pa_t(f) | mem.PTE_P | perms
		}
		table = mem.DmapPmap(*e & mem.PTE_ADDR)
	}
	return &table[ptIndex(va)], true
}

// lookup is the read-only form of walk: it never allocates intermediate
// tables.
func lookup(pml4Phys mem.Pa_t, va uintptr) *mem.Pa_t {
	pte, ok := walk(nil, pml4Phys, va, false, 0)
	if !ok {
		return nil
	}
	return pte
}

func zero(t *mem.Pmap_t) {
	for i := range t {
		t[i] = 0
	}
}

// presentEntries yields (index, entry) for every present entry in t,
// optionally restricted to the lower half (index < 256), for the PML4
// level during address-space cloning (spec §4.3).
func presentEntries(t *mem.Pmap_t, lowerHalfOnly bool) [][2]int64 {
	var out [][2]int64
	for i, e := range t {
		if e&mem.PTE_P == 0 {
			continue
		}
		if lowerHalfOnly && i >= 256 {
			continue
		}
		out = append(out, [2]int64{int64(i), int64(e)})
	}
	return out
}
