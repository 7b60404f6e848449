// Package vm implements the L1 layer: per-process address spaces and the
// user/kernel copy primitives built on top of them. Ported from biscuit's
// vm.Vm_t locking discipline (Lock_pmap/Unlock_pmap/Lockassert_pmap) and
// from original_source/src/memory/user_address_space.rs for the exact
// free-region bump/split algorithm and clone semantics (spec §4.3).
package vm

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"venix/internal/arch"
	"venix/internal/mem"
)

// UserMin is the lowest address the free-region allocator ever hands out;
// the first 1 MiB of the user half is reserved so a NULL pointer can never
// be a valid mapping (spec §4.3 "above 1 MiB").
const UserMin = 0x100000

// p4Size is the span of a single PML4 entry: 512 GiB.
const p4Size = uint64(1) << 39

// userHalfEnd bounds the free-region space: 255 PML4 entries' worth,
// leaving entry 255 as a guard and 256..511 reserved for the kernel half
// (spec §4.3).
const userHalfEnd = p4Size * 255

type freeRegion struct {
	start, end uint64 // half-open [start, end)
}

// AddressSpace is the per-process address space of spec §4.3: a root page
// table frame, a shadow map of virt -> phys for every mapped user page, and
// a list of free virtual regions in the user half.
type AddressSpace struct {
	mu sync.Mutex

	frames *mem.FrameAllocator
	hw     arch.CR3IO

	pml4     mem.Pa_t
	shadow   map[uintptr]mem.Pa_t
	free     []freeRegion
}

// KernelTemplate supplies the shared kernel half (PML4 entries 256..511)
// that every address space copies at creation.
type KernelTemplate interface {
	Entries256To511() [256]mem.Pa_t
}

// NewAddressSpace allocates a zeroed PML4 frame, copies the kernel half
// from template, and seeds a single free region spanning the lower half
// above 1 MiB, exactly as spec §4.3 describes.
func NewAddressSpace(frames *mem.FrameAllocator, hw arch.CR3IO, template KernelTemplate) (*AddressSpace, error) {
	f, ok := frames.AllocateFrame()
	if !ok {
		return nil, mem.ErrFrameAllocationFailed
	}
	pml4 := mem.DmapPmap(mem.Pa_t(f))
	zero(pml4)

	kern := template.Entries256To511()
	for i, e := range kern {
		pml4[256+i] = e
	}

	return &AddressSpace{
		frames: frames,
		hw:     hw,
		pml4:   mem.Pa_t(f),
		shadow: make(map[uintptr]mem.Pa_t),
		free:   []freeRegion{{start: UserMin, end: userHalfEnd}},
	}, nil
}

// Pml4 returns the physical address of the root page table, e.g. for
// loading CR3 or for another address space to inspect while cloning.
func (as *AddressSpace) Pml4() mem.Pa_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pml4
}

// SwitchTo writes CR3 to make this address space active (spec §4.3).
func (as *AddressSpace) SwitchTo() {
	as.mu.Lock()
	pml4 := as.pml4
	as.mu.Unlock()
	as.hw.WriteCR3(uintptr(pml4))
}

func (as *AddressSpace) mapRegion(r freeRegion) {
	for va := r.start; va < r.end; va += mem.PageSize {
		as.shadow[uintptr(va)] = 0 // sentinel: reserved but not yet assigned
	}
}

// GetPageRange first-fits size bytes from the free-region list and
// pre-populates the shadow map with phys=0 sentinels that AssignVirtPhys
// later fills in (spec §4.3).
func (as *AddressSpace) GetPageRange(size uint64) uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()

	pages := (size + mem.PageSize - 1) / mem.PageSize
	need := pages * mem.PageSize

	for i := range as.free {
		r := &as.free[i]
		avail := r.end - r.start
		if avail < need {
			continue
		}
		start := r.start
		if avail == need {
			as.free = append(as.free[:i], as.free[i+1:]...)
		} else {
			r.start += need
		}
		as.mapRegion(freeRegion{start: start, end: start + need})
		return uintptr(start)
	}
	panic("vm: address space out of free virtual ranges")
}

// UserAllocate reserves size bytes anywhere in the free-region list and
// backs every page with a freshly allocated, zeroed frame, returning the
// base virtual address (original's memory::user_allocate with
// MemoryAccessRestriction::Arbitrary/User).
func (as *AddressSpace) UserAllocate(size uint64) (uintptr, error) {
	va := as.GetPageRange(size)
	if err := as.backPages(va, size); err != nil {
		return 0, err
	}
	return va, nil
}

// UserAllocateAt reserves size bytes starting at addr and backs every page
// with a freshly allocated, zeroed frame (original's memory::user_allocate
// with MemoryAccessRestriction::UserByStart).
func (as *AddressSpace) UserAllocateAt(addr uintptr, size uint64) error {
	if err := as.GetPageRangeFromStart(addr, size); err != nil {
		return err
	}
	return as.backPages(addr, size)
}

// backPages allocates and assigns one physical frame per page in
// [start, start+size), zeroing each as it's mapped.
func (as *AddressSpace) backPages(start uintptr, size uint64) error {
	pages := (size + mem.PageSize - 1) / mem.PageSize
	for i := uint64(0); i < pages; i++ {
		va := start + uintptr(i*mem.PageSize)
		f, ok := as.frames.AllocateFrame()
		if !ok {
			return mem.ErrFrameAllocationFailed
		}
		as.AssignVirtPhys(va, mem.Pa_t(f))
		page := mem.Bytes(mem.HHDM(mem.Pa_t(f)))
		for j := range page {
			page[j] = 0
		}
	}
	return nil
}

// ErrAlreadyAllocated is returned by GetPageRangeFromStart when the
// requested hole overlaps an already-reserved region.
var ErrAlreadyAllocated = errors.New("vm: address range already allocated")

// GetPageRangeFromStart carves a hole at a specific address, failing if
// any part of it is already allocated (spec §4.3).
func (as *AddressSpace) GetPageRangeFromStart(addr uintptr, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	pages := (size + mem.PageSize - 1) / mem.PageSize
	need := pages * mem.PageSize
	start := uint64(addr)
	end := start + need

	for i := range as.free {
		r := as.free[i]
		if start < r.start || end > r.end {
			continue
		}
		var repl []freeRegion
		if r.start < start {
			repl = append(repl, freeRegion{start: r.start, end: start})
		}
		if end < r.end {
			repl = append(repl, freeRegion{start: end, end: r.end})
		}
		as.free = append(as.free[:i], append(repl, as.free[i+1:]...)...)
		as.mapRegion(freeRegion{start: start, end: end})
		return nil
	}
	return ErrAlreadyAllocated
}

// AssignVirtPhys fills in the phys=0 sentinel left by GetPageRange with the
// frame actually backing the page, and establishes the hardware PTE with
// present+user+write (spec §4.3/§8 invariant 1).
func (as *AddressSpace) AssignVirtPhys(virt uintptr, phys mem.Pa_t) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if _, ok := as.shadow[virt]; !ok {
		panic("vm: AssignVirtPhys on unreserved virtual address")
	}
	as.shadow[virt] = phys

	pte, ok := walk(as.frames, as.pml4, virt, true, mem.PTE_U|mem.PTE_W)
	if !ok {
		panic("vm: AssignVirtPhys could not allocate page-table frame")
	}
	*pte = phys | mem.PTE_P | mem.PTE_U | mem.PTE_W
}

// Lookup returns the physical frame mapped at virt, per the shadow map
// (spec §4.4: "look each up in the address space's shadow map").
func (as *AddressSpace) Lookup(virt uintptr) (mem.Pa_t, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	page := virt &^ (mem.PageSize - 1)
	p, ok := as.shadow[page]
	if !ok || p == 0 {
		return 0, false
	}
	return p, true
}

// CreateCopyOfAddressSpace walks every present user page in other, and for
// each allocates a new frame at the same virtual address in as, copying
// page contents via the HHDM (spec §4.3, §8 invariant 2).
func (as *AddressSpace) CreateCopyOfAddressSpace(other *AddressSpace) error {
	other.mu.Lock()
	entries := presentEntries(mem.DmapPmap(other.pml4), true)
	var leaves [][2]uintptr // virt, phys
	for _, e := range entries {
		pml4idx, pdptPhys := int(e[0]), mem.Pa_t(e[1])&mem.PTE_ADDR
		for _, pdpte := range presentEntries(mem.DmapPmap(pdptPhys), false) {
			pdptIdx, pdPhys := int(pdpte[0]), mem.Pa_t(pdpte[1])&mem.PTE_ADDR
			for _, pde := range presentEntries(mem.DmapPmap(pdPhys), false) {
				pdIdx, ptPhys := int(pde[0]), mem.Pa_t(pde[1])&mem.PTE_ADDR
				for _, pte := range presentEntries(mem.DmapPmap(ptPhys), false) {
					ptIdx, leafPhys := int(pte[0]), mem.Pa_t(pte[1])&mem.PTE_ADDR
					va := uintptr(pml4idx)<<39 | uintptr(pdptIdx)<<30 | uintptr(pdIdx)<<21 | uintptr(ptIdx)<<12
					leaves = append(leaves, [2]uintptr{va, uintptr(leafPhys)})
				}
			}
		}
	}
	other.mu.Unlock()

	for _, l := range leaves {
		va, srcPhys := l[0], mem.Pa_t(l[1])
		if err := as.GetPageRangeFromStart(va, mem.PageSize); err != nil {
			return errors.Wrapf(err, "cloning page at %#x", va)
		}
		f, ok := as.frames.AllocateFrame()
		if !ok {
			return mem.ErrFrameAllocationFailed
		}
		as.AssignVirtPhys(va, mem.Pa_t(f))
		*mem.Bytes(mem.HHDM(mem.Pa_t(f))) = *mem.Bytes(mem.HHDM(srcPhys))
	}
	return nil
}

// ClearUserSpace unmaps every user-mapped page, deallocates its frame,
// and resets the free-region list back to the pristine state (spec §4.3,
// §8 invariant 3).
func (as *AddressSpace) ClearUserSpace() {
	as.mu.Lock()
	defer as.mu.Unlock()

	for va, phys := range as.shadow {
		if phys == 0 {
			continue
		}
		if pte, ok := walk(as.frames, as.pml4, va, false, 0); ok && pte != nil {
			*pte = 0
		}
		as.frames.DeallocateFrame(mem.Frame(phys))
	}
	as.shadow = make(map[uintptr]mem.Pa_t)
	as.free = []freeRegion{{start: UserMin, end: userHalfEnd}}
}

// FreeRegions exposes the current free-region list for testing invariant 3.
func (as *AddressSpace) FreeRegions() []struct{ Start, End uint64 } {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]struct{ Start, End uint64 }, len(as.free))
	for i, r := range as.free {
		out[i] = struct{ Start, End uint64 }{r.start, r.end}
	}
	return out
}

// MappedPages returns every (virt, phys) pair currently present in the
// shadow map, sorted by virtual address, for invariant checking in tests.
func (as *AddressSpace) MappedPages() [][2]uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([][2]uintptr, 0, len(as.shadow))
	for va, phys := range as.shadow {
		if phys == 0 {
			continue
		}
		out = append(out, [2]uintptr{va, uintptr(phys)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// PTEPresentUW reports whether the hardware PTE for va is present, user
// and writable — the PML4-walk half of invariant 1.
func (as *AddressSpace) PTEPresentUW(va uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte := lookup(as.pml4, va)
	if pte == nil {
		return false
	}
	need := mem.PTE_P | mem.PTE_U | mem.PTE_W
	return *pte&need == need
}
