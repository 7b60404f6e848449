package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"venix/internal/arch"
	"venix/internal/bootinfo"
	"venix/internal/mem"
)

type zeroTemplate struct{}

func (zeroTemplate) Entries256To511() [256]mem.Pa_t { return [256]mem.Pa_t{} }

func newTestSpace(t *testing.T, arenaPages int) (*AddressSpace, *mem.FrameAllocator, *arch.Sim) {
	t.Helper()
	mem.SetHHDMOffset(0)
	arena := mem.NewSimArena(arenaPages)
	fa := mem.NewFrameAllocator([]bootinfo.MemMapEntry{arena.Entry()})
	fa.MoveToFullMode() // exercise deallocate-capable mode in tests
	hw := arch.NewSim()
	as, err := NewAddressSpace(fa, hw, zeroTemplate{})
	require.NoError(t, err)
	return as, fa, hw
}

func allocOnePage(t *testing.T, as *AddressSpace, fa *mem.FrameAllocator) uintptr {
	t.Helper()
	va := as.GetPageRange(mem.PageSize)
	f, ok := fa.AllocateFrame()
	require.True(t, ok)
	as.AssignVirtPhys(va, mem.Pa_t(f))
	return va
}

// invariant 1: every mapped user page appears in the shadow map and is
// present+U+W in the PML4 walk; no page is in the shadow map lacking a
// PML4 mapping.
func TestInvariant1ShadowMatchesHardware(t *testing.T) {
	as, fa, _ := newTestSpace(t, 64)
	va := allocOnePage(t, as, fa)

	_, ok := as.Lookup(va)
	require.True(t, ok)
	require.True(t, as.PTEPresentUW(va))

	for _, vp := range as.MappedPages() {
		require.True(t, as.PTEPresentUW(vp[0]))
	}
}

// invariant 5: copy_from_user(copy_to_user(x)) round-trips byte-identically
// whenever the destination range is fully mapped.
func TestInvariant5CopyRoundTrip(t *testing.T) {
	as, fa, _ := newTestSpace(t, 64)
	va := allocOnePage(t, as, fa)

	want := []byte("the quick brown fox jumps over the lazy dog")
	cerr := as.CopyToUser(va, want)
	require.Equal(t, ErrNone, cerr)

	got, cerr := as.CopyFromUser(va, len(want))
	require.Equal(t, ErrNone, cerr)
	require.Equal(t, want, got)
}

// invariant 2: after CreateCopyOfAddressSpace(src), for every present user
// page (va,pa_src) in src there is (va,pa_dst) in the clone with
// pa_dst != pa_src and identical content.
func TestInvariant2CloneAddressSpace(t *testing.T) {
	src, fa, hw := newTestSpace(t, 64)
	va := allocOnePage(t, src, fa)
	payload := []byte("clone-me")
	require.Equal(t, ErrNone, src.CopyToUser(va, payload))

	dst, err := NewAddressSpace(fa, hw, zeroTemplate{})
	require.NoError(t, err)
	require.NoError(t, dst.CreateCopyOfAddressSpace(src))

	srcPhys, ok := src.Lookup(va)
	require.True(t, ok)
	dstPhys, ok := dst.Lookup(va)
	require.True(t, ok)
	require.NotEqual(t, srcPhys, dstPhys)

	got, cerr := dst.CopyFromUser(va, len(payload))
	require.Equal(t, ErrNone, cerr)
	require.Equal(t, payload, got)
}

// invariant 3: after clear_user_space, shadow map is empty and
// free_regions = [(0x100000, p4Size*255)].
func TestInvariant3ClearUserSpace(t *testing.T) {
	as, fa, _ := newTestSpace(t, 64)
	allocOnePage(t, as, fa)
	allocOnePage(t, as, fa)

	as.ClearUserSpace()

	require.Empty(t, as.MappedPages())
	regions := as.FreeRegions()
	require.Len(t, regions, 1)
	require.EqualValues(t, UserMin, regions[0].Start)
	require.EqualValues(t, userHalfEnd, regions[0].End)
}

func TestCopyFromUserFaultsOnUnmapped(t *testing.T) {
	as, _, _ := newTestSpace(t, 4)
	_, cerr := as.CopyFromUser(UserMin, 8)
	require.Equal(t, ErrFault, cerr)
}

func TestCopyStringFromUser(t *testing.T) {
	as, fa, _ := newTestSpace(t, 64)
	va := allocOnePage(t, as, fa)
	msg := "/init/init\x00trailing garbage"
	require.Equal(t, ErrNone, as.CopyToUser(va, []byte(msg)))

	got, cerr := as.CopyStringFromUser(va)
	require.Equal(t, ErrNone, cerr)
	require.Equal(t, "/init/init", got)
}
