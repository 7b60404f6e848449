package dma

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"venix/internal/mem"
)

// hostPageSource hands out page-aligned host heap pages (over-allocating
// and rounding up, same trick internal/mem's SimArena uses), treating the
// page's own address as a stand-in physical address with HHDMOffset=0.
type hostPageSource struct{ bufs [][]byte }

func (h *hostPageSource) AllocatePage() (uintptr, mem.Pa_t, bool) {
	raw := make([]byte, 2*mem.PageSize)
	h.bufs = append(h.bufs, raw)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + mem.PageSize - 1) &^ (mem.PageSize - 1)
	return aligned, mem.Pa_t(aligned), true
}

type qh struct {
	ElementLinkPhys uint32
	HeadLinkPhys    uint32
}

func TestAcquireValueZeroesAndReturnsPhys(t *testing.T) {
	a := New(&hostPageSource{})
	require.NotNil(t, a)

	v, phys, ok := AcquireValue[qh](a, 16)
	require.True(t, ok)
	require.NotZero(t, phys)
	require.Zero(t, v.ElementLinkPhys)

	v.ElementLinkPhys = 0xdead
	require.EqualValues(t, 0xdead, v.ElementLinkPhys)
}

func TestAcquireValueAlignsCursor(t *testing.T) {
	a := New(&hostPageSource{})

	_, _, ok := a.AcquireSlice(0, 3) // misaligns cursor to 3
	require.True(t, ok)

	_, phys16, ok := AcquireValue[uint32](a, 16)
	require.True(t, ok)
	require.Zero(t, uint64(phys16)%16)
}

func TestAcquireFailsWhenArenaExhausted(t *testing.T) {
	a := New(&hostPageSource{})
	_, _, ok := a.AcquireSlice(0, mem.PageSize)
	require.True(t, ok)

	_, _, ok = a.AcquireSlice(0, 1)
	require.False(t, ok)
}

func TestTagRoundTrip(t *testing.T) {
	a := New(&hostPageSource{})

	tag, phys, ok := AcquireValueByTag[qh](a, 8)
	require.True(t, ok)
	require.NotZero(t, phys)

	got := ValueFromTag[qh](a, tag)
	got.HeadLinkPhys = 42

	again := ValueFromTag[qh](a, tag)
	require.EqualValues(t, 42, again.HeadLinkPhys)
}

func TestAcquireSliceBufferCopiesContent(t *testing.T) {
	a := New(&hostPageSource{})
	src := []byte{1, 2, 3, 4}

	dst, _, ok := a.AcquireSliceBuffer(0, src)
	require.True(t, ok)
	require.Equal(t, src, dst)
}
