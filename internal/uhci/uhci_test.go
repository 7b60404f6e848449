package uhci

import (
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"venix/internal/arch"
	"venix/internal/dma"
	"venix/internal/mem"
	"venix/internal/pci"
	"venix/internal/usb"
)

func TestLinkPointerEncodesAddressAndSelectBits(t *testing.T) {
	lp := newLinkPointer(0x1000, true)
	require.EqualValues(t, 0x1000|lpQHSelect, lp)
	require.False(t, lp.terminated())

	lp2 := newLinkPointer(0x2000, false)
	require.Zero(t, lp2&lpQHSelect)
}

func TestBuildTokenEncodesFields(t *testing.T) {
	tok := buildToken(pidIn, 5, 1, true, 63)
	require.EqualValues(t, pidIn, tok&0xFF)
	require.EqualValues(t, 5, (tok>>tokenAddressShift)&0x7F)
	require.EqualValues(t, 1, (tok>>tokenEndpointShift)&0xF)
	require.NotZero(t, tok&tokenToggle)
	require.EqualValues(t, 63, tok>>tokenMaxLenShift)
}

func TestTransferDescriptorActiveAndErrors(t *testing.T) {
	td := &transferDescriptor{Status: statusActive}
	require.True(t, td.active())
	require.False(t, td.anyError())

	td.Status = statusStalled
	require.False(t, td.active())
	require.True(t, td.anyError())

	td.setErrorCount(2)
	require.EqualValues(t, 2, (td.Status>>statusErrorCountShift)&statusErrorCountMask)
}

func TestDiagnoseHaltReportsFirstErrorFlag(t *testing.T) {
	c := &Controller{}
	td := &transferDescriptor{Status: statusStalled}
	err := c.diagnoseHalt([]*transferDescriptor{td})
	require.ErrorContains(t, err, "stalled")
}

func TestPollCompletionSucceedsWhenAllInactive(t *testing.T) {
	sim := arch.NewSim()
	c := &Controller{io: sim, fence: sim, base: 0x1000}
	tds := []*transferDescriptor{{Status: 0}, {Status: 0}}
	require.NoError(t, c.pollCompletion(tds))
}

func TestPollCompletionReportsHangingError(t *testing.T) {
	sim := arch.NewSim()
	c := &Controller{io: sim, fence: sim, base: 0x1000}
	tds := []*transferDescriptor{{Status: statusNAK}}
	err := c.pollCompletion(tds)
	require.ErrorContains(t, err, "NAK")
}

type hostPageSource struct{}

func (hostPageSource) AllocatePage() (uintptr, mem.Pa_t, bool) {
	raw := make([]byte, 2*mem.PageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + mem.PageSize - 1) &^ (mem.PageSize - 1)
	return aligned, mem.Pa_t(aligned), true
}

func TestPublishFrameListPointsEveryEntryAtTheAsyncQH(t *testing.T) {
	sim := arch.NewSim()
	arena := dma.New(hostPageSource{})
	require.NotNil(t, arena)

	qh, qhPhys, ok := dma.AcquireValue[queueHead](arena, 16)
	require.True(t, ok)
	qh.HeadLink = linkPointer(lpTerminate)

	c := &Controller{fence: sim}
	frameBuf, _, ok := arena.AcquireSlice(mem.PageSize, frameListEntries*4)
	require.True(t, ok)
	c.frames = unsafe.Slice((*linkPointer)(unsafe.Pointer(&frameBuf[0])), frameListEntries)

	c.publishFrameList(uint32(qhPhys))

	for i, lp := range c.frames {
		require.Falsef(t, lp.terminated(), "frame %d left terminated", i)
		require.EqualValues(t, qhPhys&^0xF, uint32(lp&^(lpTerminate|lpQHSelect)))
	}
}

func TestGetPortsReportsConnectionStatus(t *testing.T) {
	sim := arch.NewSim()
	sim.Out16(0x1000+regPORTSC1, portConnectionStatus|portAlwaysOne)
	sim.Out16(0x1000+regPORTSC2, portAlwaysOne)

	c := &Controller{io: sim, base: 0x1000}
	ports := c.GetPorts()
	require.Len(t, ports, 2)
	require.Equal(t, usb.Connected, ports[0].Status)
	require.Equal(t, usb.Disconnected, ports[1].Status)
}

func TestResetPortRequiresConnectionAfterReset(t *testing.T) {
	sim := arch.NewSim()
	sim.Out16(0x1000+regPORTSC1, portConnectionStatus|portAlwaysOne)
	c := &Controller{io: sim, base: 0x1000}
	require.NoError(t, c.ResetPort(1))

	sim2 := arch.NewSim()
	c2 := &Controller{io: sim2, base: 0x1000}
	require.Error(t, c2.ResetPort(1))
}

type fakeConfigSpace struct {
	dwords map[uint8]uint32
}

func newFakeConfigSpace() *fakeConfigSpace {
	return &fakeConfigSpace{dwords: map[uint8]uint32{0x04: 0}}
}

// autoClearingIO wraps arch.Sim so writing USBCMD's HOST_CONTROLLER_RESET
// bit on the controller's base port self-clears on the next read, the way
// real UHCI hardware acknowledges the reset (UHCI spec §2.1.2).
type autoClearingIO struct {
	*arch.Sim
	base uint16
}

func (a *autoClearingIO) In16(port uint16) uint16 {
	v := a.Sim.In16(port)
	if port == a.base+regUSBCMD && v&cmdHostControllerReset != 0 {
		a.Sim.Out16(port, v&^cmdHostControllerReset)
	}
	return v
}

func TestInitProgramsFrameListAndStartsController(t *testing.T) {
	sim := arch.NewSim()
	io := &autoClearingIO{Sim: sim, base: 0x2000}
	arena := dma.New(hostPageSource{})
	require.NotNil(t, arena)

	fcs := newFakeConfigSpace()
	view := &portIOConfigView{sim: sim, fcs: fcs}
	cfg := pci.NewConfigAccess(view)
	addr := pci.Address{Bus: 0, Device: 1, Func: 0}

	c, err := Init(io, sim, cfg, addr, 0x2000, arena)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NotZero(t, sim.In16(0x2000+regUSBCMD)&cmdRun)
	for _, lp := range c.frames {
		require.False(t, lp.terminated())
	}
}

// portIOConfigView answers the 0xCF8/0xCFC protocol against an in-memory
// dword map keyed by offset, decoding the address word the same way
// pci.Address.configDword builds it, so Init's legacy-emulation and
// command-register writes land somewhere observable without a real PCI
// config space.
type portIOConfigView struct {
	sim     arch.Machine
	fcs     *fakeConfigSpace
	selected uint8
}

func (v *portIOConfigView) In8(port uint16) uint8   { return uint8(v.In32(port)) }
func (v *portIOConfigView) In16(port uint16) uint16 { return uint16(v.In32(port)) }
func (v *portIOConfigView) In32(port uint16) uint32 {
	if port == 0xCFC {
		return v.fcs.dwords[v.selected]
	}
	return v.sim.In32(port)
}
func (v *portIOConfigView) Out8(port uint16, val uint8)   { v.Out32(port, uint32(val)) }
func (v *portIOConfigView) Out16(port uint16, val uint16) { v.Out32(port, uint32(val)) }
func (v *portIOConfigView) Out32(port uint16, val uint32) {
	if port == 0xCF8 {
		v.selected = uint8(val & 0xFC)
		return
	}
	if port == 0xCFC {
		v.fcs.dwords[v.selected] = val
		return
	}
	v.sim.Out32(port, val)
}

func TestControlTransferCompletesWhenSimulatedDeviceRespondsOK(t *testing.T) {
	sim := arch.NewSim()
	arena := dma.New(hostPageSource{})
	require.NotNil(t, arena)

	qh, _, ok := dma.AcquireValue[queueHead](arena, 16)
	require.True(t, ok)
	qh.HeadLink = linkPointer(lpTerminate)
	qh.ElementLink = linkPointer(lpTerminate)

	c := &Controller{io: sim, fence: sim, base: 0x3000, asyncQH: qh}

	var done int32
	go func() {
		for atomic.LoadInt32(&done) == 0 {
			lp := c.asyncQH.ElementLink
			if !lp.terminated() {
				td := (*transferDescriptor)(unsafe.Pointer(uintptr(lp &^ (lpTerminate | lpQHSelect))))
				for td != nil {
					atomic.StoreUint32((*uint32)(&td.Status), 0)
					next := td.Link
					if next.terminated() {
						break
					}
					td = (*transferDescriptor)(unsafe.Pointer(uintptr(next &^ (lpTerminate | lpQHSelect))))
				}
				atomic.StoreInt32(&done, 1)
			}
			time.Sleep(time.Microsecond)
		}
	}()

	xfer := usb.Transfer{
		Kind: usb.ControlNoData,
		Setup: usb.SetupPacket{
			RequestType: usb.DirHostToDevice | usb.TypeStandard | usb.RecipDevice,
			Request:     usb.ReqSetAddress,
			Value:       5,
		},
	}
	err := c.Transfer(0, xfer, arena)
	require.NoError(t, err)
}
