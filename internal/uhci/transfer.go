package uhci

import (
	"fmt"
	"unsafe"

	"venix/internal/dma"
	"venix/internal/mem"
	"venix/internal/usb"
)

const maxControlPacket = 64

// tdHandle pairs an allocated TD with its own physical address, so
// sibling TDs can be linked without any phys<->virt recomputation.
type tdHandle struct {
	td   *transferDescriptor
	phys mem.Pa_t
}

// Transfer builds and submits a control transfer's TD chain onto the
// shared asynchronous queue head, then polls to completion. It implements
// usb.HCI (spec §4.11, original's UhciController::control_transfer and
// friends).
func (c *Controller) Transfer(address uint8, t usb.Transfer, arena *dma.Arena) error {
	switch t.Kind {
	case usb.ControlRead:
		return c.controlTransfer(address, t, arena, true)
	case usb.ControlNoData, usb.ControlWrite:
		return c.controlTransfer(address, t, arena, false)
	case usb.InterruptIn:
		return c.interruptTransfer(address, t, arena)
	default:
		return fmt.Errorf("uhci: unsupported transfer kind %v", t.Kind)
	}
}

// interruptTransfer submits a single IN data TD for t.Endpoint on the
// shared asynchronous queue head and polls it to completion. This kernel
// has no frame-indexed periodic schedule (spec §4.13's keyboard polling
// drives its own cadence from user space down through repeated calls
// instead), so every interrupt transfer is just a one-shot IN TD serviced
// alongside control traffic; t.Interval is advisory to the caller's own
// poll loop, not to the controller.
func (c *Controller) interruptTransfer(address uint8, t usb.Transfer, arena *dma.Arena) error {
	td, tdPhys, ok := dma.AcquireValue[transferDescriptor](arena, 16)
	if !ok {
		return fmt.Errorf("uhci: no room for interrupt TD")
	}
	td.Status = statusActive
	td.setErrorCount(3)
	maxLen := uint32(t.Length)
	if maxLen == 0 {
		maxLen = 0x7FF
	} else {
		maxLen--
	}
	if c.toggles == nil {
		c.toggles = make(map[uint16]bool)
	}
	toggleKey := uint16(address)<<8 | uint16(t.Endpoint)
	toggle := c.toggles[toggleKey]
	c.toggles[toggleKey] = !toggle

	td.Token = buildToken(pidIn, address, t.Endpoint, toggle, maxLen)
	td.Buffer = uint32(t.BufferPhys)
	td.Link = linkPointer(lpTerminate)

	c.fence.MFence()
	c.asyncQH.ElementLink = newLinkPointer(uint32(tdPhys), false)
	c.fence.MFence()

	return c.pollCompletion([]*transferDescriptor{td})
}

// controlTransfer builds SETUP -> [DATA...] -> STATUS as a linked TD
// chain: a SETUP TD carrying the 8-byte setup packet, then zero or more
// IN (or OUT) data-stage TDs alternating the DATA0/DATA1 toggle, then a
// terminating status-stage TD in the direction opposite the data stage
// (USB 2.0 §8.5.3, original control_transfer's TD chain construction).
func (c *Controller) controlTransfer(address uint8, t usb.Transfer, arena *dma.Arena, dataIn bool) error {
	setupBuf, setupPhys, ok := dma.AcquireValue[usb.SetupPacket](arena, 16)
	if !ok {
		return fmt.Errorf("uhci: no room for setup packet")
	}
	*setupBuf = t.Setup

	var chain []tdHandle

	setupTD, setupTDPhys, ok := dma.AcquireValue[transferDescriptor](arena, 16)
	if !ok {
		return fmt.Errorf("uhci: no room for setup TD")
	}
	setupTD.Status = statusActive
	setupTD.setErrorCount(3)
	setupTD.Token = buildToken(pidSetup, address, 0, false, uint32(unsafe.Sizeof(usb.SetupPacket{})-1))
	setupTD.Buffer = uint32(setupPhys)
	chain = append(chain, tdHandle{setupTD, setupTDPhys})

	toggle := true
	remaining := int(t.Length)
	for remaining > 0 {
		chunk := remaining
		if chunk > maxControlPacket {
			chunk = maxControlPacket
		}
		td, tdPhys, ok := dma.AcquireValue[transferDescriptor](arena, 16)
		if !ok {
			return fmt.Errorf("uhci: no room for data-stage TD")
		}
		td.Status = statusActive
		td.setErrorCount(3)
		pid := uint8(pidIn)
		if !dataIn {
			pid = pidOut
		}
		td.Token = buildToken(pid, address, 0, toggle, uint32(chunk-1))
		td.Buffer = uint32(t.BufferPhys) + uint32(int(t.Length)-remaining)
		chain = append(chain, tdHandle{td, tdPhys})
		toggle = !toggle
		remaining -= chunk
	}

	statusTD, statusTDPhys, ok := dma.AcquireValue[transferDescriptor](arena, 16)
	if !ok {
		return fmt.Errorf("uhci: no room for status TD")
	}
	statusTD.Status = statusActive
	statusTD.setErrorCount(3)
	// the status stage always runs opposite the data stage (IN for a
	// host-to-device data stage or no data stage at all, OUT for a
	// device-to-host data stage), matching the original's direction
	// selection.
	statusPID := uint8(pidIn)
	if dataIn {
		statusPID = pidOut
	}
	statusTD.Token = buildToken(statusPID, address, 0, true, 0x7FF)
	chain = append(chain, tdHandle{statusTD, statusTDPhys})

	linkChain(chain)

	c.fence.MFence()
	c.asyncQH.ElementLink = newLinkPointer(uint32(chain[0].phys), false)
	c.fence.MFence()

	tds := make([]*transferDescriptor, len(chain))
	for i, h := range chain {
		tds[i] = h.td
	}
	return c.pollCompletion(tds)
}

// linkChain sets each TD's Link field to point at the next TD in the
// chain (depth-first, "vertical" within one queue head), terminating the
// last.
func linkChain(chain []tdHandle) {
	for i := range chain {
		if i+1 < len(chain) {
			chain[i].td.Link = newLinkPointer(uint32(chain[i+1].phys), false)
		} else {
			chain[i].td.Link = linkPointer(lpTerminate)
		}
	}
}

// pollCompletion spins until every TD in the chain clears its active bit,
// or the controller halts, decoding the first error flag it finds on a
// fatal halt (UHCI spec §3.3.2, original's poll loop).
func (c *Controller) pollCompletion(tds []*transferDescriptor) error {
	for {
		allDone := true
		for _, td := range tds {
			if td.active() {
				allDone = false
				break
			}
		}
		if allDone {
			break
		}
		if c.io.In16(c.base+regUSBSTS)&stsHalted != 0 {
			return c.diagnoseHalt(tds)
		}
	}
	for _, td := range tds {
		if td.anyError() {
			return c.diagnoseHalt([]*transferDescriptor{td})
		}
	}
	return nil
}

func (c *Controller) diagnoseHalt(tds []*transferDescriptor) error {
	for _, td := range tds {
		switch {
		case td.Status&statusStalled != 0:
			return fmt.Errorf("uhci: transfer stalled")
		case td.Status&statusBufferError != 0:
			return fmt.Errorf("uhci: buffer error")
		case td.Status&statusBabble != 0:
			return fmt.Errorf("uhci: babble detected")
		case td.Status&statusNAK != 0:
			return fmt.Errorf("uhci: device NAKed")
		case td.Status&statusCRCTimeout != 0:
			return fmt.Errorf("uhci: CRC/timeout error")
		case td.Status&statusBitstuffError != 0:
			return fmt.Errorf("uhci: bitstuff error")
		}
	}
	return fmt.Errorf("uhci: controller halted")
}
