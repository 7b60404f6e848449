// Package uhci implements the L5 UHCI host-controller layer of spec
// §4.11: controller init, port reset, and control-transfer submission
// over a frame-list/QH/TD schedule built in a DMA arena. Ported from
// original_source/src/drivers/usb/uhci.rs.
package uhci

// I/O-space register offsets from the controller's base port (UHCI spec
// §2.1).
const (
	regUSBCMD    = 0x00
	regUSBSTS    = 0x02
	regUSBINTR   = 0x04
	regFRNUM     = 0x06
	regFRBASEADD = 0x08
	regSOFMOD    = 0x0C
	regPORTSC1   = 0x10
	regPORTSC2   = 0x12
)

// USBCMD bits.
const (
	cmdRun             = 1 << 0
	cmdHostControllerReset = 1 << 1
	cmdGlobalReset     = 1 << 2
	cmdMaxPacket64     = 1 << 7
)

// USBSTS bits.
const (
	stsInterrupt = 1 << 0
	stsHalted    = 1 << 5
)

// USBINTR bits.
const (
	intrTimeoutCRC  = 1 << 0
	intrResume      = 1 << 1
	intrOnComplete  = 1 << 2
	intrShortPacket = 1 << 3
)

// PORTSCn bits.
const (
	portConnectionStatus = 1 << 0
	portStatusChange     = 1 << 1
	portEnable           = 1 << 2
	portEnableChange     = 1 << 3
	portAlwaysOne        = 1 << 7
	portReset            = 1 << 9
)

// linkPointer is the 32-bit frame-list/QH/TD link word: bits [31:4] are
// the 16-byte-aligned physical address, bit 1 selects QH vs TD, bit 0
// terminates the list (UHCI spec §3.1/§3.2).
type linkPointer uint32

const (
	lpTerminate = 1 << 0
	lpQHSelect  = 1 << 1
)

func newLinkPointer(phys uint32, qh bool) linkPointer {
	lp := linkPointer(phys &^ 0xF)
	if qh {
		lp |= lpQHSelect
	}
	return lp
}

func (lp linkPointer) terminated() bool { return lp&lpTerminate != 0 }

// queueHead is the 8-byte UHCI Queue Head (UHCI spec §3.2).
type queueHead struct {
	HeadLink    linkPointer
	ElementLink linkPointer
}

// PID (packet ID) values a TD carries (USB 2.0 §8.3.1).
const (
	pidSetup = 0x2D
	pidIn    = 0x69
	pidOut   = 0xE1
)

// transferDescriptor is the 16-byte UHCI Transfer Descriptor (UHCI spec
// §3.3). Laid out as four 32-bit words (link, status, token, buffer)
// covering the original's u128 bitfield while staying addressable from Go
// without cgo-style bit macros.
type transferDescriptor struct {
	Link   linkPointer
	Status uint32 // low 16: actual_length etc, high 16: status + error + flags, see below
	Token  uint32
	Buffer uint32
}

// Status word bit layout (bits counted from the low 32 bits of the
// original's second u32 "word1"): [10:0] actual_length, [17] bitstuff,
// [18] crc/timeout, [19] nak, [20] babble, [21] buffer_error, [22]
// stalled, [23] active, [24] interrupt_on_complete, [25] isochronous,
// [26] low_speed, [27:28] error_count, [29] short_packet_detect.
const (
	statusActive            = 1 << 23
	statusStalled            = 1 << 22
	statusBufferError        = 1 << 21
	statusBabble             = 1 << 20
	statusNAK                = 1 << 19
	statusCRCTimeout         = 1 << 18
	statusBitstuffError      = 1 << 17
	statusInterruptOnComplete = 1 << 24
	statusIsochronous         = 1 << 25
	statusLowSpeed            = 1 << 26
	statusShortPacketDetect   = 1 << 29

	statusErrorCountShift = 27
	statusErrorCountMask  = 0b11
)

func (td *transferDescriptor) setErrorCount(n uint32) {
	td.Status = td.Status&^(statusErrorCountMask<<statusErrorCountShift) | (n&statusErrorCountMask)<<statusErrorCountShift
}

func (td *transferDescriptor) active() bool { return td.Status&statusActive != 0 }

func (td *transferDescriptor) anyError() bool {
	return td.Status&(statusStalled|statusBufferError|statusBabble|statusNAK|statusCRCTimeout|statusBitstuffError) != 0
}

// Token word layout: [7:0] PID, [14:8] device address, [18:15] endpoint,
// [19] data toggle, [31:21] max length (encoded as length-1, 0x7FF means
// zero-length).
const (
	tokenPIDShift     = 0
	tokenAddressShift = 8
	tokenEndpointShift = 15
	tokenToggle       = 1 << 19
	tokenMaxLenShift  = 21
)

func buildToken(pid uint8, address, endpoint uint8, toggle bool, maxLenMinusOne uint32) uint32 {
	word := uint32(pid)<<tokenPIDShift | uint32(address)<<tokenAddressShift | uint32(endpoint)<<tokenEndpointShift
	if toggle {
		word |= tokenToggle
	}
	word |= (maxLenMinusOne & 0x7FF) << tokenMaxLenShift
	return word
}
