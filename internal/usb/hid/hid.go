// Package hid implements the L5 USB HID boot-protocol keyboard of spec
// §4.13: SET_PROTOCOL/SET_REPORT init, interrupt-in polling of the boot
// keyboard report, and a most-recent-key debounce feeding the console.
// Ported from original_source/src/drivers/usbhid/{mod,protocol}.rs.
package hid

import (
	"fmt"
	"sync"
	"time"

	"venix/internal/driver"
	"venix/internal/klog"
	"venix/internal/usb"
)

// Subclass/protocol values a HID interface descriptor carries (USB HID
// 1.11 §4.2/§4.3).
const (
	subclassBoot = 1

	protocolKeyboard = 1
	protocolMouse    = 2
)

// Class-specific HID requests (USB HID 1.11 §7.2).
const (
	reqSetProtocol = 0x0B
	reqSetReport   = 0x09

	protocolBoot = 0

	reportTypeOutput = 0x02 << 8 // high byte of wValue selects report type
)

const (
	descriptorTypeHID = 0x21
	bootReportLength  = 8
)

// endpointDirectionIn/endpointTransferInterrupt mirror the bit layout of
// usb.EndpointDescriptor's Attributes/EndpointAddr fields (USB 2.0 table
// 9-13).
const (
	endpointDirectionIn       = 1 << 7
	endpointTransferTypeMask  = 0b11
	endpointTransferInterrupt = 0b11
)

// Keyboard drives one boot-protocol USB keyboard interface: it issues the
// SET_PROTOCOL/SET_REPORT init transfers, then repeatedly polls the
// interrupt-in endpoint and reports the most recently held ASCII key
// (spec §4.13, original's Keyboard).
type Keyboard struct {
	iface        usb.InterfaceInstance
	endpointAddr uint8
	pollInterval uint8

	onKey func(rune)

	mu         sync.Mutex
	activeKey  Key
	stop       chan struct{}
}

// NewKeyboard initialises a boot-protocol keyboard found on iface: it
// requires at least one interrupt-in endpoint, issues SET_PROTOCOL(boot)
// and SET_REPORT(LEDs off), and returns a Keyboard ready to Start.
func NewKeyboard(iface usb.InterfaceInstance, onKey func(rune)) (*Keyboard, error) {
	endpointAddr, interval, ok := firstInterruptInEndpoint(iface.Endpoints)
	if !ok {
		return nil, fmt.Errorf("hid: no interrupt-in endpoint on interface")
	}

	k := &Keyboard{iface: iface, endpointAddr: endpointAddr, pollInterval: interval, onKey: onKey}

	setProtocol := usb.Transfer{
		Kind: usb.ControlNoData,
		Setup: usb.SetupPacket{
			RequestType: usb.DirHostToDevice | usb.TypeClass | usb.RecipInterface,
			Request:     reqSetProtocol,
			Value:       protocolBoot,
			Index:       uint16(iface.Descriptor.InterfaceNumber),
		},
		Poll: true,
	}
	if err := iface.HCI.Transfer(iface.Address, setProtocol, iface.Arena); err != nil {
		return nil, fmt.Errorf("hid: SET_PROTOCOL failed: %w", err)
	}

	ledReport, ledReportPhys, ok := iface.Arena.AcquireSlice(0, 1)
	if !ok {
		return nil, fmt.Errorf("hid: no room for LED report buffer")
	}
	ledReport[0] = 0x00
	setReport := usb.Transfer{
		Kind: usb.ControlWrite,
		Setup: usb.SetupPacket{
			RequestType: usb.DirHostToDevice | usb.TypeClass | usb.RecipInterface,
			Request:     reqSetReport,
			Value:       reportTypeOutput,
			Index:       uint16(iface.Descriptor.InterfaceNumber),
			Length:      1,
		},
		BufferPhys: ledReportPhys,
		Length:     1,
		Poll:       true,
	}
	if err := iface.HCI.Transfer(iface.Address, setReport, iface.Arena); err != nil {
		return nil, fmt.Errorf("hid: SET_REPORT failed: %w", err)
	}

	return k, nil
}

// firstInterruptInEndpoint returns the address and poll interval of the
// first interrupt-in endpoint in eps, matching the original's
// `.filter(direction == In && transfer_type == Interrupt).nth(0)`.
func firstInterruptInEndpoint(eps []usb.EndpointDescriptor) (addr uint8, interval uint8, ok bool) {
	for _, ep := range eps {
		if ep.EndpointAddr&endpointDirectionIn == 0 {
			continue
		}
		if ep.Attributes&endpointTransferTypeMask != endpointTransferInterrupt {
			continue
		}
		return ep.EndpointAddr, ep.Interval, true
	}
	return 0, 0, false
}

// Start begins polling the interrupt-in endpoint on its own goroutine
// until Stop is called (spec §4.13, original's start_with_callback).
func (k *Keyboard) Start() {
	k.stop = make(chan struct{})
	go k.pollLoop()
}

// Stop ends the polling goroutine.
func (k *Keyboard) Stop() {
	if k.stop != nil {
		close(k.stop)
	}
}

func (k *Keyboard) pollLoop() {
	log := klog.Sub("hid")
	reportBuf, reportPhys, ok := k.iface.Arena.AcquireSlice(0, bootReportLength)
	if !ok {
		log.Error().Msg("no room for boot report buffer, keyboard polling disabled")
		return
	}

	interval := time.Duration(k.pollInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Millisecond
	}

	for {
		select {
		case <-k.stop:
			return
		default:
		}

		xfer := usb.Transfer{
			Kind:       usb.InterruptIn,
			Endpoint:   k.endpointAddr & 0x0F,
			BufferPhys: reportPhys,
			Length:     bootReportLength,
			Poll:       false,
			Interval:   k.pollInterval,
		}
		if err := k.iface.HCI.Transfer(k.iface.Address, xfer, k.iface.Arena); err != nil {
			log.Warn().Err(err).Msg("interrupt-in transfer failed")
			time.Sleep(interval)
			continue
		}

		k.reportKeypresses(ParseBootReport(reportBuf))
		time.Sleep(interval)
	}
}

// reportKeypresses applies the "most recently held key changed" debounce
// from the original's Keyboard::keypresses: only a transition to a new
// active key (or to no key) triggers onKey, and only transitions into an
// ASCII key are ever reported.
func (k *Keyboard) reportKeypresses(report BootReport) {
	mostRecent := Unknown
	for _, key := range report.Keys {
		if key != Unknown {
			mostRecent = key
		}
	}

	k.mu.Lock()
	changed := mostRecent != k.activeKey
	k.activeKey = mostRecent
	k.mu.Unlock()

	if changed && mostRecent.IsASCII() && k.onKey != nil {
		k.onKey(mostRecent.Rune())
	}
}

// Driver matches USB HID interfaces (class 3) and brings up a boot-
// protocol keyboard for any keyboard-protocol interface found (spec
// §4.13/§4.8, original's usbhid::HidDriver).
type Driver struct {
	onKey func(rune)
}

// NewDriver returns a HID driver that reports keypresses to onKey.
func NewDriver(onKey func(rune)) *Driver {
	return &Driver{onKey: onKey}
}

const classHID = 3

// CheckDevice reports whether info is a USB interface of class 3 (HID).
func (d *Driver) CheckDevice(info driver.DeviceTypeIdentifier) bool {
	usbID, ok := info.(driver.USBIdentifier)
	if !ok {
		return false
	}
	return usbID.Descriptor.InterfaceClass == classHID
}

// CheckNewDevice always reports true; the original carries the same
// "not yet implemented" stub (no device-identity tracking here).
func (d *Driver) CheckNewDevice(info driver.DeviceTypeIdentifier) bool { return true }

// Init brings up a boot-protocol keyboard if info names one; non-boot
// (report protocol) and non-keyboard (mouse, etc.) HID interfaces are
// logged and otherwise ignored, matching the original's scope.
func (d *Driver) Init(info driver.DeviceTypeIdentifier) {
	usbID, ok := info.(driver.USBIdentifier)
	if !ok {
		return
	}
	log := klog.Sub("hid")
	log.Info().Msg("initialising HID device")

	if usbID.Descriptor.InterfaceSubclass != subclassBoot {
		log.Info().Msg("report-protocol HID device, unsupported")
		return
	}
	if usbID.Descriptor.Protocol != protocolKeyboard {
		if usbID.Descriptor.Protocol == protocolMouse {
			log.Info().Msg("boot-protocol mouse, unsupported")
		}
		return
	}

	for _, other := range usbID.OtherDescriptors {
		if other.Type != descriptorTypeHID {
			continue
		}
		if hidDesc, ok := ParseHIDDescriptor(other.Data[2:]); ok {
			log.Info().Uint16("version", hidDesc.Version).Uint8("country", hidDesc.CountryCode).Msg("HID descriptor")
		}
	}

	kb, err := NewKeyboard(usbID.InterfaceInstance, d.onKey)
	if err != nil {
		log.Error().Err(err).Msg("keyboard init failed")
		return
	}
	kb.Start()
}

var _ driver.Driver = (*Driver)(nil)
