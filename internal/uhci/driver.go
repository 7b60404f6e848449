package uhci

import (
	"venix/internal/arch"
	"venix/internal/dma"
	"venix/internal/driver"
	"venix/internal/klog"
	"venix/internal/pci"
	"venix/internal/usb"
)

// PCI class/subclass/prog-if a UHCI controller reports (PCI 3.0 table
// D-1: serial bus, USB, UHCI).
const (
	classSerialBus = 0x0C
	subclassUSB    = 0x03
	progIFUHCI     = 0x00
)

// Driver matches PCI UHCI controllers, brings each one up, and forwards
// every interface discovered on it into the registry as a
// driver.USBIdentifier (spec §4.8/§4.11/§4.12's driver chain: PCI bus ->
// UHCI driver -> USB bus -> registry). Ported from original_source/src/
// driver.rs's UHCI registration and src/drivers/usb/uhci.rs's
// check_device/init.
type Driver struct {
	registry *driver.Registry
	machine  arch.Machine
	cfg      *pci.ConfigAccess
	newArena func() *dma.Arena

	seen map[pci.Address]bool
}

// NewDriver returns a UHCI driver that registers newly discovered USB
// interfaces into registry. newArena must return a fresh per-controller
// DMA arena (a real boot image backs it with internal/mem's frame
// allocator plus the kernel's own address space).
func NewDriver(registry *driver.Registry, machine arch.Machine, cfg *pci.ConfigAccess, newArena func() *dma.Arena) *Driver {
	return &Driver{
		registry: registry,
		machine:  machine,
		cfg:      cfg,
		newArena: newArena,
		seen:     make(map[pci.Address]bool),
	}
}

// CheckDevice reports whether info names a PCI function with the UHCI
// class/subclass/prog-if triple.
func (d *Driver) CheckDevice(info driver.DeviceTypeIdentifier) bool {
	pciID, ok := info.(driver.PCIIdentifier)
	if !ok {
		return false
	}
	return pciID.BaseClass == classSerialBus && pciID.SubClass == subclassUSB && pciID.ProgIF == progIFUHCI
}

// CheckNewDevice reports whether info names a PCI address not already
// initialised by this driver.
func (d *Driver) CheckNewDevice(info driver.DeviceTypeIdentifier) bool {
	pciID, ok := info.(driver.PCIIdentifier)
	if !ok {
		return false
	}
	return !d.seen[pciID.Address]
}

// Init brings up the controller named by info: reads its I/O-space BAR
// (BAR4, UHCI spec §2.1), runs the reset/frame-list init sequence, resets
// every connected port, then walks the resulting USB bus and registers
// every interface found as a driver.USBIdentifier (spec §4.8's Init
// contract).
func (d *Driver) Init(info driver.DeviceTypeIdentifier) {
	pciID, ok := info.(driver.PCIIdentifier)
	if !ok {
		return
	}
	log := klog.Sub("uhci")

	bar, ok := d.cfg.BAR(pciID.Address, 4)
	if !ok || !bar.IsIO {
		log.Warn().Msg("UHCI function has no I/O-space BAR4, skipping")
		return
	}

	arena := d.newArena()
	if arena == nil {
		log.Warn().Msg("no DMA arena available for controller init")
		return
	}

	controller, err := Init(d.machine, d.machine, d.cfg, pciID.Address, bar.Port, arena)
	if err != nil {
		log.Error().Err(err).Msg("UHCI controller init failed")
		return
	}
	d.seen[pciID.Address] = true

	for _, port := range controller.GetPorts() {
		if port.Status != usb.Connected {
			continue
		}
		if err := controller.ResetPort(int(port.Num)); err != nil {
			log.Warn().Uint32("port", port.Num).Err(err).Msg("port reset failed")
		}
	}

	var discovered []driver.DeviceTypeIdentifier
	bus := usb.NewBus(d.newArena, func(i usb.InterfaceInstance) {
		discovered = append(discovered, driver.USBIdentifier{InterfaceInstance: i})
	})
	bus.RegisterHCI(controller)

	if len(discovered) > 0 {
		d.registry.RegisterBusAndEnumerate(&staticUSBBus{devices: discovered})
	}
}

// staticUSBBus is a one-shot driver.Bus wrapping the interfaces a single
// RegisterHCI pass already discovered; UHCI has no hotplug notion in this
// kernel so enumeration never needs to run twice.
type staticUSBBus struct {
	devices []driver.DeviceTypeIdentifier
}

func (b *staticUSBBus) Name() string                          { return "usb" }
func (b *staticUSBBus) Enumerate() []driver.DeviceTypeIdentifier { return b.devices }

var _ driver.Driver = (*Driver)(nil)
