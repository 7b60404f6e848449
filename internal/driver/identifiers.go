package driver

import (
	"venix/internal/acpi"
	"venix/internal/pci"
	"venix/internal/usb"
)

// SystemBusIdentifier wraps an ACPI namespace device for the registry
// (spec §4.8's ACPI SystemBus identifier variant).
type SystemBusIdentifier struct {
	acpi.SystemBusDeviceIdentifier
}

func (SystemBusIdentifier) deviceTypeIdentifier() {}

// PCIIdentifier wraps one enumerated PCI function for the registry (spec
// §4.8's PCI identifier variant).
type PCIIdentifier struct {
	pci.Device
}

func (PCIIdentifier) deviceTypeIdentifier() {}

// USBIdentifier wraps one parsed USB interface for the registry (spec
// §4.8's USB identifier variant). usb core builds InterfaceInstance
// values but never wraps them itself, to keep internal/usb from
// depending on internal/driver.
type USBIdentifier struct {
	usb.InterfaceInstance
}

func (USBIdentifier) deviceTypeIdentifier() {}
