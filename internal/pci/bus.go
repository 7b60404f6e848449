package pci

// InterruptPin is the legacy interrupt pin a PCI function asserts (PCI 3.0
// §6.2.4).
type InterruptPin int

const (
	IntNone InterruptPin = iota
	IntA
	IntB
	IntC
	IntD
)

func decodePin(raw uint8) InterruptPin {
	switch raw {
	case 1:
		return IntA
	case 2:
		return IntB
	case 3:
		return IntC
	case 4:
		return IntD
	default:
		return IntNone
	}
}

// RouteKey identifies a function's interrupt pin for ACPI PRT lookup
// (namespace::PciInterruptFunction in the original).
type RouteKey struct {
	Device uint8
	Func   uint8
	Pin    InterruptPin
}

// RoutingTable maps a device/function/pin to the GSI the ACPI _PRT
// resolves it to (spec §4.9: "look up (device, function, pin) in the
// ACPI-derived PCI routing table").
type RoutingTable map[RouteKey]uint32

// Device is one enumerated PCI function (spec §4.9's PciDeviceType).
type Device struct {
	Address Address

	VendorID, DeviceID uint16
	BaseClass, SubClass, ProgIF uint8

	// InterruptGSI/HasInterrupt: resolved either from the legacy IRQ line
	// byte (when pin!=0 but routing isn't found, or the device predates
	// ACPI routing) or from the routing-table lookup.
	InterruptGSI  uint32
	HasInterrupt  bool
}

// EnumerateBus probes all 32 devices x 8 functions on bus, skipping
// vendor==0xFFFF slots, resolving each endpoint's interrupt via routing if
// it asserts a pin (spec §4.9).
func EnumerateBus(c *ConfigAccess, bus uint8, routing RoutingTable) []Device {
	var found []Device
	for device := uint8(0); device < 32; device++ {
		for fn := uint8(0); fn < 8; fn++ {
			addr := Address{Bus: bus, Device: device, Func: fn}
			vendor, devID := c.ID(addr)
			if vendor == 0xFFFF {
				continue
			}

			baseClass, subClass, progIF := c.Class(addr)

			d := Device{
				Address:   addr,
				VendorID:  vendor,
				DeviceID:  devID,
				BaseClass: baseClass,
				SubClass:  subClass,
				ProgIF:    progIF,
			}

			if c.IsEndpoint(addr) {
				rawPin, rawLine := c.InterruptPinLine(addr)
				if pin := decodePin(rawPin); pin != IntNone {
					if gsi, ok := routing[RouteKey{Device: device, Func: fn, Pin: pin}]; ok {
						d.InterruptGSI, d.HasInterrupt = gsi, true
					} else if rawLine != 0xFF {
						d.InterruptGSI, d.HasInterrupt = uint32(rawLine), true
					}
				}
			}

			found = append(found, d)
		}
	}
	return found
}
