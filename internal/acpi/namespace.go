package acpi

// ResourceKind enumerates the _CRS resource shapes spec §4.7 names.
type ResourceKind int

const (
	ResourceIRQ ResourceKind = iota
	ResourceExtendedIRQ
	ResourceFixedMemory32
)

// Resource is one entry from a device's _CRS resource list.
type Resource struct {
	Kind ResourceKind

	// ResourceIRQ / ResourceExtendedIRQ
	IRQs           []uint32
	ActiveLow      bool
	LevelTriggered bool

	// ResourceFixedMemory32
	Address uint32
	Length  uint32
	Writable bool
}

// SystemBusDeviceIdentifier is what a `for_each_child` namespace walk of
// type Device produces for the driver registry's device-offer protocol
// (spec §4.7/§4.8).
type SystemBusDeviceIdentifier struct {
	Namespace string // full AML namespace path, e.g. "\\_SB_.PCI0.UAR1"
	HID      string  // decoded _HID, e.g. "PNP0501"
	UID      uint64  // _UID, 0 if absent
	Path     string  // same as Namespace, kept distinct per the original's two fields
}

// Device is the narrow view of a namespace Device object this kernel
// needs: enough to build an identifier and fetch its resources.
type Device interface {
	HID() (string, bool)
	UID() (uint64, bool)
	Path() string
	CRS() ([]Resource, error)
}

// Namespace abstracts uACPI's object namespace enough to walk Device
// children; a real boot image backs this with the loaded DSDT/SSDTs, tests
// substitute an in-memory fake tree.
type Namespace interface {
	// ForEachDevice calls fn once per Device object in the namespace,
	// mirroring uacpi's for_each_child(..., ACPI_OBJECT_DEVICE).
	ForEachDevice(fn func(Device))
}

// EnumerateSystemBusDevices walks ns and returns one identifier per Device
// object found, HID already decoded (spec §4.7).
func EnumerateSystemBusDevices(ns Namespace) []SystemBusDeviceIdentifier {
	var out []SystemBusDeviceIdentifier
	ns.ForEachDevice(func(d Device) {
		hid, _ := d.HID()
		uid, _ := d.UID()
		out = append(out, SystemBusDeviceIdentifier{
			Namespace: d.Path(),
			HID:       hid,
			UID:       uid,
			Path:      d.Path(),
		})
	})
	return out
}

// DecodeEISAID decodes a packed 32-bit EISA ID (as found in ACPI _HID
// integer objects) into its canonical "CCCNNNN" ASCII form: three 5-bit
// compressed uppercase letters followed by four hex digits (ACPI spec
// §19.3.1 / spec §4.7).
func DecodeEISAID(id uint32) string {
	c1 := byte((id>>26)&0x1F) + 'A' - 1
	c2 := byte((id>>21)&0x1F) + 'A' - 1
	c3 := byte((id>>16)&0x1F) + 'A' - 1

	const hexDigits = "0123456789ABCDEF"
	n := [4]byte{
		hexDigits[(id>>12)&0xF],
		hexDigits[(id>>8)&0xF],
		hexDigits[(id>>4)&0xF],
		hexDigits[id&0xF],
	}
	return string([]byte{c1, c2, c3, n[0], n[1], n[2], n[3]})
}
