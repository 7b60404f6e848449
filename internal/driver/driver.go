// Package driver implements the L4 driver/bus registry of spec §4.8: a
// closed DeviceTypeIdentifier variant set, a Driver/Bus pair, and the
// registry API (register_driver, register_bus_and_enumerate,
// register_device, register_devfs). Ported from original_source/src/
// driver.rs's registry tables, generalized from Rust trait objects + a
// downcast escape hatch to a Go closed interface with a type switch,
// since the set of identifier kinds (PCI/ACPI-SystemBus/USB) is small and
// fixed for this kernel (Design Notes §9).
package driver

import "sync"

// DeviceTypeIdentifier is implemented by every device-class identifier a
// Bus can enumerate (PCI function, ACPI SystemBus device, USB interface).
// It's a closed marker interface; drivers type-switch on the concrete
// type instead of the original's Any-downcast.
type DeviceTypeIdentifier interface {
	deviceTypeIdentifier()
}

// Driver matches a class of devices and brings them up.
type Driver interface {
	// CheckDevice reports whether this driver can handle info, consulted
	// during bus enumeration matching (spec §4.8: "the first driver whose
	// check_device returns true ... is initialised").
	CheckDevice(info DeviceTypeIdentifier) bool
	// CheckNewDevice reports whether info names a device not already
	// tracked by this driver. The Registry does not call it: enumeration
	// matching consults CheckDevice alone.
	CheckNewDevice(info DeviceTypeIdentifier) bool
	// Init brings the device up.
	Init(info DeviceTypeIdentifier)
}

// Bus enumerates the device identifiers it can see.
type Bus interface {
	Name() string
	Enumerate() []DeviceTypeIdentifier
}

// DeviceID is an opaque handle returned by RegisterDevice.
type DeviceID uint64

// Registry holds the driver table, registered buses, and the device/devfs
// tables (spec §4.8).
type Registry struct {
	mu       sync.Mutex
	drivers  []Driver
	buses    []Bus
	devices  map[DeviceID]any
	devfs    map[string]DeviceID
	nextID   DeviceID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[DeviceID]any),
		devfs:   make(map[string]DeviceID),
	}
}

// RegisterDriver appends d to the driver table.
func (r *Registry) RegisterDriver(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = append(r.drivers, d)
}

// RegisterBusAndEnumerate registers b and immediately walks its
// enumeration, initializing the first matching driver for each identifier
// found (spec §4.8's matching policy).
func (r *Registry) RegisterBusAndEnumerate(b Bus) {
	r.mu.Lock()
	r.buses = append(r.buses, b)
	drivers := append([]Driver(nil), r.drivers...)
	r.mu.Unlock()

	for _, id := range b.Enumerate() {
		for _, d := range drivers {
			if d.CheckDevice(id) {
				d.Init(id)
				break
			}
		}
	}
}

// RegisterDevice records an arbitrary device value (a driver's own
// concrete device handle) and returns an opaque id for later lookup
// (e.g. from RegisterDevfs).
func (r *Registry) RegisterDevice(device any) DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.devices[id] = device
	return id
}

// Device looks up a previously registered device by id.
func (r *Registry) Device(id DeviceID) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

// RegisterDevfs mounts device id under devfs as name (spec §4.8).
func (r *Registry) RegisterDevfs(name string, id DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devfs[name] = id
}

// Devfs looks up a devfs-mounted device id by name.
func (r *Registry) Devfs(name string) (DeviceID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.devfs[name]
	return id, ok
}
