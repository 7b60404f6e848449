package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"venix/internal/pci"
)

type recordingDriver struct {
	matches  func(DeviceTypeIdentifier) bool
	inited   []DeviceTypeIdentifier
}

func (d *recordingDriver) CheckDevice(info DeviceTypeIdentifier) bool    { return d.matches(info) }
func (d *recordingDriver) CheckNewDevice(info DeviceTypeIdentifier) bool { return true }
func (d *recordingDriver) Init(info DeviceTypeIdentifier)                { d.inited = append(d.inited, info) }

type fakeBus struct{ ids []DeviceTypeIdentifier }

func (b fakeBus) Name() string                        { return "fake" }
func (b fakeBus) Enumerate() []DeviceTypeIdentifier { return b.ids }

func TestRegisterBusAndEnumerateInitsFirstMatchingDriver(t *testing.T) {
	r := NewRegistry()
	nvme := PCIIdentifier{pci.Device{VendorID: 0x8086, BaseClass: 0x01}}
	net := PCIIdentifier{pci.Device{VendorID: 0x8086, BaseClass: 0x02}}

	storage := &recordingDriver{matches: func(i DeviceTypeIdentifier) bool {
		return i.(PCIIdentifier).BaseClass == 0x01
	}}
	network := &recordingDriver{matches: func(i DeviceTypeIdentifier) bool {
		return i.(PCIIdentifier).BaseClass == 0x02
	}}
	r.RegisterDriver(storage)
	r.RegisterDriver(network)

	r.RegisterBusAndEnumerate(fakeBus{ids: []DeviceTypeIdentifier{nvme, net}})

	require.Len(t, storage.inited, 1)
	require.Len(t, network.inited, 1)
}

func TestRegisterBusAndEnumerateSkipsUnmatchedDevices(t *testing.T) {
	r := NewRegistry()
	never := &recordingDriver{matches: func(DeviceTypeIdentifier) bool { return false }}
	r.RegisterDriver(never)

	r.RegisterBusAndEnumerate(fakeBus{ids: []DeviceTypeIdentifier{PCIIdentifier{}}})

	require.Empty(t, never.inited)
}

func TestRegisterDeviceAndDevfs(t *testing.T) {
	r := NewRegistry()
	id := r.RegisterDevice("console-device")
	r.RegisterDevfs("console", id)

	got, ok := r.Device(id)
	require.True(t, ok)
	require.Equal(t, "console-device", got)

	devfsID, ok := r.Devfs("console")
	require.True(t, ok)
	require.Equal(t, id, devfsID)

	_, ok = r.Devfs("missing")
	require.False(t, ok)
}
