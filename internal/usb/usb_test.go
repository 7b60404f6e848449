package usb

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"venix/internal/dma"
	"venix/internal/mem"
)

type hostPageSource struct{}

func (hostPageSource) AllocatePage() (uintptr, mem.Pa_t, bool) {
	raw := make([]byte, 2*mem.PageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + mem.PageSize - 1) &^ (mem.PageSize - 1)
	return aligned, mem.Pa_t(aligned), true
}

func buildConfigBuffer(ifaceClass uint8, numEndpoints uint8) []byte {
	var buf []byte
	cfg := ConfigurationDescriptor{Length: 9, DescriptorType: DescConfiguration, NumInterfaces: 1}
	cfg.TotalLength = uint16(9 + 9 + int(numEndpoints)*7)
	buf = append(buf, structBytes(cfg)[:9]...) // drop Go's trailing padding byte

	iface := InterfaceDescriptor{Length: 9, DescriptorType: DescInterface, NumEndpoints: numEndpoints, InterfaceClass: ifaceClass}
	buf = append(buf, structBytes(iface)...)

	for i := uint8(0); i < numEndpoints; i++ {
		ep := EndpointDescriptor{Length: 7, DescriptorType: DescEndpoint, EndpointAddr: 0x81, Interval: 8}
		buf = append(buf, structBytes(ep)[:7]...) // drop Go's trailing padding byte
	}
	return buf
}

func structBytes[T any](v T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&v)), int(unsafe.Sizeof(v)))
}

func TestParseConfigurationFindsInterfacesAndEndpoints(t *testing.T) {
	buf := buildConfigBuffer(3, 1)
	// drop the configuration header, ParseConfiguration only sees the tail
	interfaces, endpoints, _ := ParseConfiguration(buf[9:])

	require.Len(t, interfaces, 1)
	require.EqualValues(t, 3, interfaces[0].InterfaceClass)
	require.Len(t, endpoints, 1)
	require.EqualValues(t, 0x81, endpoints[0].EndpointAddr)
}

type fakeHCI struct {
	ports    []Port
	response []byte
}

func (f *fakeHCI) GetPorts() []Port { return f.ports }

func (f *fakeHCI) Transfer(address uint8, t Transfer, arena *dma.Arena) error {
	n := int(t.Setup.Length)
	if n > len(f.response) {
		n = len(f.response)
	}
	// write f.response at t.BufferPhys (HHDMOffset=0 in this test harness,
	// so phys == virt), bounded to the requested length like real hardware
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(t.BufferPhys))), n)
	copy(buf, f.response[:n])
	return nil
}

func TestRegisterHCIReportsDiscoveredInterfaces(t *testing.T) {
	cfgBuf := buildConfigBuffer(3, 1)
	hci := &fakeHCI{
		ports:    []Port{{Num: 1, Status: Connected}},
		response: cfgBuf,
	}

	var found []InterfaceInstance
	bus := NewBus(func() *dma.Arena { return dma.New(hostPageSource{}) }, func(i InterfaceInstance) {
		found = append(found, i)
	})

	bus.RegisterHCI(hci)

	require.Len(t, found, 1)
	require.EqualValues(t, 3, found[0].Descriptor.InterfaceClass)
	require.Len(t, found[0].Endpoints, 1)
}

func TestRegisterHCISkipsDisconnectedPorts(t *testing.T) {
	hci := &fakeHCI{ports: []Port{{Num: 1, Status: Disconnected}}}
	var found []InterfaceInstance
	bus := NewBus(func() *dma.Arena { return dma.New(hostPageSource{}) }, func(i InterfaceInstance) {
		found = append(found, i)
	})

	bus.RegisterHCI(hci)

	require.Empty(t, found)
}
