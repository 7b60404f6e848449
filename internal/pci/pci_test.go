package pci

import (
	"testing"

	"github.com/stretchr/testify/require"

	"venix/internal/arch"
)

// fakeConfigSpace backs ConfigAccess with an in-memory device map, keyed by
// (addr, offset&^3), standing in for the real 0xCF8/0xCFC round trip.
type fakeConfigSpace struct {
	sim       *arch.Sim
	dwords    map[Address]map[uint8]uint32
}

func newFakeConfigSpace() *fakeConfigSpace {
	return &fakeConfigSpace{sim: arch.NewSim(), dwords: map[Address]map[uint8]uint32{}}
}

func (f *fakeConfigSpace) put(addr Address, offset uint8, v uint32) {
	m, ok := f.dwords[addr]
	if !ok {
		m = map[uint8]uint32{}
		f.dwords[addr] = m
	}
	m[offset&0xFC] = v
}

// portIOView wraps the fake as an arch.PortIO, decoding the 0xCF8 address
// word the same way ConfigAccess.configDword builds it.
type portIOView struct {
	f        *fakeConfigSpace
	lastAddr Address
	lastOff  uint8
}

func (p *portIOView) Out32(port uint16, v uint32) {
	switch port {
	case portConfigAddress:
		p.lastAddr = Address{
			Bus:    uint8(v >> 16),
			Device: uint8(v>>11) & 0x1F,
			Func:   uint8(v>>8) & 0x7,
		}
		p.lastOff = uint8(v & 0xFC)
	case portConfigData:
		p.f.put(p.lastAddr, p.lastOff, v)
	}
}

func (p *portIOView) In32(port uint16) uint32 {
	if port != portConfigData {
		return 0
	}
	regs, ok := p.f.dwords[p.lastAddr]
	if !ok {
		return 0xFFFFFFFF // no function at this address
	}
	return regs[p.lastOff]
}

func (p *portIOView) Out8(port uint16, v uint8)   {}
func (p *portIOView) Out16(port uint16, v uint16) {}
func (p *portIOView) In8(port uint16) uint8       { return 0 }
func (p *portIOView) In16(port uint16) uint16     { return 0 }

func TestConfigAccessReadsVendorAndDeviceID(t *testing.T) {
	f := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 2, Func: 0}
	f.put(addr, offVendorID, 0x1234<<16|0x8086)

	c := NewConfigAccess(&portIOView{f: f})
	vendor, device := c.ID(addr)

	require.EqualValues(t, 0x8086, vendor)
	require.EqualValues(t, 0x1234, device)
}

func TestEnumerateBusSkipsEmptySlotsAndResolvesLegacyIRQ(t *testing.T) {
	f := newFakeConfigSpace()
	present := Address{Bus: 0, Device: 3, Func: 0}
	f.put(present, offVendorID, 0x0001<<16|0x10EC)
	f.put(present, offRevID, 0x02<<24|0x00<<16|0x01<<8)
	f.put(present, offHeaderType, 0)
	f.put(present, offInterruptPin, 0x01<<8|0x0B) // pin=INTA, line=0x0B

	empty := Address{Bus: 0, Device: 4, Func: 0}
	f.put(empty, offVendorID, 0xFFFF)

	c := NewConfigAccess(&portIOView{f: f})
	devices := EnumerateBus(c, 0, RoutingTable{})

	var found *Device
	for i := range devices {
		if devices[i].Address == present {
			found = &devices[i]
		}
		require.NotEqual(t, empty, devices[i].Address)
	}
	require.NotNil(t, found)
	require.EqualValues(t, 0x10EC, found.VendorID)
	require.True(t, found.HasInterrupt)
	require.EqualValues(t, 0x0B, found.InterruptGSI)
}

func TestEnumerateBusPrefersRoutingTableOverLegacyLine(t *testing.T) {
	f := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 5, Func: 1}
	f.put(addr, offVendorID, 0x1<<16|0x10DE)
	f.put(addr, offHeaderType, 0)
	f.put(addr, offInterruptPin, 0x02<<8|0x0B) // pin=INTB

	routing := RoutingTable{{Device: 5, Func: 1, Pin: IntB}: 17}

	c := NewConfigAccess(&portIOView{f: f})
	devices := EnumerateBus(c, 0, routing)

	require.Len(t, devices, 1)
	require.True(t, devices[0].HasInterrupt)
	require.EqualValues(t, 17, devices[0].InterruptGSI)
}

func TestBARDecodesIOAndMemory64(t *testing.T) {
	f := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 1, Func: 0}
	f.put(addr, offBAR0, 0xC001|1) // IO BAR at port 0xC000
	f.put(addr, offBAR0+4, 0xFEBF0000|0b1100) // mem, 64-bit, prefetchable
	f.put(addr, offBAR0+8, 0x1)               // high dword

	c := NewConfigAccess(&portIOView{f: f})

	ioBar, ok := c.BAR(addr, 0)
	require.True(t, ok)
	require.True(t, ioBar.IsIO)
	require.EqualValues(t, 0xC000, ioBar.Port)

	memBar, ok := c.BAR(addr, 1)
	require.True(t, ok)
	require.False(t, memBar.IsIO)
	require.True(t, memBar.Is64Bit)
	require.True(t, memBar.Prefetchable)
	require.EqualValues(t, 0x1_FEBF0000, memBar.Address)
}

func TestUpdateCommandPreservesStatusBits(t *testing.T) {
	f := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 0, Func: 0}
	f.put(addr, offCommand, 0xABCD0000|CommandIO)

	c := NewConfigAccess(&portIOView{f: f})
	c.UpdateCommand(addr, CommandMemory|CommandBusMaster, CommandIO)

	dword := f.dwords[addr][offCommand&0xFC]
	require.EqualValues(t, 0xABCD0000, dword&0xFFFF0000)
	require.EqualValues(t, CommandMemory|CommandBusMaster, dword&0xFFFF)
}
