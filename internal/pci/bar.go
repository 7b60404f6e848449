package pci

// BAR is a decoded Base Address Register: either a legacy I/O port range
// or a memory-mapped range (32- or 64-bit, optionally prefetchable),
// matching pci_types::Bar in the original (spec §4.9).
type BAR struct {
	IsIO       bool
	Port       uint16 // valid when IsIO
	Address    uint64 // valid when !IsIO
	Is64Bit    bool
	Prefetchable bool
}

const (
	barIOFlag        = 1 << 0
	barMemTypeMask   = 0b110
	barMemType64     = 0b100
	barMemPrefetch   = 1 << 3
)

// BAR reads and decodes the BAR at the given slot (0..5). It returns
// (BAR{}, false) if the slot is unimplemented (reads back 0) or out of
// range.
func (c *ConfigAccess) BAR(addr Address, slot int) (BAR, bool) {
	if slot < 0 || slot > 5 {
		return BAR{}, false
	}
	offset := uint8(offBAR0 + slot*4)
	raw := c.Read32(addr, offset)
	if raw == 0 {
		return BAR{}, false
	}

	if raw&barIOFlag != 0 {
		return BAR{IsIO: true, Port: uint16(raw &^ 0x3)}, true
	}

	bar := BAR{
		Address:      uint64(raw &^ 0xF),
		Is64Bit:      raw&barMemTypeMask == barMemType64,
		Prefetchable: raw&barMemPrefetch != 0,
	}
	if bar.Is64Bit && slot < 5 {
		high := c.Read32(addr, uint8(offBAR0+(slot+1)*4))
		bar.Address |= uint64(high) << 32
	}
	return bar, true
}
