// Package acpi implements the L3 ACPI/namespace layer of spec §4.7: static
// table parsing (MADT) down to the Local/I/O APIC and interrupt-source-
// override data the apic package routes from, a uACPI-style namespace walk
// producing device identifiers for the driver registry, _CRS resource
// iteration, and EISA HID decoding. Ported from
// original_source/src/sys/acpi/uacpi.rs — the raw-byte MADT walk in
// iterate_madt_ioapics() is kept essentially as-is since it's already a
// flat byte-buffer scan with no library equivalent to lean on.
package acpi

import (
	"encoding/binary"

	"venix/internal/apic"
)

// MADT entry type bytes (ACPI spec table 5-45).
const (
	madtTypeLocalAPIC    = 0x00
	madtTypeIOAPIC       = 0x01
	madtTypeISO          = 0x02
)

// entry header: byte 0 = type, byte 1 = length (ACPI spec, every MADT
// sub-structure starts this way).
const entryHdrLen = 2

// IOAPICEntry is the MADT I/O APIC sub-structure (id, MMIO base, GSI base).
type IOAPICEntry struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// ISOEntry is a MADT Interrupt Source Override: ISA IRQ `Source` is
// actually wired to global system interrupt `GSI`, with the given
// polarity/trigger flags (spec §4.7, §4.6).
type ISOEntry struct {
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// Polarity decodes bits [0:1] of the ISO flags field.
func (e ISOEntry) Polarity() Polarity { return Polarity(e.Flags & 0b11) }

// TriggerMode decodes bits [2:3] of the ISO flags field.
func (e ISOEntry) TriggerMode() TriggerMode { return TriggerMode((e.Flags >> 2) & 0b11) }

type Polarity uint8

const (
	PolarityConforming Polarity = 0b00
	PolarityActiveHigh Polarity = 0b01
	PolarityActiveLow  Polarity = 0b11
)

type TriggerMode uint8

const (
	TriggerConforming TriggerMode = 0b00
	TriggerEdge       TriggerMode = 0b01
	TriggerLevel      TriggerMode = 0b11
)

// AsOverride converts an ISOEntry into the apic package's routing input.
func (e ISOEntry) AsOverride() apic.Override {
	return apic.Override{
		IRQ:            int(e.Source),
		GSI:            e.GSI,
		ActiveLow:      e.Polarity() == PolarityActiveLow,
		LevelTriggered: e.TriggerMode() == TriggerLevel,
	}
}

// MADTEntries is what ParseMADT extracts: every I/O APIC and Interrupt
// Source Override sub-structure found (spec §4.7's IoApicData).
type MADTEntries struct {
	IOAPICs []IOAPICEntry
	ISOs    []ISOEntry
}

// ParseMADT walks the MADT's variable-length entry stream starting right
// after its fixed header (the caller has already sliced body to just the
// entries, i.e. table[madtFixedHeaderLen:]), collecting IOAPIC and ISO
// sub-structures and skipping everything else (spec §4.7).
func ParseMADT(body []byte) MADTEntries {
	var out MADTEntries
	for off := 0; off+entryHdrLen <= len(body); {
		typ := body[off]
		length := int(body[off+1])
		if length < entryHdrLen || off+length > len(body) {
			break // malformed
		}
		entry := body[off : off+length]

		switch typ {
		case madtTypeIOAPIC:
			if length >= 12 {
				out.IOAPICs = append(out.IOAPICs, IOAPICEntry{
					ID:      entry[2],
					Address: binary.LittleEndian.Uint32(entry[4:8]),
					GSIBase: binary.LittleEndian.Uint32(entry[8:12]),
				})
			}
		case madtTypeISO:
			if length >= 10 {
				out.ISOs = append(out.ISOs, ISOEntry{
					Bus:    entry[2],
					Source: entry[3],
					GSI:    binary.LittleEndian.Uint32(entry[4:8]),
					Flags:  binary.LittleEndian.Uint16(entry[8:10]),
				})
			}
		}

		off += length
	}
	return out
}
