// Package block implements the L6 GPT block layer of spec §4.14: the
// MBR protective-partition check, GUID Partition Table header/entry
// parsing, and bounds-checked partition-relative reads over a generic
// backing Device. Ported from original_source/src/sys/block.rs's
// GptDevice.
package block

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"venix/internal/klog"
)

// Device is a raw sector-addressable backing store — the contract any
// disk driver (AHCI, IDE, ...) would satisfy, though this kernel
// registers such controllers on the PCI bus without driving them (spec
// §4.9's inert AHCI/NIC enumeration). Read returns count sectors of
// sectorSize bytes each, starting at lba.
type Device interface {
	Read(lba uint64, count uint64) ([]byte, error)
}

const sectorSize = 512

// ErrNotGPT is returned by NewGPTDevice when dev's first sector isn't a
// protective MBR, or its second sector isn't a valid GPT header — this
// is not a failure, just "not a GPT disk", mirroring the original's
// GptDevice::new returning None for the same cases.
var ErrNotGPT = errors.New("block: device is not GPT-partitioned")

const (
	mbrProtectiveSystemID = 0xEE
	mbrPartitionTableOff  = 0x1BE // offset of the 4-entry partition table within sector 0
	mbrEntrySize          = 16
	mbrSystemIDOff        = 4 // system_id field offset within one 16-byte MBR entry

	gptSignature   = "EFI PART"
	gptHeaderLBA   = 1
	gptEntrySize   = 128
	gptNameRunes   = 36 // UTF-16 code units in partition_name
)

// PartitionEntry is one decoded GPT partition-entry-array row (UEFI
// spec table 5-6, original's PartitionEntry).
type PartitionEntry struct {
	TypeGUID    uuid.UUID
	UniqueGUID  uuid.UUID
	StartingLBA uint64
	EndingLBA   uint64
	Attributes  uint64
	Name        string
}

// GPTDevice wraps a backing Device with its decoded MBR, GPT header, and
// partition-entry array (spec §3's GPT device, §4.14).
type GPTDevice struct {
	diskGUID   uuid.UUID
	partitions []PartitionEntry
	dev        Device
}

// NewGPTDevice reads dev's MBR and GPT header/partition array and
// returns a GPTDevice. It returns ErrNotGPT (not a real error) if dev
// isn't GPT-partitioned, matching the original's silent None return —
// real I/O errors from dev.Read are returned as-is so callers can tell
// "not GPT" apart from "disk is broken".
func NewGPTDevice(dev Device) (*GPTDevice, error) {
	mbr, err := dev.Read(0, 1)
	if err != nil {
		return nil, errors.Wrap(err, "block: reading MBR")
	}
	if len(mbr) < mbrPartitionTableOff+mbrEntrySize || mbr[mbrPartitionTableOff+mbrSystemIDOff] != mbrProtectiveSystemID {
		return nil, ErrNotGPT
	}

	pthBuf, err := dev.Read(gptHeaderLBA, 1)
	if err != nil {
		return nil, errors.Wrap(err, "block: reading GPT header")
	}
	if len(pthBuf) < 96 || string(pthBuf[0:8]) != gptSignature {
		return nil, ErrNotGPT
	}

	diskGUID := gptGUID(pthBuf[56:72])
	partitionEntryLBA := binary.LittleEndian.Uint64(pthBuf[72:80])
	numEntries := binary.LittleEndian.Uint32(pthBuf[80:84])
	entrySize := binary.LittleEndian.Uint32(pthBuf[84:88])

	// round up to a whole number of sectors; when arrayBytes is already
	// sector-aligned this rounds up a full extra sector, same as the
	// original's unconditional `size + (512 - (size % 512))`
	arrayBytes := numEntries * entrySize
	arrayBytes += sectorSize - (arrayBytes % sectorSize)
	sectors := uint64(arrayBytes) / sectorSize

	entryBuf, err := dev.Read(partitionEntryLBA, sectors)
	if err != nil {
		return nil, errors.Wrap(err, "block: reading partition entry array")
	}

	log := klog.Sub("block")
	var partitions []PartitionEntry
	for i := uint32(0); i < numEntries; i++ {
		off := int(i * entrySize)
		if off+gptEntrySize > len(entryBuf) {
			break
		}
		entry := decodePartitionEntry(entryBuf[off : off+gptEntrySize])
		partitions = append(partitions, entry)
		log.Info().Str("name", entry.Name).Str("type", entry.TypeGUID.String()).Msg("found partition")
	}

	return &GPTDevice{diskGUID: diskGUID, partitions: partitions, dev: dev}, nil
}

// Partitions returns the decoded partition-entry array in on-disk order.
func (g *GPTDevice) Partitions() []PartitionEntry {
	return g.partitions
}

// DiskGUID returns the GPT header's disk GUID.
func (g *GPTDevice) DiskGUID() uuid.UUID {
	return g.diskGUID
}

// Read reads n sectors starting at the partition-relative LBA
// startingBlock from the given partition, bounds-checked against the
// partition's [starting_lba, ending_lba) extent (spec §3's GPT device
// invariant, §8 scenario S4). The half-open-interval check below is
// exactly the original's: a startingBlock equal to the partition's
// sector count is out of range even before adding n.
func (g *GPTDevice) Read(partition uint32, startingBlock uint64, n uint64) ([]byte, error) {
	if partition >= uint32(len(g.partitions)) {
		return nil, fmt.Errorf("block: partition %d out of range", partition)
	}
	pt := g.partitions[partition]
	size := pt.EndingLBA - pt.StartingLBA
	if startingBlock >= size {
		return nil, fmt.Errorf("block: lba %d out of range for partition %d (size %d)", startingBlock, partition, size)
	}
	adjusted := startingBlock + pt.StartingLBA
	if adjusted+n >= pt.EndingLBA {
		return nil, fmt.Errorf("block: read of %d sectors at lba %d overruns partition %d", n, startingBlock, partition)
	}
	return g.dev.Read(adjusted, n)
}

func decodePartitionEntry(b []byte) PartitionEntry {
	nameUnits := make([]uint16, 0, gptNameRunes)
	for i := 0; i < gptNameRunes; i++ {
		u := binary.LittleEndian.Uint16(b[56+i*2 : 58+i*2])
		if u == 0 {
			continue
		}
		nameUnits = append(nameUnits, u)
	}

	return PartitionEntry{
		TypeGUID:    gptGUID(b[0:16]),
		UniqueGUID:  gptGUID(b[16:32]),
		StartingLBA: binary.LittleEndian.Uint64(b[32:40]),
		EndingLBA:   binary.LittleEndian.Uint64(b[40:48]),
		Attributes:  binary.LittleEndian.Uint64(b[48:56]),
		Name:        string(utf16.Decode(nameUnits)),
	}
}

// Registry tracks every GPT device found on registered backing devices
// (spec §4.14, original's BLOCK_DEVICE_TABLE). It hands each discovered
// partition to onPartition as it's found, the same decoupling
// internal/usb's Bus uses to avoid depending on a filesystem-specific
// package (internal/fat) directly.
type Registry struct {
	mu          sync.Mutex
	devices     []*GPTDevice
	onPartition func(dev *GPTDevice, partition uint32)
}

// NewRegistry returns an empty block-device registry. onPartition is
// called once per partition discovered by RegisterDevice.
func NewRegistry(onPartition func(dev *GPTDevice, partition uint32)) *Registry {
	return &Registry{onPartition: onPartition}
}

// RegisterDevice probes dev for a GPT partition table. A dev that isn't
// GPT-partitioned is silently skipped (ErrNotGPT), matching the
// original's register_block_device; any other error is logged.
func (r *Registry) RegisterDevice(dev Device) {
	gpt, err := NewGPTDevice(dev)
	if err != nil {
		if !errors.Is(err, ErrNotGPT) {
			klog.Sub("block").Warn().Err(err).Msg("GPT probe failed")
		}
		return
	}

	r.mu.Lock()
	r.devices = append(r.devices, gpt)
	r.mu.Unlock()

	for i := range gpt.partitions {
		if r.onPartition != nil {
			r.onPartition(gpt, uint32(i))
		}
	}
}

// Devices returns every GPT device registered so far.
func (r *Registry) Devices() []*GPTDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*GPTDevice(nil), r.devices...)
}

// gptGUID decodes a 16-byte GPT mixed-endian GUID field (UEFI spec
// Appendix A: the first three fields are little-endian, the last two are
// stored as-is) into a standard big-endian uuid.UUID, matching the
// original's Uuid::from_fields(d1, d2, d3, &d4) where d1/d2/d3 were
// already read as native (little-endian) integers off the wire.
func gptGUID(b []byte) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(u[8:16], b[8:16])
	return u
}
