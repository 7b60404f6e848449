// Package fat implements the FAT16 filesystem driver of spec §4.16: BIOS
// Parameter Block parsing, FAT-type detection, cluster-chain traversal,
// and the vfs.FileSystem/VNode/FileHandle triad over a block.GPTDevice
// partition. Ported from original_source/src/fs/fat/{mod,fat1216}.rs.
package fat

import (
	"encoding/binary"

	"venix/internal/block"
	"venix/internal/klog"
)

// fsType is the result of detectFsType (original's FatFsType).
type fsType int

const (
	typeFAT12 fsType = iota
	typeFAT16
	typeFAT32
	typeExFAT
)

func (t fsType) String() string {
	switch t {
	case typeFAT12:
		return "FAT12"
	case typeFAT16:
		return "FAT16"
	case typeFAT32:
		return "FAT32"
	case typeExFAT:
		return "exFAT"
	default:
		return "unknown"
	}
}

// bootRecordSize is the packed, on-disk size of BootRecord in bytes
// (original's #[repr(C, packed(1))] BootRecord).
const bootRecordSize = 36

// bootRecord is the BIOS Parameter Block common to every on-disk FAT
// variant (original's fat::BootRecord). Fields are decoded individually
// from the packed byte layout rather than unsafe-cast, since Go has no
// equivalent to Rust's #[repr(packed)].
type bootRecord struct {
	bytesPerSector      uint16
	sectorsPerCluster   uint8
	reservedSectors     uint16
	numberOfFATs        uint8
	rootDirectoryEntries uint16
	sectorsInVolume     uint16
	sectorsPerFAT       uint16
	largeSectorCount    uint32
}

func decodeBootRecord(b []byte) bootRecord {
	return bootRecord{
		bytesPerSector:       binary.LittleEndian.Uint16(b[11:13]),
		sectorsPerCluster:    b[13],
		reservedSectors:      binary.LittleEndian.Uint16(b[14:16]),
		numberOfFATs:         b[16],
		rootDirectoryEntries: binary.LittleEndian.Uint16(b[17:19]),
		sectorsInVolume:      binary.LittleEndian.Uint16(b[19:21]),
		sectorsPerFAT:        binary.LittleEndian.Uint16(b[22:24]),
		largeSectorCount:     binary.LittleEndian.Uint32(b[32:36]),
	}
}

// extendedBootRecord1216Off is the byte offset of the FAT12/16 extended
// BPB within the boot sector (original reads it via
// boot_record_buf_ptr.wrapping_add(0x24)).
const extendedBootRecord1216Off = 0x24

// extendedBootRecord1216 is the FAT12/16-specific extended BPB fields
// this driver cares about (original's fat1216::ExtendedBootRecord1216).
type extendedBootRecord1216 struct {
	signature    uint8
	volumeLabel  string
}

const (
	ebrSignature28 = 0x28
	ebrSignature29 = 0x29
)

func decodeExtendedBootRecord1216(b []byte) extendedBootRecord1216 {
	label := make([]byte, 0, 11)
	for _, c := range b[7:18] {
		if c != 0 {
			label = append(label, c)
		}
	}
	return extendedBootRecord1216{
		signature:   b[2],
		volumeLabel: string(label),
	}
}

// detectFsType classifies a decoded BootRecord the way the original's
// detect_fat_fs does: bytes_per_sector == 0 signals exFAT (those fields
// are meaningless there), sectors_per_fat == 0 signals FAT32 (which
// keeps its FAT size in the 32-bit extended BPB instead), and otherwise
// the total cluster count against the well-known FAT12/16/32 thresholds.
func detectFsType(br bootRecord) fsType {
	if br.bytesPerSector == 0 {
		return typeExFAT
	}
	if br.sectorsPerFAT == 0 {
		return typeFAT32
	}

	totalSectors := uint32(br.sectorsInVolume)
	if br.sectorsInVolume == 0 {
		totalSectors = br.largeSectorCount
	}
	fatSize := br.sectorsPerFAT
	rootDirSectors := divCeil(uint32(br.rootDirectoryEntries)*32, uint32(br.bytesPerSector))
	dataSectors := totalSectors - (uint32(br.reservedSectors) + uint32(br.numberOfFATs)*uint32(fatSize) + rootDirSectors)
	totalClusters := dataSectors / uint32(br.sectorsPerCluster)

	switch {
	case totalClusters < 4085:
		return typeFAT12
	case totalClusters < 65525:
		return typeFAT16
	default:
		return typeFAT32
	}
}

func divCeil(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// Probe reads partition 0's boot sector from dev and, if it looks like a
// FAT16 volume, builds and returns a mounted Fat16Fs. Any other FAT
// variant is logged and skipped — this kernel drives FAT16 only (spec
// §4.16's Non-goal on FAT12/32/exFAT), matching the original's
// register_fat_fs match arm that only handles FatFsType::Fat16.
func Probe(dev *block.GPTDevice, partition uint32) (*Fat16Fs, error) {
	log := klog.Sub("fat")

	buf, err := dev.Read(partition, 0, 1)
	if err != nil {
		return nil, err
	}
	br := decodeBootRecord(buf)

	switch t := detectFsType(br); t {
	case typeFAT16:
		ebr := decodeExtendedBootRecord1216(buf[extendedBootRecord1216Off:])
		fs, err := newFat16Fs(dev, partition, br, ebr)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		log.Info().Stringer("type", t).Msg("not a FAT16 volume")
		return nil, nil
	}
}
