package fat

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding/charmap"
)

// dirEntrySize is the packed on-disk size of both directoryEntry and
// longFileName (original's #[repr(C, packed(1))] DirectoryEntry /
// LongFileName — both are exactly 32 bytes, the FAT directory slot size).
const dirEntrySize = 32

const (
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrLongName  = 0x0F

	dirEntryFree      = 0xE5
	dirEntryEndOfDir  = 0x00
)

// directoryEntry is one decoded short (8.3) FAT directory slot
// (original's fat1216::DirectoryEntry).
type directoryEntry struct {
	fileName    [11]byte
	attributes  uint8
	clusterHigh uint16
	clusterLow  uint16
	fileSize    uint32
}

func decodeDirectoryEntry(b []byte) directoryEntry {
	var name [11]byte
	copy(name[:], b[0:11])
	return directoryEntry{
		fileName:    name,
		attributes:  b[11],
		clusterHigh: binary.LittleEndian.Uint16(b[20:22]),
		clusterLow:  binary.LittleEndian.Uint16(b[26:28]),
		fileSize:    binary.LittleEndian.Uint32(b[28:32]),
	}
}

func (d directoryEntry) startCluster() uint32 {
	return uint32(d.clusterHigh)<<16 | uint32(d.clusterLow)
}

// shortName reconstructs the "8.3" display name from the padded
// fixed-width fileName field (original's fallback path in get_filename
// when no long-name entries preceded this slot). The on-disk bytes are
// OEM code page 437, the encoding every FAT short name has used since
// MS-DOS, so high-byte bytes (box-drawing/accented characters some
// tools still emit for 8.3 names) decode to the right rune instead of
// being reinterpreted as Latin-1/UTF-8 continuation bytes.
func (d directoryEntry) shortName() string {
	base := decodeOEM(d.fileName[0:8])
	ext := decodeOEM(d.fileName[8:11])
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func decodeOEM(b []byte) string {
	decoded, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		decoded = b
	}
	return strings.TrimRight(string(decoded), " ")
}

// longFileName is one VFAT long-name directory slot (original's
// fat1216::LongFileName): up to 13 UTF-16 code units split across three
// fixed fields, one slot per up-to-13 characters of the full name.
type longFileName struct {
	name1 [5]uint16
	name2 [6]uint16
	name3 [2]uint16
}

func decodeLongFileName(b []byte) longFileName {
	var lfn longFileName
	for i := range lfn.name1 {
		lfn.name1[i] = binary.LittleEndian.Uint16(b[1+i*2 : 3+i*2])
	}
	for i := range lfn.name2 {
		lfn.name2[i] = binary.LittleEndian.Uint16(b[14+i*2 : 16+i*2])
	}
	for i := range lfn.name3 {
		lfn.name3[i] = binary.LittleEndian.Uint16(b[28+i*2 : 30+i*2])
	}
	return lfn
}

// fragment decodes this slot's UTF-16 code units into a string,
// discarding the padding the FAT spec uses to fill a short final
// fragment (0x0000 and 0xFFFF), matching the original's per-field filter
// before String::from_utf16.
func (lfn longFileName) fragment() string {
	units := make([]uint16, 0, 13)
	for _, u := range lfn.name1 {
		if u != 0x0000 && u != 0xFFFF {
			units = append(units, u)
		}
	}
	for _, u := range lfn.name2 {
		if u != 0x0000 && u != 0xFFFF {
			units = append(units, u)
		}
	}
	for _, u := range lfn.name3 {
		if u != 0x0000 && u != 0xFFFF {
			units = append(units, u)
		}
	}
	return string(utf16.Decode(units))
}

// getFilename scans dir (a whole directory's contents) starting at
// entry index, assembling a VFAT long name from any 0x0F slots that
// precede the short entry they annotate, falling back to the short 8.3
// name when none do. It returns the assembled name (or none, when this
// slot is the end of the directory, free, or a volume label) and how
// many extra long-name slots were consumed, so the caller can locate the
// short entry that actually carries the cluster/size fields (original's
// Fat16Fs::get_filename).
func getFilename(dir []byte, rootEntries int, index int) (name string, consumed int) {
	var longName strings.Builder

	for entry := index; entry < rootEntries; entry++ {
		off := entry * dirEntrySize
		end := off + dirEntrySize
		if end > len(dir) {
			return "", consumed
		}
		raw := dir[off:end]

		if raw[0] == dirEntryEndOfDir || raw[0] == dirEntryFree {
			return "", consumed
		}

		attrs := raw[11]
		if attrs == attrLongName {
			longName.WriteString(decodeLongFileName(raw).fragment())
			consumed++
			continue
		}

		if attrs&attrVolumeID != 0 {
			return "", consumed
		}

		if longName.Len() > 0 {
			return longName.String(), consumed
		}
		return decodeDirectoryEntry(raw).shortName(), consumed
	}

	return "", consumed
}
