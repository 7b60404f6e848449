package fat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"venix/internal/block"
)

func TestDecodeBootRecordAndDetectFsType(t *testing.T) {
	buf := make([]byte, bootRecordSize)
	binary.LittleEndian.PutUint16(buf[11:13], 512) // bytes per sector
	buf[13] = 1                                    // sectors per cluster
	binary.LittleEndian.PutUint16(buf[14:16], 1)   // reserved sectors
	buf[16] = 1                                    // number of FATs
	binary.LittleEndian.PutUint16(buf[17:19], 16)  // root dir entries
	binary.LittleEndian.PutUint16(buf[19:21], 8200) // sectors in volume
	binary.LittleEndian.PutUint16(buf[22:24], 32)  // sectors per FAT

	br := decodeBootRecord(buf)
	require.EqualValues(t, 512, br.bytesPerSector)
	require.EqualValues(t, 1, br.sectorsPerCluster)

	// data_sectors = 8200 - (1 + 1*32 + 1) = 8166, total_clusters = 8166,
	// which lands inside the FAT16 threshold [4085, 65525).
	require.Equal(t, typeFAT16, detectFsType(br))
}

func TestDetectFsTypeExFatAndFat32(t *testing.T) {
	exFat := bootRecord{bytesPerSector: 0}
	require.Equal(t, typeExFAT, detectFsType(exFat))

	fat32 := bootRecord{bytesPerSector: 512, sectorsPerFAT: 0}
	require.Equal(t, typeFAT32, detectFsType(fat32))
}

func TestDecodeDirectoryEntryShortName(t *testing.T) {
	buf := make([]byte, dirEntrySize)
	copy(buf[0:11], []byte("HELLO   TXT"))
	buf[11] = 0 // attributes: regular file
	binary.LittleEndian.PutUint16(buf[26:28], 2) // cluster low
	binary.LittleEndian.PutUint32(buf[28:32], 5) // file size

	de := decodeDirectoryEntry(buf)
	require.Equal(t, "HELLO.TXT", de.shortName())
	require.EqualValues(t, 2, de.startCluster())
	require.EqualValues(t, 5, de.fileSize)
}

func TestLongFileNameFragmentSkipsPadding(t *testing.T) {
	buf := make([]byte, dirEntrySize)
	buf[0] = 0x41 // order
	name := "readme.md"
	units := []uint16(nil)
	for _, r := range name {
		units = append(units, uint16(r))
	}
	// pad to 13 code units with a trailing 0x0000 then 0xFFFF filler,
	// same as a real VFAT short-final-fragment entry
	for len(units) < 13 {
		if len(units) == len(name) {
			units = append(units, 0x0000)
		} else {
			units = append(units, 0xFFFF)
		}
	}
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(buf[1+i*2:3+i*2], units[i])
	}
	buf[11] = attrLongName
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(buf[14+i*2:16+i*2], units[5+i])
	}
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(buf[28+i*2:30+i*2], units[11+i])
	}

	lfn := decodeLongFileName(buf)
	require.Equal(t, name, lfn.fragment())
}

// buildFat16Image lays out a minimal FAT16 volume inside a GPT partition:
// boot sector + extended BPB at partition-relative LBA 0, a 1-sector FAT
// at LBA 1, a 1-sector root directory at LBA 2 holding one file entry,
// and that file's single-cluster contents at LBA 3.
func buildFat16Image(t *testing.T, fileContents string) *block.GPTDevice {
	t.Helper()
	const sectorSize = 512
	const totalSectors = 8192
	img := make([]byte, totalSectors*sectorSize)

	img[mbrPartOff()+4] = 0xEE // protective MBR

	pth := img[sectorSize : 2*sectorSize]
	copy(pth[0:8], "EFI PART")
	binary.LittleEndian.PutUint64(pth[72:80], 2) // partition entry array at LBA 2
	binary.LittleEndian.PutUint32(pth[80:84], 1)
	binary.LittleEndian.PutUint32(pth[84:88], 128)

	entry := img[2*sectorSize : 2*sectorSize+128]
	binary.LittleEndian.PutUint64(entry[32:40], 64)   // starting LBA
	binary.LittleEndian.PutUint64(entry[40:48], 8191) // ending LBA

	part := img[64*sectorSize:]

	boot := part[0:sectorSize]
	binary.LittleEndian.PutUint16(boot[11:13], 512) // bytes per sector
	boot[13] = 1                                    // sectors per cluster
	binary.LittleEndian.PutUint16(boot[14:16], 1)   // reserved sectors
	boot[16] = 1                                    // number of FATs
	binary.LittleEndian.PutUint16(boot[17:19], 16)  // root dir entries (1 sector)
	binary.LittleEndian.PutUint16(boot[19:21], 100) // sectors in volume
	binary.LittleEndian.PutUint16(boot[22:24], 1)   // sectors per FAT
	boot[0x24+2] = 0x29                             // extended BPB signature
	copy(boot[0x24+7:0x24+18], "NO NAME    ")

	fatSector := part[sectorSize : 2*sectorSize]
	binary.LittleEndian.PutUint16(fatSector[2*2:2*2+2], 0xFFFF) // fat[2] = end of chain

	rootDir := part[2*sectorSize : 3*sectorSize]
	copy(rootDir[0:11], []byte("HELLO   TXT"))
	rootDir[11] = 0 // regular file
	binary.LittleEndian.PutUint16(rootDir[26:28], 2) // start cluster 2
	binary.LittleEndian.PutUint32(rootDir[28:32], uint32(len(fileContents)))

	dataSector := part[3*sectorSize : 4*sectorSize]
	copy(dataSector, fileContents)

	gpt, err := block.NewGPTDevice(&fatFakeDevice{sectors: img})
	require.NoError(t, err)
	return gpt
}

func mbrPartOff() int { return 0x1BE }

type fatFakeDevice struct {
	sectors []byte
}

func (f *fatFakeDevice) Read(lba uint64, count uint64) ([]byte, error) {
	const sectorSize = 512
	start := lba * sectorSize
	end := start + count*sectorSize
	return f.sectors[start:end], nil
}

func TestFat16FsRootLookupAndRead(t *testing.T) {
	gpt := buildFat16Image(t, "hello")

	buf, err := gpt.Read(0, 0, 1)
	require.NoError(t, err)
	br := decodeBootRecord(buf)
	ebr := decodeExtendedBootRecord1216(buf[extendedBootRecord1216Off:])
	require.EqualValues(t, ebrSignature29, ebr.signature)

	fs, err := newFat16Fs(gpt, 0, br, ebr)
	require.NoError(t, err)
	require.NotNil(t, fs)

	root := fs.Root(1)
	require.Equal(t, rootInode, root.Inode())

	vnode, errno := fs.Lookup(1, root, "HELLO.TXT")
	require.Zero(t, errno)

	stat, errno := vnode.Stat()
	require.Zero(t, errno)
	require.Equal(t, "HELLO.TXT", stat.Name)
	require.EqualValues(t, 5, stat.Size)

	handle, errno := vnode.Open()
	require.Zero(t, errno)

	buf = make([]byte, 5)
	n, errno := handle.Read(buf)
	require.Zero(t, errno)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}
