package block

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeDevice is an in-memory sector store, addressed from a flat byte
// slice the tests build by hand.
type fakeDevice struct {
	sectors []byte
}

func (f *fakeDevice) Read(lba uint64, count uint64) ([]byte, error) {
	start := lba * sectorSize
	end := start + count*sectorSize
	return f.sectors[start:end], nil
}

// buildGPTImage lays out a protective MBR at LBA0, a GPT header at LBA1
// with a single partition [2048, 4095), and its partition-entry array at
// LBA2, in a disk image big enough to read past the partition's end.
func buildGPTImage(t *testing.T, partitionName string) *fakeDevice {
	t.Helper()
	const totalSectors = 8192
	img := make([]byte, totalSectors*sectorSize)

	img[mbrPartitionTableOff+mbrSystemIDOff] = mbrProtectiveSystemID

	pth := img[sectorSize : 2*sectorSize]
	copy(pth[0:8], gptSignature)
	diskGUID := [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10}
	copy(pth[56:72], diskGUID[:])
	binary.LittleEndian.PutUint64(pth[72:80], 2) // partition entry array at LBA 2
	binary.LittleEndian.PutUint32(pth[80:84], 1) // one entry
	binary.LittleEndian.PutUint32(pth[84:88], gptEntrySize)

	entry := img[2*sectorSize : 2*sectorSize+gptEntrySize]
	typeGUID := [16]byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E, 0x1F, 0x20}
	copy(entry[0:16], typeGUID[:])
	binary.LittleEndian.PutUint64(entry[32:40], 2048) // starting LBA
	binary.LittleEndian.PutUint64(entry[40:48], 4095) // ending LBA
	for i, r := range partitionName {
		binary.LittleEndian.PutUint16(entry[56+i*2:58+i*2], uint16(r))
	}

	return &fakeDevice{sectors: img}
}

func TestNewGPTDeviceParsesHeaderAndPartitions(t *testing.T) {
	dev := buildGPTImage(t, "root")

	gpt, err := NewGPTDevice(dev)
	require.NoError(t, err)
	require.Len(t, gpt.Partitions(), 1)

	p := gpt.Partitions()[0]
	require.Equal(t, "root", p.Name)
	require.EqualValues(t, 2048, p.StartingLBA)
	require.EqualValues(t, 4095, p.EndingLBA)
}

func TestNewGPTDeviceRejectsMissingProtectiveMBR(t *testing.T) {
	dev := buildGPTImage(t, "root")
	dev.sectors[mbrPartitionTableOff+mbrSystemIDOff] = 0x07 // NTFS, not GPT-protective

	_, err := NewGPTDevice(dev)
	require.ErrorIs(t, err, ErrNotGPT)
}

func TestNewGPTDeviceRejectsBadSignature(t *testing.T) {
	dev := buildGPTImage(t, "root")
	copy(dev.sectors[sectorSize:sectorSize+8], "NOT GPT!")

	_, err := NewGPTDevice(dev)
	require.ErrorIs(t, err, ErrNotGPT)
}

func TestGptGUIDMatchesStandardByteOrder(t *testing.T) {
	// C12A7328-F81F-11D2-BA4B-00A0C93EC93B is the EFI System Partition
	// type GUID (UEFI spec table 5-7), stored on-disk with its first
	// three fields little-endian.
	onDisk := []byte{
		0x28, 0x73, 0x2A, 0xC1, // data1 LE
		0x1F, 0xF8, // data2 LE
		0xD2, 0x11, // data3 LE
		0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B, // data4 as-is
	}
	got := gptGUID(onDisk)
	want := uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	require.Equal(t, want, got)
}

func TestReadBoundsChecksAgainstPartitionExtent(t *testing.T) {
	dev := buildGPTImage(t, "root")
	gpt, err := NewGPTDevice(dev)
	require.NoError(t, err)

	// partition [2048, 4095): size = 2047 sectors
	data, err := gpt.Read(0, 0, 1)
	require.NoError(t, err)
	require.Len(t, data, sectorSize)

	_, err = gpt.Read(0, 2047, 1)
	require.Error(t, err)

	_, err = gpt.Read(1, 0, 1)
	require.Error(t, err)
}

func TestRegistrySkipsNonGPTDeviceAndReportsPartitions(t *testing.T) {
	var seen []uint32
	reg := NewRegistry(func(dev *GPTDevice, partition uint32) {
		seen = append(seen, partition)
	})

	reg.RegisterDevice(&fakeDevice{sectors: make([]byte, 4*sectorSize)})
	require.Empty(t, seen)
	require.Empty(t, reg.Devices())

	reg.RegisterDevice(buildGPTImage(t, "root"))
	require.Equal(t, []uint32{0}, seen)
	require.Len(t, reg.Devices(), 1)
}
