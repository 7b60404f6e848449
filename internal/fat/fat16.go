package fat

import (
	"strings"
	"sync"

	"venix/internal/block"
	"venix/internal/defs"
	"venix/internal/klog"
	"venix/internal/vfs"
)

const clusterEndOfChain = 0xFFF8

// rootInode is the fixed inode number assigned to a FAT16 volume's root
// directory (original's RootINode::inode, 0xFFFF_FFFF_FFFF_FFFF — no
// real cluster number can collide with it, since FAT16 cluster numbers
// never exceed 16 bits).
const rootInode uint64 = 0xFFFF_FFFF_FFFF_FFFF

// Fat16Fs is a mounted FAT16 volume (original's Fat16Fs): the decoded
// boot records, the in-memory FAT, and the partition it reads from.
type Fat16Fs struct {
	bootRecord   bootRecord
	extended     extendedBootRecord1216
	dev          *block.GPTDevice
	partition    uint32

	mu  sync.RWMutex
	fat []uint16
}

// newFat16Fs validates the extended BPB signature, loads the FAT table,
// and returns a ready-to-mount Fat16Fs (original's Fat16Fs::new). It
// returns nil, nil when the extended boot record's signature is neither
// 0x28 nor 0x29, meaning "not actually FAT16 despite the cluster-count
// guess"; any other failure is an I/O error from loading the FAT.
func newFat16Fs(dev *block.GPTDevice, partition uint32, br bootRecord, ebr extendedBootRecord1216) (*Fat16Fs, error) {
	if ebr.signature != ebrSignature28 && ebr.signature != ebrSignature29 {
		return nil, nil
	}

	fs := &Fat16Fs{bootRecord: br, extended: ebr, dev: dev, partition: partition}
	if err := fs.loadAllocationTable(); err != nil {
		return nil, err
	}

	klog.Sub("fat").Info().Str("volume", ebr.volumeLabel).Msg("mounted FAT16 volume")
	return fs, nil
}

// loadAllocationTable reads the on-disk FAT into memory as a []uint16
// (original's Fat16Fs::load_allocation_table).
func (fs *Fat16Fs) loadAllocationTable() error {
	br := fs.bootRecord
	sectorsPerLBA := uint64(br.bytesPerSector) / 512
	fatLBA := sectorsPerLBA * uint64(br.reservedSectors)
	fatSizeLBA := uint64(br.sectorsPerFAT) / sectorsPerLBA

	buf, err := fs.dev.Read(fs.partition, fatLBA, fatSizeLBA)
	if err != nil {
		return err
	}

	count := uint32(br.sectorsPerFAT) * uint32(br.bytesPerSector) / 2
	table := make([]uint16, count)
	for i := range table {
		off := i * 2
		if off+2 > len(buf) {
			break
		}
		table[i] = uint16(buf[off]) | uint16(buf[off+1])<<8
	}

	fs.mu.Lock()
	fs.fat = table
	fs.mu.Unlock()
	return nil
}

// clusterChain follows the FAT starting at start until an end-of-chain
// marker (>= 0xFFF8), returning every cluster visited (original's loop
// in INode::open building clusters_to_read).
func (fs *Fat16Fs) clusterChain(start uint32) []uint32 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var clusters []uint32
	cluster := start
	for {
		clusters = append(clusters, cluster)
		if int(cluster) >= len(fs.fat) {
			break
		}
		next := uint32(fs.fat[cluster])
		if next >= clusterEndOfChain {
			break
		}
		cluster = next
	}
	return clusters
}

// sectorsForCluster translates a cluster number into its run of 512-byte
// LBAs (original's per-cluster block computation in INode::open).
func (fs *Fat16Fs) sectorsForCluster(cluster uint32) []uint64 {
	br := fs.bootRecord
	sectorsPerLBA := uint64(br.bytesPerSector) / 512
	rootDirSectors := uint64(divCeil(uint32(br.rootDirectoryEntries)*32, uint32(br.bytesPerSector)))
	firstDataSector := uint64(br.reservedSectors) + uint64(br.numberOfFATs)*uint64(br.sectorsPerFAT) + rootDirSectors

	clusterSector := (uint64(cluster)-2)*uint64(br.sectorsPerCluster) + firstDataSector
	clusterLBA := clusterSector * sectorsPerLBA
	sizeLBA := uint64(br.sectorsPerCluster) * sectorsPerLBA

	sectors := make([]uint64, sizeLBA)
	for i := range sectors {
		sectors[i] = clusterLBA + uint64(i)
	}
	return sectors
}

// Root returns the volume's root directory VNode (original's
// FileSystem::root for Fat16Fs — the root directory has no cluster
// chain of its own in FAT12/16, it's a fixed run right before the data
// region).
func (fs *Fat16Fs) Root(fsi vfs.FileSystemInstance) vfs.VNode {
	br := fs.bootRecord
	sectorsPerLBA := uint64(br.bytesPerSector) / 512
	rootDirSect := uint64(br.reservedSectors) + uint64(br.numberOfFATs)*uint64(br.sectorsPerFAT)
	rootDirLBA := rootDirSect * sectorsPerLBA
	rootDirSizeSectors := uint64(divCeil(uint32(br.rootDirectoryEntries)*32, uint32(br.bytesPerSector)))
	rootDirSizeLBA := rootDirSizeSectors / sectorsPerLBA

	return &rootINode{
		rootDirectoryBlock: rootDirLBA,
		rootDirectorySize:  rootDirSizeLBA,
		fs:                 fs,
		fsi:                fsi,
	}
}

// Lookup resolves name within parent's directory contents, assembling
// VFAT long names where present (original's FileSystem::lookup for
// Fat16Fs).
func (fs *Fat16Fs) Lookup(fsi vfs.FileSystemInstance, parent vfs.VNode, name string) (vfs.VNode, defs.Err_t) {
	handle, errno := parent.Open()
	if errno != 0 {
		return nil, errno
	}
	stat, errno := handle.Stat()
	if errno != 0 {
		return nil, errno
	}

	contents := make([]byte, stat.Size)
	if _, errno := handle.Read(contents); errno != 0 {
		return nil, errno
	}

	rootEntries := len(contents) / dirEntrySize

	entry := 0
	for entry < rootEntries {
		foundName, consumed := getFilename(contents, rootEntries, entry)
		entry += consumed

		if foundName == "" {
			off := entry * dirEntrySize
			if off+dirEntrySize > len(contents) {
				break
			}
			if contents[off] == dirEntryEndOfDir {
				break
			}
			// free slot or volume label: skip past it and keep scanning
			entry++
			continue
		}

		// VFAT long names are case-sensitive on disk; short names
		// aren't — matching against the uppercased name too is a
		// known-imprecise kludge carried over from the original, which
		// notes the same TODO.
		if foundName != name && strings.ToUpper(foundName) != strings.ToUpper(name) {
			entry++
			continue
		}

		off := entry * dirEntrySize
		if off+dirEntrySize > len(contents) {
			return nil, defs.EINVAL
		}
		de := decodeDirectoryEntry(contents[off : off+dirEntrySize])

		kind := vfs.Regular
		if de.attributes&attrDirectory != 0 {
			kind = vfs.Directory
		}

		return &iNode{
			fileName:     name,
			fileSize:     de.fileSize,
			startCluster: de.startCluster(),
			kind:         kind,
			fs:           fs,
			fsi:          fsi,
			parent:       parent,
		}, 0
	}

	return nil, defs.ENOENT
}

// iNode is a regular file or subdirectory within a FAT16 volume
// (original's fat1216::INode).
type iNode struct {
	fileName     string
	fileSize     uint32
	startCluster uint32
	kind         vfs.VNodeKind
	fs           *Fat16Fs
	fsi          vfs.FileSystemInstance
	parent       vfs.VNode
}

func (n *iNode) Inode() uint64               { return uint64(n.startCluster) }
func (n *iNode) Kind() vfs.VNodeKind          { return n.kind }
func (n *iNode) FileSystem() vfs.FileSystem   { return n.fs }
func (n *iNode) FSI() vfs.FileSystemInstance  { return n.fsi }
func (n *iNode) Parent() (vfs.VNode, defs.Err_t) {
	if n.parent == nil {
		return nil, defs.ENOENT
	}
	return n.parent, 0
}

func (n *iNode) Stat() (vfs.Stat, defs.Err_t) {
	return vfs.Stat{Name: n.fileName, Size: uint64(n.fileSize)}, 0
}

// Open resolves this file's full cluster chain into a flat LBA list and
// wraps it in a FatFileHandle (original's INode::open).
func (n *iNode) Open() (vfs.FileHandle, defs.Err_t) {
	clusters := n.fs.clusterChain(n.startCluster)

	var sectors []uint64
	for _, c := range clusters {
		sectors = append(sectors, n.fs.sectorsForCluster(c)...)
	}

	return newFatFileHandle(n, sectors, n.fs.dev, n.fs.partition), 0
}

// rootINode is a FAT16 volume's root directory (original's
// fat1216::RootINode — a fixed sector run, not a cluster chain).
type rootINode struct {
	rootDirectoryBlock uint64
	rootDirectorySize  uint64
	fs                 *Fat16Fs
	fsi                vfs.FileSystemInstance
}

func (n *rootINode) Inode() uint64              { return rootInode }
func (n *rootINode) Kind() vfs.VNodeKind         { return vfs.Directory }
func (n *rootINode) FileSystem() vfs.FileSystem  { return n.fs }
func (n *rootINode) FSI() vfs.FileSystemInstance { return n.fsi }
func (n *rootINode) Parent() (vfs.VNode, defs.Err_t) {
	return nil, defs.ENOENT
}

func (n *rootINode) Stat() (vfs.Stat, defs.Err_t) {
	return vfs.Stat{Name: "/", Size: n.rootDirectorySize * 512}, 0
}

func (n *rootINode) Open() (vfs.FileHandle, defs.Err_t) {
	sectors := make([]uint64, n.rootDirectorySize)
	for i := range sectors {
		sectors[i] = n.rootDirectoryBlock + uint64(i)
	}
	return newFatFileHandle(n, sectors, n.fs.dev, n.fs.partition), 0
}

// fatFileHandle is an open FAT16 file or directory: a flat list of
// partition-relative LBAs plus a read offset (original's
// fat1216::FatFileHandle).
type fatFileHandle struct {
	mu        sync.Mutex
	vnode     vfs.VNode
	blockList []uint64
	dev       *block.GPTDevice
	partition uint32
	offset    uint64
	blockSize uint64
}

func newFatFileHandle(vnode vfs.VNode, blockList []uint64, dev *block.GPTDevice, partition uint32) *fatFileHandle {
	return &fatFileHandle{vnode: vnode, blockList: blockList, dev: dev, partition: partition, blockSize: 512}
}

// Read fills buf starting at the handle's current offset, reading
// whole 512-byte sectors from the partition and copying the requested
// sub-range out of them (original's FileHandle::read for
// FatFileHandle).
func (h *fatFileHandle) Read(buf []byte) (int, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stat, errno := h.vnode.Stat()
	if errno != 0 {
		return 0, errno
	}
	size := stat.Size

	start := h.offset
	if start >= size {
		return 0, 0
	}

	toRead := uint64(len(buf))
	if remaining := size - start; toRead > remaining {
		toRead = remaining
	}
	if toRead == 0 {
		return 0, 0
	}
	end := start + toRead

	startBlock := start / h.blockSize
	endBlock := end / h.blockSize

	var out []byte
	for i := startBlock; i <= endBlock; i++ {
		if i >= uint64(len(h.blockList)) {
			break
		}
		data, err := h.dev.Read(h.partition, h.blockList[i], 1)
		if err != nil {
			return 0, defs.EIO
		}
		out = append(out, data...)
	}

	offsetInFirst := start % h.blockSize
	if offsetInFirst > uint64(len(out)) {
		return 0, 0
	}
	slice := out[offsetInFirst:]
	if uint64(len(slice)) > toRead {
		slice = slice[:toRead]
	}

	n := copy(buf, slice)
	h.offset += uint64(n)
	return n, 0
}

// Write always fails: this driver is read-only (original's
// FileHandle::write for FatFileHandle, which unconditionally returns
// CanonicalError::Badf).
func (h *fatFileHandle) Write(buf []byte) (int, defs.Err_t) {
	return 0, defs.EBADF
}

func (h *fatFileHandle) Stat() (vfs.Stat, defs.Err_t) {
	return h.vnode.Stat()
}

// Poll reports whatever subset of in/out the caller asked about as
// always-ready, matching the original's unconditional
// `events & (In | Out)`.
func (h *fatFileHandle) Poll(events vfs.PollEvents) (vfs.PollEvents, defs.Err_t) {
	return events & (vfs.PollIn | vfs.PollOut), 0
}

func (h *fatFileHandle) Ioctl(cmd uint64, arg uint64) (uint64, defs.Err_t) {
	return 0, defs.EINVAL
}

// Seek repositions the handle's read offset (original's
// FileHandle::seek / vfs::filesystem::SeekFrom, collapsed onto the
// io.Seeker whence convention).
func (h *fatFileHandle) Seek(offset int64, whence int) (int64, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch whence {
	case 0: // io.SeekStart
		h.offset = uint64(offset)
	case 1: // io.SeekCurrent
		h.offset = uint64(int64(h.offset) + offset)
	case 2: // io.SeekEnd
		stat, errno := h.vnode.Stat()
		if errno != 0 {
			return 0, errno
		}
		h.offset = uint64(int64(stat.Size) + offset)
	default:
		return 0, defs.EINVAL
	}
	return int64(h.offset), 0
}

var _ vfs.FileSystem = (*Fat16Fs)(nil)
var _ vfs.VNode = (*iNode)(nil)
var _ vfs.VNode = (*rootINode)(nil)
var _ vfs.FileHandle = (*fatFileHandle)(nil)
