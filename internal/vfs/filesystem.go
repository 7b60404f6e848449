// Package vfs implements the L6 virtual filesystem of spec §4.15: the
// FileSystem/VNode/FileHandle interface triad, a two-map mount table, and
// path-walk with mountpoint crossing in both directions. Modeled on
// biscuit's fdops.Fdops_i and ported from original_source/src/vfs/
// {filesystem,mount,traverse}.rs.
package vfs

import "venix/internal/defs"

// VNodeKind enumerates the kinds of node the VFS can name (spec §3's
// VNode, original's filesystem::VNodeKind).
type VNodeKind int

const (
	Regular VNodeKind = iota
	Directory
	Symlink
	CharDevice
	BlockDevice
	Fifo
	Socket
)

// FileSystemInstance identifies one mounted filesystem instance; 0 is
// reserved for the VFS root (original's FileSystemInstance(0)).
type FileSystemInstance uint64

// Stat is the subset of file metadata the VFS layer exposes (original's
// filesystem::Stat).
type Stat struct {
	Name string
	Size uint64
}

// PollEvents mirrors the readiness bits a FileHandle.Poll call asks
// about and reports back (original's sys::syscall::PollEvents).
type PollEvents uint32

const (
	PollIn PollEvents = 1 << iota
	PollOut
)

// FileSystem is implemented by each mounted filesystem driver (FAT16,
// ...): it hands back VNodes for its root and for named lookups within a
// directory (original's filesystem::FileSystem trait).
type FileSystem interface {
	Root(fsi FileSystemInstance) VNode
	Lookup(fsi FileSystemInstance, parent VNode, name string) (VNode, defs.Err_t)
}

// VNode is one filesystem-polymorphic node (spec §3's VNode invariant:
// every VNode belongs to exactly one FileSystem and can name it back).
type VNode interface {
	Inode() uint64
	Kind() VNodeKind
	Stat() (Stat, defs.Err_t)
	Open() (FileHandle, defs.Err_t)
	FileSystem() FileSystem
	FSI() FileSystemInstance
	// Parent returns this node's parent, or the mount's covered
	// directory when this node is a mounted filesystem's root —
	// crossing back out is the mount table's job, not the VNode's
	// (see MountTable.Parent).
	Parent() (VNode, defs.Err_t)
}

// FileHandle is an open file: an offset plus the read/write/poll
// surface a file descriptor exposes (original's filesystem::FileHandle
// trait; BoxFuture-returning methods are synchronous here, since Go's
// blocking calls already give the scheduler a natural suspension point
// without a hand-rolled future machinery at this layer — the Future/
// Waker contract spec's Design Notes describe is reserved for
// internal/sched's syscall dispatch, one layer up).
type FileHandle interface {
	Read(buf []byte) (int, defs.Err_t)
	Write(buf []byte) (int, defs.Err_t)
	Seek(offset int64, whence int) (int64, defs.Err_t)
	Stat() (Stat, defs.Err_t)
	Poll(events PollEvents) (PollEvents, defs.Err_t)
	Ioctl(cmd uint64, arg uint64) (uint64, defs.Err_t)
}
