package syscall

import (
	"testing"

	"venix/internal/arch"
	"venix/internal/bootinfo"
	"venix/internal/defs"
	"venix/internal/mem"
	"venix/internal/proc"
	"venix/internal/vfs"
	"venix/internal/vm"
)

type zeroTemplate struct{}

func (zeroTemplate) Entries256To511() [256]mem.Pa_t { return [256]mem.Pa_t{} }

func newTestSpace(t *testing.T, arenaPages int) *vm.AddressSpace {
	t.Helper()
	mem.SetHHDMOffset(0)
	arena := mem.NewSimArena(arenaPages)
	fa := mem.NewFrameAllocator([]bootinfo.MemMapEntry{arena.Entry()})
	fa.MoveToFullMode()
	as, err := vm.NewAddressSpace(fa, arch.NewSim(), zeroTemplate{})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as
}

type stubSpaces struct{ as *vm.AddressSpace }

func (s stubSpaces) NewAddressSpace() (*vm.AddressSpace, error) { return s.as, nil }

type fakeStacks struct{}

func (fakeStacks) AllocateKernelStack(size uint64) uintptr { return 0x100000 }

// attachedProcess returns a TaskUser process already wired to as, the
// way only Execve itself can install an address space.
func attachedProcess(t *testing.T, as *vm.AddressSpace) *proc.Process {
	t.Helper()
	p := proc.NewKernelThread(0, fakeStacks{}, 0x2b, 0x33)
	p.Execve(nil, nil, as)
	return p
}

type fakeHandle struct {
	written []byte
	stat    vfs.Stat
	data    []byte
}

func (h *fakeHandle) Read(buf []byte) (int, defs.Err_t) {
	n := copy(buf, h.data)
	return n, 0
}
func (h *fakeHandle) Write(buf []byte) (int, defs.Err_t) {
	h.written = append(h.written, buf...)
	return len(buf), 0
}
func (h *fakeHandle) Seek(offset int64, whence int) (int64, defs.Err_t) { return 0, 0 }
func (h *fakeHandle) Stat() (vfs.Stat, defs.Err_t)                      { return h.stat, 0 }
func (h *fakeHandle) Poll(events vfs.PollEvents) (vfs.PollEvents, defs.Err_t) {
	return vfs.PollIn, 0
}
func (h *fakeHandle) Ioctl(cmd, arg uint64) (uint64, defs.Err_t) { return 0, 0 }

type fakeVNode struct {
	kind vfs.VNodeKind
	fs   vfs.FileSystem
	open *fakeHandle
}

func (v *fakeVNode) Inode() uint64                     { return 1 }
func (v *fakeVNode) Kind() vfs.VNodeKind                { return v.kind }
func (v *fakeVNode) Stat() (vfs.Stat, defs.Err_t)       { return v.open.stat, 0 }
func (v *fakeVNode) Open() (vfs.FileHandle, defs.Err_t) { return v.open, 0 }
func (v *fakeVNode) FileSystem() vfs.FileSystem         { return v.fs }
func (v *fakeVNode) FSI() vfs.FileSystemInstance        { return 0 }
func (v *fakeVNode) Parent() (vfs.VNode, defs.Err_t)    { return v, 0 }

type fakeFS struct {
	root    *fakeVNode
	entries map[string]*fakeVNode
}

func (fs *fakeFS) Root(fsi vfs.FileSystemInstance) vfs.VNode { return fs.root }
func (fs *fakeFS) Lookup(fsi vfs.FileSystemInstance, parent vfs.VNode, name string) (vfs.VNode, defs.Err_t) {
	v, ok := fs.entries[name]
	if !ok {
		return nil, defs.ENOENT
	}
	return v, 0
}

func newMountedFS(t *testing.T) (*vfs.MountTable, *fakeFS) {
	t.Helper()
	fs := &fakeFS{entries: map[string]*fakeVNode{}}
	fs.root = &fakeVNode{kind: vfs.Directory, fs: fs, open: &fakeHandle{}}
	mounts := vfs.NewMountTable()
	if errno := mounts.MountRoot(fs); errno != 0 {
		t.Fatalf("MountRoot: %v", errno)
	}
	return mounts, fs
}

func TestDispatchWriteSendsBufferToFileHandle(t *testing.T) {
	as := newTestSpace(t, 64)
	p := attachedProcess(t, as)

	handle := &fakeHandle{}
	fd := p.EmplaceFd(proc.FileDescriptor{File: handle})

	base, err := as.UserAllocate(mem.PageSize)
	if err != nil {
		t.Fatalf("UserAllocate: %v", err)
	}
	msg := []byte("hello, init\n")
	if cerr := as.CopyToUser(base, msg); cerr != vm.ErrNone {
		t.Fatalf("CopyToUser: %v", cerr)
	}

	d := New(nil, stubSpaces{as: as}, UserSelectors{})
	val, errno := d.Dispatch(p, defs.SYS_WRITE, fd, uint64(base), uint64(len(msg)), 0, 0, 0)
	if errno != 0 {
		t.Fatalf("write errno = %d, want 0", errno)
	}
	if val != uint64(len(msg)) {
		t.Fatalf("write returned %d, want %d", val, len(msg))
	}
	if string(handle.written) != string(msg) {
		t.Fatalf("written = %q, want %q", handle.written, msg)
	}
}

func TestDispatchWriteUnknownFdReturnsEBADF(t *testing.T) {
	as := newTestSpace(t, 64)
	p := attachedProcess(t, as)
	d := New(nil, stubSpaces{as: as}, UserSelectors{})

	val, errno := d.Dispatch(p, defs.SYS_WRITE, 99, 0, 0, 0, 0, 0)
	if val != errAll {
		t.Fatalf("write(bad fd) value = %#x, want -1", val)
	}
	if errno != errnoOf(defs.EBADF) {
		t.Fatalf("write(bad fd) errno = %d, want EBADF", errno)
	}
}

func TestDispatchOpenInstallsFdForResolvedPath(t *testing.T) {
	as := newTestSpace(t, 64)
	p := attachedProcess(t, as)
	mounts, fs := newMountedFS(t)
	fs.entries["init"] = &fakeVNode{kind: vfs.Regular, fs: fs, open: &fakeHandle{stat: vfs.Stat{Name: "init", Size: 4}}}

	base, err := as.UserAllocate(mem.PageSize)
	if err != nil {
		t.Fatalf("UserAllocate: %v", err)
	}
	path := "/init\x00"
	if cerr := as.CopyToUser(base, []byte(path)); cerr != vm.ErrNone {
		t.Fatalf("CopyToUser: %v", cerr)
	}

	d := New(mounts, stubSpaces{as: as}, UserSelectors{})
	fd, errno := d.Dispatch(p, defs.SYS_OPEN, uint64(base), uint64(defs.O_RDONLY), 0, 0, 0, 0)
	if errno != 0 {
		t.Fatalf("open errno = %d, want 0", errno)
	}
	if _, ok := p.Fd(fd); !ok {
		t.Fatalf("open did not install fd %d", fd)
	}
}

func TestDispatchMmapAllocatesAnonymousMemory(t *testing.T) {
	as := newTestSpace(t, 256)
	p := attachedProcess(t, as)
	d := New(nil, stubSpaces{as: as}, UserSelectors{})

	val, errno := d.Dispatch(p, defs.SYS_MMAP, 0, mem.PageSize, 0, 0, errAll, 0)
	if errno != 0 {
		t.Fatalf("mmap errno = %d, want 0", errno)
	}
	if val == 0 {
		t.Fatalf("mmap returned a zero address")
	}

	if cerr := as.CopyToUser(uintptr(val), []byte("ok")); cerr != vm.ErrNone {
		t.Fatalf("mmap'd region is not actually backed: %v", cerr)
	}
}

func TestResolvePathJoinsRelativeAgainstCwd(t *testing.T) {
	d := &Dispatcher{}
	p := proc.NewKernelThread(0, fakeStacks{}, 0, 0)
	p.SetCwd("/home/user")

	if got := d.resolvePath(p, "file.txt"); got != "/home/user/file.txt" {
		t.Fatalf("resolvePath = %q, want /home/user/file.txt", got)
	}
	if got := d.resolvePath(p, "/etc/passwd"); got != "/etc/passwd" {
		t.Fatalf("resolvePath = %q, want /etc/passwd unchanged", got)
	}
}
