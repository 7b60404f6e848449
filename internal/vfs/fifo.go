package vfs

import (
	"sync"

	"venix/internal/defs"
)

// Fifo is an in-memory byte pipe (spec §3's VNodeKind.Fifo, original's
// vfs::fifo::Fifo): writes append, reads drain from the front. Poll
// reports Out unconditionally (the buffer has no capacity limit) and In
// only once data is queued.
type Fifo struct {
	mu     sync.Mutex
	buffer []byte
}

// NewFifo returns an empty Fifo.
func NewFifo() *Fifo { return &Fifo{} }

func (f *Fifo) Inode() uint64               { return 0 }
func (f *Fifo) Kind() VNodeKind              { return Fifo }
func (f *Fifo) FileSystem() FileSystem       { return nil }
func (f *Fifo) FSI() FileSystemInstance      { return 0 }
func (f *Fifo) Parent() (VNode, defs.Err_t)  { return nil, defs.ENOENT }

func (f *Fifo) Stat() (Stat, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stat{Size: uint64(len(f.buffer))}, 0
}

// Open returns a handle sharing this Fifo's buffer (original wraps a
// fresh FifoHandle per Open call; every handle reads/writes the same
// underlying Fifo, matching a real pipe's shared-buffer semantics).
func (f *Fifo) Open() (FileHandle, defs.Err_t) {
	return &fifoHandle{fifo: f}, 0
}

type fifoHandle struct {
	fifo *Fifo
}

func (h *fifoHandle) Read(buf []byte) (int, defs.Err_t) {
	f := h.fifo
	f.mu.Lock()
	defer f.mu.Unlock()

	n := copy(buf, f.buffer)
	f.buffer = f.buffer[n:]
	return n, 0
}

func (h *fifoHandle) Write(buf []byte) (int, defs.Err_t) {
	f := h.fifo
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffer = append(f.buffer, buf...)
	return len(buf), 0
}

// Poll reports Out unconditionally (a Fifo can always be written) and
// In only once data is queued (original's Fifo::poll).
func (h *fifoHandle) Poll(events PollEvents) (PollEvents, defs.Err_t) {
	f := h.fifo
	f.mu.Lock()
	defer f.mu.Unlock()

	var ready PollEvents
	if events&PollOut != 0 {
		ready |= PollOut
	}
	if events&PollIn != 0 && len(f.buffer) > 0 {
		ready |= PollIn
	}
	return ready, 0
}

func (h *fifoHandle) Stat() (Stat, defs.Err_t) {
	return h.fifo.Stat()
}

func (h *fifoHandle) Seek(offset int64, whence int) (int64, defs.Err_t) {
	return 0, defs.EINVAL
}

func (h *fifoHandle) Ioctl(cmd uint64, arg uint64) (uint64, defs.Err_t) {
	return 0, defs.EINVAL
}

var _ VNode = (*Fifo)(nil)
var _ FileHandle = (*fifoHandle)(nil)
