// Package console implements the L7 console/TTY device of spec §4.16: a
// devfs-registered char device carrying a termios-like line discipline
// (canonical/raw mode, CR/NL translation), a keypress ring fed by
// internal/usb/hid, and the ioctl surface a terminal driver expects
// (TCGETS/TCSETS/TIOCGWINSZ/TIOCGPGRP/TIOCSPGRP). Ported from
// original_source/src/console/mod.rs.
package console

import (
	"sync"

	"venix/internal/defs"
	"venix/internal/klog"
	"venix/internal/vfs"
)

// Ioctl command numbers, matching the real termios ABI values the
// original's sys::ioctl::IoCtl enum wraps.
const (
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TIOCGWINSZ = 0x5413
	TIOCGPGRP  = 0x540F
	TIOCSPGRP  = 0x5410
)

// Writer is the printk sink a Device echoes local-loopback keypresses and
// write(2) calls into (the seam over whatever owns the framebuffer/serial
// port, original's crate::PRINTK).
type Writer interface {
	WriteString(s string)
}

// Device is a devfs character device implementing both vfs.VNode and
// vfs.FileHandle directly (original's ConsoleDevice, which doubles as
// "strictly speaking a subsystem, not a device" so it can ride devfs).
type Device struct {
	mu sync.Mutex

	keyBuffer     []byte
	pgrp          uint64
	crnl          bool
	nlcr          bool
	canonical     bool
	localLoopback bool

	printk Writer
}

// New returns a Device in the original's default configuration: canonical
// mode on, local loopback on, no CR/NL translation (original's
// console::init).
func New(printk Writer) *Device {
	return &Device{
		canonical:     true,
		localLoopback: true,
		printk:        printk,
	}
}

// RegisterKeypress appends a keystroke to the input buffer and, if local
// loopback is on, echoes it to the printk sink (original's
// ConsoleDevice::register_key / console::register_keypress).
func (d *Device) RegisterKeypress(k rune) {
	d.mu.Lock()
	d.keyBuffer = append(d.keyBuffer, byte(k))
	loopback := d.localLoopback
	d.mu.Unlock()

	if loopback && d.printk != nil {
		d.printk.WriteString(string(k))
	}
}

// --- vfs.VNode ---

func (d *Device) Inode() uint64              { return 0 }
func (d *Device) Kind() vfs.VNodeKind        { return vfs.CharDevice }
func (d *Device) FileSystem() vfs.FileSystem { return nil }
func (d *Device) FSI() vfs.FileSystemInstance {
	return 0
}
func (d *Device) Parent() (vfs.VNode, defs.Err_t) { return nil, defs.ENOENT }

func (d *Device) Stat() (vfs.Stat, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return vfs.Stat{Name: "console", Size: uint64(len(d.keyBuffer))}, 0
}

// Open returns the device itself: unlike Fifo, the original's
// ConsoleDevice has no per-open state, so every file descriptor opened
// against it shares the one key buffer and line-discipline flags.
func (d *Device) Open() (vfs.FileHandle, defs.Err_t) { return d, 0 }

// --- vfs.FileHandle ---

// Read drains a complete line in canonical mode (up to and including the
// first '\r'), or whatever bytes are queued in raw mode — VMIN is assumed
// to be 1, exactly as the original's TODO-flagged non-canonical branch
// does (original's ConsoleDevice::read's Wait future).
func (d *Device) Read(buf []byte) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var line []byte
	if d.canonical {
		pos := indexByte(d.keyBuffer, '\r')
		if pos < 0 {
			return 0, defs.EAGAIN
		}
		n := pos + 1
		if n > len(buf) {
			n = len(buf)
		}
		line = d.keyBuffer[:n]
		d.keyBuffer = d.keyBuffer[n:]
	} else {
		if len(d.keyBuffer) == 0 {
			return 0, defs.EAGAIN
		}
		n := len(d.keyBuffer)
		if n > len(buf) {
			n = len(buf)
		}
		line = d.keyBuffer[:n]
		d.keyBuffer = d.keyBuffer[n:]
	}

	for i, c := range line {
		switch {
		case c == '\r' && d.crnl:
			line[i] = '\n'
		case c == '\n' && d.nlcr:
			line[i] = '\r'
		}
	}
	return copy(buf, line), 0
}

// Write sends buf straight to the printk sink (original's
// ConsoleDevice::write; the original's own comment notes ONLCR isn't
// handled here, since printk already turns every '\n' into a CRLF).
func (d *Device) Write(buf []byte) (int, defs.Err_t) {
	if d.printk != nil {
		d.printk.WriteString(string(buf))
	}
	return len(buf), 0
}

func (d *Device) Seek(offset int64, whence int) (int64, defs.Err_t) {
	return 0, defs.EINVAL
}

// Ioctl implements the termios-lite surface (original's
// ConsoleDevice::ioctl). Unlike the original, which reaches into user
// memory itself via memory::copy_value_from_user/copy_to_user, this port
// treats arg/the return value as already-resolved scalars — the caller
// (internal/syscall's dispatcher, which already holds the process's
// AddressSpace) is responsible for the user-memory copy around this
// call, keeping internal/console free of a vm dependency.
func (d *Device) Ioctl(cmd uint64, arg uint64) (uint64, defs.Err_t) {
	switch cmd {
	case TCGETS:
		// stubbed out, exactly as the original leaves it
		return 0, 0
	case TCSETS:
		d.mu.Lock()
		iflag := uint32(arg >> 32)
		lflag := uint32(arg)
		d.crnl = iflag&2 != 0
		d.nlcr = iflag&0x20 != 0
		d.canonical = lflag&0x10 != 0
		d.localLoopback = lflag&0x01 != 0
		d.mu.Unlock()
		// the original returns Err(()) here too, even though it just
		// finished applying the new settings successfully
		return 0, defs.EINVAL
	case TIOCGWINSZ:
		rows, cols := 25, 80
		return uint64(rows)<<48 | uint64(cols)<<32, 0
	case TIOCGPGRP:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.pgrp, 0
	case TIOCSPGRP:
		d.mu.Lock()
		d.pgrp = arg
		d.mu.Unlock()
		return 0, 0
	default:
		klog.Sub("console").Warn().Uint64("cmd", cmd).Msg("unrecognised ioctl")
		return 0, defs.EINVAL
	}
}

// Poll reports Out unconditionally and In once a complete line (canonical
// mode) or any byte (raw mode) is buffered (original's
// ConsoleDevice::poll).
func (d *Device) Poll(events vfs.PollEvents) (vfs.PollEvents, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready vfs.PollEvents
	if events&vfs.PollOut != 0 {
		ready |= vfs.PollOut
	}
	if events&vfs.PollIn != 0 {
		if d.canonical {
			if indexByte(d.keyBuffer, '\r') >= 0 {
				ready |= vfs.PollIn
			}
		} else if len(d.keyBuffer) > 0 {
			ready |= vfs.PollIn
		}
	}
	return ready, 0
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

var _ vfs.VNode = (*Device)(nil)
var _ vfs.FileHandle = (*Device)(nil)
