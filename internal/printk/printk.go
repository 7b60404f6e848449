// Package printk is the kernel's single console-write sink (spec's
// "external collaborator" boundary keeps actual framebuffer glyph
// rendering out of scope, same as the Limine request/response
// boilerplate): one point all boot/diagnostic text and console echo
// passes through, mirroring biscuit's direct fmt.Printf calls and the
// row/col bookkeeping original_source/src/printk.rs's LockedPrintk
// exposes to ioctl(TIOCGWINSZ) — without the pixel blitting.
package printk

import (
	"fmt"
	"io"
	"sync"

	"venix/internal/bootinfo"
)

// charWidth/charHeight mirror the 8x16 cell the original's
// noto-sans-mono-bitmap raster (RasterHeight::Size16) renders into —
// only used here to turn a framebuffer's pixel dimensions into a
// terminal row/col count, never to draw a glyph.
const (
	charWidth  = 8
	charHeight = 16
)

// Sink is the printk console: every write goes straight to the
// underlying writer (a serial port or host stderr in this port; the
// original instead blits glyphs into the boot framebuffer, out of scope
// here per the spec's collaborator boundary).
type Sink struct {
	mu   sync.Mutex
	out  io.Writer
	rows uint8
	cols uint8
}

// New wraps out as a printk sink, deriving its row/col count from fb the
// way LockedPrintk::get_rows/get_cols do. A zero-valued Framebuffer (no
// boot framebuffer reported yet) falls back to the conventional 80x25
// text-mode size.
func New(out io.Writer, fb bootinfo.Framebuffer) *Sink {
	rows, cols := uint8(25), uint8(80)
	if fb.Height > 0 && fb.Width > 0 {
		rows = uint8(fb.Height / charHeight)
		cols = uint8(fb.Width / charWidth)
	}
	return &Sink{out: out, rows: rows, cols: cols}
}

// WriteString implements internal/console's Writer seam.
func (s *Sink) WriteString(str string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.out, str)
}

// Write implements io.Writer so a Sink can also back internal/klog's
// zerolog output once the console is up (klog falls back to stderr
// directly before that).
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

// Rows and Cols report the sink's current terminal geometry, the pair
// internal/console's TIOCGWINSZ ioctl hands back to userspace.
func (s *Sink) Rows() uint8 { return s.rows }
func (s *Sink) Cols() uint8 { return s.cols }

var _ io.Writer = (*Sink)(nil)
