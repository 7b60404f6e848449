// Package klog is the kernel's single logging sink: structured subsystem
// diagnostics over zerolog, with panics wrapped through pkg/errors so a
// fatal kernel-invariant violation prints a full stack in the console
// report (spec §7's "disable interrupts and panic with the full frame").
package klog

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// L is the process-wide logger. cmd/venix redirects its writer to the
// printk console once the framebuffer is up; before that it writes to
// stderr so early boot diagnostics are never silently dropped.
var L = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
	With().Timestamp().Logger()

// SetOutput redirects L to w, e.g. once cmd/venix has constructed the
// internal/printk console sink from the boot framebuffer. Loggers
// already handed out by Sub keep writing to whatever L pointed at when
// they were created; only calls to Sub (and direct use of L) made after
// this returns see the new destination.
func SetOutput(w io.Writer) {
	L = zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		With().Timestamp().Logger()
}

// Sub returns a logger tagged with the given subsystem name, e.g.
// klog.Sub("uhci") for every UHCI diagnostic.
func Sub(name string) zerolog.Logger {
	return L.With().Str("subsys", name).Logger()
}

// Panic wraps msg with a stack trace and panics with it. Use for fatal
// kernel-invariant violations (double fault, unhandled page fault,
// unrecoverable GPF) per spec §7's propagation policy.
func Panic(msg string) {
	err := errors.New(msg)
	L.Error().Stack().Err(err).Msg("fatal kernel invariant violation")
	panic(err)
}

// Panicf is Panic with formatting.
func Panicf(format string, args ...interface{}) {
	err := errors.Errorf(format, args...)
	L.Error().Stack().Err(err).Msg("fatal kernel invariant violation")
	panic(err)
}
