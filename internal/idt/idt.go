// Package idt implements the L2 interrupt layer of spec §4.6: a
// statically-built IDT, dedicated exception handlers (with #DF routed
// through its own IST stack), and a per-IRQ callback chain invoked from a
// macro-generated wrapper in the original. Ported from
// original_source/src/interrupts/idt.rs. This package holds the handler
// tables and their Go-level dispatch only; the IDT-entry encoding and the
// LIDT load are not part of this module.
package idt

import (
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"venix/internal/apic"
	"venix/internal/klog"
)

// Exception vector numbers this kernel installs dedicated handlers for
// (spec §4.6).
const (
	VecDE = 0x0
	VecDB = 0x1
	VecNMI = 0x2
	VecBP = 0x3
	VecOF = 0x4
	VecBR = 0x5
	VecUD = 0x6
	VecNM = 0x7
	VecDF = 0x8
	VecTS = 0xA
	VecNP = 0xB
	VecSS = 0xC
	VecGP = 0xD
	VecPF = 0xE
)

// IRQBase is the vector the first ISA IRQ is remapped to (vector = GSI +
// IRQBase, spec §4.6).
const IRQBase = 0x20

// SpuriousVector is the vector the Local APIC's SIVR is programmed with.
const SpuriousVector = 0xFF

// Frame is the trap frame an exception handler receives: the minimum the
// spec's fatal-panic report needs (instruction pointer, error code for
// faults that push one, and whether it came from user mode).
type Frame struct {
	Vector   int
	ErrCode  uint64
	RIP      uintptr
	CS       uint16
	RFLAGS   uint64
	FaultVA  uintptr // valid only for #PF

	// InstructionBytes holds up to 15 bytes read from RIP by the
	// arch-specific trap entry stub (the longest possible x86-64
	// instruction). It's only populated for #UD/#GP, where the panic
	// report disassembles the faulting instruction; nil elsewhere.
	InstructionBytes []byte
}

// ExceptionHandler handles a CPU exception. Fatal handlers call
// klog.Panic after disabling interrupts (spec §5/§7); user-caused faults
// from copy_to_user/copy_from_user never reach here — they're resolved
// inline by vm.AddressSpace and surfaced as an errno.
type ExceptionHandler func(Frame)

// IRQHandler is one link in a per-IRQ handler chain (spec §4.6).
type IRQHandler func()

// Table is the statically-built IDT: dedicated exception handlers plus,
// for each of the 16 legacy ISA IRQ vectors, a chain of callbacks invoked
// in registration order after the Local APIC is EOI'd.
type Table struct {
	mu         sync.Mutex
	exceptions map[int]ExceptionHandler
	irqChains  map[int][]IRQHandler
	lapic      *apic.LocalAPIC
}

// NewTable builds the IDT with the default, panic-on-fault exception
// handlers for every vector spec §4.6 names, and an empty IRQ chain table.
func NewTable(lapic *apic.LocalAPIC) *Table {
	t := &Table{
		exceptions: make(map[int]ExceptionHandler),
		irqChains:  make(map[int][]IRQHandler),
		lapic:      lapic,
	}
	for _, v := range []int{VecDE, VecDB, VecNMI, VecBP, VecOF, VecBR, VecNM, VecTS, VecNP, VecSS, VecUD} {
		vec := v
		t.exceptions[vec] = func(f Frame) { fatal(vec, f) }
	}
	t.exceptions[VecDF] = func(f Frame) { fatal(VecDF, f) } // routed via IST1 at load time
	t.exceptions[VecGP] = func(f Frame) { fatal(VecGP, f) }
	t.exceptions[VecPF] = func(f Frame) { fatal(VecPF, f) }
	return t
}

func fatal(vec int, f Frame) {
	// "exception handlers that declare themselves fatal call cli before
	// panicking so the fault is visible" (spec §5) — disabling
	// interrupts is an arch-level op performed by the real entry stub
	// before this handler runs; by the time we're here IF is already 0.
	ev := klog.Sub("idt").Error().
		Int("vector", vec).
		Uint64("errcode", f.ErrCode).
		Uintptr("rip", f.RIP).
		Uintptr("fault_va", f.FaultVA)

	if (vec == VecUD || vec == VecGP) && len(f.InstructionBytes) > 0 {
		if inst, err := x86asm.Decode(f.InstructionBytes, 64); err == nil {
			ev = ev.Str("instruction", inst.String())
		} else {
			ev = ev.Str("instruction", "<undecodable>")
		}
	}

	ev.Msg("fatal exception")
	klog.Panicf("unhandled fatal exception vector %#x at rip=%#x", vec, f.RIP)
}

// SetExceptionHandler overrides the handler for a vector, e.g. tests
// wanting to observe a #PF without actually panicking.
func (t *Table) SetExceptionHandler(vector int, h ExceptionHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exceptions[vector] = h
}

// Dispatch is called by the (arch-specific) trap entry stub with the
// decoded frame; it's the Go-level half of the asm wrapper in the
// original.
func (t *Table) Dispatch(f Frame) {
	t.mu.Lock()
	h, ok := t.exceptions[f.Vector]
	t.mu.Unlock()
	if !ok {
		klog.Panicf("idt: no handler installed for vector %#x", f.Vector)
	}
	h(f)
}

// AddHandlerToIRQ appends fn to the callback chain for irq (spec §4.6).
func (t *Table) AddHandlerToIRQ(irq int, fn IRQHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.irqChains[irq] = append(t.irqChains[irq], fn)
}

// DispatchIRQ is the Go-level body of the macro-generated IRQ wrapper: EOI
// the Local APIC, then invoke every registered callback for irq in order
// (spec §4.6). The caller (the arch-specific stub) has already saved
// volatile GPRs and will restore + iretq after this returns.
func (t *Table) DispatchIRQ(irq int) {
	t.lapic.EOI()
	t.mu.Lock()
	chain := append([]IRQHandler(nil), t.irqChains[irq]...)
	t.mu.Unlock()
	for _, fn := range chain {
		fn()
	}
}
