// Package apic implements the L2 interrupt-controller layer of spec §4.6:
// the Local x2APIC and the I/O APICs, including ISA IRQ routing via GSI
// overrides. Ported from original_source/src/interrupts/local_apic.rs and
// io_apic.rs.
package apic

import (
	"venix/internal/arch"
	"venix/internal/klog"
)

const (
	apicBaseIsBSP = 1 << 8
	apicBaseExtd  = 1 << 10
	apicBaseEN    = 1 << 11

	sivrVector = 0xFF
	sivrEN     = 1 << 8
)

// CPUFeatures reports the CPUID bits init needs; a real boot image backs
// this with a CPUID leaf read, tests substitute a fixed value.
type CPUFeatures interface {
	HasAPIC() bool
	HasX2APIC() bool
}

// LocalAPIC is the BSP's Local APIC, driven entirely through x2APIC MSRs
// (spec §4.6).
type LocalAPIC struct {
	msr arch.MSRIO
	id  uint64
}

// InitLocalAPIC checks CPUID for APIC/x2APIC presence, remaps and disables
// the legacy 8259s if ACPI reports they're present, enables the APIC via
// IA32_APIC_BASE, and installs the SIVR (spec §4.6). It panics if the CPU
// lacks an APIC or x2APIC mode, or if called on anything but the BSP.
func InitLocalAPIC(m arch.MSRIO, feat CPUFeatures, legacyPICPresent bool, remapPICs func()) *LocalAPIC {
	if !feat.HasAPIC() {
		klog.Panic("apic: system does not have a Local APIC")
	}
	if !feat.HasX2APIC() {
		klog.Panic("apic: system APIC does not support x2APIC mode")
	}

	if legacyPICPresent {
		klog.Sub("apic").Info().Msg("legacy PIC present, remapping and disabling")
		remapPICs()
	}

	base := m.ReadMSR(arch.MSR_IA32_APIC_BASE)
	if base&apicBaseIsBSP == 0 {
		klog.Panic("apic: attempted to initialise BSP APIC on an AP")
	}
	m.WriteMSR(arch.MSR_IA32_APIC_BASE, base|apicBaseEN|apicBaseExtd)
	m.WriteMSR(arch.MSR_X2APIC_SIVR, sivrVector|sivrEN)

	id := m.ReadMSR(arch.MSR_X2APIC_IDR)
	return &LocalAPIC{msr: m, id: id}
}

// ID returns the BSP's APIC ID, as read from IA32_X2APIC_IDR.
func (l *LocalAPIC) ID() uint32 { return uint32(l.id) }

// EOI issues end-of-interrupt by writing 0 to MSR 0x80B (spec §4.6).
func (l *LocalAPIC) EOI() {
	l.msr.WriteMSR(arch.MSR_X2APIC_EOI, 0)
}
