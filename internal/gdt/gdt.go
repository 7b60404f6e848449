// Package gdt models the L2 GDT/PCB/Syscall-entry layer of spec §4.5: one
// PCB per CPU holding a self-pointer (read via GS), the segment selectors,
// the TSS, the double-fault and kernel stacks, and the scratch fields the
// SYSCALL/SYSRET trampoline needs. Ported from original_source/src/gdt.rs.
// The MSR writes go through internal/arch's MSRIO; the literal GDT/TSS
// binary layout and the LGDT/LTR load are delegated to a Loader, which
// this module implements only as test doubles.
package gdt

import "venix/internal/arch"

// Selector indices into the GDT, in load order (spec §4.5: arranged so the
// SYSCALL/SYSRET selector math works).
const (
	SelNull = iota
	SelKernelCode
	SelKernelData
	SelSyscallPad // dummy kernel-code entry so SYSRET's +16/+8 math lines up
	SelUserData
	SelUserCode
	SelTSS
)

// IST indices.
const (
	ISTDoubleFault = 0
	ISTKernel      = 1
)

const doubleFaultStackSize = 4096 * 5
const kernelStackSize = 1024 * 1024 * 8

// TSS is the subset of the task-state segment this kernel uses: the
// ring-0 stack pointer and two IST entries.
type TSS struct {
	RSP0     uintptr
	IST      [8]uintptr // index 0 unused by hardware; IST1..IST7 at [1..7]
}

// Selectors names the five segment selectors the kernel cares about.
type Selectors struct {
	KernelCode, KernelData uint16
	UserCode, UserData     uint16
	TSSSel                 uint16
}

// PCB is the per-CPU processor control block: one value, over 8 MiB in
// size because both stacks are stored inline, whose first field is a
// self-pointer readable via a fixed GS-relative offset (spec §3).
// Allocated once at CPU bring-up and never freed.
type PCB struct {
	SelfPtr uintptr // must stay the first field: GS-relative reads of the self-pointer use offset 0

	Selectors Selectors
	TSS       TSS

	TmpUserStackPtr uintptr
	UserCR3         uintptr

	doubleFaultStack [doubleFaultStackSize]byte
	kernelStack      [kernelStackSize]byte
}

// STAR packs the selector pair SYSCALL/SYSRET depend on: STAR =
// ((user_cs|3) << 48) | (kernel_cs << 32), per spec §4.5.
func STAR(sel Selectors) uint64 {
	return (uint64(sel.UserCode|3) << 48) | (uint64(sel.KernelCode) << 32)
}

// Init builds the per-CPU PCB, loads the GDT/TSS, and programs the MSRs
// needed for SYSCALL/SYSRET: LSTAR -> the syscall entry stub, STAR per
// the selector layout above, and IA32_EFER.SCE set (spec §4.5).
func Init(m arch.MSRIO, loader Loader, pcb *PCB, syscallEntry uintptr) {
	pcb.SelfPtr = uintptr(ptrOf(pcb))
	pcb.TSS.RSP0 = endOf(&pcb.kernelStack)
	pcb.TSS.IST[1+ISTDoubleFault] = endOf(&pcb.doubleFaultStack)
	pcb.TSS.IST[1+ISTKernel] = endOf(&pcb.kernelStack)

	pcb.Selectors = Selectors{
		KernelCode: SelKernelCode << 3,
		KernelData: SelKernelData << 3,
		UserCode:   SelUserCode << 3,
		UserData:   SelUserData << 3,
		TSSSel:     SelTSS << 3,
	}

	loader.LoadGDTAndTSS(pcb)

	const eferSCE = 1 << 0
	m.WriteMSR(arch.MSR_IA32_FSBASE, 0)
	m.WriteMSR(arch.MSR_IA32_GSBASE, uint64(pcb.SelfPtr))
	m.WriteMSR(arch.MSR_IA32_KERNELGSBASE, 0)
	m.WriteMSR(arch.MSR_IA32_EFER, m.ReadMSR(arch.MSR_IA32_EFER)|eferSCE)
	m.WriteMSR(arch.MSR_IA32_STAR, STAR(pcb.Selectors))
	m.WriteMSR(arch.MSR_IA32_LSTAR, uint64(syscallEntry))
}

// Loader performs the actual LGDT/LTR/segment-register reload. This module
// ships no hardware implementation of it (internal/arch declares none);
// tests substitute a recording fake.
type Loader interface {
	LoadGDTAndTSS(pcb *PCB)
}
