// Command venix is the boot glue row of the package-mapping table: the
// one place every layer from the frame allocator up to the scheduler and
// syscall dispatch is wired together, standing in for the patched-runtime
// kernel entry point the retrieved teacher builds with its own bootloader.
// This repository targets a portable module buildable with stock tooling
// instead, so Boot is the seam a real Limine entry stub would call into
// after parsing its own request/response structures into a
// bootinfo.Info — no such stub, linker script, or QEMU harness ships
// here. Ported in spirit from original_source/src/main.rs's kmain, which
// performs the same bring-up sequence (gdt -> idt -> apic -> acpi/pci ->
// drivers -> vfs -> init process) inline rather than behind a single
// entry function.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"venix/internal/acpi"
	"venix/internal/apic"
	"venix/internal/arch"
	"venix/internal/block"
	"venix/internal/bootinfo"
	"venix/internal/console"
	"venix/internal/dma"
	"venix/internal/driver"
	"venix/internal/elf"
	"venix/internal/fat"
	"venix/internal/gdt"
	"venix/internal/idt"
	"venix/internal/klog"
	"venix/internal/mem"
	"venix/internal/pci"
	"venix/internal/printk"
	"venix/internal/proc"
	"venix/internal/sched"
	"venix/internal/syscall"
	"venix/internal/uhci"
	"venix/internal/usb/hid"
	"venix/internal/vfs"
	"venix/internal/vm"
)

var log = klog.Sub("boot")

// Deps supplies every hardware-facing or enumeration-time collaborator
// Boot needs but cannot construct itself (the spec's "external
// collaborator" boundary, extended to cover device enumeration as well as
// raw hardware access). A real entry stub builds these from Limine
// responses and the loaded ACPI tables; tests substitute arch.NewSim, an
// in-memory ACPI namespace, and a simulated disk image.
type Deps struct {
	Machine      arch.Machine
	GDTLoader    gdt.Loader
	SyscallEntry uintptr

	CPUFeatures apic.CPUFeatures
	LegacyPIC   bool
	RemapPICs   func()

	IOAPICMMIO    apic.MMIO
	IOAPICGSIBase uint32

	ACPINamespace acpi.Namespace // nil skips system-bus enumeration
	PCIRouting    pci.RoutingTable
	PCIBuses      []uint8 // nil defaults to bus 0 only

	Disks []block.Device // nil mounts no filesystem; init is never exec'd

	// PrintkWriter overrides the console's sink, e.g. a test capturing
	// output in a buffer. Nil makes Boot construct the default
	// internal/printk sink over os.Stderr and info.Framebuffer, and
	// redirect internal/klog's logger to it.
	PrintkWriter console.Writer
}

// Kernel is the fully wired system Boot hands back. A real entry stub
// keeps this around to drive the scheduler's run loop and service
// interrupts after Boot returns; this repository's tests use it to
// assert the pieces actually fit together.
type Kernel struct {
	Frames    *mem.FrameAllocator
	KernelAS  *vm.AddressSpace
	PCB       *gdt.PCB
	IDT       *idt.Table
	LocalAPIC *apic.LocalAPIC
	IOAPIC    *apic.IOAPIC
	PCIConfig *pci.ConfigAccess
	Drivers   *driver.Registry
	Console   *console.Device
	Mounts    *vfs.MountTable
	Sched     *sched.Scheduler
	Syscalls  *syscall.Dispatcher
	Init      *proc.Process
}

// emptyKernelTemplate is the kernel-half template for the very first
// address space Boot creates: a real Limine entry stub has already
// identity-mapped the kernel image and established the HHDM by the time
// Boot runs, so there is no pre-existing kernel-half page table for this
// port to copy from (spec's original ties this into the bootloader's own
// page tables, which this repository never builds).
type emptyKernelTemplate struct{}

func (emptyKernelTemplate) Entries256To511() [256]mem.Pa_t { return [256]mem.Pa_t{} }

// framePageSource adapts a FrameAllocator in Full mode to dma.PageSource,
// resolving each allocated frame's HHDM virtual alias (spec §4.10's arena
// construction, which the original backs with the same frame allocator +
// HHDM pairing).
type framePageSource struct {
	frames *mem.FrameAllocator
}

func (s framePageSource) AllocatePage() (uintptr, mem.Pa_t, bool) {
	f, ok := s.frames.AllocateFrame()
	if !ok {
		return 0, 0, false
	}
	phys := mem.Pa_t(f)
	virt := mem.HHDM(phys)
	*mem.Bytes(virt) = [mem.PageSize]byte{}
	return virt, phys, true
}

// pciBus adapts one enumerated PCI bus to driver.Bus, wrapping every
// function found as a driver.PCIIdentifier (spec §4.8/§4.9's PCI
// enumeration -> driver matching chain).
type pciBus struct {
	devices []driver.DeviceTypeIdentifier
}

func newPCIBus(cfg *pci.ConfigAccess, bus uint8, routing pci.RoutingTable) pciBus {
	found := pci.EnumerateBus(cfg, bus, routing)
	ids := make([]driver.DeviceTypeIdentifier, 0, len(found))
	for _, d := range found {
		ids = append(ids, driver.PCIIdentifier{Device: d})
	}
	return pciBus{devices: ids}
}

func (pciBus) Name() string                              { return "pci" }
func (b pciBus) Enumerate() []driver.DeviceTypeIdentifier { return b.devices }

// systemBus adapts an ACPI namespace's system-bus device walk to
// driver.Bus (spec §4.7/§4.8's ACPI SystemBus identifier variant).
type systemBus struct {
	devices []driver.DeviceTypeIdentifier
}

func newSystemBus(ns acpi.Namespace) systemBus {
	found := acpi.EnumerateSystemBusDevices(ns)
	ids := make([]driver.DeviceTypeIdentifier, 0, len(found))
	for _, d := range found {
		ids = append(ids, driver.SystemBusIdentifier{SystemBusDeviceIdentifier: d})
	}
	return systemBus{devices: ids}
}

func (systemBus) Name() string                              { return "acpi-system-bus" }
func (b systemBus) Enumerate() []driver.DeviceTypeIdentifier { return b.devices }

// addressSpaceBuilder implements syscall.AddressSpaceBuilder over the
// kernel's own frame allocator and hardware CR3 seam, handing execve a
// fresh per-process address space each time it loads a new image.
type addressSpaceBuilder struct {
	frames *mem.FrameAllocator
	hw     arch.CR3IO
}

func (b addressSpaceBuilder) NewAddressSpace() (*vm.AddressSpace, error) {
	return vm.NewAddressSpace(b.frames, b.hw, emptyKernelTemplate{})
}

// kernelStacks hands out kernel-thread stacks carved out of the kernel
// address space's own virtual range (spec §4.3's GetPageRange, reused
// here for the one long-lived kernel stack init's process needs before
// its first execve promotes it to a user task).
type kernelStacks struct {
	as *vm.AddressSpace
}

func (s kernelStacks) AllocateKernelStack(size uint64) uintptr {
	return s.as.GetPageRange(size)
}

// Boot assembles every kernel layer against deps and info, mounts the
// first GPT-partitioned, FAT16-formatted disk it finds (if any), and
// spawns the kernel thread that will execve /init, making it the running
// task (original_source/src/main.rs's kmain, generalized from one inline
// function to the package-wired form spec §2's layer table describes).
func Boot(info bootinfo.Info, deps Deps) (*Kernel, error) {
	mem.SetHHDMOffset(info.HHDMOffset)

	frames := mem.NewFrameAllocator(info.UsableEntries())
	frames.MoveToFullMode()

	kernelAS, err := vm.NewAddressSpace(frames, deps.Machine, emptyKernelTemplate{})
	if err != nil {
		return nil, fmt.Errorf("building kernel address space: %w", err)
	}

	pcb := &gdt.PCB{}
	gdt.Init(deps.Machine, deps.GDTLoader, pcb, deps.SyscallEntry)

	lapic := apic.InitLocalAPIC(deps.Machine, deps.CPUFeatures, deps.LegacyPIC, deps.RemapPICs)
	idtTable := idt.NewTable(lapic)

	var ioapic *apic.IOAPIC
	if deps.IOAPICMMIO != nil {
		ioapic = apic.NewIOAPIC(deps.IOAPICMMIO, deps.IOAPICGSIBase)
	}

	cfg := pci.NewConfigAccess(deps.Machine)
	registry := driver.NewRegistry()

	printkWriter := deps.PrintkWriter
	if printkWriter == nil {
		sink := printk.New(os.Stderr, info.Framebuffer)
		klog.SetOutput(sink)
		printkWriter = sink
	}
	consoleDev := console.New(printkWriter)
	consoleID := registry.RegisterDevice(consoleDev)
	registry.RegisterDevfs("console", consoleID)

	newArena := func() *dma.Arena {
		return dma.New(framePageSource{frames: frames})
	}

	registry.RegisterDriver(uhci.NewDriver(registry, deps.Machine, cfg, newArena))
	registry.RegisterDriver(hid.NewDriver(consoleDev.RegisterKeypress))

	if deps.ACPINamespace != nil {
		registry.RegisterBusAndEnumerate(newSystemBus(deps.ACPINamespace))
	}

	buses := deps.PCIBuses
	if len(buses) == 0 {
		buses = []uint8{0}
	}
	for _, bus := range buses {
		registry.RegisterBusAndEnumerate(newPCIBus(cfg, bus, deps.PCIRouting))
	}

	mounts := vfs.NewMountTable()
	for _, disk := range deps.Disks {
		gpt, err := block.NewGPTDevice(disk)
		if err != nil {
			log.Warn().Err(err).Msg("disk is not GPT-partitioned, skipping")
			continue
		}
		mounted := false
		for partition := range gpt.Partitions() {
			fs, err := fat.Probe(gpt, uint32(partition))
			if err != nil {
				continue
			}
			if errno := mounts.MountRoot(fs); errno != 0 {
				log.Warn().Err(errno).Msg("mounting root filesystem failed")
				continue
			}
			mounted = true
			break
		}
		if mounted {
			break
		}
	}

	scheduler := sched.New()
	spaces := addressSpaceBuilder{frames: frames, hw: deps.Machine}
	dispatcher := syscall.New(mounts, spaces, syscall.UserSelectors{
		CS: uint64(pcb.Selectors.UserCode | 3),
		SS: uint64(pcb.Selectors.UserData | 3),
	})

	init := proc.NewKernelThread(0, kernelStacks{as: kernelAS}, uint64(pcb.Selectors.KernelCode), uint64(pcb.Selectors.KernelData))
	initTid := scheduler.Spawn(init)
	scheduler.SwitchTo(initTid, nil)

	return &Kernel{
		Frames:    frames,
		KernelAS:  kernelAS,
		PCB:       pcb,
		IDT:       idtTable,
		LocalAPIC: lapic,
		IOAPIC:    ioapic,
		PCIConfig: cfg,
		Drivers:   registry,
		Console:   consoleDev,
		Mounts:    mounts,
		Sched:     scheduler,
		Syscalls:  dispatcher,
		Init:      init,
	}, nil
}

// ExecInit loads path over k.Init's address space and transfers it to
// Running, exactly as the syscall entry's own execve handler would once
// init invokes it on itself — called directly here since there is no
// SYSCALL trampoline to drive it without real hardware (spec's init_setup,
// which execve's itself rather than being exec'd by a parent).
func (k *Kernel) ExecInit(path string) error {
	as, err := k.Syscalls.Spaces.NewAddressSpace()
	if err != nil {
		return fmt.Errorf("allocating address space for init: %w", err)
	}

	handle, errno := k.Mounts.Open(path)
	if errno != 0 {
		return fmt.Errorf("opening %s: %w", path, errno)
	}
	st, errno := handle.Stat()
	if errno != 0 {
		return fmt.Errorf("stat %s: %w", path, errno)
	}
	image := make([]byte, st.Size)
	if _, errno := handle.Read(image); errno != 0 {
		return fmt.Errorf("reading %s: %w", path, errno)
	}

	k.Init.Execve([]string{path}, []string{"PATH=/bin:/usr/bin"}, as)

	loaded, err := elf.Load(image, as)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	k.Init.SetUserSelectors(k.Syscalls.Selectors.CS, k.Syscalls.Selectors.SS)
	k.Init.SetEntry(loaded.Entry)
	k.Init.SetAuxv([]proc.AuxEntry{
		{Type: proc.AtEntry, Value: loaded.Entry},
		{Type: proc.AtPHDR, Value: loaded.ProgramHeader},
		{Type: proc.AtPHENT, Value: loaded.ProgramHeaderEntrySize},
		{Type: proc.AtPHNUM, Value: loaded.ProgramHeaderEntryCount},
		{Type: proc.AtNull, Value: 0},
	})

	return elf.BuildStack(as, k.Init)
}

// main parses the kernel command line and reports that this binary is the
// wiring harness, not a bootable kernel image: without a Limine entry
// stub and linker script (out of scope here, per spec's Non-goals) there
// is no hardware to hand Boot a real arch.Machine for.
func main() {
	consoleArg := pflag.String("console", "", "console device spec (e.g. com1)")
	rootArg := pflag.String("root", "", "root filesystem device")
	pflag.Parse()

	fmt.Fprintf(os.Stderr, "venix: command-line parsed (console=%q root=%q); "+
		"this binary assembles the kernel's internal packages but ships no "+
		"Limine entry stub or linker script, so it cannot itself boot hardware.\n",
		*consoleArg, *rootArg)
	os.Exit(1)
}
