package elf

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"venix/internal/proc"
	"venix/internal/vm"
)

// userStackSize is the fixed 8 MiB a freshly execve'd process's stack
// gets (original's literal in init_stack_and_start).
const userStackSize = 8 * 1024 * 1024

// BuildStack allocates an 8 MiB user stack and lays out argv/envp/auxv on
// it exactly as a freshly exec'd ELF binary expects to find them at
// startup, then points the process's saved RSP at the result and
// transitions it to Running (original's Process::init_stack_and_start).
// It leaves RIP untouched — AttachLoadedELF (or, for a statically linked
// image with no interpreter, a direct Process.SetEntry call) is
// responsible for that, exactly as in the original, where
// attach_loaded_elf's context.rip write happens before
// init_stack_and_start ever runs and init_stack_and_start never touches
// it again.
func BuildStack(as *vm.AddressSpace, p *proc.Process) error {
	base, err := as.UserAllocate(userStackSize)
	if err != nil {
		return errors.Wrap(err, "allocating stack memory for process")
	}
	top := uint64(base) + userStackSize

	args := p.Args()
	envvars := p.Envvars()
	auxv := p.Auxv()

	argsBufSize := 0
	for _, a := range args {
		argsBufSize += len(a) + 1
	}
	envBufSize := 0
	for _, e := range envvars {
		envBufSize += len(e) + 1
	}

	top -= uint64(envBufSize + argsBufSize)
	stackBase := top

	currentOffs := envBufSize + argsBufSize

	envPtrs := make([]uint64, 0, len(envvars))
	for _, e := range envvars {
		elen := len(e) + 1
		if err := as.CopyToUser(uintptr(stackBase)+uintptr(currentOffs-elen), cstring(e)); err != vm.ErrNone {
			return errors.Errorf("copying envvar to user stack: %v", err)
		}
		currentOffs -= elen
		envPtrs = append(envPtrs, stackBase+uint64(currentOffs))
	}

	argPtrs := make([]uint64, 0, len(args))
	for _, a := range args {
		alen := len(a) + 1
		if err := as.CopyToUser(uintptr(stackBase)+uintptr(currentOffs-alen), cstring(a)); err != vm.ErrNone {
			return errors.Errorf("copying arg to user stack: %v", err)
		}
		currentOffs -= alen
		argPtrs = append(argPtrs, stackBase+uint64(currentOffs))
	}

	// auxv (16 bytes/entry) + envp/argv pointer arrays (8 bytes/entry) +
	// 3 more words (argc, the argv NULL terminator and the envp NULL
	// terminator), exactly as the original sizes this subtraction.
	top -= uint64(len(auxv)*16+len(envvars)*8+len(args)*8) + 3*8
	alignment := top % 16
	top -= alignment

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(args)))
	for _, ptr := range argPtrs {
		buf = binary.LittleEndian.AppendUint64(buf, ptr)
	}
	buf = binary.LittleEndian.AppendUint64(buf, 0)
	for _, ptr := range envPtrs {
		buf = binary.LittleEndian.AppendUint64(buf, ptr)
	}
	buf = binary.LittleEndian.AppendUint64(buf, 0)
	for _, a := range auxv {
		buf = binary.LittleEndian.AppendUint64(buf, a.Type)
		buf = binary.LittleEndian.AppendUint64(buf, a.Value)
	}
	buf = append(buf, make([]byte, alignment)...)

	if err := as.CopyToUser(uintptr(top), buf); err != vm.ErrNone {
		return errors.Errorf("copying stack frame to user memory: %v", err)
	}

	ctx := p.Context()
	p.SetRegisters(top, ctx.RIP, ctx.RFlags, ctx.GPRs)
	p.SetRunning()
	return nil
}

func cstring(s string) []byte {
	return append([]byte(s), 0)
}
