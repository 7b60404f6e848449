// Package proc implements the L7 process layer of spec §4.18's data
// model: the per-process register snapshot, fd/signal tables, argv/envp,
// and the TaskState machine a scheduler drives. Ported from
// original_source/src/process/mod.rs and scheduler/signal.rs.
package proc

import (
	"sync"

	"venix/internal/vfs"
	"venix/internal/vm"
)

// Tid identifies a process (original's usize task id / PROCESS_TABLE
// index).
type Tid uint64

// GeneralPurposeRegisters is the GPR snapshot saved/restored across a
// context switch, in the order the SYSCALL entry stub pushes them
// (original's process::GeneralPurposeRegisters).
type GeneralPurposeRegisters struct {
	R15, R14, R13, R12 uint64
	R11, R10, R9, R8   uint64
	RBP, RDI, RSI, RDX uint64
	RCX, RBX, RAX      uint64
}

// Context is the full saved machine state of a suspended task (original's
// process::ProcessContext).
type Context struct {
	GPRs   GeneralPurposeRegisters
	RFlags uint64
	RIP    uint64
	RSP    uint64
	CS     uint64
	SS     uint64
}

// auxVector is one (type, value) ELF auxiliary-vector entry (original's
// process::AuxVector).
type auxVector struct {
	Type  uint64
	Value uint64
}

// Auxiliary vector type tags the loader populates (original's
// AT_NUL/AT_PHDR/AT_PHENT/AT_PHNUM/AT_BASE/AT_ENTRY).
const (
	AtNull  = 0
	AtPHDR  = 3
	AtPHENT = 4
	AtPHNUM = 5
	AtBase  = 7
	AtEntry = 9
)

// Future is the async-syscall contract a syscall implementation returns
// when it can't complete synchronously (spec's Design Notes §9 "Async
// over a bare-metal runtime" — the idiomatic Go substitute for the
// original's Pin<Box<dyn Future<Output=SyscallResult> + Send>>).
// Poll is called with a Waker the implementation may stash and invoke
// later; it returns (result, true) once ready, or (zero value, false) to
// stay pending.
type Future interface {
	Poll(w *Waker) (SyscallResult, bool)
}

// SyscallResult is the (return value, errno) pair a completed syscall
// writes back into the caller's saved RAX/RDX (spec's run-queue
// description).
type SyscallResult struct {
	Value uint64
	Errno int64
}

// TaskState is the state machine spec §3 assigns every Process: Setup
// before its first run, Running while scheduled, AsyncSyscall while a
// Future is ready to be polled again, and Waiting while suspended on a
// Future that has registered a Waker and not yet been woken (original's
// process::TaskState).
type TaskState int

const (
	StateSetup TaskState = iota
	StateRunning
	StateAsyncSyscall
	StateWaiting
)

func (s TaskState) String() string {
	switch s {
	case StateSetup:
		return "Setup"
	case StateRunning:
		return "Running"
	case StateAsyncSyscall:
		return "AsyncSyscall"
	case StateWaiting:
		return "Waiting"
	default:
		return "unknown"
	}
}

// TaskType distinguishes a kernel-only thread from a user process with
// its own address space (original's process::TaskType).
type TaskType int

const (
	TaskKernel TaskType = iota
	TaskUser
)

// SignalHandlerType distinguishes a bare handler from a full sigaction
// (original's signal::HandlerType).
type SignalHandlerType int

const (
	HandlerBare SignalHandlerType = iota
	HandlerSigAction
)

// SignalHandler is one installed signal disposition (original's
// signal::SignalHandler).
type SignalHandler struct {
	Handler uintptr
	Mask    uint64
	Type    SignalHandlerType
	Flags   uint64
}

// sigactionSAMaskRestorer is the bit original's parse_sigaction tests
// against sa_mask to decide HandlerSigAction vs HandlerBare — preserved
// exactly as the original computes it, quirky as it is (the original
// itself comments this will "get fleshed out in due course").
const sigactionSAMaskRestorer = 1 << 4

// ParseSigAction decodes a raw struct sigaction (as a process would pass
// it via rt_sigaction) into a SignalHandler (original's
// signal::parse_sigaction). sigaction layout: handler (8 bytes), mask (8
// bytes), flags (4 bytes), matching the original's #[repr(C)] SigAction.
func ParseSigAction(handler, mask uint64, flags int32) SignalHandler {
	t := HandlerBare
	if mask&sigactionSAMaskRestorer != 0 {
		t = HandlerSigAction
	}
	return SignalHandler{
		Handler: uintptr(handler),
		Mask:    mask,
		Type:    t,
		Flags:   uint64(flags),
	}
}

// FileDescriptor is one entry in a process's fd table: the shared open
// file plus per-descriptor flags (original's process::FileDescriptor).
type FileDescriptor struct {
	File  vfs.FileHandle
	Flags uint64
}

// kernelStackSize/userStackSize are the fixed stack sizes the original
// allocates for kernel threads and for a freshly execve'd user process
// (original's 8 * 1024 * 1024 literals in new_kthread/init_stack_and_start).
const (
	kernelStackSize = 8 * 1024 * 1024
	userStackSize   = 8 * 1024 * 1024
)

// Process is one schedulable task: its saved context, address space (if
// any), fd/signal tables, argv/envp, and current TaskState (spec §3's
// Process, original's process::Process).
type Process struct {
	mu sync.RWMutex

	fds      map[uint64]FileDescriptor
	nextFd   uint64
	args     []string
	envvars  []string
	auxv     []auxVector
	context  Context
	state    TaskState
	future   Future
	taskType TaskType
	addrSpace *vm.AddressSpace
	cwd      string
	signals  map[uint64]SignalHandler
	sigmask  uint64
}

// StackAllocator supplies a kernel stack of the given size, returning its
// base virtual address (the seam over internal/vm's GetPageRange this
// package doesn't own); the interface makes no promise that the memory is
// zeroed.
type StackAllocator interface {
	AllocateKernelStack(size uint64) uintptr
}

// NewKernelThread builds a kernel-only task starting execution at rip,
// with an 8 MiB kernel stack (original's Process::new_kthread).
func NewKernelThread(rip uint64, stacks StackAllocator, kernelCS, kernelSS uint64) *Process {
	rsp := stacks.AllocateKernelStack(kernelStackSize)

	return &Process{
		fds:     make(map[uint64]FileDescriptor),
		args:    []string{"init"},
		envvars: []string{"PATH=/bin:/usr/bin"},
		context: Context{
			RFlags: 0x202,
			RIP:    rip,
			RSP:    uint64(rsp) + kernelStackSize,
			CS:     kernelCS,
			SS:     kernelSS,
		},
		state:    StateRunning,
		taskType: TaskKernel,
		cwd:      "/",
		signals:  make(map[uint64]SignalHandler),
	}
}

// Execve resets this process's address space, argv/envp, auxv, signal
// table, and GPRs for a fresh program image, promoting it to TaskUser if
// it was still TaskKernel (original's Process::execve). The caller
// supplies the already-constructed fresh AddressSpace (internal/vm's
// NewAddressSpace), since proc doesn't depend on the frame allocator or
// hardware CR3 seam directly.
func (p *Process) Execve(newArgs, newEnvvars []string, freshAddressSpace *vm.AddressSpace) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.taskType = TaskUser
	p.addrSpace = freshAddressSpace

	p.args = newArgs
	p.envvars = newEnvvars
	p.context.GPRs = GeneralPurposeRegisters{}
	p.context.RFlags = 0x202
	p.auxv = nil
	p.signals = make(map[uint64]SignalHandler)
}

// TaskType returns whether this is a kernel thread or a user process
// (original's Process::task_type, read directly since it's pub there).
func (p *Process) TaskType() TaskType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.taskType
}

// AddressSpace returns the process's address space, or nil for a
// TaskKernel process (original's TaskType::User/Kernel match arms
// throughout process.rs).
func (p *Process) AddressSpace() *vm.AddressSpace {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addrSpace
}

// SetRegisters overwrites the saved RSP/RIP/RFLAGS/GPRs, as a signal
// delivery or sigreturn would (original's Process::set_registers).
func (p *Process) SetRegisters(rsp, rip, rflags uint64, gprs GeneralPurposeRegisters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context.RSP = rsp
	p.context.RIP = rip
	p.context.RFlags = rflags
	p.context.GPRs = gprs
}

// SetUserSelectors overwrites the saved CS/SS with the user code/data
// selectors (original's attach_loaded_elf's direct context.cs/ss writes).
func (p *Process) SetUserSelectors(cs, ss uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context.CS = cs
	p.context.SS = ss
}

// SetEntry overwrites the saved RIP (original's attach_loaded_elf's
// direct context.rip = ld_so.entry write, and the fallback this port
// takes for a statically-linked image with no interpreter to jump
// into first).
func (p *Process) SetEntry(rip uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context.RIP = rip
}

// Context returns a snapshot of the saved machine state (original's
// Process::get_context).
func (p *Process) Context() Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.context
}

// State returns the current TaskState (original's Process::get_state).
func (p *Process) State() TaskState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetWaiting transitions the process to StateWaiting, parking future to
// be resumed by a later Waker.wake (original's
// TaskState::Waiting { future }).
func (p *Process) SetWaiting(future Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateWaiting
	p.future = future
}

// SetAsyncSyscall transitions the process to StateAsyncSyscall, marking
// future ready to be polled again on the scheduler's next tick
// (original's TaskState::AsyncSyscall { future }).
func (p *Process) SetAsyncSyscall(future Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateAsyncSyscall
	p.future = future
}

// SetRunning transitions the process to StateRunning, e.g. once a
// syscall's result has been written back.
func (p *Process) SetRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateRunning
	p.future = nil
}

// PendingFuture returns the Future parked by SetWaiting/SetAsyncSyscall,
// or nil if the process isn't suspended on one.
func (p *Process) PendingFuture() Future {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.future
}

// SyscallReturn writes a completed syscall's result into the saved GPR
// snapshot and resumes the process (original's Process::syscall_return).
func (p *Process) SyscallReturn(rax uint64, rdx uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context.GPRs.RAX = rax
	p.context.GPRs.RDX = rdx
	p.state = StateRunning
	p.future = nil
}

// InstallSignalHandler records handler as signal's disposition (original's
// Process::install_signal_handler).
func (p *Process) InstallSignalHandler(signal uint64, handler SignalHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals[signal] = handler
}

// SignalHandlerFor returns signal's installed disposition, if any
// (original's Process::get_current_signal_handler).
func (p *Process) SignalHandlerFor(signal uint64) (SignalHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.signals[signal]
	return h, ok
}

// SigprocmaskBlock/Unblock/Setmask implement the three rt_sigprocmask
// operations (original's signal_mask_block/unblock/setmask).
func (p *Process) SigprocmaskBlock(set uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigmask |= set
}

func (p *Process) SigprocmaskUnblock(set uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigmask &^= set
}

func (p *Process) SigprocmaskSetmask(set uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigmask = set
}

// Sigprocmask returns the current signal mask (original's
// Process::get_current_sigprocmask).
func (p *Process) Sigprocmask() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sigmask
}

// EmplaceFd installs fd at the lowest unused descriptor number (original's
// Process::emplace_fd).
func (p *Process) EmplaceFd(fd FileDescriptor) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint64(0); ; i++ {
		if _, taken := p.fds[i]; !taken {
			p.fds[i] = fd
			return i
		}
	}
}

// EmplaceFdAt installs fd at fdNum, or the lowest unused descriptor >=
// fdNum if tryGreater is set (original's Process::emplace_fd_at; dup2
// without tryGreater, fcntl F_DUPFD with it). ok is false when fdNum is
// already taken and tryGreater wasn't requested — the original panics
// in that case (a path it itself marks TODO for "better error
// handling"), which this port turns into an explicit failure return
// instead of a kernel-fatal panic over a plain duplicate fd request.
func (p *Process) EmplaceFdAt(fd FileDescriptor, fdNum uint64, tryGreater bool) (assigned uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, taken := p.fds[fdNum]; taken && !tryGreater {
		return 0, false
	}
	for i := fdNum; ; i++ {
		if _, taken := p.fds[i]; !taken {
			p.fds[i] = fd
			return i, true
		}
	}
}

// SetFdFlags updates fd's per-descriptor flags (original's
// Process::set_fd_flags).
func (p *Process) SetFdFlags(fd uint64, flags uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fds[fd]
	if !ok {
		return false
	}
	f.Flags = flags
	p.fds[fd] = f
	return true
}

// CloseFd removes fd from the table, reporting whether it was open
// (original's Process::close_fd).
func (p *Process) CloseFd(fd uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return false
	}
	delete(p.fds, fd)
	return true
}

// Fd returns fd's FileDescriptor, if open (original's
// Process::get_file_descriptor).
func (p *Process) Fd(fd uint64) (FileDescriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.fds[fd]
	return f, ok
}

// Cwd/SetCwd expose the process's working directory (original's
// get_cwd/set_cwd).
func (p *Process) Cwd() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cwd
}

func (p *Process) SetCwd(cwd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cwd = cwd
}

// Args/Envvars/Auxv expose the process's stack-layout inputs, for
// internal/elf's stack builder (original's args/envvars/auxvs fields,
// read directly in init_stack_and_start).
func (p *Process) Args() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.args...)
}

func (p *Process) Envvars() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.envvars...)
}

// SetAuxv replaces the auxiliary vector, e.g. after internal/elf loads a
// program and ld.so image (original's attach_loaded_elf's auxvs.push
// calls).
func (p *Process) SetAuxv(entries []AuxEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auxv = make([]auxVector, len(entries))
	for i, e := range entries {
		p.auxv[i] = auxVector{Type: e.Type, Value: e.Value}
	}
}

// AuxEntry is the exported (type, value) pair callers build an auxiliary
// vector from.
type AuxEntry struct {
	Type  uint64
	Value uint64
}

// Auxv returns the current auxiliary vector.
func (p *Process) Auxv() []AuxEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]AuxEntry, len(p.auxv))
	for i, a := range p.auxv {
		out[i] = AuxEntry{Type: a.Type, Value: a.Value}
	}
	return out
}
