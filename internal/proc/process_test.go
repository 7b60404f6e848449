package proc

import (
	"testing"
)

type fakeStacks struct{ base uintptr }

func (f *fakeStacks) AllocateKernelStack(size uint64) uintptr { return f.base }

func TestNewKernelThreadSetsUpContext(t *testing.T) {
	p := NewKernelThread(0x1000, &fakeStacks{base: 0x2000}, 0x08, 0x10)

	ctx := p.Context()
	if ctx.RIP != 0x1000 {
		t.Fatalf("RIP = %#x, want 0x1000", ctx.RIP)
	}
	if ctx.RSP != 0x2000+kernelStackSize {
		t.Fatalf("RSP = %#x, want top of stack", ctx.RSP)
	}
	if ctx.RFlags != 0x202 {
		t.Fatalf("RFlags = %#x, want 0x202", ctx.RFlags)
	}
	if p.State() != StateRunning {
		t.Fatalf("State = %v, want Running", p.State())
	}
	if p.TaskType() != TaskKernel {
		t.Fatalf("TaskType = %v, want Kernel", p.TaskType())
	}
	if p.Cwd() != "/" {
		t.Fatalf("Cwd = %q, want /", p.Cwd())
	}
}

func TestEmplaceFdUsesLowestFreeNumber(t *testing.T) {
	p := NewKernelThread(0, &fakeStacks{}, 0, 0)

	a := p.EmplaceFd(FileDescriptor{Flags: 1})
	b := p.EmplaceFd(FileDescriptor{Flags: 2})
	if a != 0 || b != 1 {
		t.Fatalf("got fds (%d, %d), want (0, 1)", a, b)
	}

	if !p.CloseFd(0) {
		t.Fatalf("CloseFd(0): expected true")
	}
	c := p.EmplaceFd(FileDescriptor{Flags: 3})
	if c != 0 {
		t.Fatalf("EmplaceFd after close: got %d, want 0 (the freed slot)", c)
	}

	if p.CloseFd(99) {
		t.Fatalf("CloseFd on an unopened fd: expected false")
	}
}

func TestEmplaceFdAtTryGreater(t *testing.T) {
	p := NewKernelThread(0, &fakeStacks{}, 0, 0)
	if _, ok := p.EmplaceFdAt(FileDescriptor{}, 5, false); !ok {
		t.Fatalf("EmplaceFdAt(5, false) on a free slot: expected ok")
	}

	got, ok := p.EmplaceFdAt(FileDescriptor{}, 5, true)
	if !ok || got != 6 {
		t.Fatalf("EmplaceFdAt with tryGreater over a taken slot: got (%d, %v), want (6, true)", got, ok)
	}

	if _, ok := p.EmplaceFdAt(FileDescriptor{}, 5, false); ok {
		t.Fatalf("EmplaceFdAt(5, false) on a taken slot: expected !ok")
	}
}

func TestSigprocmaskBlockUnblockSetmask(t *testing.T) {
	p := NewKernelThread(0, &fakeStacks{}, 0, 0)

	p.SigprocmaskBlock(0b0011)
	p.SigprocmaskBlock(0b0100)
	if got := p.Sigprocmask(); got != 0b0111 {
		t.Fatalf("Sigprocmask after two blocks: got %#b, want 0b0111", got)
	}

	p.SigprocmaskUnblock(0b0001)
	if got := p.Sigprocmask(); got != 0b0110 {
		t.Fatalf("Sigprocmask after unblock: got %#b, want 0b0110", got)
	}

	p.SigprocmaskSetmask(0b1000)
	if got := p.Sigprocmask(); got != 0b1000 {
		t.Fatalf("Sigprocmask after setmask: got %#b, want 0b1000", got)
	}
}

func TestTaskStateTransitions(t *testing.T) {
	p := NewKernelThread(0, &fakeStacks{}, 0, 0)

	p.SetWaiting(nil)
	if p.State() != StateWaiting {
		t.Fatalf("State after SetWaiting: got %v, want Waiting", p.State())
	}

	p.SetAsyncSyscall(nil)
	if p.State() != StateAsyncSyscall {
		t.Fatalf("State after SetAsyncSyscall: got %v, want AsyncSyscall", p.State())
	}

	p.SyscallReturn(42, 0)
	if p.State() != StateRunning {
		t.Fatalf("State after SyscallReturn: got %v, want Running", p.State())
	}
	if p.Context().GPRs.RAX != 42 {
		t.Fatalf("RAX after SyscallReturn: got %d, want 42", p.Context().GPRs.RAX)
	}
}

func TestParseSigActionHandlerType(t *testing.T) {
	bare := ParseSigAction(0x4000, 0x0, 0)
	if bare.Type != HandlerBare {
		t.Fatalf("ParseSigAction with mask=0: got %v, want HandlerBare", bare.Type)
	}

	sigaction := ParseSigAction(0x4000, sigactionSAMaskRestorer, 0)
	if sigaction.Type != HandlerSigAction {
		t.Fatalf("ParseSigAction with the restorer bit set: got %v, want HandlerSigAction", sigaction.Type)
	}
}
