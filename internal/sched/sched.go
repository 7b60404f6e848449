// Package sched implements the L7 scheduler of spec §4.18: a run queue
// indexed by task id, CR3-switching process dispatch, and the
// Waker/Future cooperative-async machinery that lets a syscall suspend
// mid-dispatch and resume when its result becomes ready. Ported from
// original_source/src/scheduler/{mod,process_waker}.rs.
package sched

import (
	"sync"

	"venix/internal/proc"
)

// AddressSpaceSwitcher is the seam over internal/vm.AddressSpace's
// SwitchTo, narrowed to just what the scheduler needs to perform a
// context switch (original's unsafe address_space.switch_to()).
type AddressSpaceSwitcher interface {
	SwitchTo()
}

// Scheduler holds the run queue and tracks which task is current
// (original's PROCESS_TABLE/RUNNING_PROCESS statics, collected into one
// value instead of two package-level Onces).
type Scheduler struct {
	mu      sync.Mutex
	table   []*proc.Process
	running *proc.Tid
}

// New returns an empty scheduler (original's scheduler::init).
func New() *Scheduler {
	return &Scheduler{}
}

// Spawn appends p to the run queue and returns its task id (original's
// start_new_process, minus the inline address-space bring-up the caller
// now does itself via internal/vm before calling Spawn).
func (s *Scheduler) Spawn(p *proc.Process) proc.Tid {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = append(s.table, p)
	return proc.Tid(len(s.table) - 1)
}

// Deschedule clears the running-process cell and returns whatever task
// id it held, if any (original's scheduler::deschedule).
func (s *Scheduler) Deschedule() (proc.Tid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return 0, false
	}
	tid := *s.running
	s.running = nil
	return tid, true
}

// SwitchTo makes tid's address space active and marks it the running
// task (original's scheduler::switch_to). as is nil for a kernel thread
// with no private address space, in which case only the running-process
// cell is updated.
func (s *Scheduler) SwitchTo(tid proc.Tid, as AddressSpaceSwitcher) {
	s.mu.Lock()
	if int(tid) >= len(s.table) {
		s.mu.Unlock()
		panic("sched: attempted to switch to a nonexistent process")
	}
	s.mu.Unlock()

	if as != nil {
		as.SwitchTo()
	}

	s.mu.Lock()
	s.running = &tid
	s.mu.Unlock()
}

// ProcessByID returns the process registered at tid, mirroring the
// original's scheduler::get_process_by_id (referenced by
// process_waker.rs but never itself defined in the original — the run
// table it walks is this Scheduler's).
func (s *Scheduler) ProcessByID(tid proc.Tid) (*proc.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(tid) >= len(s.table) {
		return nil, false
	}
	return s.table[tid], true
}

// Running returns the currently scheduled task id, if any.
func (s *Scheduler) Running() (proc.Tid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return 0, false
	}
	return *s.running, true
}

// Tick polls tid's pending Future, if it's in StateAsyncSyscall, and
// writes the result back via SyscallReturn on completion (spec's run
// queue description: "the scheduler polls the future with a
// ProcessWaker keyed by task id ... On Poll::Ready, the result value is
// written into the task's saved GPR snapshot and state -> Running").
// A task not in StateAsyncSyscall (Running, Setup, or still Waiting) is
// left untouched.
func (s *Scheduler) Tick(tid proc.Tid) {
	p, ok := s.ProcessByID(tid)
	if !ok {
		return
	}
	if p.State() != proc.StateAsyncSyscall {
		return
	}
	future := p.PendingFuture()
	if future == nil {
		return
	}

	waker := &Waker{sched: s, tid: tid}
	result, ready := future.Poll(waker)
	if !ready {
		p.SetWaiting(future)
		return
	}
	p.SyscallReturn(result.Value, uint64(result.Errno))
}
