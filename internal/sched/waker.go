package sched

import "venix/internal/proc"

// Waker is the idiomatic Go substitute for the original's
// alloc::task::Wake-backed core::task::Waker: a handle, keyed by task
// id, that external code (an interrupt handler, a completed DMA
// transfer, ...) invokes to tell the scheduler a suspended task's
// Future might make progress now (original's process_waker::ProcessWaker).
type Waker struct {
	sched *Scheduler
	tid   proc.Tid
}

// NewWaker returns a Waker bound to tid (original's ProcessWaker::new).
func NewWaker(s *Scheduler, tid proc.Tid) *Waker {
	return &Waker{sched: s, tid: tid}
}

// Wake transitions tid's task from Waiting to AsyncSyscall so the
// scheduler's next Tick polls its Future again (original's
// impl Wake for ProcessWaker). Waking a task that has already exited
// (ProcessByID fails), is already AsyncSyscall, or is in any other
// state (Setup/Running — an expired waker) is a silent no-op, exactly
// as the original's match arms discard every case but Waiting.
func (w *Waker) Wake() {
	p, ok := w.sched.ProcessByID(w.tid)
	if !ok {
		return
	}

	switch p.State() {
	case proc.StateWaiting:
		future := p.PendingFuture()
		p.SetAsyncSyscall(future)
	case proc.StateAsyncSyscall:
		// already in the right state, nothing to do
	default:
		// expired waker: task moved on (Setup/Running) before the
		// wake arrived
	}
}
