package process

import (
	"fmt"
	"runtime"
)

// WaitStatus is a POSIX-encoded process status as reported by wait.
type WaitStatus int

// ExitedStatus encodes a normal exit.
func ExitedStatus(code int) WaitStatus {
	return WaitStatus((code & 0xff) << 8)
}

// SignaledStatus encodes death by a signal.
func SignaledStatus(sig Signal, core bool) WaitStatus {
	s := WaitStatus(sig & 0x7f)
	if core {
		s |= 0x80
	}
	return s
}

// StoppedStatus encodes a stop by a signal.
func StoppedStatus(sig Signal) WaitStatus {
	return WaitStatus(0x7f | int(sig)<<8)
}

// Exited reports a normal exit.
func (s WaitStatus) Exited() bool { return s&0x7f == 0 }

// ExitCode returns the exit code of a normal exit.
func (s WaitStatus) ExitCode() int { return int(s>>8) & 0xff }

// Signaled reports death by a signal.
func (s WaitStatus) Signaled() bool { return s&0x7f != 0 && s&0x7f != 0x7f }

// TermSignal returns the signal that ended the process.
func (s WaitStatus) TermSignal() Signal { return Signal(s & 0x7f) }

// CoreDump reports whether the terminating signal dumps core.
func (s WaitStatus) CoreDump() bool { return s.Signaled() && s&0x80 != 0 }

// Stopped reports a stop.
func (s WaitStatus) Stopped() bool { return s&0xff == 0x7f }

// StopSignal returns the signal that stopped the process.
func (s WaitStatus) StopSignal() Signal { return Signal(s>>8) & 0xff }

func (s WaitStatus) String() string {
	switch {
	case s.Stopped():
		return fmt.Sprintf("stopped (%v)", s.StopSignal())
	case s.Signaled():
		if s.CoreDump() {
			return fmt.Sprintf("killed by %v (core dumped)", s.TermSignal())
		}
		return fmt.Sprintf("killed by %v", s.TermSignal())
	default:
		return fmt.Sprintf("exited %d", s.ExitCode())
	}
}

// Delivery is the outcome of handling one signal.
type Delivery int

const (
	// Delivered means the signal took effect.
	Delivered Delivery = iota
	// Ignored means the signal was dropped.
	Ignored
)

// Continuation is the context a signal handler interrupted. Returning from
// the handler resumes it.
type Continuation struct {
	Regs    Registers
	Blocked SignalSet
	Syscall SyscallNumber
	Signal  Signal
}

// checkSignals dispatches every deliverable queued signal and returns how
// many were dequeued. It runs on the process goroutine at each return to
// user code.
func (t *Task) checkSignals() int {
	n := 0
	for {
		e, ok := t.nextSignal()
		if !ok {
			return n
		}
		n++
		t.handleSignal(e)
	}
}

func (t *Task) nextSignal() (signalEntry, bool) {
	p, k := t.p, t.k
	k.sched.mu.Lock()
	defer k.sched.mu.Unlock()

	for i, e := range p.signals {
		if p.blocked.Has(e.sig) && !unblockable.Has(e.sig) {
			continue
		}
		p.signals = append(p.signals[:i], p.signals[i+1:]...)
		return e, true
	}
	return signalEntry{}, false
}

// handleSignal acts on one dequeued signal.
func (t *Task) handleSignal(e signalEntry) Delivery {
	p, k := t.p, t.k

	k.sched.mu.Lock()
	tracer := p.tracer
	finished := p.state == StateFinished
	k.sched.mu.Unlock()
	if finished {
		return Ignored
	}

	sig, action := e.sig, e.action
	if tracer != nil {
		if sub := tracer.SubstituteSignal(p, sig); sub != sig {
			if !sub.Valid() {
				return Ignored
			}
			sig = sub
			k.sched.mu.Lock()
			action = p.actions[sig]
			k.sched.mu.Unlock()
		}
	}

	if action.Handler == nil || unblockable.Has(sig) {
		if action.Ignore && !unblockable.Has(sig) {
			return Ignored
		}
		switch DefaultDisposition(sig) {
		case DefaultTerminate:
			t.exitSignaled(sig, false)
		case DefaultCore:
			t.exitSignaled(sig, true)
		case DefaultStop:
			t.stop(e.seq, sig)
			return Delivered
		}
		return Ignored
	}

	t.enterHandler(sig, action)
	return Delivered
}

func (t *Task) exitSignaled(sig Signal, core bool) {
	t.p.exitStatus = SignaledStatus(sig, core)
	runtime.Goexit()
}

// stop suspends the process until a signal newer than seq is queued.
func (t *Task) stop(seq uint64, sig Signal) {
	p, k := t.p, t.k

	notified := false
	for {
		k.sched.mu.Lock()
		if p.sigSeq != seq {
			k.sched.mu.Unlock()
			break
		}
		p.transition(StateSuspended)
		p.waitingOn = p.stopQueue
		p.stopQueue.waiters = append(p.stopQueue.waiters, p)
		k.sched.mu.Unlock()

		if !notified {
			k.notifyParent(p, StoppedStatus(sig))
			notified = true
		}
		t.switchTask(false)
	}

	k.table.mu.Lock()
	if p.status.Stopped() {
		p.status = 0
	}
	k.table.mu.Unlock()
}

// notifyParent records a wait-visible status change and wakes the parent.
func (k *Kernel) notifyParent(p *Process, status WaitStatus) {
	k.table.mu.Lock()
	p.status = status
	p.reported = false
	parent := k.table.procs[p.parent]
	k.table.mu.Unlock()

	if parent != nil {
		parent.waitQueue.Wakeup()
	}
}

// enterHandler saves the interrupted context, runs the handler and then
// performs the signal return.
func (t *Task) enterHandler(sig Signal, action SigAction) {
	p, k := t.p, t.k

	k.sched.mu.Lock()
	cont := Continuation{
		Regs:    p.regs,
		Blocked: p.blocked,
		Syscall: p.syscall,
		Signal:  sig,
	}
	p.blocked |= action.Mask
	if action.Flags&NoDefer == 0 {
		p.blocked = p.blocked.Add(sig)
	}
	if action.Flags&ResetHand != 0 {
		p.actions[sig] = SigAction{}
	}
	k.sched.mu.Unlock()

	p.continuations = append(p.continuations, cont)
	p.syscall = 0
	k.arch.EnterSignalHandler(p, &p.regs, sig)

	action.Handler(t, sig)
	t.sigreturn()
}

// sigreturn restores the newest saved continuation.
func (t *Task) sigreturn() {
	p, k := t.p, t.k

	n := len(p.continuations)
	if n == 0 {
		return
	}
	cont := p.continuations[n-1]
	p.continuations = p.continuations[:n-1]

	p.regs = cont.Regs
	p.syscall = cont.Syscall
	k.sched.mu.Lock()
	p.blocked = cont.Blocked
	k.sched.mu.Unlock()
}

// InHandler reports how many signal handlers are active on the stack.
func (t *Task) InHandler() int {
	return len(t.p.continuations)
}

// CancelRestart stops the system call interrupted by the running handler
// from being re-issued; it fails with ErrInterrupted instead.
func (t *Task) CancelRestart() {
	if n := len(t.p.continuations); n > 0 {
		t.p.continuations[n-1].Syscall = 0
	}
}
