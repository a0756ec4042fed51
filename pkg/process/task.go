package process

import (
	"context"
	"runtime"
)

// Task is the handle a Program uses to talk to the kernel. Every method
// must be called from the goroutine running the process.
type Task struct {
	p *Process
	k *Kernel
}

// Process returns the calling process.
func (t *Task) Process() *Process {
	return t.p
}

// Kernel returns the kernel the process runs on.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// Core returns the core currently executing the process.
func (t *Task) Core() *Core {
	return t.p.core
}

// Arg returns the argument passed to Clone.
func (t *Task) Arg() any {
	return t.p.arg
}

// Registers returns the live register block.
func (t *Task) Registers() *Registers {
	return &t.p.regs
}

type taskKey struct{}

// Context returns a context carrying the task, for node operations that
// may need to block the caller.
func (t *Task) Context() context.Context {
	return NewContext(context.Background(), t)
}

// NewContext returns a copy of ctx carrying t.
func NewContext(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// FromContext returns the task stored in ctx, if any.
func FromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskKey{}).(*Task)
	return t, ok
}

// switchTask gives the core back to its scheduler loop and parks until a
// core dispatches the process again. With reschedule the process goes to
// the back of the ready queue first; otherwise the caller has already put
// it on a sleep or wait queue.
func (t *Task) switchTask(reschedule bool) {
	p, k := t.p, t.k

	if reschedule {
		k.sched.mu.Lock()
		if p.state == StateRunning {
			p.transition(StateReady)
			k.sched.ready = append(k.sched.ready, p)
			k.kickIdle()
		}
		k.sched.mu.Unlock()
	}

	k.arch.SaveContext(p, &p.regs)
	c := p.core
	p.core = nil
	select {
	case c.back <- struct{}{}:
	case <-k.halted:
		runtime.Goexit()
	}

	select {
	case c = <-p.run:
	case <-k.halted:
		runtime.Goexit()
	}
	p.core = c
	k.arch.RestoreContext(p, &p.regs)
}

// Yield gives up the CPU to the next ready process.
func (t *Task) Yield() {
	t.p.usage.addSyscall()
	t.switchTask(true)
	t.checkSignals()
}

// start launches the goroutine that runs p once a core dispatches it.
func (k *Kernel) start(p *Process) {
	go func() {
		t := &Task{p: p, k: k}
		defer k.finish(t)

		select {
		case c := <-p.run:
			p.core = c
		case <-k.halted:
			runtime.Goexit()
		}
		k.arch.RestoreContext(p, &p.regs)
		t.checkSignals()
		t.Exit(p.program(t))
	}()
}

// finish runs on the process goroutine after the program ends, whether it
// returned, called Exit, was killed by a signal or faulted.
func (k *Kernel) finish(t *Task) {
	p := t.p
	if r := recover(); r != nil {
		if _, ok := r.(*KernelPanic); ok {
			return
		}
		k.log.Printf("core %d (pid=%d %s): fault: %v", p.onCore.Load(), p.PID, p.Name(), r)
		p.exitStatus = SignaledStatus(SIGSEGV, true)
	}
	if k.isHalted() || p.core == nil {
		return
	}

	k.exit(p, p.exitStatus)

	c := p.core
	p.core = nil
	select {
	case c.back <- struct{}{}:
	case <-k.halted:
	}
}
