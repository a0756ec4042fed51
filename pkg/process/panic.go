package process

import (
	"fmt"
	"runtime/debug"
)

// KernelPanic describes a fatal kernel condition. It is the value passed to
// panic and the error Run returns once the kernel has halted because of it.
type KernelPanic struct {
	// Core is the core the offending process was running on, or -1.
	Core int
	// PID and Name identify the process context, if any.
	PID  int
	Name string
	// Message describes the condition.
	Message string
	// Stack is the goroutine stack at the point of the panic.
	Stack []byte
}

func (e *KernelPanic) Error() string {
	return fmt.Sprintf("kernel panic: core %d (pid=%d %s): %s", e.Core, e.PID, e.Name, e.Message)
}

// SetPanicHandler installs a handler invoked at most once, on the first
// kernel panic. It must not panic.
func (k *Kernel) SetPanicHandler(fn func(*KernelPanic)) {
	k.panicHandler.Store(fn)
}

// InPanic reports whether the kernel has panicked.
func (k *Kernel) InPanic() bool {
	return k.panicked.Load()
}

// Panicf halts the kernel. It logs the process context p (which may be
// nil), runs the panic handler, stops every core and panics with a
// *KernelPanic. It does not return.
func (k *Kernel) Panicf(p *Process, format string, args ...any) {
	k.panicf(p, format, args...)
}

func (k *Kernel) panicf(p *Process, format string, args ...any) {
	kp := &KernelPanic{
		Core:    -1,
		Message: fmt.Sprintf(format, args...),
		Stack:   debug.Stack(),
	}
	if p != nil {
		kp.PID = p.PID
		kp.Name = p.Name()
		kp.Core = int(p.onCore.Load())
	}

	k.log.Printf("core %d (pid=%d %s): kernel panic: %s", kp.Core, kp.PID, kp.Name, kp.Message)

	k.panicOnce.Do(func() {
		k.panicked.Store(true)
		if v := k.panicHandler.Load(); v != nil {
			if fn, ok := v.(func(*KernelPanic)); ok && fn != nil {
				fn(kp)
			}
		}
	})
	k.halt(kp)
	panic(kp)
}
