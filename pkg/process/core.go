package process

import (
	"sync/atomic"
	"time"

	"kcore/pkg/mm"
)

// Core is the per-processor scheduler context. It is created at boot and
// valid until the kernel halts.
type Core struct {
	// ID is the processor number.
	ID int

	k        *Kernel
	idle     *Process
	current  atomic.Pointer[Process]
	previous atomic.Pointer[Process]
	space    atomic.Pointer[mm.AddressSpace]

	// back is signalled by a process handing the core back.
	back chan struct{}
	// kick wakes the idle task when work arrives.
	kick chan struct{}

	needResched atomic.Bool
	switches    atomic.Uint64
	idleTicks   atomic.Uint64
}

func newCore(k *Kernel, id int) *Core {
	return &Core{
		ID:   id,
		k:    k,
		back: make(chan struct{}),
		kick: make(chan struct{}, 1),
	}
}

// Current returns the process running on the core; the idle task when
// there is nothing else to do.
func (c *Core) Current() *Process {
	return c.current.Load()
}

// Previous returns the process that ran before the current one.
func (c *Core) Previous() *Process {
	return c.previous.Load()
}

// Idle returns the core's idle task.
func (c *Core) Idle() *Process {
	return c.idle
}

// ActiveSpace returns the address space the core is currently translating
// through.
func (c *Core) ActiveSpace() *mm.AddressSpace {
	return c.space.Load()
}

// Switches returns the number of context switches performed by the core.
func (c *Core) Switches() uint64 {
	return c.switches.Load()
}

// loop is the core's scheduler: pick the next ready process, hand it the
// CPU and wait for it to come back. It returns when the kernel halts.
func (c *Core) loop() error {
	for {
		select {
		case <-c.k.halted:
			return c.k.haltReason()
		default:
		}

		p := c.k.nextReady()
		if p == nil {
			c.runIdle()
			continue
		}
		if !c.dispatch(p) {
			return c.k.haltReason()
		}
	}
}

// runIdle is the idle task: wait for a kick.
func (c *Core) runIdle() {
	c.current.Store(c.idle)
	select {
	case <-c.kick:
	case <-c.k.halted:
	}
}

func (c *Core) dispatch(p *Process) bool {
	c.current.Store(p)
	c.switchAddressSpace(p.AddressSpace())
	c.needResched.Store(false)
	c.switches.Add(1)
	p.onCore.Store(int32(c.ID))

	start := time.Now()
	select {
	case p.run <- c:
	case <-c.k.halted:
		return false
	}

	select {
	case <-c.back:
	case <-c.k.halted:
		return false
	}

	p.usage.AddCPUTime(time.Since(start))
	c.previous.Store(p)
	c.current.Store(c.idle)
	c.k.checkCPULimit(p)
	return true
}

func (c *Core) switchAddressSpace(space *mm.AddressSpace) {
	if space == nil {
		return
	}
	if c.space.Swap(space) != space {
		c.k.arch.SwitchAddressSpace(c.ID, space)
	}
}
