package process

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kcore/pkg/mm"
	"kcore/pkg/vfs"
	"kcore/pkg/vfs/memfs"
)

// Config contains the kernel configuration. Zero fields take defaults.
type Config struct {
	// Cores is the number of processors. Default 1.
	Cores int
	// Frames is the number of physical frames when Memory is nil. Default 4096.
	Frames int
	// Memory is the physical memory. Default a PhysicalMemory of Frames frames.
	Memory mm.Memory
	// MaxProcesses bounds the process table. Default 1024.
	MaxProcesses int
	// TickInterval is the timer period. Default 10ms; negative disables the
	// timer so the caller drives Tick.
	TickInterval time.Duration
	// Clock is the time source. Default a MonotonicClock.
	Clock Clock
	// Logger receives kernel messages. Default stderr with prefix "kcore: ".
	Logger *log.Logger
	// Root is the root directory. Default an empty memfs.
	Root vfs.Node
	// Loader resolves exec paths to programs. Default an empty Programs.
	Loader Loader
	// Arch performs register and page-table switches. Default a no-op.
	Arch Arch
	// Limits are the resource limits of the root process, inherited by its
	// descendants. Default DefaultLimits().
	Limits *ResourceLimits
}

// Loader is the image loader exec delegates to.
type Loader interface {
	Load(path string, argv, envp []string) (Program, error)
}

// Programs is a Loader backed by a table of built-in programs.
type Programs map[string]Program

// Load implements Loader.
func (ps Programs) Load(path string, argv, envp []string) (Program, error) {
	prog, ok := ps[vfs.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("exec %s: %w", path, ErrNotFound)
	}
	return prog, nil
}

// Arch is the architecture context layer.
type Arch interface {
	// SaveContext stores the register state of a process leaving a core.
	SaveContext(p *Process, regs *Registers)
	// RestoreContext loads the register state of a process entering a core.
	RestoreContext(p *Process, regs *Registers)
	// EnterSignalHandler rewrites regs so the process starts executing a
	// handler called with sig as its argument.
	EnterSignalHandler(p *Process, regs *Registers, sig Signal)
	// SwitchAddressSpace loads a page table on a core.
	SwitchAddressSpace(core int, space *mm.AddressSpace)
}

type nopArch struct{}

func (nopArch) SaveContext(p *Process, regs *Registers) {}

func (nopArch) RestoreContext(p *Process, regs *Registers) {}

func (nopArch) EnterSignalHandler(p *Process, regs *Registers, sig Signal) {
	regs.Gen[0] = uint64(sig)
}

func (nopArch) SwitchAddressSpace(core int, space *mm.AddressSpace) {}

// Kernel is one booted kernel instance.
type Kernel struct {
	cfg    Config
	log    *log.Logger
	mem    mm.Memory
	root   vfs.Node
	loader Loader
	arch   Arch
	clock  Clock

	sched scheduler
	table *Table
	cores []*Core

	hooksMu   sync.Mutex
	exitHooks []func(*Process)
	execHooks []func(*Process)

	halted       chan struct{}
	haltOnce     sync.Once
	haltErr      error
	ticks        atomic.Uint64
	panicOnce    sync.Once
	panicked     atomic.Bool
	panicHandler atomic.Value
}

// New creates a kernel. Call Boot and then Run.
func New(cfg Config) *Kernel {
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	if cfg.Frames <= 0 {
		cfg.Frames = 4096
	}
	if cfg.Memory == nil {
		cfg.Memory = mm.NewPhysicalMemory(cfg.Frames)
	}
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = 1024
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = NewMonotonicClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "kcore: ", log.LstdFlags)
	}
	if cfg.Root == nil {
		cfg.Root = memfs.New()
	}
	if cfg.Loader == nil {
		cfg.Loader = Programs{}
	}
	if cfg.Arch == nil {
		cfg.Arch = nopArch{}
	}
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits()
	} else if err := cfg.Limits.Validate(); err != nil {
		cfg.Logger.Printf("limits %+v: %v; using defaults", *cfg.Limits, err)
		cfg.Limits = DefaultLimits()
	}

	k := &Kernel{
		cfg:    cfg,
		log:    cfg.Logger,
		mem:    cfg.Memory,
		root:   cfg.Root,
		loader: cfg.Loader,
		arch:   cfg.Arch,
		clock:  cfg.Clock,
		halted: make(chan struct{}),
	}
	k.table = newTable(k, cfg.MaxProcesses)
	for i := 0; i < cfg.Cores; i++ {
		c := newCore(k, i)
		c.idle = k.newIdle(c)
		c.current.Store(c.idle)
		k.cores = append(k.cores, c)
	}
	return k
}

// Boot creates the root process running init. It must be called once,
// before Run.
func (k *Kernel) Boot(init Program) (*Process, error) {
	if k.table.Root() != nil {
		return nil, fmt.Errorf("boot: %w", ErrInvalidState)
	}
	p, err := k.spawn(nil, init, spawnFork, nil)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	k.log.Printf("booted %d cores, init pid %d", len(k.cores), p.PID)
	return p, nil
}

// Run executes the scheduler loop of every core, plus the timer, until ctx
// is cancelled, init exits or the kernel panics. A panic is returned as a
// *KernelPanic.
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range k.cores {
		g.Go(c.loop)
	}
	if k.cfg.TickInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(k.cfg.TickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					k.Tick()
				case <-k.halted:
					return nil
				}
			}
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			k.halt(nil)
		case <-k.halted:
		}
		return nil
	})

	return g.Wait()
}

// Tick is the timer interrupt: wake expired sleepers and ask every core to
// reschedule at its next system-call boundary.
func (k *Kernel) Tick() {
	k.ticks.Add(1)
	k.WakeupSleepers(k.clock.Now())
	for _, c := range k.cores {
		cur := c.Current()
		if cur == nil || cur == c.idle {
			c.idleTicks.Add(1)
			continue
		}
		cur.usage.addTick()
		c.needResched.Store(true)
	}
}

// Ticks returns the number of timer ticks since boot.
func (k *Kernel) Ticks() uint64 {
	return k.ticks.Load()
}

// Now returns the current kernel time.
func (k *Kernel) Now() Timestamp {
	return k.clock.Now()
}

// Cores returns the processors.
func (k *Kernel) Cores() []*Core {
	return k.cores
}

// Table returns the process table.
func (k *Kernel) Table() *Table {
	return k.table
}

// Memory returns physical memory.
func (k *Kernel) Memory() mm.Memory {
	return k.mem
}

// Root returns the root directory.
func (k *Kernel) Root() vfs.Node {
	return k.root
}

// Logger returns the kernel logger.
func (k *Kernel) Logger() *log.Logger {
	return k.log
}

// OnExit registers a hook run on the exiting process's goroutine before its
// descriptor table and address space are released.
func (k *Kernel) OnExit(fn func(p *Process)) {
	k.hooksMu.Lock()
	defer k.hooksMu.Unlock()
	k.exitHooks = append(k.exitHooks, fn)
}

// OnExec registers a hook run when a thread-group leader replaces its
// image, before the old address space is released.
func (k *Kernel) OnExec(fn func(p *Process)) {
	k.hooksMu.Lock()
	defer k.hooksMu.Unlock()
	k.execHooks = append(k.execHooks, fn)
}

// Halt stops every core. Run returns once they have all stopped.
func (k *Kernel) Halt() {
	k.halt(nil)
}

// Halted returns a channel closed when the kernel halts.
func (k *Kernel) Halted() <-chan struct{} {
	return k.halted
}

func (k *Kernel) halt(err error) {
	k.haltOnce.Do(func() {
		k.haltErr = err
		close(k.halted)
	})
}

func (k *Kernel) isHalted() bool {
	select {
	case <-k.halted:
		return true
	default:
		return false
	}
}

func (k *Kernel) haltReason() error {
	<-k.halted
	return k.haltErr
}
