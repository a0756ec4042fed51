package process

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"kcore/pkg/mm"
)

// Table is the process table and tree. Parent and child links are stored
// as pids, so removing a node never leaves a dangling reference.
type Table struct {
	k *Kernel
	// mu protects the pid map, tree links and wait status of every process.
	mu      sync.Mutex
	procs   map[int]*Process
	nextPID int
	max     int
	root    *Process
}

func newTable(k *Kernel, max int) *Table {
	return &Table{
		k:       k,
		procs:   make(map[int]*Process),
		nextPID: 1,
		max:     max,
	}
}

// Lookup returns the process with the given pid, or nil if there is none or
// it has been reaped.
func (tb *Table) Lookup(pid int) *Process {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.procs[pid]
}

// Root returns the root process.
func (tb *Table) Root() *Process {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.root
}

// Len returns the number of processes in the table, zombies included.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.procs)
}

// Processes returns every process in pid order.
func (tb *Table) Processes() []*Process {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	procs := make([]*Process, 0, len(tb.procs))
	for _, p := range tb.procs {
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs
}

// insert allocates a pid for p and links it under parent (nil for the root).
func (tb *Table) insert(p *Process, parent *Process) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if len(tb.procs) >= tb.max {
		return ErrTableFull
	}
	p.PID = tb.nextPID
	tb.nextPID++
	tb.procs[p.PID] = p

	if parent == nil {
		tb.root = p
		return nil
	}
	p.parent = parent.PID
	parent.children = append(parent.children, p.PID)
	return nil
}

// Destroy removes a process from the table and the tree. Destroying the
// root is fatal.
func (tb *Table) Destroy(p *Process) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.destroyLocked(p)
}

func (tb *Table) destroyLocked(p *Process) {
	if p == tb.root {
		tb.k.panicf(p, "attempted to destroy the root process")
	}
	if parent := tb.procs[p.parent]; parent != nil {
		parent.children = removePID(parent.children, p.PID)
	}
	delete(tb.procs, p.PID)

	tb.k.sched.mu.Lock()
	p.signals = nil
	tb.k.sched.mu.Unlock()
}

// reparentOrphansLocked moves every child of p under the root and returns
// how many were moved. p must not be the root.
func (tb *Table) reparentOrphansLocked(p *Process) int {
	if p == tb.root || p.parent == 0 {
		tb.k.panicf(p, "attempted to reparent the children of a parentless process")
	}
	root := tb.root
	n := 0
	for _, pid := range p.children {
		child := tb.procs[pid]
		if child == nil {
			continue
		}
		child.parent = root.PID
		root.children = append(root.children, pid)
		n++
	}
	p.children = nil
	return n
}

func removePID(pids []int, pid int) []int {
	for i, v := range pids {
		if v == pid {
			return append(pids[:i], pids[i+1:]...)
		}
	}
	return pids
}

// ProcessInfo is a snapshot of one process for listings.
type ProcessInfo struct {
	PID     int
	PPID    int
	Group   int
	Job     int
	Session int
	UID     int
	Name    string
	State   ProcessState
	CPUTime time.Duration
	Ticks   uint64
	Flags   Flags
}

// Snapshot returns the ps listing of the table.
func (tb *Table) Snapshot() []ProcessInfo {
	procs := tb.Processes()
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		usage := p.usage.Snapshot()
		infos = append(infos, ProcessInfo{
			PID:     p.PID,
			PPID:    p.Parent(),
			Group:   p.Group,
			Job:     p.Job(),
			Session: p.Session(),
			UID:     p.Credentials().UID,
			Name:    p.Name(),
			State:   p.State(),
			CPUTime: usage.CPUTime,
			Ticks:   usage.Ticks,
			Flags:   p.Flags(),
		})
	}
	return infos
}

// Tree writes the process tree rooted at the root process, one process per
// line, indented by depth.
func (tb *Table) Tree(w io.Writer) error {
	root := tb.Root()
	if root == nil {
		return nil
	}
	return tb.tree(w, root, 0)
}

func (tb *Table) tree(w io.Writer, p *Process, depth int) error {
	if _, err := fmt.Fprintf(w, "%s[%d] %s (%s)\n", strings.Repeat("  ", depth), p.PID, p.Name(), p.State()); err != nil {
		return err
	}
	for _, pid := range p.Children() {
		if child := tb.Lookup(pid); child != nil {
			if err := tb.tree(w, child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

type spawnMode int

const (
	// spawnFork copies the parent's address space and descriptor table.
	spawnFork spawnMode = iota
	// spawnClone shares them and joins the parent's thread group.
	spawnClone
	// spawnTasklet creates a kernel process with no address space.
	spawnTasklet
)

func (k *Kernel) newProcess(name string) *Process {
	p := &Process{
		k:       k,
		name:    name,
		cwd:     "/",
		created: time.Now(),
		state:   StateReady,
		run:     make(chan *Core, 1),
		usage:   NewResourceUsage(),
	}
	p.onCore.Store(-1)
	p.waitQueue = k.NewWaitQueue()
	p.stopQueue = k.NewWaitQueue()
	return p
}

// newIdle creates the idle task of a core. It has pid 0, is never in the
// process table and is never queued.
func (k *Kernel) newIdle(c *Core) *Process {
	p := k.newProcess(fmt.Sprintf("[kidle/%d]", c.ID))
	p.flags = FlagTasklet | FlagStarted
	p.state = StateRunning
	p.onCore.Store(int32(c.ID))
	return p
}

// spawn creates a child of parent running prog and makes it ready. A nil
// parent creates the root process.
func (k *Kernel) spawn(parent *Process, prog Program, mode spawnMode, arg any) (*Process, error) {
	if prog == nil {
		return nil, ErrInvalidArgument
	}
	p := k.newProcess("init")
	p.program = prog
	p.arg = arg

	if parent == nil {
		p.files = NewFileTable(k.cfg.Limits.MaxFiles)
		p.space = mm.NewAddressSpace(k.mem)
		p.limits = k.cfg.Limits
	} else {
		parent.mu.Lock()
		p.name = parent.name
		p.args = append([]string(nil), parent.args...)
		p.cwd = parent.cwd
		p.creds = parent.creds
		p.job = parent.job
		p.session = parent.session
		p.limits = parent.limits
		files, space := parent.files, parent.space
		parent.mu.Unlock()

		if mode != spawnTasklet {
			p.regs = parent.regs
			p.regs.Ret = 0
		}

		var err error
		switch mode {
		case spawnFork:
			if space != nil {
				if p.space, err = space.Clone(); err != nil {
					return nil, fmt.Errorf("fork: %w", err)
				}
			}
			if files != nil {
				p.files = files.Clone()
			}
		case spawnClone:
			if space != nil {
				if err = space.Acquire(); err != nil {
					return nil, fmt.Errorf("clone: %w", err)
				}
				p.space = space
			}
			if files != nil {
				if err = files.Acquire(); err != nil {
					if space != nil {
						space.Release()
					}
					return nil, fmt.Errorf("clone: %w", err)
				}
				p.files = files
			}
		case spawnTasklet:
			p.flags |= FlagTasklet
			p.files = NewFileTable(p.limits.MaxFiles)
		}

		k.sched.mu.Lock()
		p.actions = parent.actions
		p.blocked = parent.blocked
		k.sched.mu.Unlock()
	}

	if err := k.table.insert(p, parent); err != nil {
		if p.space != nil {
			p.space.Release()
		}
		if p.files != nil {
			p.files.Release()
		}
		return nil, err
	}

	p.Group = p.PID
	if mode == spawnClone && parent != nil {
		p.Group = parent.Group
	}
	if parent == nil {
		p.job = p.PID
		p.session = p.PID
	}

	k.start(p)
	k.sched.mu.Lock()
	k.sched.ready = append(k.sched.ready, p)
	k.kickIdle()
	k.sched.mu.Unlock()
	return p, nil
}

// SpawnTasklet starts a kernel tasklet as a child of the root process.
func (k *Kernel) SpawnTasklet(name string, fn Program) (*Process, error) {
	root := k.table.Root()
	if root == nil {
		return nil, fmt.Errorf("tasklet %s: %w", name, ErrInvalidState)
	}
	p, err := k.spawn(root, fn, spawnTasklet, nil)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.name = name
	p.args = []string{name}
	p.mu.Unlock()
	return p, nil
}

// exit tears down the calling process. Resources are released now; only
// the wait status and identity stay behind until the parent reaps it.
func (k *Kernel) exit(p *Process, status WaitStatus) {
	k.hooksMu.Lock()
	hooks := append([]func(*Process){}, k.exitHooks...)
	k.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(p)
	}

	p.mu.Lock()
	files, space := p.files, p.space
	p.files, p.space = nil, nil
	p.mu.Unlock()
	if files != nil {
		if err := files.Release(); err != nil {
			k.log.Printf("pid %d: release descriptors: %v", p.PID, err)
		}
	}
	if space != nil {
		if err := space.Release(); err != nil {
			k.log.Printf("pid %d: release address space: %v", p.PID, err)
		}
	}

	if p == k.table.Root() {
		k.log.Printf("init exited with status %#x; halting", int(status))
		k.halt(nil)
		return
	}

	k.sched.mu.Lock()
	p.signals = nil
	p.transition(StateFinished)
	k.sched.mu.Unlock()

	k.table.mu.Lock()
	p.status = status
	p.zombie = true
	p.reported = false
	parent := k.table.procs[p.parent]
	moved := k.table.reparentOrphansLocked(p)
	root := k.table.root
	k.table.mu.Unlock()

	if moved > 0 {
		root.waitQueue.Wakeup()
	}
	if parent != nil {
		k.SendSignal(nil, parent.PID, SIGCHLD, true)
		parent.waitQueue.Wakeup()
	}
}
