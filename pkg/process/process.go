package process

import (
	"sync"
	"sync/atomic"
	"time"

	"kcore/pkg/mm"
)

// ProcessState represents the scheduling state of a process.
type ProcessState string

const (
	// StateReady indicates the process is in the ready queue waiting for a core.
	StateReady ProcessState = "ready"
	// StateRunning indicates the process currently owns a core.
	StateRunning ProcessState = "running"
	// StateSleeping indicates the process is in the sleep queue until a deadline.
	StateSleeping ProcessState = "sleeping"
	// StateBlocked indicates the process is waiting on a wait queue.
	StateBlocked ProcessState = "blocked"
	// StateSuspended indicates the process has been stopped by a job-control signal.
	StateSuspended ProcessState = "suspended"
	// StateFinished indicates the process has exited and awaits reaping.
	StateFinished ProcessState = "finished"
)

// Flags are lifecycle flags of a process.
type Flags uint32

const (
	// FlagTasklet marks a kernel-internal process with no user image.
	FlagTasklet Flags = 1 << iota
	// FlagFinished is set once the process has exited.
	FlagFinished
	// FlagStarted is set when the process is first dispatched.
	FlagStarted
	// FlagRunning is set while a core is executing the process.
	FlagRunning
	// FlagSleepInterrupted is set when a sleep ended early because of a signal.
	FlagSleepInterrupted
	// FlagSuspended is set while the process is stopped.
	FlagSuspended
	// FlagTraced is set while a tracer is attached.
	FlagTraced
)

// Credentials are the user and group identities of a process.
type Credentials struct {
	UID  int
	EUID int
	GID  int
	EGID int
}

// Registers is the saved register state of a process. The kernel treats it
// as opaque; the Arch collaborator saves and restores it.
type Registers struct {
	IP    uint64
	SP    uint64
	Ret   uint64
	Gen   [16]uint64
	Flags uint64
}

// Program is the user image a process executes. Its return value is the
// exit code.
type Program func(t *Task) int

// Process is a schedulable execution context.
type Process struct {
	// PID is the unique process identifier.
	PID int
	// Group is the thread-group id: the pid of the thread-group leader.
	Group int

	k *Kernel

	// mu protects identity and resource handles.
	mu      sync.Mutex
	name    string
	args    []string
	cwd     string
	creds   Credentials
	job     int
	session int
	files   *FileTable
	space   *mm.AddressSpace
	limits  *ResourceLimits
	created time.Time

	// Guarded by the table lock.
	parent   int
	children []int
	status   WaitStatus
	zombie   bool
	reported bool

	// Guarded by the scheduler lock.
	state     ProcessState
	flags     Flags
	waitingOn *WaitQueue
	sleeping  bool
	wakeAt    Timestamp
	woken     bool // woken by something other than the awaited condition
	signals   []signalEntry
	sigSeq    uint64
	actions   [NumSignals]SigAction
	blocked   SignalSet
	awaited   SignalSet
	tracer    Tracer

	// Children wait on this queue for state changes of their children.
	waitQueue *WaitQueue
	// A stopped process blocks on this queue until a new signal arrives.
	stopQueue *WaitQueue

	// Owned by the goroutine running the process.
	run           chan *Core
	core          *Core
	regs          Registers
	continuations []Continuation
	syscall       SyscallNumber
	program       Program
	arg           any
	exitStatus    WaitStatus

	// onCore is the id of the core last running the process, or -1.
	onCore atomic.Int32
	usage  *ResourceUsage
}

// Name returns the process name.
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Args returns the argument vector.
func (p *Process) Args() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.args...)
}

// Cwd returns the current working directory.
func (p *Process) Cwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// Credentials returns the process credentials.
func (p *Process) Credentials() Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds
}

// Job returns the job (process group) id.
func (p *Process) Job() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.job
}

// Session returns the session id.
func (p *Process) Session() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// AddressSpace returns the address space handle, or nil for tasklets and
// exited processes.
func (p *Process) AddressSpace() *mm.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.space
}

// Files returns the descriptor table, or nil once the process has exited.
func (p *Process) Files() *FileTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files
}

// Usage returns resource usage counters.
func (p *Process) Usage() *ResourceUsage {
	return p.usage
}

// State returns the scheduling state.
func (p *Process) State() ProcessState {
	p.k.sched.mu.Lock()
	defer p.k.sched.mu.Unlock()
	return p.state
}

// Flags returns the lifecycle flags.
func (p *Process) Flags() Flags {
	p.k.sched.mu.Lock()
	defer p.k.sched.mu.Unlock()
	return p.flags
}

// IsTasklet reports whether the process is a kernel tasklet.
func (p *Process) IsTasklet() bool {
	return p.Flags()&FlagTasklet != 0
}

// PendingSignals returns the number of undelivered signal entries.
func (p *Process) PendingSignals() int {
	p.k.sched.mu.Lock()
	defer p.k.sched.mu.Unlock()
	return len(p.signals)
}

// Parent returns the parent pid, or 0 for the root.
func (p *Process) Parent() int {
	p.k.table.mu.Lock()
	defer p.k.table.mu.Unlock()
	return p.parent
}

// Children returns the pids of the direct children.
func (p *Process) Children() []int {
	p.k.table.mu.Lock()
	defer p.k.table.mu.Unlock()
	return append([]int(nil), p.children...)
}

// IsThreadLeader reports whether the process leads its thread group.
func (p *Process) IsThreadLeader() bool {
	return p.Group == p.PID
}
