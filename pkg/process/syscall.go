package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"kcore/pkg/mm"
	"kcore/pkg/vfs"
)

// SyscallNumber identifies a system call. A process interrupted inside a
// restartable call records the number so it can be re-issued.
type SyscallNumber int

// System call numbers.
const (
	SysNone SyscallNumber = iota
	SysExit
	SysFork
	SysClone
	SysExec
	SysWait
	SysKill
	SysSigAction
	SysSigProcMask
	SysSigWait
	SysSleep
	SysYield
	SysGetpid
	SysSetsid
	SysSetpgid
	SysSetuid
	SysOpen
	SysRead
	SysWrite
	SysClose
	SysDup2
	SysChdir
	SysPipe
	SysMkfifo
	SysShmObtain
	SysShmRelease
)

var syscallNames = [...]string{
	SysNone:        "none",
	SysExit:        "exit",
	SysFork:        "fork",
	SysClone:       "clone",
	SysExec:        "exec",
	SysWait:        "wait",
	SysKill:        "kill",
	SysSigAction:   "sigaction",
	SysSigProcMask: "sigprocmask",
	SysSigWait:     "sigwait",
	SysSleep:       "sleep",
	SysYield:       "yield",
	SysGetpid:      "getpid",
	SysSetsid:      "setsid",
	SysSetpgid:     "setpgid",
	SysSetuid:      "setuid",
	SysOpen:        "open",
	SysRead:        "read",
	SysWrite:       "write",
	SysClose:       "close",
	SysDup2:        "dup2",
	SysChdir:       "chdir",
	SysPipe:        "pipe",
	SysMkfifo:      "mkfifo",
	SysShmObtain:   "shm_obtain",
	SysShmRelease:  "shm_release",
}

func (n SyscallNumber) String() string {
	if n >= 0 && int(n) < len(syscallNames) {
		return syscallNames[n]
	}
	return fmt.Sprintf("syscall(%d)", int(n))
}

// Syscall runs fn as system call num. If fn fails with ErrRestart, pending
// signals are handled and, when a handler ran without cancelling the
// restart, fn is issued again; otherwise the call fails with
// ErrInterrupted. Pending signals and a pending reschedule are acted on
// before the result is returned.
func (t *Task) Syscall(num SyscallNumber, fn func() error) error {
	p := t.p
	p.usage.addSyscall()
	for {
		err := fn()
		if !errors.Is(err, ErrRestart) {
			t.checkSignals()
			t.preempt()
			return err
		}

		p.syscall = num
		handled := t.checkSignals()
		if handled > 0 && p.syscall == num {
			p.syscall = SysNone
			continue
		}
		p.syscall = SysNone
		t.preempt()
		return fmt.Errorf("%v: %w", num, ErrInterrupted)
	}
}

// preempt yields the core if the timer asked for a reschedule.
func (t *Task) preempt() {
	c := t.p.core
	if c == nil || !c.needResched.Swap(false) {
		return
	}
	t.switchTask(true)
	t.checkSignals()
}

// Getpid returns the thread-group id.
func (t *Task) Getpid() int {
	return t.p.Group
}

// Gettid returns the id of the calling thread.
func (t *Task) Gettid() int {
	return t.p.PID
}

// Getppid returns the parent pid.
func (t *Task) Getppid() int {
	return t.p.Parent()
}

// Getpgid returns the job id.
func (t *Task) Getpgid() int {
	return t.p.Job()
}

// Getsid returns the session id.
func (t *Task) Getsid() int {
	return t.p.Session()
}

// Setsid makes the caller the leader of a new session and job.
func (t *Task) Setsid() (int, error) {
	p := t.p
	err := t.Syscall(SysSetsid, func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.job == p.PID {
			return fmt.Errorf("setsid: %w", ErrPermissionDenied)
		}
		p.job = p.PID
		p.session = p.PID
		return nil
	})
	if err != nil {
		return -1, err
	}
	return p.PID, nil
}

// Setpgid moves process pid (0 for the caller) into job pgid (0 for a new
// job led by pid). The target must be the caller or one of its children in
// the same session.
func (t *Task) Setpgid(pid, pgid int) error {
	return t.Syscall(SysSetpgid, func() error {
		if pid == 0 {
			pid = t.p.PID
		}
		if pgid < 0 {
			return fmt.Errorf("setpgid: %w", ErrInvalidArgument)
		}
		target := t.k.table.Lookup(pid)
		if target == nil || (target != t.p && target.Parent() != t.p.PID) {
			return fmt.Errorf("setpgid %d: %w", pid, ErrNoSuchProcess)
		}
		if target.Session() != t.p.Session() {
			return fmt.Errorf("setpgid %d: %w", pid, ErrPermissionDenied)
		}
		if pgid == 0 {
			pgid = target.PID
		}
		target.mu.Lock()
		target.job = pgid
		target.mu.Unlock()
		return nil
	})
}

// Setuid sets the real and effective user id. Only a privileged process
// may change to another user.
func (t *Task) Setuid(uid int) error {
	p := t.p
	return t.Syscall(SysSetuid, func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.creds.EUID != 0 && uid != p.creds.UID {
			return fmt.Errorf("setuid %d: %w", uid, ErrPermissionDenied)
		}
		p.creds.UID = uid
		p.creds.EUID = uid
		return nil
	})
}

// Fork creates a child with a copy of the caller's address space and
// descriptor table that runs child, and returns its pid.
func (t *Task) Fork(child Program) (int, error) {
	var pid int
	err := t.Syscall(SysFork, func() error {
		c, err := t.k.spawn(t.p, child, spawnFork, nil)
		if err != nil {
			return err
		}
		pid = c.PID
		return nil
	})
	return pid, err
}

// Clone creates a thread that shares the caller's address space and
// descriptor table and runs entry with arg.
func (t *Task) Clone(entry Program, arg any) (int, error) {
	var pid int
	err := t.Syscall(SysClone, func() error {
		c, err := t.k.spawn(t.p, entry, spawnClone, arg)
		if err != nil {
			return err
		}
		pid = c.PID
		return nil
	})
	return pid, err
}

// Exec replaces the caller's image with the program the loader finds at
// path. It only returns on failure.
func (t *Task) Exec(path string, argv, envp []string) error {
	var prog Program
	err := t.Syscall(SysExec, func() error {
		var err error
		prog, err = t.k.exec(t, path, argv, envp)
		return err
	})
	if err != nil {
		return err
	}
	t.Exit(prog(t))
	return nil
}

func (k *Kernel) exec(t *Task, path string, argv, envp []string) (Program, error) {
	p := t.p
	abs := vfs.Abs(path, p.Cwd())
	prog, err := k.loader.Load(abs, argv, envp)
	if err != nil {
		return nil, err
	}

	if p.IsThreadLeader() {
		k.hooksMu.Lock()
		hooks := append([]func(*Process){}, k.execHooks...)
		k.hooksMu.Unlock()
		for _, hook := range hooks {
			hook(p)
		}
	}

	space := mm.NewAddressSpace(k.mem)
	_, name := vfs.Split(abs)
	p.mu.Lock()
	old := p.space
	p.space = space
	p.name = name
	p.args = append([]string(nil), argv...)
	p.mu.Unlock()

	p.continuations = nil
	p.regs = Registers{}
	k.sched.mu.Lock()
	for sig := range p.actions {
		if p.actions[sig].Handler != nil {
			p.actions[sig] = SigAction{}
		}
	}
	k.sched.mu.Unlock()

	if c := p.core; c != nil {
		c.switchAddressSpace(space)
	}
	if old != nil {
		if err := old.Release(); err != nil {
			k.log.Printf("pid %d: exec: release address space: %v", p.PID, err)
		}
	}
	return prog, nil
}

// Exit ends the calling process with the given code. It does not return.
func (t *Task) Exit(code int) {
	t.p.exitStatus = ExitedStatus(code)
	runtime.Goexit()
}

// WaitOption modifies Wait.
type WaitOption int

const (
	// WaitNoHang returns immediately when no child has changed state.
	WaitNoHang WaitOption = 1 << iota
	// WaitUntraced also reports children that have stopped.
	WaitUntraced
)

// Wait waits for a child to exit, or to stop with WaitUntraced. pid
// selects the children: > 0 that child, -1 any child, 0 any child in the
// caller's job, < -1 any child in job -pid. An exited child is reaped. With
// WaitNoHang and nothing to report it returns pid 0.
func (t *Task) Wait(pid int, opts WaitOption) (int, WaitStatus, error) {
	var (
		wpid   int
		status WaitStatus
	)
	err := t.Syscall(SysWait, func() error {
		var err error
		wpid, status, err = t.k.wait(t, pid, opts)
		return err
	})
	return wpid, status, err
}

func (k *Kernel) wait(t *Task, pid int, opts WaitOption) (int, WaitStatus, error) {
	p := t.p
	for {
		k.table.mu.Lock()
		candidates := 0
		for _, cpid := range p.children {
			c := k.table.procs[cpid]
			if c == nil || !waitMatches(p, c, pid) {
				continue
			}
			candidates++
			if c.zombie {
				status := c.status
				k.table.destroyLocked(c)
				k.table.mu.Unlock()
				return c.PID, status, nil
			}
			if opts&WaitUntraced != 0 && c.status.Stopped() && !c.reported {
				c.reported = true
				status := c.status
				k.table.mu.Unlock()
				return c.PID, status, nil
			}
		}
		if candidates == 0 {
			k.table.mu.Unlock()
			return 0, 0, fmt.Errorf("wait %d: %w", pid, ErrNoChild)
		}
		if opts&WaitNoHang != 0 {
			k.table.mu.Unlock()
			return 0, 0, nil
		}
		if t.SleepOnUnlocking(p.waitQueue, &k.table.mu) {
			return 0, 0, ErrRestart
		}
	}
}

func waitMatches(p, c *Process, pid int) bool {
	switch {
	case pid > 0:
		return c.PID == pid
	case pid == -1:
		return true
	case pid == 0:
		return c.Job() == p.Job()
	default:
		return c.Job() == -pid
	}
}

// Kill sends sig to pid: > 0 that process, 0 the caller's job, -1 every
// process but the root and the caller, < -1 job -pid.
func (t *Task) Kill(pid int, sig Signal) error {
	p, k := t.p, t.k
	return t.Syscall(SysKill, func() error {
		switch {
		case pid > 0:
			return k.SendSignal(p, pid, sig, false)
		case pid == 0:
			return k.GroupSendSignal(p, p.Job(), sig, false)
		case pid == -1:
			return k.broadcast(p, sig)
		default:
			return k.GroupSendSignal(p, -pid, sig, false)
		}
	})
}

func (k *Kernel) broadcast(sender *Process, sig Signal) error {
	root := k.table.Root()
	sent := false
	for _, p := range k.table.Processes() {
		if p == root || p == sender {
			continue
		}
		if k.SendSignal(sender, p.PID, sig, false) == nil {
			sent = true
		}
	}
	if !sent {
		return fmt.Errorf("kill -1: %w", ErrNoSuchProcess)
	}
	return nil
}

// SigAction installs act for sig and returns the previous action. A nil act
// only queries. The actions of SIGKILL and SIGSTOP cannot be changed.
func (t *Task) SigAction(sig Signal, act *SigAction) (SigAction, error) {
	p, k := t.p, t.k
	var old SigAction
	err := t.Syscall(SysSigAction, func() error {
		if !sig.Valid() {
			return fmt.Errorf("sigaction %d: %w", int(sig), ErrInvalidSignal)
		}
		if act != nil && unblockable.Has(sig) {
			return fmt.Errorf("sigaction %v: %w", sig, ErrInvalidArgument)
		}

		k.sched.mu.Lock()
		defer k.sched.mu.Unlock()
		old = p.actions[sig]
		if act == nil {
			return nil
		}
		p.actions[sig] = *act
		if act.Handler == nil && (act.Ignore || DefaultDisposition(sig) == DefaultIgnore) {
			p.dropPendingLocked(sig)
		}
		return nil
	})
	return old, err
}

// Signal installs handler for sig; a nil handler restores the default.
func (t *Task) Signal(sig Signal, handler SignalHandler) (SignalHandler, error) {
	old, err := t.SigAction(sig, &SigAction{Handler: handler})
	return old.Handler, err
}

// Ignore sets sig to be discarded.
func (t *Task) Ignore(sig Signal) error {
	_, err := t.SigAction(sig, &SigAction{Ignore: true})
	return err
}

func (p *Process) dropPendingLocked(sig Signal) {
	kept := p.signals[:0]
	for _, e := range p.signals {
		if e.sig != sig {
			kept = append(kept, e)
		}
	}
	p.signals = kept
}

// How selects the operation of SigProcMask.
type How int

const (
	// SigBlock adds the set to the blocked mask.
	SigBlock How = iota
	// SigUnblock removes the set from the blocked mask.
	SigUnblock
	// SigSetMask replaces the blocked mask.
	SigSetMask
)

// SigProcMask changes the blocked mask and returns the previous one.
// SIGKILL and SIGSTOP are never blocked.
func (t *Task) SigProcMask(how How, set SignalSet) (SignalSet, error) {
	p, k := t.p, t.k
	var old SignalSet
	err := t.Syscall(SysSigProcMask, func() error {
		k.sched.mu.Lock()
		defer k.sched.mu.Unlock()
		old = p.blocked
		switch how {
		case SigBlock:
			p.blocked = p.blocked.Union(set)
		case SigUnblock:
			p.blocked = p.blocked.Difference(set)
		case SigSetMask:
			p.blocked = set
		default:
			return fmt.Errorf("sigprocmask %d: %w", how, ErrInvalidArgument)
		}
		p.blocked = p.blocked.Difference(unblockable)
		return nil
	})
	return old, err
}

// SigWait blocks until a signal in set is pending, removes it and returns
// it. The signals are normally blocked by the caller so that no handler
// runs for them.
func (t *Task) SigWait(set SignalSet) (Signal, error) {
	var sig Signal
	err := t.Syscall(SysSigWait, func() error {
		var err error
		sig, err = t.k.sigwait(t, set)
		return err
	})
	return sig, err
}

func (k *Kernel) sigwait(t *Task, set SignalSet) (Signal, error) {
	p := t.p
	if set == 0 {
		return 0, fmt.Errorf("sigwait: %w", ErrInvalidArgument)
	}
	for {
		k.sched.mu.Lock()
		for i, e := range p.signals {
			if set.Has(e.sig) {
				p.signals = append(p.signals[:i], p.signals[i+1:]...)
				p.awaited = 0
				k.sched.mu.Unlock()
				return e.sig, nil
			}
		}
		if p.deliverableLocked() {
			p.awaited = 0
			k.sched.mu.Unlock()
			return 0, ErrRestart
		}
		p.awaited = set
		p.transition(StateBlocked)
		p.woken = false
		k.sched.mu.Unlock()

		t.switchTask(false)
	}
}

// Sleep blocks the caller for a relative duration. A signal ends the sleep
// early with ErrInterrupted; the call is not restarted.
func (t *Task) Sleep(seconds, subseconds uint64) error {
	return t.SleepUntil(t.k.clock.Now().Add(seconds, subseconds))
}

// SleepUntil blocks the caller until the kernel clock reaches deadline.
func (t *Task) SleepUntil(deadline Timestamp) error {
	p, k := t.p, t.k
	return t.Syscall(SysSleep, func() error {
		if !k.clock.Now().Before(deadline) {
			return nil
		}

		k.sched.mu.Lock()
		if p.deliverableLocked() {
			k.sched.mu.Unlock()
			return fmt.Errorf("sleep: %w", ErrInterrupted)
		}
		k.sleepUntilLocked(p, deadline)
		k.sched.mu.Unlock()

		t.switchTask(false)

		k.sched.mu.Lock()
		interrupted := p.woken
		p.woken = false
		if interrupted {
			p.flags |= FlagSleepInterrupted
		} else {
			p.flags &^= FlagSleepInterrupted
		}
		k.sched.mu.Unlock()
		if interrupted {
			return fmt.Errorf("sleep: %w", ErrInterrupted)
		}
		return nil
	})
}

// Open opens path relative to the working directory and returns a
// descriptor. O_CREATE creates a missing regular file.
func (t *Task) Open(path string, flags int, perm os.FileMode) (int, error) {
	p, k := t.p, t.k
	fd := -1
	err := t.Syscall(SysOpen, func() error {
		abs := vfs.Abs(path, p.Cwd())
		node, err := vfs.Resolve(k.root, abs)
		switch {
		case err == nil:
			if flags&vfs.O_CREATE != 0 && flags&vfs.O_EXCL != 0 {
				return fmt.Errorf("open %s: %w", abs, vfs.ErrExists)
			}
		case errors.Is(err, vfs.ErrNotFound) && flags&vfs.O_CREATE != 0:
			dir, name, perr := vfs.ResolveParent(k.root, abs)
			if perr != nil {
				return perr
			}
			if node, err = dir.Create(name, perm); err != nil {
				return fmt.Errorf("open %s: %w", abs, err)
			}
		default:
			return err
		}

		if err := node.Open(flags); err != nil {
			return fmt.Errorf("open %s: %w", abs, err)
		}
		fd, err = t.InstallFile(NewOpenFile(node, flags))
		if err != nil {
			vfs.CloseNode(node, flags)
		}
		return err
	})
	return fd, err
}

// InstallFile adds f to the caller's descriptor table.
func (t *Task) InstallFile(f *OpenFile) (int, error) {
	files := t.p.Files()
	if files == nil {
		return -1, ErrBadDescriptor
	}
	return files.Install(f)
}

// File returns the open file behind fd.
func (t *Task) File(fd int) (*OpenFile, error) {
	files := t.p.Files()
	if files == nil {
		return nil, ErrBadDescriptor
	}
	return files.Get(fd)
}

// Read reads from fd. A read blocked in the node and broken by a signal is
// restarted after the handler returns. End of file reads 0 bytes.
func (t *Task) Read(fd int, b []byte) (int, error) {
	var n int
	err := t.Syscall(SysRead, func() error {
		f, err := t.File(fd)
		if err != nil {
			return err
		}
		n, err = f.Read(t.Context(), b)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ErrInterrupted):
			return ErrRestart
		}
		return err
	})
	return n, err
}

// Write writes to fd, restarting like Read.
func (t *Task) Write(fd int, b []byte) (int, error) {
	var n int
	err := t.Syscall(SysWrite, func() error {
		f, err := t.File(fd)
		if err != nil {
			return err
		}
		n, err = f.Write(t.Context(), b)
		if errors.Is(err, ErrInterrupted) {
			return ErrRestart
		}
		return err
	})
	return n, err
}

// Close closes fd.
func (t *Task) Close(fd int) error {
	return t.Syscall(SysClose, func() error {
		files := t.p.Files()
		if files == nil {
			return ErrBadDescriptor
		}
		return files.Close(fd)
	})
}

// Dup2 makes newfd a copy of oldfd.
func (t *Task) Dup2(oldfd, newfd int) (int, error) {
	fd := -1
	err := t.Syscall(SysDup2, func() error {
		files := t.p.Files()
		if files == nil {
			return ErrBadDescriptor
		}
		var err error
		fd, err = files.Dup2(oldfd, newfd)
		return err
	})
	return fd, err
}

// Chdir changes the working directory.
func (t *Task) Chdir(path string) error {
	p, k := t.p, t.k
	return t.Syscall(SysChdir, func() error {
		abs := vfs.Abs(path, p.Cwd())
		node, err := vfs.Resolve(k.root, abs)
		if err != nil {
			return err
		}
		info, err := node.Stat()
		if err != nil {
			return err
		}
		if !info.IsDir {
			return fmt.Errorf("chdir %s: %w", abs, vfs.ErrNotDirectory)
		}
		p.mu.Lock()
		p.cwd = abs
		p.mu.Unlock()
		return nil
	})
}

// Getcwd returns the working directory.
func (t *Task) Getcwd() string {
	return t.p.Cwd()
}
