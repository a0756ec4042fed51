package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kcore/pkg/vfs"
	"kcore/pkg/vfs/memfs"
)

func testKernel(cfg Config) *Kernel {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = -1
	}
	if cfg.Clock == nil {
		cfg.Clock = &ManualClock{}
	}
	if cfg.Frames == 0 {
		cfg.Frames = 256
	}
	return New(cfg)
}

// boot runs init to completion and returns the Run error.
func boot(t *testing.T, k *Kernel, init Program) error {
	t.Helper()
	if _, err := k.Boot(init); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := k.Run(ctx)
	if ctx.Err() != nil {
		t.Fatalf("kernel did not halt: %v", ctx.Err())
	}
	return err
}

// addProcess inserts a process into the table without starting it.
func addProcess(t *testing.T, k *Kernel, parent *Process) *Process {
	t.Helper()
	p := k.newProcess("test")
	if err := k.table.insert(p, parent); err != nil {
		t.Fatalf("insert() error = %v", err)
	}
	p.Group = p.PID
	return p
}

// TestProcessStateTransitions tests the transition table.
func TestProcessStateTransitions(t *testing.T) {
	tests := []struct {
		from ProcessState
		to   ProcessState
		want bool
	}{
		{StateReady, StateRunning, true},
		{StateRunning, StateReady, true},
		{StateRunning, StateSleeping, true},
		{StateSleeping, StateReady, true},
		{StateRunning, StateBlocked, true},
		{StateBlocked, StateReady, true},
		{StateRunning, StateSuspended, true},
		{StateSuspended, StateReady, true},
		{StateRunning, StateFinished, true},
		{StateReady, StateFinished, false},
		{StateFinished, StateReady, false},
		{StateSleeping, StateRunning, false},
		{StateBlocked, StateSuspended, false},
		{StateSuspended, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.from, tt.to), func(t *testing.T) {
			if got := IsValidTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("IsValidTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInvalidTransitionPanics(t *testing.T) {
	k := testKernel(Config{})
	p := k.newProcess("bad")
	p.state = StateFinished

	defer func() {
		r := recover()
		kp, ok := r.(*KernelPanic)
		if !ok {
			t.Fatalf("recover() = %v, want *KernelPanic", r)
		}
		if !k.InPanic() {
			t.Error("InPanic() = false after panic")
		}
		if kp.Name != "bad" {
			t.Errorf("panic name = %q, want %q", kp.Name, "bad")
		}
	}()
	k.sched.mu.Lock()
	defer k.sched.mu.Unlock()
	p.transition(StateRunning)
}

func TestStateCodes(t *testing.T) {
	tests := []struct {
		state ProcessState
		want  string
	}{
		{StateReady, "R"},
		{StateRunning, "R"},
		{StateSleeping, "S"},
		{StateBlocked, "S"},
		{StateSuspended, "T"},
		{StateFinished, "Z"},
	}
	for _, tt := range tests {
		if got := tt.state.Code(); got != tt.want {
			t.Errorf("%s.Code() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestReadyQueueFIFO(t *testing.T) {
	k := testKernel(Config{})

	procs := make([]*Process, 8)
	for i := range procs {
		p := k.newProcess(fmt.Sprintf("p%d", i))
		p.state = StateBlocked
		procs[i] = p
	}
	order := rand.New(rand.NewSource(7)).Perm(len(procs))
	for _, i := range order {
		k.MakeReady(procs[i])
	}
	// Already queued: must not be enqueued twice.
	k.MakeReady(procs[order[0]])

	if got := k.ReadyLen(); got != len(procs) {
		t.Fatalf("ReadyLen() = %d, want %d", got, len(procs))
	}
	for _, i := range order {
		got := k.nextReady()
		if got != procs[i] {
			t.Fatalf("nextReady() = %s, want %s", got.Name(), procs[i].Name())
		}
		if got.State() != StateRunning {
			t.Errorf("%s state = %s, want running", got.Name(), got.State())
		}
	}
	if p := k.nextReady(); p != nil {
		t.Errorf("nextReady() on empty queue = %s, want nil", p.Name())
	}
}

func TestMakeReadyIgnoresRunningAndFinished(t *testing.T) {
	k := testKernel(Config{})
	for _, state := range []ProcessState{StateRunning, StateFinished} {
		p := k.newProcess(string(state))
		p.state = state
		k.MakeReady(p)
		if p.State() != state {
			t.Errorf("MakeReady() changed %s to %s", state, p.State())
		}
	}
	if got := k.ReadyLen(); got != 0 {
		t.Errorf("ReadyLen() = %d, want 0", got)
	}
}

func TestSleepQueueOrdering(t *testing.T) {
	k := testKernel(Config{})

	const n = 16
	deadlines := rand.New(rand.NewSource(42)).Perm(n)
	k.sched.mu.Lock()
	for i, d := range deadlines {
		p := k.newProcess(fmt.Sprintf("p%d", i))
		p.state = StateRunning
		k.sleepUntilLocked(p, Timestamp{Seconds: uint64(d + 1)})
	}
	k.sched.mu.Unlock()

	if got := k.WakeupSleepers(Timestamp{Seconds: 0}); got != 0 {
		t.Errorf("WakeupSleepers(0) = %d, want 0", got)
	}
	if got := k.WakeupSleepers(Timestamp{Seconds: n / 2}); got != n/2 {
		t.Errorf("WakeupSleepers(%d) = %d, want %d", n/2, got, n/2)
	}
	if got := k.WakeupSleepers(Timestamp{Seconds: n + 1}); got != n/2 {
		t.Errorf("WakeupSleepers(%d) = %d, want %d", n+1, got, n/2)
	}
	if got := k.SleepersLen(); got != 0 {
		t.Errorf("SleepersLen() = %d, want 0", got)
	}

	var last Timestamp
	for i := 0; i < n; i++ {
		p := k.nextReady()
		if p == nil {
			t.Fatalf("nextReady() = nil after %d wakeups", i)
		}
		if p.wakeAt.Before(last) {
			t.Errorf("woke %v after %v", p.wakeAt, last)
		}
		last = p.wakeAt
	}
}

func TestSleepQueueStableForEqualDeadlines(t *testing.T) {
	k := testKernel(Config{})

	var procs []*Process
	k.sched.mu.Lock()
	for i := 0; i < 4; i++ {
		p := k.newProcess(fmt.Sprintf("p%d", i))
		p.state = StateRunning
		k.sleepUntilLocked(p, Timestamp{Seconds: 1})
		procs = append(procs, p)
	}
	k.sched.mu.Unlock()

	k.WakeupSleepers(Timestamp{Seconds: 1})
	for _, want := range procs {
		if got := k.nextReady(); got != want {
			t.Fatalf("nextReady() = %s, want %s", got.Name(), want.Name())
		}
	}
}

func TestTimestamp(t *testing.T) {
	ts := Timestamp{Seconds: 1, Subseconds: 900000}.Add(0, 200000)
	if ts != (Timestamp{Seconds: 2, Subseconds: 100000}) {
		t.Errorf("Add() = %v, want 2.100000", ts)
	}
	if !ts.Before(Timestamp{Seconds: 2, Subseconds: 100001}) {
		t.Error("Before() = false for a later subsecond")
	}
	if ts.Before(ts) {
		t.Error("Before() = true for an equal timestamp")
	}
	if got := TimestampOf(1500 * time.Millisecond); got != (Timestamp{Seconds: 1, Subseconds: 500000}) {
		t.Errorf("TimestampOf() = %v", got)
	}
	if got := ts.Duration(); got != 2100*time.Millisecond {
		t.Errorf("Duration() = %v", got)
	}
}

func TestSendSignalIgnoredIsNoop(t *testing.T) {
	k := testKernel(Config{})
	root := addProcess(t, k, nil)
	p := addProcess(t, k, root)
	p.actions[SIGUSR2] = SigAction{Ignore: true}

	for _, sig := range []Signal{SIGCHLD, SIGURG, SIGWINCH, SIGUSR2} {
		t.Run(sig.String(), func(t *testing.T) {
			if err := k.SendSignal(nil, p.PID, sig, false); err != nil {
				t.Fatalf("SendSignal() error = %v", err)
			}
			if got := p.PendingSignals(); got != 0 {
				t.Errorf("PendingSignals() = %d, want 0", got)
			}
		})
	}

	if err := k.SendSignal(nil, p.PID, SIGUSR1, false); err != nil {
		t.Fatalf("SendSignal(SIGUSR1) error = %v", err)
	}
	if got := p.PendingSignals(); got != 1 {
		t.Errorf("PendingSignals() = %d, want 1", got)
	}
}

func TestSendSignalErrors(t *testing.T) {
	k := testKernel(Config{})
	root := addProcess(t, k, nil)
	target := addProcess(t, k, root)
	target.creds = Credentials{UID: 1000, EUID: 1000}
	target.session = 5
	other := addProcess(t, k, root)
	other.creds = Credentials{UID: 1001, EUID: 1001}
	other.session = 5
	owner := addProcess(t, k, root)
	owner.creds = Credentials{UID: 1000, EUID: 1000}

	tests := []struct {
		name      string
		sender    *Process
		pid       int
		sig       Signal
		forceRoot bool
		wantErr   error
	}{
		{"no such process", nil, 999, SIGTERM, false, ErrNoSuchProcess},
		{"invalid signal", nil, target.PID, Signal(NumSignals), false, ErrInvalidSignal},
		{"negative signal", nil, target.PID, Signal(-1), false, ErrInvalidSignal},
		{"other user", other, target.PID, SIGTERM, false, ErrPermissionDenied},
		{"other user forced", other, target.PID, SIGUSR1, true, nil},
		{"same user", owner, target.PID, SIGUSR1, false, nil},
		{"root user", root, target.PID, SIGUSR1, false, nil},
		{"signal zero", owner, target.PID, 0, false, nil},
		{"cont not suspended", nil, target.PID, SIGCONT, false, ErrInvalidState},
		{"cont same session", other, target.PID, SIGCONT, false, ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := k.SendSignal(tt.sender, tt.pid, tt.sig, tt.forceRoot)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SendSignal() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSendSignalPermissionHasNoSideEffect(t *testing.T) {
	k := testKernel(Config{})
	root := addProcess(t, k, nil)
	target := addProcess(t, k, root)
	target.creds = Credentials{UID: 7, EUID: 7}
	sender := addProcess(t, k, root)
	sender.creds = Credentials{UID: 8, EUID: 8}

	if err := k.SendSignal(sender, target.PID, SIGKILL, false); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SendSignal() error = %v, want ErrPermissionDenied", err)
	}
	if got := target.PendingSignals(); got != 0 {
		t.Errorf("PendingSignals() = %d, want 0", got)
	}
}

func TestGroupSendSignal(t *testing.T) {
	k := testKernel(Config{})
	root := addProcess(t, k, nil)
	var members []*Process
	for i := 0; i < 3; i++ {
		p := addProcess(t, k, root)
		p.job = 42
		members = append(members, p)
	}
	outsider := addProcess(t, k, root)
	outsider.job = 43

	if err := k.GroupSendSignal(nil, 42, SIGUSR1, false); err != nil {
		t.Fatalf("GroupSendSignal() error = %v", err)
	}
	for _, p := range members {
		if got := p.PendingSignals(); got != 1 {
			t.Errorf("pid %d PendingSignals() = %d, want 1", p.PID, got)
		}
	}
	if got := outsider.PendingSignals(); got != 0 {
		t.Errorf("outsider PendingSignals() = %d, want 0", got)
	}
	if err := k.GroupSendSignal(nil, 99, SIGUSR1, false); !errors.Is(err, ErrNoSuchProcess) {
		t.Errorf("GroupSendSignal(empty job) error = %v, want ErrNoSuchProcess", err)
	}
}

func TestSignalSet(t *testing.T) {
	s := NewSignalSet(SIGINT, SIGTERM)
	if !s.Has(SIGINT) || !s.Has(SIGTERM) || s.Has(SIGHUP) {
		t.Errorf("Has() wrong for %b", s)
	}
	if got := s.Add(SIGHUP).Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	if s.Remove(SIGINT).Has(SIGINT) {
		t.Error("Remove() kept SIGINT")
	}
	if got := s.Difference(NewSignalSet(SIGTERM)); got != NewSignalSet(SIGINT) {
		t.Errorf("Difference() = %b", got)
	}
	if s.Add(Signal(99)) != s {
		t.Error("Add() accepted an invalid signal")
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    Signal
		wantErr bool
	}{
		{"USR1", SIGUSR1, false},
		{"sigterm", SIGTERM, false},
		{"SIGKILL", SIGKILL, false},
		{"9", SIGKILL, false},
		{"CHLD", SIGCHLD, false},
		{"99", 0, true},
		{"BOGUS", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSignal(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSignal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSignal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   WaitStatus
		exited   bool
		code     int
		signaled bool
		sig      Signal
		core     bool
		stopped  bool
	}{
		{"exit 0", ExitedStatus(0), true, 0, false, 0, false, false},
		{"exit 5", ExitedStatus(5), true, 5, false, 0, false, false},
		{"killed", SignaledStatus(SIGKILL, false), false, 0, true, SIGKILL, false, false},
		{"core", SignaledStatus(SIGSEGV, true), false, 0, true, SIGSEGV, true, false},
		{"stopped", StoppedStatus(SIGSTOP), false, 0, false, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.status
			if s.Exited() != tt.exited || s.Signaled() != tt.signaled || s.Stopped() != tt.stopped {
				t.Fatalf("%#x: Exited=%v Signaled=%v Stopped=%v", int(s), s.Exited(), s.Signaled(), s.Stopped())
			}
			if tt.exited && s.ExitCode() != tt.code {
				t.Errorf("ExitCode() = %d, want %d", s.ExitCode(), tt.code)
			}
			if tt.signaled && (s.TermSignal() != tt.sig || s.CoreDump() != tt.core) {
				t.Errorf("TermSignal() = %v CoreDump() = %v", s.TermSignal(), s.CoreDump())
			}
			if tt.stopped && s.StopSignal() != SIGSTOP {
				t.Errorf("StopSignal() = %v, want SIGSTOP", s.StopSignal())
			}
		})
	}
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want Errno
	}{
		{nil, 0},
		{ErrNoSuchProcess, ESRCH},
		{fmt.Errorf("kill 3: %w", ErrPermissionDenied), EPERM},
		{ErrInterrupted, EINTR},
		{ErrRestart, ERESTARTSYS},
		{ErrBrokenResource, EPIPE},
		{ErrNoChild, ECHILD},
		{ErrTooManyFiles, EMFILE},
		{&LimitError{Type: ResourceMemory}, ENOMEM},
		{fmt.Errorf("open: %w", vfs.ErrNotFound), ENOENT},
		{errors.New("something else"), EINVAL},
	}
	for _, tt := range tests {
		if got := ToErrno(tt.err); got != tt.want {
			t.Errorf("ToErrno(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestTableFull(t *testing.T) {
	k := testKernel(Config{MaxProcesses: 2})
	root := addProcess(t, k, nil)
	addProcess(t, k, root)

	if err := k.table.insert(k.newProcess("extra"), root); !errors.Is(err, ErrTableFull) {
		t.Errorf("insert() error = %v, want ErrTableFull", err)
	}
	if got := k.table.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestDestroyRootPanics(t *testing.T) {
	k := testKernel(Config{})
	root := addProcess(t, k, nil)

	var handled atomic.Int32
	k.SetPanicHandler(func(*KernelPanic) { handled.Add(1) })

	func() {
		defer func() {
			kp, ok := recover().(*KernelPanic)
			if !ok {
				t.Fatal("Destroy(root) did not panic with *KernelPanic")
			}
			if kp.PID != root.PID {
				t.Errorf("panic pid = %d, want %d", kp.PID, root.PID)
			}
		}()
		k.table.Destroy(root)
	}()

	select {
	case <-k.Halted():
	default:
		t.Error("kernel not halted after panic")
	}
	if got := handled.Load(); got != 1 {
		t.Errorf("panic handler ran %d times, want 1", got)
	}
	if k.table.Lookup(root.PID) != root {
		t.Error("root removed from the table")
	}
}

func TestForkWaitReap(t *testing.T) {
	k := testKernel(Config{Cores: 2})

	var (
		childPID, gotPID int
		status           WaitStatus
		waitErr          error
		afterReap        *Process
	)
	err := boot(t, k, func(task *Task) int {
		pid, err := task.Fork(func(child *Task) int {
			return 5
		})
		if err != nil {
			return 1
		}
		childPID = pid
		gotPID, status, waitErr = task.Wait(pid, 0)
		afterReap = k.Table().Lookup(pid)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if waitErr != nil {
		t.Fatalf("Wait() error = %v", waitErr)
	}
	if gotPID != childPID {
		t.Errorf("Wait() pid = %d, want %d", gotPID, childPID)
	}
	if !status.Exited() || status.ExitCode() != 5 {
		t.Errorf("Wait() status = %v, want exited 5", status)
	}
	if afterReap != nil {
		t.Errorf("Lookup(%d) after reap = pid %d, want nil", childPID, afterReap.PID)
	}
}

func TestWaitNoChildAndNoHang(t *testing.T) {
	k := testKernel(Config{})

	var noChildErr, noHangErr error
	var noHangPID int
	err := boot(t, k, func(task *Task) int {
		_, _, noChildErr = task.Wait(-1, 0)

		pid, _ := task.Fork(func(child *Task) int {
			child.SigWait(NewSignalSet(SIGUSR1))
			return 0
		})
		noHangPID, _, noHangErr = task.Wait(pid, WaitNoHang)
		task.Kill(pid, SIGUSR1)
		task.Wait(pid, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(noChildErr, ErrNoChild) {
		t.Errorf("Wait() without children error = %v, want ErrNoChild", noChildErr)
	}
	if noHangErr != nil || noHangPID != 0 {
		t.Errorf("Wait(WaitNoHang) = %d, %v, want 0, nil", noHangPID, noHangErr)
	}
}

func TestExitStatusFromSignal(t *testing.T) {
	tests := []struct {
		name  string
		child Program
		sig   Signal
		core  bool
	}{
		{
			name: "kill while sleeping",
			child: func(c *Task) int {
				c.Sleep(1000, 0)
				return 0
			},
			sig: SIGKILL,
		},
		{
			name: "terminate while waiting for a signal",
			child: func(c *Task) int {
				c.SigWait(NewSignalSet(SIGUSR2))
				return 0
			},
			sig: SIGTERM,
		},
		{
			name: "quit dumps core",
			child: func(c *Task) int {
				c.SigWait(NewSignalSet(SIGUSR2))
				return 0
			},
			sig:  SIGQUIT,
			core: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := testKernel(Config{})
			var status WaitStatus
			var waitErr error
			err := boot(t, k, func(task *Task) int {
				pid, err := task.Fork(tt.child)
				if err != nil {
					return 1
				}
				// Let the child block first.
				task.Yield()
				if err := task.Kill(pid, tt.sig); err != nil {
					return 2
				}
				_, status, waitErr = task.Wait(pid, 0)
				return 0
			})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if waitErr != nil {
				t.Fatalf("Wait() error = %v", waitErr)
			}
			if !status.Signaled() || status.TermSignal() != tt.sig || status.CoreDump() != tt.core {
				t.Errorf("status = %v, want killed by %v (core %v)", status, tt.sig, tt.core)
			}
		})
	}
}

func TestProgramFaultIsSegfault(t *testing.T) {
	k := testKernel(Config{})
	var status WaitStatus
	err := boot(t, k, func(task *Task) int {
		pid, _ := task.Fork(func(c *Task) int {
			var m map[string]int
			m["boom"] = 1
			return 0
		})
		_, status, _ = task.Wait(pid, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status.TermSignal() != SIGSEGV || !status.CoreDump() {
		t.Errorf("status = %v, want killed by SIGSEGV (core dumped)", status)
	}
}

func TestStopAndContinue(t *testing.T) {
	k := testKernel(Config{Cores: 1})

	var (
		stopped     WaitStatus
		stateOnStop ProcessState
		stateOnCont ProcessState
		final       WaitStatus
		errs        []error
	)
	err := boot(t, k, func(task *Task) int {
		pid, err := task.Fork(func(c *Task) int {
			c.SigProcMask(SigBlock, NewSignalSet(SIGUSR1))
			if _, err := c.SigWait(NewSignalSet(SIGUSR1)); err != nil {
				return 1
			}
			return 7
		})
		if err != nil {
			return 1
		}
		child := k.Table().Lookup(pid)
		task.Yield()

		errs = append(errs, task.Kill(pid, SIGSTOP))
		var wpid int
		wpid, stopped, err = task.Wait(pid, WaitUntraced)
		errs = append(errs, err)
		if wpid != pid {
			errs = append(errs, fmt.Errorf("Wait() pid = %d, want %d", wpid, pid))
		}
		stateOnStop = child.State()

		errs = append(errs, task.Kill(pid, SIGCONT))
		stateOnCont = child.State()

		errs = append(errs, task.Kill(pid, SIGUSR1))
		_, final, err = task.Wait(pid, 0)
		errs = append(errs, err)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if !stopped.Stopped() || stopped.StopSignal() != SIGSTOP {
		t.Errorf("Wait(WaitUntraced) status = %v, want stopped (SIGSTOP)", stopped)
	}
	if stateOnStop != StateSuspended {
		t.Errorf("state after SIGSTOP = %s, want suspended", stateOnStop)
	}
	if stateOnCont != StateReady {
		t.Errorf("state after SIGCONT = %s, want ready", stateOnCont)
	}
	if !final.Exited() || final.ExitCode() != 7 {
		t.Errorf("final status = %v, want exited 7", final)
	}
}

func TestContinueWhenSIGCONTIgnored(t *testing.T) {
	tests := []struct {
		name   string
		ignore bool
	}{
		{"default action", false},
		{"ignored", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := testKernel(Config{Cores: 1})

			var (
				stateOnCont ProcessState
				stateAfter  ProcessState
				final       WaitStatus
				errs        []error
			)
			err := boot(t, k, func(task *Task) int {
				pid, err := task.Fork(func(c *Task) int {
					if tt.ignore {
						if err := c.Ignore(SIGCONT); err != nil {
							return 1
						}
					}
					c.SigProcMask(SigBlock, NewSignalSet(SIGUSR1))
					if _, err := c.SigWait(NewSignalSet(SIGUSR1)); err != nil {
						return 1
					}
					return 7
				})
				if err != nil {
					return 1
				}
				child := k.Table().Lookup(pid)
				task.Yield()

				errs = append(errs, task.Kill(pid, SIGSTOP))
				_, _, err = task.Wait(pid, WaitUntraced)
				errs = append(errs, err)

				errs = append(errs, task.Kill(pid, SIGCONT))
				stateOnCont = child.State()
				task.Yield()
				task.Yield()
				stateAfter = child.State()

				errs = append(errs, task.Kill(pid, SIGUSR1))
				_, final, err = task.Wait(pid, 0)
				errs = append(errs, err)
				return 0
			})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			for _, err := range errs {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
			if stateOnCont != StateReady {
				t.Errorf("state after SIGCONT = %s, want ready", stateOnCont)
			}
			if stateAfter == StateSuspended {
				t.Errorf("state after yielding = %s, want the child continued", stateAfter)
			}
			if !final.Exited() || final.ExitCode() != 7 {
				t.Errorf("final status = %v, want exited 7", final)
			}
		})
	}
}

// mapTracer substitutes signals from a fixed table and records what it saw.
type mapTracer struct {
	mu   sync.Mutex
	subs map[Signal]Signal
	seen []Signal
}

func (tr *mapTracer) SubstituteSignal(p *Process, sig Signal) Signal {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seen = append(tr.seen, sig)
	if sub, ok := tr.subs[sig]; ok {
		return sub
	}
	return sig
}

func TestTracerSubstitutesSignal(t *testing.T) {
	tests := []struct {
		name        string
		subs        map[Signal]Signal
		send        Signal
		wantHandled []Signal
	}{
		{"pass through", nil, SIGUSR1, []Signal{SIGUSR1}},
		{"substitute", map[Signal]Signal{SIGUSR1: SIGUSR2}, SIGUSR1, []Signal{SIGUSR2}},
		{"suppress handled", map[Signal]Signal{SIGUSR1: 0}, SIGUSR1, nil},
		{"suppress fatal", map[Signal]Signal{SIGTERM: 0}, SIGTERM, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := testKernel(Config{Cores: 1})
			tr := &mapTracer{subs: tt.subs}

			var (
				mu      sync.Mutex
				handled []Signal
				traced  bool
				status  WaitStatus
			)
			record := func(_ *Task, sig Signal) {
				mu.Lock()
				handled = append(handled, sig)
				mu.Unlock()
			}
			err := boot(t, k, func(task *Task) int {
				pid, err := task.Fork(func(c *Task) int {
					c.Signal(SIGUSR1, record)
					c.Signal(SIGUSR2, record)
					c.Process().SetTracer(tr)
					traced = c.Process().Flags()&FlagTraced != 0
					if err := c.Kill(c.Getpid(), tt.send); err != nil {
						return 1
					}
					c.Yield()
					c.Process().SetTracer(nil)
					if c.Process().Flags()&FlagTraced != 0 {
						return 2
					}
					return 0
				})
				if err != nil {
					return 1
				}
				_, status, err = task.Wait(pid, 0)
				if err != nil {
					return 1
				}
				return 0
			})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !traced {
				t.Error("FlagTraced not set after SetTracer")
			}
			if !status.Exited() || status.ExitCode() != 0 {
				t.Errorf("child status = %v, want exited 0", status)
			}
			if len(tr.seen) != 1 || tr.seen[0] != tt.send {
				t.Errorf("tracer saw %v, want [%v]", tr.seen, tt.send)
			}
			if fmt.Sprint(handled) != fmt.Sprint(tt.wantHandled) {
				t.Errorf("handled %v, want %v", handled, tt.wantHandled)
			}
		})
	}
}

func TestSetuid(t *testing.T) {
	tests := []struct {
		name     string
		startUID int
		uid      int
		wantErr  error
		wantUID  int
	}{
		{"root to user", 0, 100, nil, 100},
		{"user to self", 100, 100, nil, 100},
		{"user to other", 100, 200, ErrPermissionDenied, 100},
		{"user to root", 100, 0, ErrPermissionDenied, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := testKernel(Config{Cores: 1})

			var (
				first, second error
				creds         Credentials
			)
			err := boot(t, k, func(task *Task) int {
				first = task.Setuid(tt.startUID)
				second = task.Setuid(tt.uid)
				creds = task.Process().Credentials()
				return 0
			})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if first != nil {
				t.Fatalf("Setuid(%d) error = %v", tt.startUID, first)
			}
			if !errors.Is(second, tt.wantErr) {
				t.Errorf("Setuid(%d) error = %v, want %v", tt.uid, second, tt.wantErr)
			}
			if creds.UID != tt.wantUID || creds.EUID != tt.wantUID {
				t.Errorf("credentials = %+v, want uid and euid %d", creds, tt.wantUID)
			}
		})
	}
}

func TestCoreTracksPreviousAndActiveSpace(t *testing.T) {
	k := testKernel(Config{Cores: 1})

	var (
		root                  *Process
		rootSpaceActive       bool
		prev                  *Process
		childSpaceActive      bool
		childSpaceIsNotParent bool
	)
	err := boot(t, k, func(task *Task) int {
		root = task.Process()
		rootSpaceActive = task.p.core.ActiveSpace() == root.AddressSpace()
		pid, err := task.Fork(func(c *Task) int {
			core := c.p.core
			prev = core.Previous()
			space := core.ActiveSpace()
			childSpaceActive = space == c.Process().AddressSpace()
			childSpaceIsNotParent = space != root.AddressSpace()
			return 0
		})
		if err != nil {
			return 1
		}
		task.Wait(pid, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rootSpaceActive {
		t.Error("ActiveSpace() in init is not its address space")
	}
	if prev != root {
		t.Errorf("Previous() in child = %v, want init", prev)
	}
	if !childSpaceActive {
		t.Error("ActiveSpace() in child is not its address space")
	}
	if !childSpaceIsNotParent {
		t.Error("ActiveSpace() in child is still the parent's")
	}
}

func TestHandlerRestartsWait(t *testing.T) {
	k := testKernel(Config{Cores: 1})

	var (
		handled    atomic.Int32
		inHandler  int
		handlerArg uint64
		status     WaitStatus
		waitErr    error
	)
	err := boot(t, k, func(task *Task) int {
		_, err := task.Signal(SIGUSR1, func(h *Task, sig Signal) {
			handled.Add(1)
			inHandler = h.InHandler()
			handlerArg = h.Registers().Gen[0]
		})
		if err != nil {
			return 1
		}
		pid, err := task.Fork(func(c *Task) int {
			if err := c.Kill(c.Getppid(), SIGUSR1); err != nil {
				return 1
			}
			return 3
		})
		if err != nil {
			return 1
		}
		_, status, waitErr = task.Wait(pid, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if waitErr != nil {
		t.Fatalf("Wait() error = %v", waitErr)
	}
	if got := handled.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
	if inHandler != 1 {
		t.Errorf("InHandler() = %d, want 1", inHandler)
	}
	if handlerArg != uint64(SIGUSR1) {
		t.Errorf("handler argument = %d, want %d", handlerArg, SIGUSR1)
	}
	if status.ExitCode() != 3 {
		t.Errorf("status = %v, want exited 3", status)
	}
}

func TestCancelRestart(t *testing.T) {
	k := testKernel(Config{Cores: 1})

	var firstErr, secondErr error
	err := boot(t, k, func(task *Task) int {
		task.Signal(SIGUSR1, func(h *Task, sig Signal) {
			h.CancelRestart()
		})
		pid, _ := task.Fork(func(c *Task) int {
			c.Kill(c.Getppid(), SIGUSR1)
			return 0
		})
		_, _, firstErr = task.Wait(pid, 0)
		_, _, secondErr = task.Wait(pid, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(firstErr, ErrInterrupted) {
		t.Errorf("first Wait() error = %v, want ErrInterrupted", firstErr)
	}
	if secondErr != nil {
		t.Errorf("second Wait() error = %v", secondErr)
	}
}

func TestHandlerMaskRestored(t *testing.T) {
	k := testKernel(Config{})

	var during, after SignalSet
	err := boot(t, k, func(task *Task) int {
		task.SigAction(SIGUSR1, &SigAction{
			Handler: func(h *Task, sig Signal) {
				during, _ = h.SigProcMask(SigBlock, 0)
			},
			Mask: NewSignalSet(SIGUSR2),
		})
		task.Kill(task.Gettid(), SIGUSR1)
		after, _ = task.SigProcMask(SigBlock, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !during.Has(SIGUSR1) || !during.Has(SIGUSR2) {
		t.Errorf("mask in handler = %b, want USR1 and USR2", during)
	}
	if after != 0 {
		t.Errorf("mask after handler = %b, want 0", after)
	}
}

func TestSigActionRejectsKillAndStop(t *testing.T) {
	k := testKernel(Config{})

	var errs [3]error
	err := boot(t, k, func(task *Task) int {
		_, errs[0] = task.Signal(SIGKILL, func(*Task, Signal) {})
		errs[1] = task.Ignore(SIGSTOP)
		_, errs[2] = task.SigAction(Signal(0), nil)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(errs[0], ErrInvalidArgument) || !errors.Is(errs[1], ErrInvalidArgument) {
		t.Errorf("SigAction(KILL/STOP) errors = %v, %v", errs[0], errs[1])
	}
	if !errors.Is(errs[2], ErrInvalidSignal) {
		t.Errorf("SigAction(0) error = %v, want ErrInvalidSignal", errs[2])
	}
}

func TestSleepWakesInDeadlineOrder(t *testing.T) {
	clock := &ManualClock{}
	k := testKernel(Config{Cores: 1, Clock: clock})

	var (
		mu    sync.Mutex
		woken []uint64
	)
	go func() {
		for k.SleepersLen() < 3 {
			select {
			case <-k.Halted():
				return
			case <-time.After(time.Millisecond):
			}
		}
		clock.Set(Timestamp{Seconds: 10})
		k.WakeupSleepers(clock.Now())
	}()

	err := boot(t, k, func(task *Task) int {
		for _, d := range []uint64{3, 1, 2} {
			d := d
			task.Fork(func(c *Task) int {
				if err := c.SleepUntil(Timestamp{Seconds: d}); err != nil {
					return 1
				}
				mu.Lock()
				woken = append(woken, d)
				mu.Unlock()
				return 0
			})
		}
		for i := 0; i < 3; i++ {
			task.Wait(-1, 0)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []uint64{1, 2, 3}
	if fmt.Sprint(woken) != fmt.Sprint(want) {
		t.Errorf("wake order = %v, want %v", woken, want)
	}
}

func TestSleepPastDeadlineReturnsImmediately(t *testing.T) {
	clock := &ManualClock{}
	clock.Set(Timestamp{Seconds: 5})
	k := testKernel(Config{Clock: clock})

	var sleepErr error
	err := boot(t, k, func(task *Task) int {
		sleepErr = task.SleepUntil(Timestamp{Seconds: 4})
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sleepErr != nil {
		t.Errorf("SleepUntil() error = %v", sleepErr)
	}
}

func TestTimerPreemption(t *testing.T) {
	k := New(Config{
		Cores:        1,
		Frames:       64,
		TickInterval: time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})

	var flag atomic.Bool
	err := boot(t, k, func(task *Task) int {
		spinner, _ := task.Fork(func(c *Task) int {
			for !flag.Load() {
				c.Kill(c.Gettid(), 0)
			}
			return 0
		})
		setter, _ := task.Fork(func(c *Task) int {
			flag.Store(true)
			return 0
		})
		task.Wait(spinner, 0)
		task.Wait(setter, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !flag.Load() {
		t.Error("spinner was never preempted")
	}
	if k.Ticks() == 0 {
		t.Error("Ticks() = 0")
	}
}

func TestOrphansReparentedToRoot(t *testing.T) {
	k := testKernel(Config{})

	var (
		grandchild  atomic.Int64
		parentAfter int
		reapedPID   int
	)
	err := boot(t, k, func(task *Task) int {
		mid, _ := task.Fork(func(c *Task) int {
			pid, _ := c.Fork(func(g *Task) int {
				g.SigWait(NewSignalSet(SIGUSR2))
				return 0
			})
			grandchild.Store(int64(pid))
			return 0
		})
		task.Wait(mid, 0)

		pid := int(grandchild.Load())
		if p := k.Table().Lookup(pid); p != nil {
			parentAfter = p.Parent()
		}
		task.Kill(pid, SIGKILL)
		reapedPID, _, _ = task.Wait(-1, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if parentAfter != 1 {
		t.Errorf("orphan parent = %d, want 1", parentAfter)
	}
	if reapedPID != int(grandchild.Load()) {
		t.Errorf("Wait(-1) = %d, want %d", reapedPID, grandchild.Load())
	}
}

func TestCloneSharesAddressSpace(t *testing.T) {
	k := testKernel(Config{})

	var sameSpace, sameGroup, forkedSpace bool
	var arg any
	err := boot(t, k, func(task *Task) int {
		pid, _ := task.Clone(func(c *Task) int {
			arg = c.Arg()
			sameSpace = c.Process().AddressSpace() == task.Process().AddressSpace()
			sameGroup = c.Getpid() == task.Getpid()
			return 0
		}, "hello")
		task.Wait(pid, 0)

		pid, _ = task.Fork(func(c *Task) int {
			forkedSpace = c.Process().AddressSpace() != task.Process().AddressSpace()
			return 0
		})
		task.Wait(pid, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !sameSpace || !sameGroup {
		t.Errorf("clone: sameSpace=%v sameGroup=%v", sameSpace, sameGroup)
	}
	if arg != "hello" {
		t.Errorf("Arg() = %v, want hello", arg)
	}
	if !forkedSpace {
		t.Error("fork shares the parent's address space")
	}
}

func TestExec(t *testing.T) {
	k := testKernel(Config{
		Loader: Programs{
			"/bin/five": func(t *Task) int {
				if t.Process().Name() != "five" || len(t.Process().Args()) != 2 {
					return 1
				}
				return 5
			},
		},
	})

	var (
		hookMu         sync.Mutex
		execed, exited []int
	)
	k.OnExec(func(p *Process) {
		hookMu.Lock()
		execed = append(execed, p.PID)
		hookMu.Unlock()
	})
	k.OnExit(func(p *Process) {
		hookMu.Lock()
		exited = append(exited, p.PID)
		hookMu.Unlock()
	})

	var (
		status  WaitStatus
		missing error
		rootPID int
		child   int
	)
	err := boot(t, k, func(task *Task) int {
		rootPID = task.Getpid()
		missing = task.Exec("/bin/none", nil, nil)
		child, _ = task.Fork(func(c *Task) int {
			c.Exec("/bin/five", []string{"five", "x"}, nil)
			return 2
		})
		_, status, _ = task.Wait(child, 0)
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(missing, ErrNotFound) {
		t.Errorf("Exec(missing) error = %v, want ErrNotFound", missing)
	}
	if status.ExitCode() != 5 {
		t.Errorf("status = %v, want exited 5", status)
	}
	if fmt.Sprint(execed) != fmt.Sprint([]int{child}) {
		t.Errorf("exec hooks ran for %v, want [%d]", execed, child)
	}
	if fmt.Sprint(exited) != fmt.Sprint([]int{child, rootPID}) {
		t.Errorf("exit hooks ran for %v, want [%d %d]", exited, child, rootPID)
	}
}

func TestFileSyscalls(t *testing.T) {
	root := memfs.New()
	if _, err := memfs.MkdirAll(root, "/home/user", vfs.AllPerm); err != nil {
		t.Fatal(err)
	}
	k := testKernel(Config{Root: root})

	var (
		data    []byte
		eof     int
		cwd     string
		badFD   error
		dupData []byte
		errs    []error
	)
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	err := boot(t, k, func(task *Task) int {
		check(task.Chdir("/home/user"))
		cwd = task.Getcwd()

		fd, err := task.Open("notes", vfs.O_CREATE|vfs.O_RDWR, 0644)
		check(err)
		_, err = task.Write(fd, []byte("hello"))
		check(err)
		check(task.Close(fd))

		fd, err = task.Open("/home/user/notes", vfs.O_RDONLY, 0)
		check(err)
		buf := make([]byte, 16)
		n, err := task.Read(fd, buf)
		check(err)
		data = buf[:n]
		eof, err = task.Read(fd, buf)
		check(err)

		dup, err := task.Dup2(fd, 9)
		check(err)
		check(task.Close(fd))
		_, badFD = task.Read(fd, buf)

		f, err := task.File(dup)
		check(err)
		if f != nil {
			dupData = []byte(fmt.Sprint(f.Offset()))
		}
		return 0
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if cwd != "/home/user" {
		t.Errorf("Getcwd() = %q", cwd)
	}
	if string(data) != "hello" {
		t.Errorf("Read() = %q, want hello", data)
	}
	if eof != 0 {
		t.Errorf("Read() at EOF = %d, want 0", eof)
	}
	if !errors.Is(badFD, ErrBadDescriptor) {
		t.Errorf("Read(closed fd) error = %v, want ErrBadDescriptor", badFD)
	}
	if string(dupData) != "5" {
		t.Errorf("dup offset = %s, want 5", dupData)
	}
}

func TestFileTableLimits(t *testing.T) {
	ft := NewFileTable(2)
	node := memfs.NewFile("f", 0644)
	for i := 0; i < 2; i++ {
		if fd, err := ft.Install(NewOpenFile(node, vfs.O_RDONLY)); err != nil || fd != i {
			t.Fatalf("Install() = %d, %v", fd, err)
		}
	}
	_, err := ft.Install(NewOpenFile(node, vfs.O_RDONLY))
	if !errors.Is(err, ErrTooManyFiles) {
		t.Errorf("Install() over limit error = %v, want ErrTooManyFiles", err)
	}
	var le *LimitError
	if !errors.As(err, &le) || le.Type != ResourceFiles || le.Limit != 2 {
		t.Errorf("Install() over limit error = %v, want a files LimitError of 2", err)
	}
	if got := ToErrno(err); got != EMFILE {
		t.Errorf("ToErrno() = %v, want EMFILE", got)
	}
	if err := ft.Close(0); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if fd, err := ft.Install(NewOpenFile(node, vfs.O_RDONLY)); err != nil || fd != 0 {
		t.Errorf("Install() reused fd = %d, %v, want 0", fd, err)
	}

	clone := ft.Clone()
	if err := ft.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if got := clone.Len(); got != 2 {
		t.Errorf("clone Len() = %d, want 2", got)
	}
	if err := ft.Release(); err == nil {
		t.Error("second Release() succeeded")
	}
}

func TestNewValidatesLimits(t *testing.T) {
	tests := []struct {
		name   string
		limits *ResourceLimits
		want   ResourceLimits
	}{
		{"nil", nil, *DefaultLimits()},
		{"valid", &ResourceLimits{MaxPages: 8, MaxFiles: 4}, ResourceLimits{MaxPages: 8, MaxFiles: 4}},
		{"negative files", &ResourceLimits{MaxFiles: -1}, *DefaultLimits()},
		{"negative pages", &ResourceLimits{MaxPages: -3}, *DefaultLimits()},
		{"negative cpu", &ResourceLimits{CPUTime: -time.Second}, *DefaultLimits()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.limits != nil {
				wantErr := tt.want != *tt.limits
				if err := tt.limits.Validate(); (err != nil) != wantErr {
					t.Errorf("Validate() error = %v, want error %v", err, wantErr)
				}
			}
			k := testKernel(Config{Limits: tt.limits})
			if got := *k.cfg.Limits; got != tt.want {
				t.Errorf("limits = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestKernelPanicHaltsRun(t *testing.T) {
	k := testKernel(Config{Cores: 2})
	var calls atomic.Int32
	k.SetPanicHandler(func(*KernelPanic) { calls.Add(1) })

	err := boot(t, k, func(task *Task) int {
		k.Panicf(task.Process(), "test panic %d", 42)
		return 0
	})
	var kp *KernelPanic
	if !errors.As(err, &kp) {
		t.Fatalf("Run() error = %v, want *KernelPanic", err)
	}
	if kp.PID != 1 || kp.Message != "test panic 42" {
		t.Errorf("panic = %+v", kp)
	}
	if kp.Core < 0 {
		t.Errorf("panic core = %d, want a core id", kp.Core)
	}
	if calls.Load() != 1 {
		t.Errorf("panic handler calls = %d, want 1", calls.Load())
	}
}

func TestSnapshotAndTree(t *testing.T) {
	k := testKernel(Config{})
	root := addProcess(t, k, nil)
	child := addProcess(t, k, root)
	child.name = "child"
	root.name = "init"

	infos := k.Table().Snapshot()
	if len(infos) != 2 || infos[1].PPID != root.PID || infos[1].Name != "child" {
		t.Errorf("Snapshot() = %+v", infos)
	}

	var buf strings.Builder
	if err := k.Table().Tree(&buf); err != nil {
		t.Fatalf("Tree() error = %v", err)
	}
	want := "[1] init (ready)\n  [2] child (ready)\n"
	if buf.String() != want {
		t.Errorf("Tree() = %q, want %q", buf.String(), want)
	}
}
