package main

import (
	"fmt"
	"strings"
	"sync/atomic"

	"kcore/pkg/mm"
	"kcore/pkg/process"
	"kcore/pkg/process/ipc"
)

// scenario is a self-checking demonstration run by the shell's task.
type scenario struct {
	name string
	desc string
	run  func(sh *Shell) error
}

var scenarios = []scenario{
	{"A", "fork, exit 5, wait reaps the child", scenarioFork},
	{"B", "signal handler interrupts a pipe read that is then restarted", scenarioRestart},
	{"C", "SIGSTOP, wait for the stop, SIGCONT", scenarioStopCont},
	{"D", "two processes share demo/buffer", scenarioSharedMemory},
}

func builtinScenarios(sh *Shell, args []string) int {
	want := map[string]bool{}
	for _, a := range args[1:] {
		want[strings.ToUpper(a)] = true
	}
	failed := 0
	for _, sc := range scenarios {
		if len(want) > 0 && !want[sc.name] {
			continue
		}
		if err := sc.run(sh); err != nil {
			fmt.Fprintf(sh.stdout, "scenario %s: FAIL: %s\n", sc.name, err)
			failed++
			continue
		}
		fmt.Fprintf(sh.stdout, "scenario %s: ok (%s)\n", sc.name, sc.desc)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// waitState yields until pid reaches state or gives up.
func waitState(t *process.Task, pid int, state process.ProcessState) bool {
	for i := 0; i < 1000; i++ {
		p := t.Kernel().Table().Lookup(pid)
		if p == nil {
			return false
		}
		if p.State() == state {
			return true
		}
		t.Yield()
	}
	return false
}

func scenarioFork(sh *Shell) error {
	t := sh.t
	pid, err := t.Fork(func(c *process.Task) int {
		return 5
	})
	if err != nil {
		return err
	}
	wpid, status, err := t.Wait(pid, 0)
	if err != nil {
		return err
	}
	if wpid != pid || !status.Exited() || status.ExitCode() != 5 {
		return fmt.Errorf("wait = (%d, %v), want (%d, exited 5)", wpid, status, pid)
	}
	if t.Kernel().Table().Lookup(pid) != nil {
		return fmt.Errorf("pid %d still in the table after wait", pid)
	}
	return nil
}

func scenarioRestart(sh *Shell) error {
	t := sh.t
	rfd, wfd, err := ipc.OpenPipe(t)
	if err != nil {
		return err
	}
	defer t.Close(rfd)

	var handled atomic.Bool
	pid, err := t.Fork(func(c *process.Task) int {
		c.Close(wfd)
		c.Signal(process.SIGUSR1, func(*process.Task, process.Signal) {
			handled.Store(true)
		})
		buf := make([]byte, 16)
		n, err := c.Read(rfd, buf)
		if err != nil || string(buf[:n]) != "data" {
			return 1
		}
		return 0
	})
	if err != nil {
		t.Close(wfd)
		return err
	}
	if !waitState(t, pid, process.StateBlocked) {
		t.Close(wfd)
		return fmt.Errorf("pid %d never blocked in read", pid)
	}
	if err := t.Kill(pid, process.SIGUSR1); err != nil {
		t.Close(wfd)
		return err
	}
	for i := 0; i < 1000 && !handled.Load(); i++ {
		t.Yield()
	}
	_, werr := t.Write(wfd, []byte("data"))
	t.Close(wfd)
	if werr != nil {
		return werr
	}

	_, status, err := t.Wait(pid, 0)
	if err != nil {
		return err
	}
	if !handled.Load() {
		return fmt.Errorf("handler did not run")
	}
	if !status.Exited() || status.ExitCode() != 0 {
		return fmt.Errorf("reader %v, want a completed read", status)
	}
	return nil
}

func scenarioStopCont(sh *Shell) error {
	t := sh.t
	var quit atomic.Bool
	pid, err := t.Fork(func(c *process.Task) int {
		for !quit.Load() {
			c.Yield()
		}
		return 0
	})
	if err != nil {
		return err
	}
	defer func() {
		quit.Store(true)
		t.Kill(pid, process.SIGKILL)
		t.Wait(pid, 0)
	}()

	if err := t.Kill(pid, process.SIGSTOP); err != nil {
		return err
	}
	wpid, status, err := t.Wait(pid, process.WaitUntraced)
	if err != nil {
		return err
	}
	if wpid != pid || !status.Stopped() || status.StopSignal() != process.SIGSTOP {
		return fmt.Errorf("wait = (%d, %v), want (%d, stopped)", wpid, status, pid)
	}
	if st := t.Kernel().Table().Lookup(pid).State(); st != process.StateSuspended {
		return fmt.Errorf("state after stop = %s, want %s", st, process.StateSuspended)
	}

	if err := t.Kill(pid, process.SIGCONT); err != nil {
		return err
	}
	if st := t.Kernel().Table().Lookup(pid).State(); st == process.StateSuspended {
		return fmt.Errorf("still %s after SIGCONT", st)
	}
	return nil
}

func scenarioSharedMemory(sh *Shell) error {
	t := sh.t
	shm := sh.sys.shm
	const path = "demo/buffer"

	var (
		firstAddr, secondAddr   atomic.Uint64
		firstFrame, secondFrame atomic.Uint64
		written, done           atomic.Bool
		seen                    atomic.Value
	)
	first, err := t.Fork(func(c *process.Task) int {
		addr, _, err := shm.Obtain(c, path, 4096)
		if err != nil {
			return 1
		}
		space := c.Process().AddressSpace()
		f, _ := space.Translate(addr)
		firstAddr.Store(addr)
		firstFrame.Store(uint64(f))
		space.WriteAt([]byte("written by first"), addr)
		written.Store(true)
		for !done.Load() {
			c.Yield()
		}
		shm.Release(c, path)
		return 0
	})
	if err != nil {
		return err
	}
	second, err := t.Fork(func(c *process.Task) int {
		for !written.Load() {
			c.Yield()
		}
		defer done.Store(true)
		addr, _, err := shm.Obtain(c, path, 4096)
		if err != nil {
			return 1
		}
		space := c.Process().AddressSpace()
		f, _ := space.Translate(addr)
		secondAddr.Store(addr)
		secondFrame.Store(uint64(f))
		buf := make([]byte, len("written by first"))
		space.ReadAt(buf, addr)
		seen.Store(string(buf))
		return shmReleaseStatus(shm.Release(c, path))
	})
	if err != nil {
		done.Store(true)
		t.Wait(first, 0)
		return err
	}
	for _, pid := range []int{second, first} {
		if _, status, err := t.Wait(pid, 0); err != nil {
			return err
		} else if status.ExitCode() != 0 {
			return fmt.Errorf("pid %d %v", pid, status)
		}
	}

	if firstAddr.Load() < mm.ShmLow || secondAddr.Load() < mm.ShmLow {
		return fmt.Errorf("mapping below %#x", mm.ShmLow)
	}
	if firstFrame.Load() != secondFrame.Load() {
		return fmt.Errorf("frames differ: %d and %d", firstFrame.Load(), secondFrame.Load())
	}
	if s, _ := seen.Load().(string); s != "written by first" {
		return fmt.Errorf("second process read %q", s)
	}
	fmt.Fprintf(sh.stdout, "  %s: frame %d at %#x and %#x\n",
		path, firstFrame.Load(), firstAddr.Load(), secondAddr.Load())
	return nil
}

func shmReleaseStatus(err error) int {
	if err != nil {
		return 1
	}
	return 0
}
