package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"kcore/pkg/process"
	"kcore/pkg/process/ipc"
	"kcore/pkg/vfs"
)

// programs returns the images installed in /bin.
func (sys *system) programs() map[string]process.Program {
	return map[string]process.Program{
		"hello":   progHello,
		"count":   progCount,
		"spin":    progSpin,
		"cat":     progCat,
		"write":   progWrite,
		"pipe":    progPipe,
		"threads": progThreads,
		"segv":    progSegv,
		"trap":    progTrap,
		"shmput":  sys.progShmPut,
		"shmget":  sys.progShmGet,
	}
}

func stdout(t *process.Task) io.Writer { return fdWriter{t: t, fd: 1} }
func stderr(t *process.Task) io.Writer { return fdWriter{t: t, fd: 2} }

// progArgs returns the program arguments without argv[0].
func progArgs(t *process.Task) []string {
	argv := t.Process().Args()
	if len(argv) == 0 {
		return nil
	}
	return argv[1:]
}

func progHello(t *process.Task) int {
	who := "world"
	if a := progArgs(t); len(a) > 0 {
		who = strings.Join(a, " ")
	}
	fmt.Fprintf(stdout(t), "hello, %s from pid %d\n", who, t.Getpid())
	return 0
}

// progCount prints 1..n, one every half second.
func progCount(t *process.Task) int {
	n := 5
	if a := progArgs(t); len(a) > 0 {
		v, err := strconv.Atoi(a[0])
		if err != nil || v < 0 {
			fmt.Fprintf(stderr(t), "count: %s: invalid number\n", a[0])
			return 2
		}
		n = v
	}
	for i := 1; i <= n; i++ {
		fmt.Fprintln(stdout(t), i)
		if i < n {
			// An interrupted sleep just shortens the pause.
			t.Sleep(0, process.SubsecondsPerSecond/2)
		}
	}
	return 0
}

// progSpin burns CPU until it is signalled.
func progSpin(t *process.Task) int {
	for {
		t.Yield()
	}
}

// progCat copies its files, or standard input, to standard output.
func progCat(t *process.Task) int {
	paths := progArgs(t)
	if len(paths) == 0 {
		return catFD(t, 0, "-")
	}
	status := 0
	for _, path := range paths {
		fd, err := t.Open(path, vfs.O_RDONLY, 0)
		if err != nil {
			fmt.Fprintf(stderr(t), "cat: %s: %s\n", path, err)
			status = 1
			continue
		}
		if rc := catFD(t, fd, path); rc != 0 {
			status = rc
		}
		t.Close(fd)
	}
	return status
}

func catFD(t *process.Task, fd int, name string) int {
	buf := make([]byte, 512)
	out := stdout(t)
	for {
		n, err := t.Read(fd, buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return 1
			}
		}
		if err != nil {
			fmt.Fprintf(stderr(t), "cat: %s: %s\n", name, err)
			return 1
		}
		if n == 0 {
			return 0
		}
	}
}

// progWrite writes its remaining arguments as one line to a file.
func progWrite(t *process.Task) int {
	a := progArgs(t)
	if len(a) < 1 {
		fmt.Fprintln(stderr(t), "usage: write path [text...]")
		return 2
	}
	fd, err := t.Open(a[0], vfs.O_WRONLY|vfs.O_CREATE, 0644)
	if err != nil {
		fmt.Fprintf(stderr(t), "write: %s: %s\n", a[0], err)
		return 1
	}
	defer t.Close(fd)
	line := strings.Join(a[1:], " ") + "\n"
	if _, err := (fdWriter{t: t, fd: fd}).Write([]byte(line)); err != nil {
		fmt.Fprintf(stderr(t), "write: %s: %s\n", a[0], err)
		return 1
	}
	return 0
}

// progPipe forks a producer that writes its arguments through an anonymous
// pipe, and copies what arrives to standard output.
func progPipe(t *process.Task) int {
	rfd, wfd, err := ipc.OpenPipe(t)
	if err != nil {
		fmt.Fprintf(stderr(t), "pipe: %s\n", err)
		return 1
	}
	words := progArgs(t)
	if len(words) == 0 {
		words = []string{"through", "the", "pipe"}
	}
	pid, err := t.Fork(func(c *process.Task) int {
		c.Close(rfd)
		w := fdWriter{t: c, fd: wfd}
		for _, word := range words {
			fmt.Fprintf(w, "%d: %s\n", c.Getpid(), word)
			c.Yield()
		}
		return 0
	})
	if err != nil {
		fmt.Fprintf(stderr(t), "pipe: %s\n", err)
		return 1
	}
	t.Close(wfd)
	rc := catFD(t, rfd, "pipe")
	t.Close(rfd)
	t.Wait(pid, 0)
	return rc
}

// progThreads clones n threads that share the caller's descriptors and
// address space.
func progThreads(t *process.Task) int {
	n := 3
	if a := progArgs(t); len(a) > 0 {
		if v, err := strconv.Atoi(a[0]); err == nil && v > 0 {
			n = v
		}
	}
	space := t.Process().AddressSpace()
	const base = 0x10000
	if err := space.MapAnonymous(base, 1); err != nil {
		fmt.Fprintf(stderr(t), "threads: %s\n", err)
		return 1
	}

	tids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		tid, err := t.Clone(func(c *process.Task) int {
			slot := uint64(c.Arg().(int))
			space.WriteAt([]byte{byte('a' + slot)}, base+slot)
			fmt.Fprintf(stdout(c), "thread %d of group %d\n", c.Gettid(), c.Getpid())
			return 0
		}, i)
		if err != nil {
			fmt.Fprintf(stderr(t), "threads: %s\n", err)
			break
		}
		tids = append(tids, tid)
	}
	for _, tid := range tids {
		t.Wait(tid, 0)
	}
	buf := make([]byte, len(tids))
	space.ReadAt(buf, base)
	fmt.Fprintf(stdout(t), "shared page: %q\n", buf)
	return 0
}

// progSegv dies with a core-dumping signal.
func progSegv(t *process.Task) int {
	t.Kill(t.Getpid(), process.SIGSEGV)
	return 0
}

// progTrap handles SIGINT and SIGUSR1 until it has seen n of them.
func progTrap(t *process.Task) int {
	n := 3
	if a := progArgs(t); len(a) > 0 {
		if v, err := strconv.Atoi(a[0]); err == nil && v > 0 {
			n = v
		}
	}
	seen := 0
	handler := func(c *process.Task, sig process.Signal) {
		seen++
		fmt.Fprintf(stdout(c), "caught %v (%d/%d)\n", sig, seen, n)
	}
	t.Signal(process.SIGINT, handler)
	t.Signal(process.SIGUSR1, handler)
	fmt.Fprintf(stdout(t), "pid %d waiting for %d signals\n", t.Getpid(), n)
	for seen < n {
		t.Sleep(1, 0)
	}
	return 0
}

// progShmPut writes text into the shared chunk at path and holds the mapping
// until it is signalled.
func (sys *system) progShmPut(t *process.Task) int {
	a := progArgs(t)
	if len(a) < 2 {
		fmt.Fprintln(stderr(t), "usage: shmput path text")
		return 2
	}
	text := strings.Join(a[1:], " ")
	addr, size, err := sys.shm.Obtain(t, a[0], uint64(len(text))+1)
	if err != nil {
		fmt.Fprintf(stderr(t), "shmput: %s\n", err)
		return 1
	}
	space := t.Process().AddressSpace()
	buf := make([]byte, size)
	copy(buf, text)
	if _, err := space.WriteAt(buf, addr); err != nil {
		fmt.Fprintf(stderr(t), "shmput: %s\n", err)
		return 1
	}
	fmt.Fprintf(stdout(t), "%s: %d bytes at %#x\n", a[0], size, addr)
	for t.Sleep(60, 0) == nil {
	}
	return 0
}

// progShmGet prints the text stored in the shared chunk at path.
func (sys *system) progShmGet(t *process.Task) int {
	a := progArgs(t)
	if len(a) != 1 {
		fmt.Fprintln(stderr(t), "usage: shmget path")
		return 2
	}
	info, err := sys.shm.Stat(a[0])
	if err != nil {
		fmt.Fprintf(stderr(t), "shmget: %s\n", err)
		return 1
	}
	addr, _, err := sys.shm.Obtain(t, a[0], info.Size)
	if err != nil {
		fmt.Fprintf(stderr(t), "shmget: %s\n", err)
		return 1
	}
	defer sys.shm.Release(t, a[0])

	buf := make([]byte, info.Size)
	if _, err := t.Process().AddressSpace().ReadAt(buf, addr); err != nil {
		fmt.Fprintf(stderr(t), "shmget: %s\n", err)
		return 1
	}
	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		buf = buf[:i]
	}
	fmt.Fprintf(stdout(t), "%s\n", buf)
	return 0
}
