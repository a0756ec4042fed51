// kcore boots the simulated kernel and runs an init shell on a console pty.
//
// Usage:
//
//	kcore [options]
//
// Options:
//
//	-cores n     Number of processors (KCORE_CORES)
//	-frames n    Physical frames (KCORE_FRAMES)
//	-tick d      Timer period, e.g. 10ms (KCORE_TICK)
//	-c command   Execute commands separated by ';' and exit
//	-v           Log kernel messages to stderr (KCORE_VERBOSE=true)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"kcore/pkg/process"
	"kcore/pkg/process/ipc"
	"kcore/pkg/pty"
	"kcore/pkg/vfs"
	"kcore/pkg/vfs/memfs"
)

func main() {
	cores := 2
	frames := 4096
	tick := 10 * time.Millisecond
	verbose := false

	if v := os.Getenv("KCORE_CORES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cores = n
		}
	}
	if v := os.Getenv("KCORE_FRAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			frames = n
		}
	}
	if v := os.Getenv("KCORE_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			tick = d
		}
	}
	if os.Getenv("KCORE_VERBOSE") == "true" {
		verbose = true
	}

	flag.IntVar(&cores, "cores", cores, "Number of processors")
	flag.IntVar(&frames, "frames", frames, "Number of physical frames")
	flag.DurationVar(&tick, "tick", tick, "Timer period")
	command := flag.String("c", "", "Execute command and exit")
	flag.BoolVar(&verbose, "v", verbose, "Log kernel messages to stderr")
	flag.Parse()

	logOut := io.Discard
	if verbose {
		logOut = os.Stderr
	}

	status, err := run(config{
		cores:   cores,
		frames:  frames,
		tick:    tick,
		command: *command,
		logger:  log.New(logOut, "kcore: ", log.LstdFlags),
		stdin:   os.Stdin,
		stdout:  os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kcore: %s\n", err)
		os.Exit(1)
	}
	os.Exit(status)
}

type config struct {
	cores   int
	frames  int
	tick    time.Duration
	command string
	logger  *log.Logger
	stdin   io.Reader
	stdout  io.Writer
}

// system is everything the shell and the programs share.
type system struct {
	k       *process.Kernel
	root    *memfs.Dir
	console *pty.PTY
	shm     *ipc.SharedMemory
	fifos   *ipc.FIFORegistry
	out     io.Writer
}

func newSystem(cfg config) (*system, error) {
	root := memfs.New()
	for _, dir := range []string{"/bin", "/dev", "/tmp", "/home"} {
		if _, err := memfs.MkdirAll(root, dir, vfs.AllPerm); err != nil {
			return nil, err
		}
	}

	sys := &system{root: root, fifos: ipc.NewFIFORegistry(), out: cfg.stdout}
	loader := process.Programs{}
	sys.k = process.New(process.Config{
		Cores:        cfg.cores,
		Frames:       cfg.frames,
		TickInterval: cfg.tick,
		Logger:       cfg.logger,
		Root:         root,
		Loader:       loader,
	})
	for name, prog := range sys.programs() {
		loader["/bin/"+name] = prog
		if err := memfs.WriteFile(root, "/bin/"+name, nil, 0755); err != nil {
			return nil, err
		}
	}

	sys.shm = ipc.NewSharedMemory(sys.k)
	console, err := pty.NewPTY(sys.k, pty.DefaultCols, pty.DefaultRows)
	if err != nil {
		return nil, err
	}
	sys.console = console

	dev, err := vfs.Resolve(root, "/dev")
	if err != nil {
		return nil, err
	}
	devDir := dev.(*memfs.Dir)
	if err := devDir.Link("tty", console.Slave()); err != nil {
		return nil, err
	}
	if err := devDir.Link("ptmx", console.Master()); err != nil {
		return nil, err
	}
	return sys, nil
}

// run boots the kernel and returns init's exit code.
func run(cfg config) (int, error) {
	sys, err := newSystem(cfg)
	if err != nil {
		return 1, err
	}

	status := 0
	sh := newShell(sys)
	initProc, err := sys.k.Boot(func(t *process.Task) int {
		status = sh.main(t, cfg.command)
		return status
	})
	if err != nil {
		return 1, err
	}
	sys.console.SetForeground(initProc.Job())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.command == "" {
		go sys.feedConsole(ctx, cfg.stdin)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTSTP)
	defer signal.Stop(sigc)
	go func() {
		for {
			select {
			case sig := <-sigc:
				c := byte(0x03)
				if sig == syscall.SIGTSTP {
					c = 0x1a
				}
				sys.console.Master().Write(context.Background(), []byte{c}, 0)
			case <-ctx.Done():
				return
			}
		}
	}()

	err = sys.k.Run(ctx)
	sys.drainConsole()
	var kp *process.KernelPanic
	if errors.As(err, &kp) {
		return 1, err
	}
	return status, err
}

// feedConsole copies host input to the console master. End of input becomes
// ^D on the console.
func (sys *system) feedConsole(ctx context.Context, r io.Reader) {
	master := sys.console.Master()
	buf := make([]byte, 512)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		for data := buf[:n]; len(data) > 0 && ctx.Err() == nil; {
			if _, werr := master.Write(ctx, data, 0); werr == nil {
				break
			} else if !errors.Is(werr, process.ErrWouldBlock) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err != nil {
			master.Write(ctx, []byte{0x04}, 0)
			return
		}
	}
}

// consoleTasklet copies console output to the host until the kernel halts.
func (sys *system) consoleTasklet(t *process.Task) int {
	master := sys.console.Master()
	buf := make([]byte, 512)
	for {
		n, err := master.Read(t.Context(), buf, 0)
		if n > 0 {
			sys.out.Write(buf[:n])
		}
		if errors.Is(err, process.ErrBrokenResource) {
			return 0
		}
	}
}

// drainConsole flushes whatever output is left after the kernel stopped.
func (sys *system) drainConsole() {
	master := sys.console.Master()
	buf := make([]byte, 512)
	for {
		n, err := master.Read(context.Background(), buf, 0)
		if n > 0 {
			sys.out.Write(buf[:n])
		}
		if err != nil || n == 0 {
			return
		}
	}
}
