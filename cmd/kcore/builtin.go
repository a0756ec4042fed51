package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"kcore/pkg/mm"
	"kcore/pkg/process"
)

// BuiltinFunc is a function type for built-in commands.
type BuiltinFunc func(sh *Shell, args []string) int

// BuiltinCommand represents a built-in command.
type BuiltinCommand struct {
	Name string
	Func BuiltinFunc
	Help string
}

// builtins holds all built-in commands. It is filled in init because help
// lists it.
var builtins []BuiltinCommand

// builtinMap maps command names to built-in commands.
var builtinMap = make(map[string]*BuiltinCommand)

func init() {
	builtins = []BuiltinCommand{
		{"help", builtinHelp, "Show this help message"},
		{"ps", builtinPs, "List processes"},
		{"tree", builtinTree, "Show the process tree"},
		{"spawn", builtinSpawn, "Run a program: spawn prog [args] [&]"},
		{"kill", builtinKill, "Send a signal: kill [-SIG] pid"},
		{"wait", builtinWait, "Wait for a child, or all children"},
		{"fg", builtinFg, "Continue a stopped job in the foreground"},
		{"shm", builtinShm, "Shared memory: shm obtain|release|stat|ls"},
		{"mkfifo", builtinMkfifo, "Create a named pipe"},
		{"fifos", builtinFifos, "List named pipes"},
		{"mem", builtinMem, "Show physical memory usage"},
		{"sleep", builtinSleep, "Sleep for a duration, e.g. 1.5"},
		{"cd", builtinCd, "Change the current directory"},
		{"pwd", builtinPwd, "Print the current working directory"},
		{"echo", builtinEcho, "Display a line of text"},
		{"scenarios", builtinScenarios, "Run the demonstration scenarios"},
		{"exit", builtinExit, "Exit the shell"},
	}
	for i := range builtins {
		builtinMap[builtins[i].Name] = &builtins[i]
	}
}

// GetBuiltin returns the built-in command with the given name.
func GetBuiltin(name string) *BuiltinCommand {
	return builtinMap[name]
}

// IsBuiltin returns true if the command is a built-in.
func IsBuiltin(name string) bool {
	_, ok := builtinMap[name]
	return ok
}

func builtinHelp(sh *Shell, args []string) int {
	fmt.Fprintln(sh.stdout, "Built-in commands:")
	for _, b := range builtins {
		fmt.Fprintf(sh.stdout, "  %-10s %s\n", b.Name, b.Help)
	}
	names := make([]string, 0, len(sh.sys.programs()))
	for name := range sh.sys.programs() {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(sh.stdout, "Programs in /bin: %s\n", strings.Join(names, " "))
	return 0
}

func builtinPs(sh *Shell, args []string) int {
	w := tabwriter.NewWriter(sh.stdout, 0, 4, 1, ' ', 0)
	fmt.Fprintln(w, "PID\tPPID\tPGID\tJOB\tSID\tUID\tSTATE\tTIME\tCMD")
	for _, info := range sh.sys.k.Table().Snapshot() {
		name := info.Name
		if info.Flags&process.FlagTasklet != 0 {
			name = "[" + name + "]"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			info.PID, info.PPID, info.Group, info.Job, info.Session, info.UID,
			info.State.Code(), info.CPUTime, name)
	}
	w.Flush()
	return 0
}

func builtinTree(sh *Shell, args []string) int {
	if err := sh.sys.k.Table().Tree(sh.stdout); err != nil {
		return sh.errorf("tree", err)
	}
	return 0
}

func builtinSpawn(sh *Shell, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(sh.stdout, "usage: spawn prog [args] [&]")
		return 2
	}
	argv := args[1:]
	background := false
	if last := argv[len(argv)-1]; last == "&" {
		background = true
		argv = argv[:len(argv)-1]
	} else if strings.HasSuffix(last, "&") {
		background = true
		argv[len(argv)-1] = strings.TrimSuffix(last, "&")
	}
	if len(argv) == 0 {
		fmt.Fprintln(sh.stdout, "usage: spawn prog [args] [&]")
		return 2
	}

	path := argv[0]
	if !strings.Contains(path, "/") {
		path = "/bin/" + path
	}
	pid, err := sh.t.Fork(func(c *process.Task) int {
		c.Setpgid(0, 0)
		// The shell ignores these; its children must not inherit that.
		c.SigAction(process.SIGINT, &process.SigAction{})
		c.SigAction(process.SIGTSTP, &process.SigAction{})
		if err := c.Exec(path, argv, nil); err != nil {
			fmt.Fprintf(fdWriter{t: c, fd: 2}, "%s: %s\n", argv[0], err)
			return 127
		}
		return 0
	})
	if err != nil {
		return sh.errorf(argv[0], err)
	}
	sh.t.Setpgid(pid, 0)

	if background {
		sh.lastBg = pid
		fmt.Fprintf(sh.stdout, "[%d]\n", pid)
		return 0
	}
	return sh.foreground(pid)
}

func builtinKill(sh *Shell, args []string) int {
	sig := process.SIGTERM
	args = args[1:]
	if len(args) > 0 && strings.HasPrefix(args[0], "-") && len(args[0]) > 1 {
		s, err := process.ParseSignal(args[0][1:])
		if err != nil {
			return sh.errorf("kill", err)
		}
		sig = s
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(sh.stdout, "usage: kill [-SIG] pid...")
		return 2
	}
	status := 0
	for _, arg := range args {
		pid, err := strconv.Atoi(arg)
		if err != nil {
			fmt.Fprintf(sh.stdout, "kill: %s: not a pid\n", arg)
			status = 2
			continue
		}
		if err := sh.t.Kill(pid, sig); err != nil {
			status = sh.errorf("kill", err)
		}
	}
	return status
}

func builtinWait(sh *Shell, args []string) int {
	if len(args) > 1 {
		pid, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(sh.stdout, "wait: %s: not a pid\n", args[1])
			return 2
		}
		_, status, err := sh.t.Wait(pid, 0)
		if err != nil {
			return sh.errorf("wait", err)
		}
		return sh.report(pid, status)
	}

	last := 0
	for _, info := range sh.sys.k.Table().Snapshot() {
		if info.PPID != sh.t.Getpid() || info.Flags&process.FlagTasklet != 0 {
			continue
		}
		_, status, err := sh.t.Wait(info.PID, 0)
		if err != nil {
			if errors.Is(err, process.ErrNoChild) {
				continue
			}
			return sh.errorf("wait", err)
		}
		fmt.Fprintf(sh.stdout, "[%d] %s\n", info.PID, status)
		last = sh.report(info.PID, status)
	}
	return last
}

func builtinFg(sh *Shell, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(sh.stdout, "usage: fg pid")
		return 2
	}
	pid, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(sh.stdout, "fg: %s: not a pid\n", args[1])
		return 2
	}
	// A running background job has nothing to continue.
	if err := sh.t.Kill(-pid, process.SIGCONT); err != nil && !errors.Is(err, process.ErrInvalidState) {
		return sh.errorf("fg", err)
	}
	return sh.foreground(pid)
}

func builtinShm(sh *Shell, args []string) int {
	usage := func() int {
		fmt.Fprintln(sh.stdout, "usage: shm obtain path size | release path | stat path | ls")
		return 2
	}
	if len(args) < 2 {
		return usage()
	}
	shm := sh.sys.shm
	switch args[1] {
	case "obtain":
		if len(args) != 4 {
			return usage()
		}
		size, err := strconv.ParseUint(args[3], 0, 64)
		if err != nil {
			fmt.Fprintf(sh.stdout, "shm: %s: not a size\n", args[3])
			return 2
		}
		addr, actual, err := shm.Obtain(sh.t, args[2], size)
		if err != nil {
			return sh.errorf("shm", err)
		}
		fmt.Fprintf(sh.stdout, "%s: %d bytes at %#x\n", args[2], actual, addr)
	case "release":
		if len(args) != 3 {
			return usage()
		}
		if err := shm.Release(sh.t, args[2]); err != nil {
			return sh.errorf("shm", err)
		}
	case "stat":
		if len(args) != 3 {
			return usage()
		}
		info, err := shm.Stat(args[2])
		if err != nil {
			return sh.errorf("shm", err)
		}
		fmt.Fprintf(sh.stdout, "%s: size %d, %d frames, %d refs\n", info.Path, info.Size, len(info.Frames), info.Refs)
	case "ls":
		for _, m := range shm.Mappings(sh.t.Getpid()) {
			fmt.Fprintf(sh.stdout, "%#x-%#x %s\n", m.Addr, m.End(), m.Path)
		}
		for _, seg := range shm.Segments() {
			fmt.Fprintln(sh.stdout, seg)
		}
	default:
		return usage()
	}
	return 0
}

func builtinMkfifo(sh *Shell, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(sh.stdout, "usage: mkfifo path...")
		return 2
	}
	status := 0
	for _, path := range args[1:] {
		if err := sh.sys.fifos.Mkfifo(sh.t, path, 0666); err != nil {
			status = sh.errorf("mkfifo", err)
		}
	}
	return status
}

func builtinFifos(sh *Shell, args []string) int {
	for _, path := range sh.sys.fifos.List() {
		fmt.Fprintln(sh.stdout, path)
	}
	return 0
}

func builtinMem(sh *Shell, args []string) int {
	mem, ok := sh.sys.k.Memory().(*mm.PhysicalMemory)
	if !ok {
		fmt.Fprintln(sh.stdout, "mem: no frame statistics")
		return 1
	}
	total, free := mem.Total(), mem.Free()
	fmt.Fprintf(sh.stdout, "frames: %d total, %d used, %d free (%d KiB page)\n",
		total, total-free, free, mm.PageSize/1024)
	return 0
}

func builtinSleep(sh *Shell, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(sh.stdout, "usage: sleep seconds")
		return 2
	}
	secs, err := strconv.ParseFloat(args[1], 64)
	if err != nil || secs < 0 {
		fmt.Fprintf(sh.stdout, "sleep: %s: invalid duration\n", args[1])
		return 2
	}
	whole := uint64(secs)
	sub := uint64((secs - float64(whole)) * process.SubsecondsPerSecond)
	if err := sh.t.Sleep(whole, sub); err != nil {
		return sh.errorf("sleep", err)
	}
	return 0
}

func builtinCd(sh *Shell, args []string) int {
	dir := "/home"
	if len(args) > 1 {
		dir = args[1]
	}
	if err := sh.t.Chdir(dir); err != nil {
		return sh.errorf("cd", err)
	}
	return 0
}

func builtinPwd(sh *Shell, args []string) int {
	fmt.Fprintln(sh.stdout, sh.t.Getcwd())
	return 0
}

func builtinEcho(sh *Shell, args []string) int {
	fmt.Fprintln(sh.stdout, strings.Join(args[1:], " "))
	return 0
}

func builtinExit(sh *Shell, args []string) int {
	code := sh.last
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(sh.stdout, "exit: %s: numeric argument required\n", args[1])
			n = 2
		}
		code = n
	}
	sh.done = true
	return code
}
