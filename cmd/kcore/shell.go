package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"kcore/pkg/process"
	"kcore/pkg/vfs"
)

// fdWriter writes to a descriptor of the calling task.
type fdWriter struct {
	t  *process.Task
	fd int
}

func (w fdWriter) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := w.t.Write(w.fd, b[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Shell is the init program: a line-oriented command interpreter that runs
// on the console tty.
type Shell struct {
	sys    *system
	Prompt string

	t      *process.Task
	stdout io.Writer
	last   int
	lastBg int
	done   bool
}

func newShell(sys *system) *Shell {
	return &Shell{sys: sys, Prompt: "kcore$ "}
}

// main sets up descriptors 0-2 on the console and either runs command or
// reads commands until end of input or exit.
func (sh *Shell) main(t *process.Task, command string) int {
	sh.t = t
	fd, err := t.Open("/dev/tty", vfs.O_RDWR, 0)
	if err != nil {
		return 1
	}
	if fd != 0 {
		t.Dup2(fd, 0)
		t.Close(fd)
	}
	t.Dup2(0, 1)
	t.Dup2(0, 2)
	sh.stdout = fdWriter{t: t, fd: 1}

	// Job control keys are for the foreground job, never for init.
	t.Ignore(process.SIGINT)
	t.Ignore(process.SIGTSTP)

	if _, err := t.Kernel().SpawnTasklet("console", sh.sys.consoleTasklet); err != nil {
		return 1
	}

	if command != "" {
		for _, line := range strings.FieldsFunc(command, isCommandSeparator) {
			sh.execute(strings.TrimSpace(line))
			if sh.done {
				break
			}
		}
		return sh.last
	}

	fmt.Fprintln(sh.stdout, "kcore shell. Type 'help' for commands.")
	for !sh.done {
		fmt.Fprint(sh.stdout, sh.Prompt)
		line, err := sh.readLine()
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sh.execute(line)
	}
	return sh.last
}

func isCommandSeparator(r rune) bool {
	return r == ';' || r == '\n'
}

// readLine returns the next line from standard input, or io.EOF.
func (sh *Shell) readLine() (string, error) {
	buf := make([]byte, 1024)
	n, err := sh.t.Read(0, buf)
	if err != nil {
		return "", err
	}
	if n == 0 {
		fmt.Fprintln(sh.stdout)
		return "", io.EOF
	}
	return string(buf[:n]), nil
}

// execute parses and runs one command line.
func (sh *Shell) execute(line string) {
	args, err := shlex.Split(line)
	if err != nil {
		fmt.Fprintf(sh.stdout, "kcore: %s\n", err)
		sh.last = 2
		return
	}
	if len(args) == 0 {
		return
	}
	for i, arg := range args {
		switch arg {
		case "$?":
			args[i] = strconv.Itoa(sh.last)
		case "$!":
			args[i] = strconv.Itoa(sh.lastBg)
		}
	}

	b := GetBuiltin(args[0])
	if b == nil {
		// Anything else is a program in /bin.
		b = GetBuiltin("spawn")
		args = append([]string{"spawn"}, args...)
	}
	sh.last = b.Func(sh, args)
}

// errorf reports a failed command and returns its status.
func (sh *Shell) errorf(cmd string, err error) int {
	msg := err.Error()
	if errno := process.ToErrno(err); errno != 0 {
		msg = fmt.Sprintf("%s (errno %d)", msg, errno)
	}
	fmt.Fprintf(sh.stdout, "%s: %s\n", cmd, msg)
	if errors.Is(err, process.ErrInvalidArgument) {
		return 2
	}
	return 1
}

// foreground runs job pid in the foreground: the console sends it ^C and ^Z
// and the shell waits until it exits or stops.
func (sh *Shell) foreground(pid int) int {
	console := sh.sys.console
	console.SetForeground(pid)
	defer console.SetForeground(sh.t.Process().Job())

	_, status, err := sh.t.Wait(pid, process.WaitUntraced)
	if err != nil {
		return sh.errorf("wait", err)
	}
	return sh.report(pid, status)
}

// report prints a non-trivial wait status and converts it to a shell
// status.
func (sh *Shell) report(pid int, status process.WaitStatus) int {
	switch {
	case status.Stopped():
		fmt.Fprintf(sh.stdout, "[%d] stopped (%v)\n", pid, status.StopSignal())
		return 128 + int(status.StopSignal())
	case status.Signaled():
		fmt.Fprintf(sh.stdout, "[%d] %s\n", pid, status)
		return 128 + int(status.TermSignal())
	}
	return status.ExitCode()
}
