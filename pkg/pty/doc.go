/*
Package pty provides pseudo-terminals for kcore processes.

A PTY is two ring buffers joined by a minimal line discipline. The master
side is what a console or terminal emulator drives; the slave side is the
terminal a shell reads from and writes to. Both sides are vfs nodes and are
opened through a process's descriptor table like any other file.

# Line Discipline

In the default cooked mode:
  - Input is assembled into lines; the slave only sees whole lines
  - Erase (DEL or BS) removes the last character of the line
  - ^D on an empty line reads as end of file once
  - ^C and ^Z send SIGINT and SIGTSTP to the foreground job
  - Input is echoed back to the master

SetMode switches canonical assembly, echo and signal generation
independently.

# Usage

	p, err := pty.NewPTY(k, 80, 24)
	if err != nil {
		// Handle error
	}
	dev.Link("tty", p.Slave())
	p.SetForeground(shellJob)
*/
package pty
