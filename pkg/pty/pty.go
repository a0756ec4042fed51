package pty

import (
	"context"
	"errors"
	"os"
	"sync"

	"kcore/pkg/process"
	"kcore/pkg/process/ipc"
	"kcore/pkg/vfs"
)

// Default terminal dimensions.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// BufferSize is the size of each direction's ring buffer.
const BufferSize = 4096

// PTY errors.
var (
	ErrInvalidSize = errors.New("invalid terminal size")
	ErrClosed      = errors.New("pty is closed")
)

// Control characters handled by the line discipline.
const (
	charIntr    = 0x03 // ^C
	charEOF     = 0x04 // ^D
	charBS      = 0x08
	charSusp    = 0x1a // ^Z
	charErase   = 0x7f
	charNewline = '\n'
	charReturn  = '\r'
)

// Mode selects the line discipline behavior.
type Mode struct {
	// Canonical assembles input into lines before the slave sees it.
	Canonical bool
	// Echo copies input back to the master.
	Echo bool
	// Signals turns ^C and ^Z into SIGINT and SIGTSTP for the foreground job.
	Signals bool
}

// DefaultMode is a cooked terminal.
var DefaultMode = Mode{Canonical: true, Echo: true, Signals: true}

// Winsize represents the terminal size.
type Winsize struct {
	Rows uint16
	Cols uint16
}

// PTY is a pseudo-terminal pair. Bytes written to the master pass through the
// line discipline into the input buffer the slave reads; bytes written to the
// slave land in the output buffer the master reads.
type PTY struct {
	k *process.Kernel

	in  *ipc.RingBuffer
	out *ipc.RingBuffer

	master *Master
	slave  *Slave

	mu     sync.Mutex
	mode   Mode
	line   []byte
	ws     Winsize
	fg     int
	closed bool
}

// NewPTY creates a pseudo-terminal of cols by rows on k. Zero dimensions
// take the defaults.
func NewPTY(k *process.Kernel, cols, rows int) (*PTY, error) {
	if cols < 0 || rows < 0 {
		return nil, ErrInvalidSize
	}
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	p := &PTY{
		k:    k,
		in:   ipc.NewRingBuffer(k, BufferSize),
		out:  ipc.NewRingBuffer(k, BufferSize),
		mode: DefaultMode,
		ws:   Winsize{Rows: uint16(rows), Cols: uint16(cols)},
	}
	p.master = &Master{BaseNode: vfs.BaseNode{NodeName: "ptmx", NodeMode: os.ModeDevice | os.ModeCharDevice | 0666}, pty: p}
	p.slave = &Slave{BaseNode: vfs.BaseNode{NodeName: "tty", NodeMode: os.ModeDevice | os.ModeCharDevice | 0620}, pty: p}
	return p, nil
}

// Master returns the master side.
func (p *PTY) Master() *Master {
	return p.master
}

// Slave returns the slave side.
func (p *PTY) Slave() *Slave {
	return p.slave
}

// SetMode replaces the line discipline mode. Leaving canonical mode hands a
// partially assembled line to the slave.
func (p *PTY) SetMode(m Mode) {
	p.mu.Lock()
	var pending []byte
	if p.mode.Canonical && !m.Canonical {
		pending, p.line = p.line, nil
	}
	p.mode = m
	p.mu.Unlock()

	if len(pending) > 0 {
		p.in.Write(context.Background(), pending)
	}
}

// Mode returns the line discipline mode.
func (p *PTY) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetForeground makes job the foreground job that receives ^C and ^Z.
func (p *PTY) SetForeground(job int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fg = job
}

// Foreground returns the foreground job.
func (p *PTY) Foreground() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fg
}

// Size returns the current terminal size.
func (p *PTY) Size() Winsize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws
}

// Resize changes the terminal size and sends SIGWINCH to the foreground job.
func (p *PTY) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrInvalidSize
	}
	p.mu.Lock()
	p.ws = Winsize{Rows: uint16(rows), Cols: uint16(cols)}
	fg := p.fg
	p.mu.Unlock()

	if fg > 0 {
		p.k.GroupSendSignal(nil, fg, process.SIGWINCH, true)
	}
	return nil
}

// Close tears down both directions. Blocked readers and writers fail with
// process.ErrBrokenResource.
func (p *PTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.in.Destroy()
	p.out.Destroy()
	return nil
}

// IsClosed returns whether the PTY is closed.
func (p *PTY) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// input runs data through the line discipline.
func (p *PTY) input(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	mode, fg := p.mode, p.fg

	var (
		echo    []byte
		flushed [][]byte
		signals []process.Signal
		eof     bool
	)
	for _, c := range data {
		if mode.Signals && (c == charIntr || c == charSusp) {
			sig := process.SIGINT
			if c == charSusp {
				sig = process.SIGTSTP
			}
			if mode.Echo {
				echo = append(echo, '^', c+'@', '\n')
			}
			p.line = p.line[:0]
			signals = append(signals, sig)
			continue
		}
		if !mode.Canonical {
			if mode.Echo {
				echo = append(echo, c)
			}
			flushed = append(flushed, []byte{c})
			continue
		}

		switch c {
		case charEOF:
			if len(p.line) == 0 {
				eof = true
			} else {
				flushed = append(flushed, p.line)
				p.line = nil
			}
		case charErase, charBS:
			if len(p.line) > 0 {
				p.line = p.line[:len(p.line)-1]
				if mode.Echo {
					echo = append(echo, '\b', ' ', '\b')
				}
			}
		case charNewline, charReturn:
			if mode.Echo {
				echo = append(echo, '\n')
			}
			flushed = append(flushed, append(p.line, '\n'))
			p.line = nil
		default:
			if mode.Echo {
				echo = append(echo, c)
			}
			p.line = append(p.line, c)
		}
	}
	p.mu.Unlock()

	if len(echo) > 0 {
		// Echo never blocks the typist: whatever does not fit is dropped.
		p.out.Write(context.Background(), echo)
	}
	for _, b := range flushed {
		if _, err := p.in.Write(ctx, b); err != nil {
			return 0, err
		}
	}
	if eof {
		p.in.MarkEOF()
	}
	if fg > 0 {
		for _, sig := range signals {
			p.k.GroupSendSignal(nil, fg, sig, true)
		}
	}
	return len(data), nil
}

// Master is the controlling side of a pty, a vfs node.
type Master struct {
	vfs.BaseNode
	pty *PTY
}

// Read implements vfs.Node: it returns terminal output.
func (m *Master) Read(ctx context.Context, b []byte, off int64) (int, error) {
	return m.pty.out.Read(ctx, b)
}

// Write implements vfs.Node: it feeds keyboard input to the line discipline.
func (m *Master) Write(ctx context.Context, b []byte, off int64) (int, error) {
	return m.pty.input(ctx, b)
}

// Slave is the terminal side of a pty that programs read and write, a vfs
// node.
type Slave struct {
	vfs.BaseNode
	pty *PTY
}

// Read implements vfs.Node: it returns line-discipline output.
func (s *Slave) Read(ctx context.Context, b []byte, off int64) (int, error) {
	return s.pty.in.Read(ctx, b)
}

// Write implements vfs.Node: it queues output for the master.
func (s *Slave) Write(ctx context.Context, b []byte, off int64) (int, error) {
	return s.pty.out.Write(ctx, b)
}
