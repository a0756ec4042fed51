package ipc

import (
	"context"
	"errors"
	"os"
	"sync"

	"kcore/pkg/process"
	"kcore/pkg/vfs"
)

// PipeSize is the ring buffer size of a pipe.
const PipeSize = 4096

// Pipe is a vfs node over a ring buffer, used for anonymous pipes and FIFOs.
// It counts its readers and writers: when the last writer closes, readers see
// end of file once the buffer drains; when the last reader closes, writers
// get SIGPIPE and process.ErrBrokenResource.
type Pipe struct {
	vfs.BaseNode

	rb *RingBuffer

	// mu protects the open counts.
	mu      sync.Mutex
	readers int
	writers int
}

// NewPipe creates an unopened pipe named name.
func NewPipe(k *process.Kernel, name string) *Pipe {
	return &Pipe{
		BaseNode: vfs.BaseNode{NodeName: name, NodeMode: os.ModeNamedPipe | 0666},
		rb:       NewRingBuffer(k, PipeSize),
	}
}

// Buffer returns the ring buffer behind the pipe.
func (p *Pipe) Buffer() *RingBuffer {
	return p.rb
}

// Open implements vfs.Node. Each open counts as a reader, a writer or both
// according to flags.
func (p *Pipe) Open(flags int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	revive := false
	if vfs.Readable(flags) {
		revive = revive || p.readers == 0
		p.readers++
	}
	if vfs.Writable(flags) {
		revive = revive || p.writers == 0
		p.writers++
	}
	if revive && p.readers > 0 && p.writers > 0 {
		p.rb.Revive()
	}
	return nil
}

// CloseFlags implements vfs.FlagCloser.
func (p *Pipe) CloseFlags(flags int) error {
	p.mu.Lock()
	var hangup, broken bool
	if vfs.Readable(flags) && p.readers > 0 {
		p.readers--
		broken = p.readers == 0
	}
	if vfs.Writable(flags) && p.writers > 0 {
		p.writers--
		hangup = p.writers == 0
	}
	p.mu.Unlock()

	if hangup {
		p.rb.Hangup()
	}
	if broken {
		p.rb.Break()
	}
	return nil
}

// Close implements vfs.Node for callers that do not know the open flags; it
// drops every end.
func (p *Pipe) Close() error {
	p.mu.Lock()
	p.readers, p.writers = 0, 0
	p.mu.Unlock()
	p.rb.Hangup()
	p.rb.Break()
	return nil
}

// Read implements vfs.Node. The offset is ignored.
func (p *Pipe) Read(ctx context.Context, b []byte, off int64) (int, error) {
	return p.rb.Read(ctx, b)
}

// Write implements vfs.Node. Writing with no reader left raises SIGPIPE in
// the writer.
func (p *Pipe) Write(ctx context.Context, b []byte, off int64) (int, error) {
	n, err := p.rb.Write(ctx, b)
	if errors.Is(err, process.ErrBrokenResource) {
		if t, ok := process.FromContext(ctx); ok {
			me := t.Process()
			t.Kernel().SendSignal(me, me.PID, process.SIGPIPE, true)
		}
	}
	return n, err
}

// Stat implements vfs.Node; Size is the number of unread bytes.
func (p *Pipe) Stat() (vfs.FileInfo, error) {
	info, err := p.BaseNode.Stat()
	info.Size = int64(p.rb.Unread())
	return info, err
}

// Ends returns the number of open readers and writers.
func (p *Pipe) Ends() (readers, writers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readers, p.writers
}

// OpenPipe creates an anonymous pipe and installs its read and write ends in
// the caller's descriptor table.
func OpenPipe(t *process.Task) (rfd, wfd int, err error) {
	rfd, wfd = -1, -1
	err = t.Syscall(process.SysPipe, func() error {
		p := NewPipe(t.Kernel(), "pipe")
		p.Open(vfs.O_RDONLY)
		p.Open(vfs.O_WRONLY)

		r, err := t.InstallFile(process.NewOpenFile(p, vfs.O_RDONLY))
		if err != nil {
			p.Close()
			return err
		}
		w, err := t.InstallFile(process.NewOpenFile(p, vfs.O_WRONLY))
		if err != nil {
			p.CloseFlags(vfs.O_WRONLY)
			t.Process().Files().Close(r)
			return err
		}
		rfd, wfd = r, w
		return nil
	})
	return rfd, wfd, err
}
