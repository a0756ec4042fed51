package process

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Limit errors.
var (
	ErrLimitExceeded = errors.New("resource limit exceeded")
	ErrInvalidLimit  = errors.New("invalid resource limit value")
)

// ResourceType represents the type of resource being limited.
type ResourceType string

const (
	// ResourceCPU represents CPU time.
	ResourceCPU ResourceType = "cpu"
	// ResourceMemory represents mapped pages.
	ResourceMemory ResourceType = "memory"
	// ResourceFiles represents open descriptors.
	ResourceFiles ResourceType = "files"
)

// ResourceLimits are per-process ceilings, inherited across fork. Zero
// means unlimited.
type ResourceLimits struct {
	// CPUTime is the CPU time after which SIGXCPU is sent.
	CPUTime time.Duration
	// MaxPages bounds the pages mapped in the address space.
	MaxPages int
	// MaxFiles bounds the descriptor table.
	MaxFiles int
}

// DefaultLimits returns the limits of the root process.
func DefaultLimits() *ResourceLimits {
	return &ResourceLimits{
		MaxFiles: 64,
	}
}

// Validate checks the limits for negative values.
func (l *ResourceLimits) Validate() error {
	if l.CPUTime < 0 || l.MaxPages < 0 || l.MaxFiles < 0 {
		return ErrInvalidLimit
	}
	return nil
}

// ResourceUsage tracks the resources a process has consumed.
type ResourceUsage struct {
	mu       sync.Mutex
	cpuTime  time.Duration
	ticks    uint64
	syscalls uint64
	xcpuSent bool
}

// UsageSnapshot is a copy of the counters of a ResourceUsage.
type UsageSnapshot struct {
	CPUTime  time.Duration
	Ticks    uint64
	Syscalls uint64
}

// NewResourceUsage creates a new resource usage tracker.
func NewResourceUsage() *ResourceUsage {
	return &ResourceUsage{}
}

// AddCPUTime adds to the CPU time used.
func (r *ResourceUsage) AddCPUTime(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cpuTime += d
}

func (r *ResourceUsage) addTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
}

func (r *ResourceUsage) addSyscall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syscalls++
}

// Snapshot returns the current counters.
func (r *ResourceUsage) Snapshot() UsageSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return UsageSnapshot{
		CPUTime:  r.cpuTime,
		Ticks:    r.ticks,
		Syscalls: r.syscalls,
	}
}

// LimitError represents a resource limit violation.
type LimitError struct {
	Type  ResourceType
	Limit int64
	Used  int64
}

// Error returns the error message.
func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d of %d", e.Type, e.Used, e.Limit)
}

// Unwrap lets errors.Is match ErrLimitExceeded.
func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

// IsLimitError checks if an error is a limit error.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// Limits returns the resource limits of the process.
func (p *Process) Limits() ResourceLimits {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limits == nil {
		return ResourceLimits{}
	}
	return *p.limits
}

// CheckPages fails when mapping n more pages would exceed the memory limit.
func (p *Process) CheckPages(n int) error {
	p.mu.Lock()
	limits, space := p.limits, p.space
	p.mu.Unlock()
	if limits == nil || limits.MaxPages == 0 || space == nil {
		return nil
	}
	if used := space.Len(); used+n > limits.MaxPages {
		return &LimitError{Type: ResourceMemory, Limit: int64(limits.MaxPages), Used: int64(used + n)}
	}
	return nil
}

// checkCPULimit sends SIGXCPU once when p has used up its CPU time.
func (k *Kernel) checkCPULimit(p *Process) {
	p.mu.Lock()
	limits := p.limits
	p.mu.Unlock()
	if limits == nil || limits.CPUTime == 0 {
		return
	}

	u := p.usage
	u.mu.Lock()
	over := u.cpuTime >= limits.CPUTime && !u.xcpuSent
	if over {
		u.xcpuSent = true
	}
	used := u.cpuTime
	u.mu.Unlock()

	if over {
		err := &LimitError{Type: ResourceCPU, Limit: int64(limits.CPUTime / time.Millisecond), Used: int64(used / time.Millisecond)}
		k.log.Printf("pid %d: %v (ms)", p.PID, err)
		if err := k.SendSignal(nil, p.PID, SIGXCPU, true); err != nil && !errors.Is(err, ErrNoSuchProcess) {
			k.log.Printf("pid %d: SIGXCPU: %v", p.PID, err)
		}
	}
}
