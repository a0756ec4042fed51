package process

import (
	"fmt"
	"math/bits"
	"strings"
)

// Signal is a signal number.
type Signal int

// NumSignals bounds valid signal numbers: 1 <= sig < NumSignals.
const NumSignals = 32

// Signal numbers.
const (
	SIGHUP    Signal = 1
	SIGINT    Signal = 2
	SIGQUIT   Signal = 3
	SIGILL    Signal = 4
	SIGTRAP   Signal = 5
	SIGABRT   Signal = 6
	SIGBUS    Signal = 7
	SIGFPE    Signal = 8
	SIGKILL   Signal = 9
	SIGUSR1   Signal = 10
	SIGSEGV   Signal = 11
	SIGUSR2   Signal = 12
	SIGPIPE   Signal = 13
	SIGALRM   Signal = 14
	SIGTERM   Signal = 15
	SIGSTKFLT Signal = 16
	SIGCHLD   Signal = 17
	SIGCONT   Signal = 18
	SIGSTOP   Signal = 19
	SIGTSTP   Signal = 20
	SIGTTIN   Signal = 21
	SIGTTOU   Signal = 22
	SIGURG    Signal = 23
	SIGXCPU   Signal = 24
	SIGXFSZ   Signal = 25
	SIGVTALRM Signal = 26
	SIGPROF   Signal = 27
	SIGWINCH  Signal = 28
	SIGIO     Signal = 29
	SIGPWR    Signal = 30
	SIGSYS    Signal = 31
)

var signalNames = [NumSignals]string{
	"", "HUP", "INT", "QUIT", "ILL", "TRAP", "ABRT", "BUS",
	"FPE", "KILL", "USR1", "SEGV", "USR2", "PIPE", "ALRM", "TERM",
	"STKFLT", "CHLD", "CONT", "STOP", "TSTP", "TTIN", "TTOU", "URG",
	"XCPU", "XFSZ", "VTALRM", "PROF", "WINCH", "IO", "PWR", "SYS",
}

// Valid reports whether sig is a deliverable signal number.
func (sig Signal) Valid() bool {
	return sig > 0 && sig < NumSignals
}

func (sig Signal) String() string {
	if !sig.Valid() {
		return fmt.Sprintf("SIG%d", int(sig))
	}
	return "SIG" + signalNames[sig]
}

// ParseSignal accepts "USR1", "SIGUSR1" or "10".
func ParseSignal(s string) (Signal, error) {
	name := strings.TrimPrefix(strings.ToUpper(s), "SIG")
	for i, n := range signalNames {
		if n != "" && n == name {
			return Signal(i), nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && Signal(n).Valid() {
		return Signal(n), nil
	}
	return 0, fmt.Errorf("%q: %w", s, ErrInvalidSignal)
}

// Disposition is the default action for a signal with no handler.
type Disposition int

const (
	// DefaultTerminate ends the process.
	DefaultTerminate Disposition = iota
	// DefaultCore ends the process and reports a core dump.
	DefaultCore
	// DefaultStop suspends the process.
	DefaultStop
	// DefaultContinue resumes a suspended process.
	DefaultContinue
	// DefaultIgnore discards the signal.
	DefaultIgnore
)

var defaultDispositions = [NumSignals]Disposition{
	SIGHUP:    DefaultTerminate,
	SIGINT:    DefaultTerminate,
	SIGQUIT:   DefaultCore,
	SIGILL:    DefaultCore,
	SIGTRAP:   DefaultCore,
	SIGABRT:   DefaultCore,
	SIGBUS:    DefaultCore,
	SIGFPE:    DefaultCore,
	SIGKILL:   DefaultTerminate,
	SIGUSR1:   DefaultTerminate,
	SIGSEGV:   DefaultCore,
	SIGUSR2:   DefaultTerminate,
	SIGPIPE:   DefaultTerminate,
	SIGALRM:   DefaultTerminate,
	SIGTERM:   DefaultTerminate,
	SIGSTKFLT: DefaultTerminate,
	SIGCHLD:   DefaultIgnore,
	SIGCONT:   DefaultContinue,
	SIGSTOP:   DefaultStop,
	SIGTSTP:   DefaultStop,
	SIGTTIN:   DefaultStop,
	SIGTTOU:   DefaultStop,
	SIGURG:    DefaultIgnore,
	SIGXCPU:   DefaultCore,
	SIGXFSZ:   DefaultCore,
	SIGVTALRM: DefaultTerminate,
	SIGPROF:   DefaultTerminate,
	SIGWINCH:  DefaultIgnore,
	SIGIO:     DefaultTerminate,
	SIGPWR:    DefaultTerminate,
	SIGSYS:    DefaultCore,
}

// DefaultDisposition returns the action taken for sig when no handler is
// installed.
func DefaultDisposition(sig Signal) Disposition {
	if !sig.Valid() {
		return DefaultIgnore
	}
	return defaultDispositions[sig]
}

// SignalSet is a set of signals as a bit mask.
type SignalSet uint64

// NewSignalSet creates a new signal set with the given signals.
func NewSignalSet(signals ...Signal) SignalSet {
	var s SignalSet
	for _, sig := range signals {
		s = s.Add(sig)
	}
	return s
}

// Has returns true if the set contains sig.
func (s SignalSet) Has(sig Signal) bool {
	return sig.Valid() && s&(1<<uint(sig)) != 0
}

// Add returns the set with sig added.
func (s SignalSet) Add(sig Signal) SignalSet {
	if !sig.Valid() {
		return s
	}
	return s | 1<<uint(sig)
}

// Remove returns the set with sig removed.
func (s SignalSet) Remove(sig Signal) SignalSet {
	return s &^ (1 << uint(sig))
}

// Union returns the union of two signal sets.
func (s SignalSet) Union(other SignalSet) SignalSet {
	return s | other
}

// Difference returns the signals in s that are not in other.
func (s SignalSet) Difference(other SignalSet) SignalSet {
	return s &^ other
}

// Len returns the number of signals in the set.
func (s SignalSet) Len() int {
	return bits.OnesCount64(uint64(s))
}

// unblockable signals can never be masked or handled.
var unblockable = NewSignalSet(SIGKILL, SIGSTOP)

// SignalHandler is a user signal handler. It runs on the process goroutine
// with the interrupted context saved; returning from it is the signal
// return.
type SignalHandler func(t *Task, sig Signal)

// ActionFlags modify how a handler is entered.
type ActionFlags int

const (
	// NoDefer leaves the signal itself unblocked while its handler runs.
	NoDefer ActionFlags = 1 << iota
	// ResetHand restores the default action once the handler is entered.
	ResetHand
)

// SigAction is the configuration for one signal.
type SigAction struct {
	// Handler is the installed handler; nil means default or ignore.
	Handler SignalHandler
	// Ignore discards the signal when Handler is nil.
	Ignore bool
	// Mask is added to the blocked set while the handler runs.
	Mask SignalSet
	// Flags modify handler entry.
	Flags ActionFlags
}

// signalEntry is one undelivered signal.
type signalEntry struct {
	sig    Signal
	action SigAction
	seq    uint64
}

// Tracer intercepts signal delivery to a traced process.
type Tracer interface {
	// SubstituteSignal is called before sig is delivered to p and returns
	// the signal to deliver instead; 0 suppresses delivery.
	SubstituteSignal(p *Process, sig Signal) Signal
}

// SetTracer attaches a tracer to p, or detaches it when tr is nil.
func (p *Process) SetTracer(tr Tracer) {
	p.k.sched.mu.Lock()
	defer p.k.sched.mu.Unlock()
	p.tracer = tr
	if tr != nil {
		p.flags |= FlagTraced
	} else {
		p.flags &^= FlagTraced
	}
}

// deliverableLocked reports whether p has a signal it could act on now.
func (p *Process) deliverableLocked() bool {
	for _, e := range p.signals {
		if !p.blocked.Has(e.sig) || unblockable.Has(e.sig) {
			return true
		}
	}
	return false
}

// mayDeliver reports whether sender's credentials dominate target's.
// A nil sender is the kernel.
func mayDeliver(sender, target *Process, sig Signal) bool {
	if sender == nil {
		return true
	}
	sc, tc := sender.Credentials(), target.Credentials()
	if sc.EUID == 0 || sc.EUID == tc.UID || sc.UID == tc.UID {
		return true
	}
	return sig == SIGCONT && sender.Session() == target.Session()
}

// SendSignal queues sig for the process pid. Unless forceRoot is set the
// sender's credentials must allow it. A signal that would be ignored anyway
// is dropped without touching the target.
func (k *Kernel) SendSignal(sender *Process, pid int, sig Signal, forceRoot bool) error {
	target := k.table.Lookup(pid)
	if target == nil {
		return fmt.Errorf("signal %d: %w", pid, ErrNoSuchProcess)
	}
	if sig != 0 && !sig.Valid() {
		return fmt.Errorf("signal %d: %w", int(sig), ErrInvalidSignal)
	}
	if !forceRoot && !mayDeliver(sender, target, sig) {
		return fmt.Errorf("signal %d: %w", pid, ErrPermissionDenied)
	}
	if sig == 0 {
		return nil
	}

	k.sched.mu.Lock()
	defer k.sched.mu.Unlock()

	if target.state == StateFinished {
		return nil
	}
	if sig == SIGCONT && target.state != StateSuspended {
		return fmt.Errorf("signal %d: %v: %w", pid, sig, ErrInvalidState)
	}

	// Continuing happens even when SIGCONT itself is ignored. The stop loop
	// resumes once sigSeq moves past the stopping signal.
	if sig == SIGCONT {
		target.sigSeq++
		k.makeReadyLocked(target)
	}

	action := target.actions[sig]
	if action.Handler == nil && !target.awaited.Has(sig) &&
		(action.Ignore || DefaultDisposition(sig) == DefaultIgnore) {
		return nil
	}

	target.sigSeq++
	target.signals = append(target.signals, signalEntry{sig: sig, action: action, seq: target.sigSeq})

	if target.blocked.Has(sig) && !unblockable.Has(sig) && !target.awaited.Has(sig) {
		return nil
	}
	if target.sleeping || target.waitingOn != nil {
		target.woken = true
		k.makeReadyLocked(target)
	}
	if sender != target {
		k.makeReadyLocked(target)
	}
	return nil
}

// GroupSendSignal sends sig to every process in job. It succeeds if at
// least one member received it.
func (k *Kernel) GroupSendSignal(sender *Process, job int, sig Signal, forceRoot bool) error {
	var firstErr error
	sent := false
	for _, p := range k.table.Processes() {
		if p.Job() != job {
			continue
		}
		if err := k.SendSignal(sender, p.PID, sig, forceRoot); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent = true
	}
	if sent {
		return nil
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("signal job %d: %w", job, ErrNoSuchProcess)
	}
	return firstErr
}
