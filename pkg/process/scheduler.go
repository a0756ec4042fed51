package process

import (
	"sync"
)

// scheduler holds the kernel-wide ready and sleep queues. Its lock also
// guards every wait queue and the scheduling and signal state of every
// process, so a wakeup can never race with a process going to sleep.
type scheduler struct {
	mu sync.Mutex
	// ready is strict FIFO.
	ready []*Process
	// sleepers is ordered by wake deadline; equal deadlines keep insertion order.
	sleepers []*Process
}

// MakeReady moves p to the ready queue unless it is already runnable or
// has finished.
func (k *Kernel) MakeReady(p *Process) {
	k.sched.mu.Lock()
	defer k.sched.mu.Unlock()
	k.makeReadyLocked(p)
}

func (k *Kernel) makeReadyLocked(p *Process) {
	switch p.state {
	case StateReady, StateRunning, StateFinished:
		return
	}
	k.detachLocked(p)
	p.transition(StateReady)
	k.sched.ready = append(k.sched.ready, p)
	k.kickIdle()
}

// detachLocked removes p from the sleep queue or the wait queue it is on.
func (k *Kernel) detachLocked(p *Process) {
	if p.sleeping {
		for i, s := range k.sched.sleepers {
			if s == p {
				k.sched.sleepers = append(k.sched.sleepers[:i], k.sched.sleepers[i+1:]...)
				break
			}
		}
		p.sleeping = false
	}
	if q := p.waitingOn; q != nil {
		q.remove(p)
		p.waitingOn = nil
	}
}

// nextReady pops the head of the ready queue and marks it running, or
// returns nil when the core should run its idle task.
func (k *Kernel) nextReady() *Process {
	k.sched.mu.Lock()
	defer k.sched.mu.Unlock()

	if len(k.sched.ready) == 0 {
		return nil
	}
	p := k.sched.ready[0]
	k.sched.ready[0] = nil
	k.sched.ready = k.sched.ready[1:]
	p.transition(StateRunning)
	return p
}

// ReadyLen returns the number of processes in the ready queue.
func (k *Kernel) ReadyLen() int {
	k.sched.mu.Lock()
	defer k.sched.mu.Unlock()
	return len(k.sched.ready)
}

// sleepUntilLocked puts the running process p in the sleep queue.
func (k *Kernel) sleepUntilLocked(p *Process, deadline Timestamp) {
	p.transition(StateSleeping)
	p.wakeAt = deadline
	p.sleeping = true
	p.woken = false

	i := len(k.sched.sleepers)
	for i > 0 && deadline.Before(k.sched.sleepers[i-1].wakeAt) {
		i--
	}
	k.sched.sleepers = append(k.sched.sleepers, nil)
	copy(k.sched.sleepers[i+1:], k.sched.sleepers[i:])
	k.sched.sleepers[i] = p
}

// WakeupSleepers moves every process whose deadline is not after now to the
// ready queue, earliest deadline first, and returns how many were woken.
func (k *Kernel) WakeupSleepers(now Timestamp) int {
	k.sched.mu.Lock()
	defer k.sched.mu.Unlock()

	n := 0
	for len(k.sched.sleepers) > 0 && !now.Before(k.sched.sleepers[0].wakeAt) {
		p := k.sched.sleepers[0]
		k.sched.sleepers = k.sched.sleepers[1:]
		p.sleeping = false
		p.transition(StateReady)
		k.sched.ready = append(k.sched.ready, p)
		n++
	}
	if n > 0 {
		k.kickIdle()
	}
	return n
}

// SleepersLen returns the number of processes in the sleep queue.
func (k *Kernel) SleepersLen() int {
	k.sched.mu.Lock()
	defer k.sched.mu.Unlock()
	return len(k.sched.sleepers)
}

// kickIdle wakes every idle core so one of them picks up new work.
func (k *Kernel) kickIdle() {
	for _, c := range k.cores {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}
