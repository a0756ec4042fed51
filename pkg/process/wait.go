package process

import "sync"

// WaitQueue is a list of processes blocked on some resource condition.
// It is protected by the scheduler lock of the kernel that created it.
type WaitQueue struct {
	k       *Kernel
	waiters []*Process
}

// NewWaitQueue creates an empty wait queue.
func (k *Kernel) NewWaitQueue() *WaitQueue {
	return &WaitQueue{k: k}
}

func (q *WaitQueue) remove(p *Process) {
	for i, w := range q.waiters {
		if w == p {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Len returns the number of waiters.
func (q *WaitQueue) Len() int {
	q.k.sched.mu.Lock()
	defer q.k.sched.mu.Unlock()
	return len(q.waiters)
}

// Wakeup makes every waiter ready and returns how many there were.
func (q *WaitQueue) Wakeup() int {
	return q.wakeup(false)
}

// WakeupInterrupted is Wakeup, but each woken process sees its wait as
// interrupted rather than satisfied.
func (q *WaitQueue) WakeupInterrupted() int {
	return q.wakeup(true)
}

func (q *WaitQueue) wakeup(interrupted bool) int {
	q.k.sched.mu.Lock()
	defer q.k.sched.mu.Unlock()

	waiters := q.waiters
	q.waiters = nil
	for _, p := range waiters {
		p.waitingOn = nil
		if interrupted {
			p.woken = true
		}
		q.k.makeReadyLocked(p)
	}
	return len(waiters)
}

// SleepOn blocks the calling process on q. It reports true when the wait
// was broken by a signal or an interrupted wakeup rather than satisfied.
func (t *Task) SleepOn(q *WaitQueue) bool {
	return t.SleepOnUnlocking(q, nil)
}

// SleepOnUnlocking queues the calling process on q, then releases l and
// blocks. The process is on the queue before l is released, so a waker that
// takes l cannot miss it. A process with a deliverable signal pending does
// not sleep at all and reports an interrupted wait.
func (t *Task) SleepOnUnlocking(q *WaitQueue, l sync.Locker) bool {
	return t.block(q, l, StateBlocked)
}

func (t *Task) block(q *WaitQueue, l sync.Locker, state ProcessState) bool {
	p, k := t.p, t.k

	k.sched.mu.Lock()
	if p.deliverableLocked() {
		k.sched.mu.Unlock()
		if l != nil {
			l.Unlock()
		}
		return true
	}
	p.transition(state)
	p.woken = false
	p.waitingOn = q
	q.waiters = append(q.waiters, p)
	k.sched.mu.Unlock()

	if l != nil {
		l.Unlock()
	}
	t.switchTask(false)

	k.sched.mu.Lock()
	interrupted := p.woken
	p.woken = false
	k.sched.mu.Unlock()
	return interrupted
}
