/*
Package process implements the process and scheduling core of kcore, a
simulated multiprocessor kernel.

Every process runs a Program on its own goroutine, but only makes progress
while one of the kernel's cores has dispatched it. Handing the core back
(switchTask) parks the goroutine until a core picks it up again, so each
core runs exactly one process at a time and the scheduler alone decides
which.

The package includes:

  - The process table and tree, with pid allocation, fork, clone, tasklets,
    orphan reparenting and reaping
  - A FIFO ready queue, a deadline-ordered sleep queue and wait queues
  - Signal delivery with default dispositions, handlers, masks, job control
    and system-call restart
  - A system-call surface on Task for programs to use
  - Descriptor tables over vfs nodes

# Process States

  - Ready: in the ready queue
  - Running: owns a core
  - Sleeping: in the sleep queue until a deadline
  - Blocked: on a wait queue
  - Suspended: stopped by a job-control signal
  - Finished: exited, a zombie until its parent reaps it

# Usage

Booting a kernel with an init program:

	k := process.New(process.Config{Cores: 2})
	_, err := k.Boot(func(t *process.Task) int {
		pid, err := t.Fork(func(t *process.Task) int {
			return 5
		})
		if err != nil {
			return 1
		}
		_, status, _ := t.Wait(pid, 0)
		return status.ExitCode()
	})
	if err != nil {
		// Handle error
	}
	err = k.Run(ctx)

Run returns when init exits, ctx is cancelled or the kernel panics; a panic
is returned as a *KernelPanic.

# Locking

The scheduler lock guards the ready, sleep and wait queues together with
the scheduling and signal state of every process. The table lock guards the
pid map, the tree and wait status. Resource locks (ring buffers, shared
memory) are taken before the table lock, which is taken before the
scheduler lock. A blocking wait releases its resource lock only after the
process is on the wait queue, through Task.SleepOnUnlocking.
*/
package process
