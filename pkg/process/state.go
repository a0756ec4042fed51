package process

import (
	"errors"
	"fmt"
)

// State transition errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StateTransition represents a valid state transition.
type StateTransition struct {
	From ProcessState
	To   ProcessState
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Dispatch: Ready -> Running
	{From: StateReady, To: StateRunning},
	// Yield or preemption: Running -> Ready
	{From: StateRunning, To: StateReady},
	// Timed sleep: Running -> Sleeping
	{From: StateRunning, To: StateSleeping},
	// Deadline passed or signal: Sleeping -> Ready
	{From: StateSleeping, To: StateReady},
	// Wait on a resource: Running -> Blocked
	{From: StateRunning, To: StateBlocked},
	// Woken: Blocked -> Ready
	{From: StateBlocked, To: StateReady},
	// Stop signal: Running -> Suspended
	{From: StateRunning, To: StateSuspended},
	// Continue or any new signal: Suspended -> Ready
	{From: StateSuspended, To: StateReady},
	// Exit: Running -> Finished
	{From: StateRunning, To: StateFinished},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProcessState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// transition moves p to a new state. The scheduler lock must be held. An
// invalid transition means the scheduler's bookkeeping is corrupt.
func (p *Process) transition(to ProcessState) {
	if !IsValidTransition(p.state, to) {
		p.k.panicf(p, "%v: %s -> %s", ErrInvalidTransition, p.state, to)
	}
	p.state = to

	switch to {
	case StateRunning:
		p.flags |= FlagRunning | FlagStarted
	case StateFinished:
		p.flags = p.flags&^FlagRunning | FlagFinished
	default:
		p.flags &^= FlagRunning
	}
	if to == StateSuspended {
		p.flags |= FlagSuspended
	} else {
		p.flags &^= FlagSuspended
	}
}

// Code returns a ps-style one-letter code for the state.
func (s ProcessState) Code() string {
	switch s {
	case StateReady, StateRunning:
		return "R"
	case StateSleeping, StateBlocked:
		return "S"
	case StateSuspended:
		return "T"
	case StateFinished:
		return "Z"
	}
	return fmt.Sprintf("?%s", string(s))
}
