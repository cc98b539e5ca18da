// Package session owns the single inference session of the process and the
// state machine that decides which operations on it are legal.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of the session.
type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Generating
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Generating:
		return "generating"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives a transition.
type Event int

const (
	EventCreate Event = iota
	EventLoadSucceeded
	EventLoadFailed
	EventBeginGeneration
	EventStreamEnd
	EventInterrupt
	EventStreamError
)

func (e Event) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventLoadSucceeded:
		return "success"
	case EventLoadFailed:
		return "failure"
	case EventBeginGeneration:
		return "beginGeneration"
	case EventStreamEnd:
		return "streamEnd"
	case EventInterrupt:
		return "interrupt"
	case EventStreamError:
		return "streamError"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ErrIllegalTransition is returned when an event is not allowed in the
// current state.
var ErrIllegalTransition = errors.New("illegal state transition")

type transition struct {
	from  State
	event Event
}

// Error is retriable: create from Error reloads the session.
var transitions = map[transition]State{
	{Uninitialized, EventCreate}:   Loading,
	{Error, EventCreate}:           Loading,
	{Loading, EventLoadSucceeded}:  Ready,
	{Loading, EventLoadFailed}:     Error,
	{Ready, EventBeginGeneration}:  Generating,
	{Generating, EventStreamEnd}:   Ready,
	{Generating, EventInterrupt}:   Ready,
	{Generating, EventStreamError}: Ready,
}

// Machine is a mutex-guarded state holder.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// NewMachine returns a machine in Uninitialized.
func NewMachine() *Machine {
	return &Machine{state: Uninitialized}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Fire applies e and returns the new state. The state is unchanged on error.
func (m *Machine) Fire(e Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[transition{m.state, e}]
	if !ok {
		return m.state, fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, e, m.state)
	}
	m.state = next
	return next, nil
}

// Can reports whether e is legal in the current state.
func (m *Machine) Can(e Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := transitions[transition{m.state, e}]
	return ok
}
