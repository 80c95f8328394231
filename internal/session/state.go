// Package session runs the FreeViewer session protocol between a client and
// a host: handshake, key confirmation, capability negotiation, keepalive and
// teardown over a single framed stream.
package session

import (
	"fmt"
	"sync/atomic"
)

// State is a session lifecycle state.
type State int32

// Session states.
const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateNegotiating
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// transitions lists the legal successors of each state. Failed is reachable
// from every non-terminal state and is added by CanTransition. A local close
// before the session is active moves straight to Closing.
var transitions = map[State][]State{
	StateIdle:           {StateConnecting, StateClosed},
	StateConnecting:     {StateAuthenticating, StateClosing},
	StateAuthenticating: {StateNegotiating, StateClosing},
	StateNegotiating:    {StateActive, StateClosing},
	StateActive:         {StateClosing},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine holds the current state and applies transitions atomically.
type stateMachine struct {
	state    atomic.Int32
	onChange func(from, to State)
}

func (m *stateMachine) current() State {
	return State(m.state.Load())
}

// transition moves from the current state to next, returning an error for an
// illegal transition.
func (m *stateMachine) transition(next State) error {
	for {
		cur := m.current()
		if !CanTransition(cur, next) {
			return fmt.Errorf("illegal session transition %s -> %s", cur, next)
		}
		if m.state.CompareAndSwap(int32(cur), int32(next)) {
			if m.onChange != nil {
				m.onChange(cur, next)
			}
			return nil
		}
	}
}

// transitionFrom moves to next only if the current state is from.
func (m *stateMachine) transitionFrom(from, next State) bool {
	if !CanTransition(from, next) {
		return false
	}
	if !m.state.CompareAndSwap(int32(from), int32(next)) {
		return false
	}
	if m.onChange != nil {
		m.onChange(from, next)
	}
	return true
}
