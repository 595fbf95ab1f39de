package core

import (
	"fmt"
	"sync"
)

type State int

const (
	StateLoggedOut State = iota
	StateLoggingIn
	StateReady
	StateScanning
	StatePlaying
	StateReveal
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateLoggingIn:
		return "logging_in"
	case StateReady:
		return "ready"
	case StateScanning:
		return "scanning"
	case StatePlaying:
		return "playing"
	case StateReveal:
		return "reveal"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Payload is the opaque state-specific data shown alongside a state.
type Payload struct {
	DeviceID   string
	Message    string
	TrackLabel string
	Title      string
	Artist     string
	Repeat     bool
	Retryable  bool
}

// transitions lists the legal target states per source state. A state may
// always re-enter itself to refresh its payload.
var transitions = map[State][]State{
	StateLoggedOut: {StateLoggingIn},
	StateLoggingIn: {StateReady, StateLoggedOut, StateError},
	StateReady:     {StateScanning, StateLoggedOut, StateError},
	StateScanning:  {StatePlaying, StateReady, StateError},
	StatePlaying:   {StateReveal, StateReady, StateError},
	StateReveal:    {StateReady, StateLoggedOut, StateError},
	// error -> logging_in backs the retry action on device setup failures.
	StateError: {StateReady, StateLoggedOut, StateLoggingIn},
}

// Machine is the game state machine. Exactly one current state exists per
// machine; every transition is synchronous and validated against the table.
type Machine struct {
	mu      sync.Mutex
	state   State
	payload Payload
}

func NewMachine() *Machine {
	return &Machine{state: StateLoggedOut}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Current() (State, Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.payload
}

// Transition moves to the target state, rejecting edges the table does not
// allow. Asynchronous work happens between transitions, never inside one.
func (m *Machine) Transition(to State, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to != m.state && !legal(m.state, to) {
		return fmt.Errorf("illegal transition %s -> %s", m.state, to)
	}

	m.state = to
	m.payload = p
	return nil
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
