package core

import (
	"testing"
)

func TestMachine_InitialState(t *testing.T) {
	m := NewMachine()

	if m.State() != StateLoggedOut {
		t.Errorf("initial state = %s, expected logged_out", m.State())
	}
}

func TestMachine_LegalTransitions(t *testing.T) {
	steps := []State{
		StateLoggingIn,
		StateReady,
		StateScanning,
		StatePlaying,
		StateReveal,
		StateReady,
		StateScanning,
		StateReady,
		StateLoggedOut,
	}

	m := NewMachine()
	for _, to := range steps {
		if err := m.Transition(to, Payload{}); err != nil {
			t.Fatalf("transition to %s rejected: %v", to, err)
		}
	}
}

func TestMachine_IllegalTransitions(t *testing.T) {
	cases := []struct {
		from State
		to   State
	}{
		{StateLoggedOut, StateReady},
		{StateLoggedOut, StatePlaying},
		{StateReady, StatePlaying},
		{StateReady, StateReveal},
		{StateScanning, StateReveal},
		{StatePlaying, StateScanning},
		{StateReveal, StatePlaying},
		{StateError, StateScanning},
	}

	for _, tc := range cases {
		m := &Machine{state: tc.from}
		if err := m.Transition(tc.to, Payload{}); err == nil {
			t.Errorf("transition %s -> %s should be rejected", tc.from, tc.to)
		}
		if m.State() != tc.from {
			t.Errorf("rejected transition changed state to %s", m.State())
		}
	}
}

func TestMachine_SelfTransitionRefreshesPayload(t *testing.T) {
	m := &Machine{state: StatePlaying}

	if err := m.Transition(StatePlaying, Payload{TrackLabel: "x"}); err != nil {
		t.Fatalf("self transition rejected: %v", err)
	}

	_, p := m.Current()
	if p.TrackLabel != "x" {
		t.Errorf("payload not refreshed, got %+v", p)
	}
}

func TestMachine_ErrorReachableFromEverywhere(t *testing.T) {
	for _, from := range []State{StateLoggingIn, StateReady, StateScanning, StatePlaying, StateReveal} {
		m := &Machine{state: from}
		if err := m.Transition(StateError, Payload{Message: "boom"}); err != nil {
			t.Errorf("transition %s -> error rejected: %v", from, err)
		}
	}
}

func TestMachine_ErrorRecovery(t *testing.T) {
	// Acknowledge with a session goes to ready, without one to logged_out,
	// and retryable device failures re-enter logging_in.
	for _, to := range []State{StateReady, StateLoggedOut, StateLoggingIn} {
		m := &Machine{state: StateError}
		if err := m.Transition(to, Payload{}); err != nil {
			t.Errorf("transition error -> %s rejected: %v", to, err)
		}
	}
}

func TestTrackLabel(t *testing.T) {
	short := Track{Title: "Hey", Artist: "Ya"}
	if got := short.Label(); got != "Hey - Ya" {
		t.Errorf("Label() = %q", got)
	}

	long := Track{
		Title:  "Supercalifragilisticexpialidocious",
		Artist: "Julie Andrews",
	}
	got := long.Label()
	if runes := []rune(got); len(runes) != 33 {
		t.Errorf("truncated label length = %d runes, expected 32 + ellipsis", len(runes))
	}
}
