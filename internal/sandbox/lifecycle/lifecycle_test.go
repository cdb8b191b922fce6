package lifecycle

import (
	"encoding/json"
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateLoading, "loading"},
		{StateReady, "ready"},
		{StateError, "error"},
		{StateDisabled, "disabled"},
		{StateTornDown, "torn_down"},
		{State(99), "state(99)"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.expected {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.expected)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected State
	}{
		{"loading", StateLoading},
		{"ready", StateReady},
		{"error", StateError},
		{"disabled", StateDisabled},
		{"torn_down", StateTornDown},
		{"torndown", StateTornDown}, // legacy alias
		{"invalid", StateTornDown},  // fail closed
		{"", StateTornDown},
	}

	for _, tc := range tests {
		if got := Parse(tc.input); got != tc.expected {
			t.Errorf("Parse(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestState_JSON(t *testing.T) {
	original := StateReady
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(data) != `"ready"` {
		t.Errorf("Marshal = %s, want \"ready\"", data)
	}

	var parsed State
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed != original {
		t.Errorf("Unmarshal = %v, want %v", parsed, original)
	}
}

func TestState_Dispatchable(t *testing.T) {
	if !StateReady.Dispatchable() {
		t.Error("StateReady.Dispatchable() = false, want true")
	}
	for _, s := range []State{StateLoading, StateError, StateDisabled, StateTornDown} {
		if s.Dispatchable() {
			t.Errorf("%v.Dispatchable() = true, want false", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateLoading, StateReady},
		{StateLoading, StateError},
		{StateLoading, StateTornDown},
		{StateReady, StateError},
		{StateReady, StateDisabled},
		{StateReady, StateTornDown},
		{StateError, StateDisabled},
		{StateError, StateTornDown},
		{StateDisabled, StateTornDown},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%v, %v) = false, want true", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateReady, StateLoading},  // no context reuse across retry
		{StateError, StateReady},    // fatal errors are not recoverable in place
		{StateError, StateLoading},  // retry creates a fresh context instead
		{StateTornDown, StateLoading},
		{StateTornDown, StateReady},
		{StateDisabled, StateReady},
		{StateLoading, StateDisabled},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%v, %v) = true, want false", tc.from, tc.to)
		}
	}
}

func TestTransitionError(t *testing.T) {
	err := NewTransitionError(StateError, StateReady)
	want := "invalid lifecycle transition: error -> ready"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
