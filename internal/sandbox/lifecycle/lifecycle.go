// Package lifecycle defines the execution-context lifecycle shared across
// the sandbox host, broker, and fault boundary. This ensures consistent
// state semantics for every mounted module instance.
package lifecycle

import (
	"encoding/json"
	"fmt"
)

// State represents the lifecycle state of one module execution context.
type State int32

const (
	// StateLoading indicates the execution context has been created but the
	// module has not yet signalled readiness.
	StateLoading State = iota

	// StateReady indicates the module completed its handshake and privileged
	// traffic may be dispatched.
	StateReady

	// StateError indicates the module failed (load failure, handshake
	// timeout, or a reported unrecoverable fault).
	StateError

	// StateDisabled indicates an administrator marked the module inactive
	// without uninstalling it.
	StateDisabled

	// StateTornDown indicates the execution context has been destroyed.
	StateTornDown
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Parse(str)
	return nil
}

// Parse converts a string to a State. Unknown strings map to StateTornDown
// so a corrupted persisted state can never be read back as dispatchable.
func Parse(s string) State {
	switch s {
	case "loading":
		return StateLoading
	case "ready":
		return StateReady
	case "error":
		return StateError
	case "disabled":
		return StateDisabled
	case "torn_down", "torndown":
		return StateTornDown
	default:
		return StateTornDown
	}
}

// Dispatchable returns true if privileged envelopes may be dispatched in
// this state. Ready is the only such state; all others drop inbound traffic.
func (s State) Dispatchable() bool {
	return s == StateReady
}

// IsTerminal returns true if the state cannot transition except via a
// fresh execution context.
func (s State) IsTerminal() bool {
	return s == StateTornDown
}

// ValidTransitions defines allowed state transitions per execution context.
// Retry is not a transition: it destroys the context and creates a new one
// starting at StateLoading.
var ValidTransitions = map[State][]State{
	StateLoading:  {StateReady, StateError, StateTornDown},
	StateReady:    {StateError, StateDisabled, StateTornDown},
	StateError:    {StateDisabled, StateTornDown},
	StateDisabled: {StateTornDown},
	StateTornDown: {},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to State) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid state transition.
type TransitionError struct {
	From State
	To   State
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition: %s -> %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to State) TransitionError {
	return TransitionError{From: from, To: to}
}
