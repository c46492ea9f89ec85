package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is the coarse lifecycle stage of a row.
type Phase string

const (
	PhaseNone    Phase = ""
	PhaseSubmit  Phase = "submit"
	PhaseCancel  Phase = "cancel"
	PhaseRunning Phase = "running"
	PhaseFailed  Phase = "failed"
	PhaseDone    Phase = "done"
)

// ErrInvalidTransition is returned when a status change is not allowed by
// the transition table. The store is never mutated on this error.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions maps a phase to the phases it may legally move to.
var transitions = map[Phase][]Phase{
	PhaseSubmit:  {PhaseRunning, PhaseCancel},
	PhaseRunning: {PhaseDone, PhaseFailed, PhaseCancel},
	PhaseCancel:  {PhaseFailed},
	PhaseDone:    {},
	PhaseFailed:  {},
}

// Status is the typed form of the composite status string
// "<phase>:<runner_kind>:<runner_name>". Rows that no runner owns yet carry
// a bare "<phase>". The composite string only exists at the store boundary.
type Status struct {
	Phase      Phase
	RunnerKind string
	RunnerName string
}

// ParseStatus decodes a composite status string from the store.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return Status{}, nil
	}
	parts := strings.SplitN(s, ":", 3)
	st := Status{Phase: Phase(parts[0])}
	switch st.Phase {
	case PhaseSubmit, PhaseCancel, PhaseRunning, PhaseFailed, PhaseDone:
	default:
		return Status{}, fmt.Errorf("unknown status phase %q", parts[0])
	}
	if len(parts) >= 2 {
		st.RunnerKind = parts[1]
	}
	if len(parts) == 3 {
		st.RunnerName = parts[2]
	}
	return st, nil
}

// String encodes the status back into its composite store form.
func (s Status) String() string {
	if s.Phase == PhaseNone {
		return ""
	}
	if s.RunnerKind == "" {
		return string(s.Phase)
	}
	return fmt.Sprintf("%s:%s:%s", s.Phase, s.RunnerKind, s.RunnerName)
}

// CanTransition reports whether moving to phase is legal from s.
func (s Status) CanTransition(to Phase) bool {
	for _, next := range transitions[s.Phase] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns a copy of s moved to phase, or ErrInvalidTransition.
// The runner identity is preserved.
func (s Status) Transition(to Phase) (Status, error) {
	if !s.CanTransition(to) {
		return Status{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
	}
	next := s
	next.Phase = to
	return next, nil
}

// Identity identifies one runner instance within a store.
type Identity struct {
	Kind string
	Name string
}

// ParseIdentity decodes a "kind:name" pair.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identity{}, fmt.Errorf("invalid runner identity %q, expected kind:name", s)
	}
	if _, ok := backendFactories[parts[0]]; !ok {
		return Identity{}, fmt.Errorf("unknown runner kind %q", parts[0])
	}
	return Identity{Kind: parts[0], Name: parts[1]}, nil
}

func (id Identity) String() string {
	return id.Kind + ":" + id.Name
}
