package scheduler

import (
	"fmt"

	"spoolgo/scheduler/store"
)

// SetPhase applies a phase transition to a row, preserving the owning
// runner identity. Illegal transitions are rejected with
// ErrInvalidTransition before the store is touched.
func SetPhase(st *store.Store, id int64, to Phase) error {
	row, err := st.GetRow(id)
	if err != nil {
		return err
	}
	current, err := ParseStatus(row.Status)
	if err != nil {
		return err
	}
	next, err := current.Transition(to)
	if err != nil {
		return err
	}
	return st.SetStatus(id, next.String())
}

// SubmitRow hands a row to the given runner and marks it submittable.
// Fresh rows and terminal rows (failed, done) may be submitted; a row that
// is already submitted, running, or being cancelled may not. Resubmission
// of those is never automatic.
func SubmitRow(st *store.Store, id int64, runner Identity) error {
	row, err := st.GetRow(id)
	if err != nil {
		return err
	}
	current, err := ParseStatus(row.Status)
	if err != nil {
		return err
	}
	switch current.Phase {
	case PhaseNone, PhaseFailed, PhaseDone:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Phase, PhaseSubmit)
	}
	next := Status{Phase: PhaseSubmit, RunnerKind: runner.Kind, RunnerName: runner.Name}
	return st.SetStatus(id, next.String())
}

// CancelRow asks the owning runner to stop a submitted or running row. The
// flip is advisory: the runner observes it on its next cycle, terminates
// the backend job, and writes failed.
func CancelRow(st *store.Store, id int64) error {
	return SetPhase(st, id, PhaseCancel)
}

// StatusOf returns a row's composite status string.
func StatusOf(st *store.Store, id int64) (string, error) {
	row, err := st.GetRow(id)
	if err != nil {
		return "", err
	}
	if row.Status == "" {
		return "no status", nil
	}
	return row.Status, nil
}
