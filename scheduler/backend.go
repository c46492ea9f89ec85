package scheduler

import (
	"errors"
	"fmt"
)

// BackendState is the coarse state a backend reports for a submitted job.
type BackendState int

const (
	StatePending BackendState = iota
	StateRunning
	StateDone
	StateFailed
)

func (s BackendState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrBackendUnavailable marks a transient backend failure. The spool loop
// logs it and leaves the row in its current phase; the operation is retried
// on the next cycle, unbounded, with cycle_time spacing.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Backend submits, monitors, and cancels jobs on one execution environment.
// New execution environments implement this interface and register a
// factory; nothing else in the scheduler changes.
type Backend interface {
	// Submit starts the prepared working directory executing and returns
	// an external handle plus a human-readable log message.
	Submit(workdir string, spec *RunSpec) (handle string, logMsg string, err error)

	// Poll reports the current state of a submitted job.
	Poll(workdir, handle string) (BackendState, string, error)

	// Cancel terminates a submitted job. Unknown handles are not an error.
	Cancel(handle string) error
}

// backendFactories maps runner kinds to backend constructors.
var backendFactories = map[string]func() Backend{
	"terminal": func() Backend { return &LocalBackend{} },
	"slurm":    func() Backend { return &SlurmBackend{Shebang: "#!/bin/bash"} },
}

// NewBackend builds the backend for a runner kind.
func NewBackend(kind string) (Backend, error) {
	factory, ok := backendFactories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown runner kind %q", kind)
	}
	return factory(), nil
}
