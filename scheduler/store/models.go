package store

import (
	"encoding/json"
	"time"
)

// Row represents one persisted unit of work and its result.
//
// Status holds the composite "<phase>:<kind>:<name>" string; the scheduler
// package owns its typed form. Payload and RunSpec are opaque JSON here.
type Row struct {
	ID        int64           `json:"id"`
	Label     string          `json:"label"`
	Status    string          `json:"status"`
	Parents   []int64         `json:"parents"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RunSpec   json.RawMessage `json:"run_spec,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Log       string          `json:"log,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunnerRecord is one entry of the runner registry. A crashed runner
// reattaches by reloading this record instead of keeping in-memory state.
type RunnerRecord struct {
	Kind            string          `json:"kind"`
	Name            string          `json:"name"`
	MaxJobs         int             `json:"max_jobs"`
	CycleTime       int             `json:"cycle_time"` // seconds
	RunFolder       string          `json:"run_folder"`
	KeepRun         bool            `json:"keep_run"`
	OnParentFailure string          `json:"on_parent_failure"`
	Defaults        json.RawMessage `json:"defaults,omitempty"`
	Running         bool            `json:"running"`
	ExplicitStop    bool            `json:"explicit_stop"`
}
