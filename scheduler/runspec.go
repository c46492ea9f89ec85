package scheduler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the opaque domain data carried by a row. The scheduler threads
// it through task chains without interpreting it.
type Payload map[string]interface{}

// DecodePayload decodes a payload from its stored JSON form. An empty blob
// decodes to an empty payload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}

// Task kinds.
const (
	TaskShell    = "shell"
	TaskScripted = "scripted"
)

// base64Prefix marks binary file contents in RunSpec.Files, matching the
// data-URL form callers stage binaries with.
const base64Prefix = "data:application/octet-stream;base64,"

// Task is one step of a RunSpec.
type Task struct {
	// Kind is "shell" or "scripted".
	Kind string `json:"kind" yaml:"kind"`
	// Command is the shell command, or the script filename for scripted
	// tasks.
	Command string `json:"command" yaml:"command"`
	// Params are keyword arguments for a scripted task.
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	// Interpreter optionally overrides the command used to invoke a
	// scripted task, e.g. "mpirun -n 4 python3".
	Interpreter string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
}

// RunSpec holds the execution instructions attached to a row.
type RunSpec struct {
	Name             string            `json:"name" yaml:"name"`
	SchedulerOptions map[string]string `json:"scheduler_options,omitempty" yaml:"scheduler_options,omitempty"`
	Files            map[string]string `json:"files,omitempty" yaml:"files,omitempty"`
	Tasks            []Task            `json:"tasks" yaml:"tasks"`
	KeepRun          bool              `json:"keep_run,omitempty" yaml:"keep_run,omitempty"`
}

// Validate checks the spec is complete enough to execute.
func (r *RunSpec) Validate() error {
	if len(r.Tasks) == 0 {
		return fmt.Errorf("run spec %q: tasks empty", r.Name)
	}
	for i, task := range r.Tasks {
		switch task.Kind {
		case TaskShell:
			if strings.TrimSpace(task.Command) == "" {
				return fmt.Errorf("run spec %q: task %d: shell command empty", r.Name, i)
			}
		case TaskScripted:
			if strings.TrimSpace(task.Command) == "" {
				return fmt.Errorf("run spec %q: task %d: script filename empty", r.Name, i)
			}
		default:
			return fmt.Errorf("run spec %q: task %d: kind should be %q or %q",
				r.Name, i, TaskShell, TaskScripted)
		}
	}
	return nil
}

// Merge returns a copy of r with the runner-level defaults applied: default
// files and scheduler options fill in where r has none, and default tasks
// run before r's own tasks.
func (r *RunSpec) Merge(defaults *RunSpec) *RunSpec {
	merged := *r
	if defaults == nil {
		return &merged
	}

	merged.SchedulerOptions = make(map[string]string, len(defaults.SchedulerOptions)+len(r.SchedulerOptions))
	for k, v := range r.SchedulerOptions {
		merged.SchedulerOptions[k] = v
	}
	for k, v := range defaults.SchedulerOptions {
		merged.SchedulerOptions[k] = v
	}

	merged.Files = make(map[string]string, len(defaults.Files)+len(r.Files))
	for k, v := range r.Files {
		merged.Files[k] = v
	}
	for k, v := range defaults.Files {
		merged.Files[k] = v
	}

	// defaults run first
	merged.Tasks = append(append([]Task{}, defaults.Tasks...), r.Tasks...)

	return &merged
}

// Encode serializes the spec for the store.
func (r *RunSpec) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run spec: %w", err)
	}
	return raw, nil
}

// DecodeRunSpec decodes a run spec from its stored JSON form. A nil blob
// returns nil: rows without a run spec are inert to the scheduler.
func DecodeRunSpec(raw json.RawMessage) (*RunSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var spec RunSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode run spec: %w", err)
	}
	return &spec, nil
}

// fileContents decodes a Files entry, honoring the base64 data-URL prefix
// for binary contents.
func fileContents(value string) ([]byte, error) {
	if strings.HasPrefix(value, base64Prefix) {
		data, err := base64.StdEncoding.DecodeString(value[len(base64Prefix):])
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 file: %w", err)
		}
		return data, nil
	}
	return []byte(value), nil
}

// EncodeBinaryFile encodes binary contents for RunSpec.Files.
func EncodeBinaryFile(data []byte) string {
	return base64Prefix + base64.StdEncoding.EncodeToString(data)
}
