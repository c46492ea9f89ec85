package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Outcome is the terminal result of a task chain.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// Working directory files.
const (
	jobFileName     = "job.json"     // serialized task chain and inputs
	payloadFileName = "payload.json" // final payload written by Execute
	statusFileName  = "status.txt"   // start / done / failed
	runLogFileName  = "run.log"      // task output
)

// jobFile is the serialized form of a prepared task chain. It carries
// everything Execute needs so the chain can run in a separate process.
type jobFile struct {
	Name   string    `json:"name"`
	Tasks  []Task    `json:"tasks"`
	Inputs []Payload `json:"inputs"`
}

// Engine runs the task chain of one row inside a working directory. The
// directory is exclusively owned by the engine for the lifetime of the run.
type Engine struct {
	RunFolder string
	Loader    ScriptLoader
}

// Workdir returns the working directory path for a row id.
func (e *Engine) Workdir(id int64) string {
	return filepath.Join(e.RunFolder, strconv.FormatInt(id, 10))
}

// Prepare creates the working directory for a row: staged files, the
// serialized task chain, and the input payload list (the row's own payload
// first, then its parents' in declared order).
func (e *Engine) Prepare(id int64, spec *RunSpec, inputs []Payload) (string, error) {
	workdir := e.Workdir(id)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}

	for name, value := range spec.Files {
		data, err := fileContents(value)
		if err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(workdir, name), data, 0644); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", name, err)
		}
	}

	if len(inputs) == 0 {
		inputs = []Payload{{}}
	}
	job := jobFile{Name: spec.Name, Tasks: spec.Tasks, Inputs: inputs}
	if err := writeJSON(filepath.Join(workdir, jobFileName), job); err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(workdir, statusFileName), []byte("start\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write status file: %w", err)
	}

	return workdir, nil
}

// Execute runs the prepared task chain in workdir. Shell tasks run as
// commands in the directory; scripted tasks go through the loader, and each
// scripted task's output payload becomes the sole input of the next. The
// final payload lands in payload.json and the terminal outcome in
// status.txt, so a monitoring process can pick both up.
//
// A failed task aborts the chain; the directory is left as-is for
// diagnosis.
func (e *Engine) Execute(workdir string) (Payload, Outcome, error) {
	data, err := os.ReadFile(filepath.Join(workdir, jobFileName))
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("failed to read job file: %w", err)
	}
	var job jobFile
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, OutcomeFailed, fmt.Errorf("failed to decode job file: %w", err)
	}

	inputs := job.Inputs
	if len(inputs) == 0 {
		inputs = []Payload{{}}
	}
	final := inputs[0]

	for i, task := range job.Tasks {
		switch task.Kind {
		case TaskShell:
			output, err := runShellCommand(workdir, task.Command)
			e.appendRunLog(workdir, fmt.Sprintf("task %d (shell): %s\n%s", i, task.Command, output))
			if err != nil {
				return e.finish(workdir, final, OutcomeFailed,
					fmt.Errorf("task %d (%s) failed: %w", i, task.Command, err))
			}
		case TaskScripted:
			fn, err := e.Loader.Load(task.Command, ScriptSymbol, task.Interpreter)
			if err != nil {
				return e.finish(workdir, final, OutcomeFailed,
					fmt.Errorf("task %d: %w", i, err))
			}
			out, err := fn(workdir, inputs, task.Params)
			if err != nil {
				e.appendRunLog(workdir, fmt.Sprintf("task %d (scripted): %s: %v\n", i, task.Command, err))
				return e.finish(workdir, final, OutcomeFailed,
					fmt.Errorf("task %d (%s) failed: %w", i, task.Command, err))
			}
			e.appendRunLog(workdir, fmt.Sprintf("task %d (scripted): %s: ok\n", i, task.Command))
			inputs = []Payload{out}
			final = out
		default:
			return e.finish(workdir, final, OutcomeFailed,
				fmt.Errorf("task %d: unknown kind %q", i, task.Kind))
		}
	}

	return e.finish(workdir, final, OutcomeDone, nil)
}

// Result reads the final payload a finished run left in its workdir.
func (e *Engine) Result(workdir string) (Payload, error) {
	data, err := os.ReadFile(filepath.Join(workdir, payloadFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read result payload: %w", err)
	}
	return DecodePayload(data)
}

// Cleanup removes the working directory. Failed runs are always kept for
// diagnosis, so callers only invoke this on success with keep false.
func (e *Engine) Cleanup(id int64) error {
	return os.RemoveAll(e.Workdir(id))
}

func (e *Engine) finish(workdir string, payload Payload, outcome Outcome, cause error) (Payload, Outcome, error) {
	if outcome == OutcomeDone {
		if err := writeJSON(filepath.Join(workdir, payloadFileName), payload); err != nil {
			outcome = OutcomeFailed
			cause = err
		}
	}
	_ = os.WriteFile(filepath.Join(workdir, statusFileName), []byte(string(outcome)+"\n"), 0644)
	if cause != nil {
		e.appendRunLog(workdir, fmt.Sprintf("%s\n%v\n", time.Now().Format(time.RFC3339), cause))
	}
	return payload, outcome, cause
}

func (e *Engine) appendRunLog(workdir, msg string) {
	f, err := os.OpenFile(filepath.Join(workdir, runLogFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	_, _ = f.WriteString(msg)
}

// runShellCommand executes a shell command in dir and captures its combined
// output.
func runShellCommand(dir, command string) (string, error) {
	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	combinedOutput := stdout.String() + stderr.String()
	if len(combinedOutput) > 0 && combinedOutput[len(combinedOutput)-1] != '\n' {
		combinedOutput += "\n"
	}

	return combinedOutput, err
}
