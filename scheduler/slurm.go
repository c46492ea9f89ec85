package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// slurmStateMap maps the states from the squeue man page to backend states
// and log messages.
var slurmStateMap = map[string]struct {
	state BackendState
	msg   string
}{
	"CANCELLED":   {StateFailed, "Job was explicitly cancelled by the user or system administrator."},
	"COMPLETED":   {StateDone, "Job has terminated all processes on all nodes."},
	"CONFIGURING": {StateRunning, "Job has been allocated resources, but is waiting for them to become ready for use."},
	"COMPLETING":  {StateRunning, "Job is in the process of completing. Some processes on some nodes may still be active."},
	"FAILED":      {StateFailed, "Job terminated with non-zero exit code or other failure condition."},
	"NODE_FAIL":   {StateFailed, "Job terminated due to failure of one or more allocated resources."},
	"PENDING":     {StatePending, "Job is awaiting resource allocation."},
	"PREEMPTED":   {StateFailed, "Job terminated due to preemption."},
	"RUNNING":     {StateRunning, "Job currently has an allocation."},
	"SUSPENDED":   {StateRunning, "Job has an allocation, but execution has been suspended."},
	"TIMEOUT":     {StateFailed, "Job terminated upon reaching its time limit."},
}

// SlurmBackend submits rows to a Slurm workload manager. Jobs run "spoolgo
// exec ." inside a generated batch script, so the binary must be reachable
// at the same path on the compute nodes. Submitted jobs are decoupled from
// the runner's own lifetime.
type SlurmBackend struct {
	Shebang string
}

func (b *SlurmBackend) Submit(workdir string, spec *RunSpec) (string, string, error) {
	logMsg := fmt.Sprintf("%s\nSubmission using slurm scheduler\n", time.Now().Format(time.RFC3339))

	exe, err := os.Executable()
	if err != nil {
		return "", logMsg, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	script := b.Shebang + "\n"
	keys := make([]string, 0, len(spec.SchedulerOptions))
	for key := range spec.SchedulerOptions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sep := " "
		if strings.HasPrefix(key, "--") {
			sep = "="
		}
		script += fmt.Sprintf("#SBATCH %s%s%s\n", key, sep, spec.SchedulerOptions[key])
	}
	script += "\nset -e\n"
	script += exe + " exec .\n"

	if err := os.WriteFile(filepath.Join(workdir, "batch.slrm"), []byte(script), 0644); err != nil {
		return "", logMsg, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	cmd := exec.Command("sbatch", "batch.slrm")
	cmd.Dir = workdir
	out, err := cmd.Output()
	if err != nil {
		logMsg += fmt.Sprintf("Submission failed: %v\n", err)
		return "", logMsg, fmt.Errorf("%w: sbatch: %v", ErrBackendUnavailable, err)
	}

	// "Submitted batch job <id>"
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", logMsg, fmt.Errorf("%w: sbatch produced no job id", ErrBackendUnavailable)
	}
	jobID := fields[len(fields)-1]
	logMsg += fmt.Sprintf("Submitted batch job %s\n", jobID)
	return jobID, logMsg, nil
}

func (b *SlurmBackend) Poll(workdir, handle string) (BackendState, string, error) {
	cmd := exec.Command("sacct", "-j", handle, "--format", "State", "--parsable2", "--noheader")
	out, err := cmd.Output()
	if err != nil {
		return StateRunning, "", fmt.Errorf("%w: sacct: %v", ErrBackendUnavailable, err)
	}

	state, msg := resolveSlurmStates(parseSacctOutput(out))
	if msg != "" {
		msg = fmt.Sprintf("%s\n%s\n", time.Now().Format(time.RFC3339), msg)
	}
	return state, msg, nil
}

// parseSacctOutput extracts the state column from sacct output, one entry
// per job step.
func parseSacctOutput(out []byte) []string {
	states := []string{}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) > 0 {
			states = append(states, fields[0])
		}
	}
	return states
}

// resolveSlurmStates folds the per-step states into one backend state. Any
// failed or unknown step fails the job; otherwise a running step wins over
// a pending one, and a job with no states yet is still pending (sacct knows
// nothing right after submission).
func resolveSlurmStates(states []string) (BackendState, string) {
	if len(states) == 0 {
		return StatePending, ""
	}

	mapped := make([]BackendState, 0, len(states))
	for _, state := range states {
		entry, ok := slurmStateMap[state]
		if !ok {
			return StateFailed, fmt.Sprintf("Undefined slurm state: %s", state)
		}
		if entry.state == StateFailed {
			return StateFailed, fmt.Sprintf("%s %s", state, entry.msg)
		}
		mapped = append(mapped, entry.state)
	}

	for _, state := range mapped {
		if state == StateRunning {
			return StateRunning, ""
		}
	}
	for _, state := range mapped {
		if state == StatePending {
			return StatePending, ""
		}
	}
	return StateDone, "Job finished."
}

func (b *SlurmBackend) Cancel(handle string) error {
	if handle == "" {
		return nil
	}
	if err := exec.Command("scancel", handle).Run(); err != nil {
		return fmt.Errorf("%w: scancel: %v", ErrBackendUnavailable, err)
	}
	return nil
}
