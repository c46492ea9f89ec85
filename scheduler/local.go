package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LocalBackend executes rows as child processes of the runner, in worker
// mode ("spoolgo exec <workdir>"). Submission is immediate execution, so
// jobs are never pending. The children are not detached: if the runner
// process exits, in-flight local jobs die with it.
type LocalBackend struct{}

func (b *LocalBackend) Submit(workdir string, spec *RunSpec) (string, string, error) {
	logMsg := fmt.Sprintf("%s\nSubmission using local scheduler\n", time.Now().Format(time.RFC3339))

	exe, err := os.Executable()
	if err != nil {
		return "", logMsg, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	out, err := os.Create(filepath.Join(workdir, "run.out"))
	if err != nil {
		return "", logMsg, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	cmd := exec.Command(exe, "exec", workdir)
	cmd.Stdout = out
	cmd.Stderr = out
	// own process group, so Cancel can kill the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		out.Close()
		return "", logMsg + fmt.Sprintf("Submission failed: %v\n", err),
			fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
		out.Close()
	}()

	logMsg += fmt.Sprintf("Started local job %d\n", pid)
	return strconv.Itoa(pid), logMsg, nil
}

func (b *LocalBackend) Poll(workdir, handle string) (BackendState, string, error) {
	status, err := readStatusFile(workdir)
	if err == nil {
		switch status {
		case "done":
			return StateDone, fmt.Sprintf("%s\nJob finished.\n", time.Now().Format(time.RFC3339)), nil
		case "failed":
			return StateFailed, fmt.Sprintf("%s\nJob failed.\n", time.Now().Format(time.RFC3339)), nil
		}
	}

	pid, convErr := strconv.Atoi(handle)
	if convErr != nil {
		return StateFailed, "Job id lost\n", nil
	}
	// signal 0 probes liveness without touching the process
	if killErr := syscall.Kill(pid, 0); killErr == nil {
		return StateRunning, "", nil
	}
	return StateFailed, fmt.Sprintf("%s\nJob %d disappeared without finishing.\n",
		time.Now().Format(time.RFC3339), pid), nil
}

func (b *LocalBackend) Cancel(handle string) error {
	pid, err := strconv.Atoi(handle)
	if err != nil {
		return nil
	}
	// the whole process group first, then the leader directly
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return nil
}

func readStatusFile(workdir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(workdir, statusFileName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
