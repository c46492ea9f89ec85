package cmd

import (
	"fmt"
	"os"

	"spoolgo/scheduler"
)

// Exec runs a prepared working directory to completion. This is worker
// mode: the local backend starts it as a child process, and the cluster
// batch script invokes it on the compute node. The terminal outcome lands
// in the directory's status file for the monitoring runner to pick up.
func Exec(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: exec <workdir>")
	}
	workdir, err := checkWorkdir(args[0])
	if err != nil {
		return err
	}

	engine := &scheduler.Engine{Loader: &scheduler.ExecLoader{}}
	_, outcome, execErr := engine.Execute(workdir)
	if execErr != nil {
		return fmt.Errorf("run finished with outcome %s: %w", outcome, execErr)
	}
	return nil
}

func checkWorkdir(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", path)
	}
	return path, nil
}
