package cmd

import (
	"fmt"
	"strconv"
	"time"

	"spoolgo/scheduler"
)

// CreateRunner registers a runner in the database:
//
//	spoolgo create-runner <kind:name> [max_jobs] [cycle_seconds] [run_folder]
func CreateRunner(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: create-runner <kind:name> [max_jobs] [cycle_seconds] [run_folder]")
	}
	identity, err := scheduler.ParseIdentity(args[0])
	if err != nil {
		return err
	}

	cfg := scheduler.DefaultConfig()
	if len(args) > 1 {
		maxJobs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid max_jobs %q", args[1])
		}
		cfg.MaxJobs = maxJobs
	}
	if len(args) > 2 {
		seconds, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid cycle_seconds %q", args[2])
		}
		cfg.CycleTime = time.Duration(seconds) * time.Second
	}
	if len(args) > 3 {
		cfg.RunFolder = args[3]
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runner, err := scheduler.New(st, identity, cfg)
	if err != nil {
		return err
	}
	if err := runner.Save(false); err != nil {
		return err
	}

	fmt.Printf("Registered runner %s (max_jobs=%d, cycle=%s, run_folder=%s)\n",
		identity, cfg.MaxJobs, cfg.CycleTime, cfg.RunFolder)
	return nil
}

// ListRunners prints the runner registry
func ListRunners() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runners, err := st.ListRunners()
	if err != nil {
		return err
	}
	if len(runners) == 0 {
		fmt.Println("No runners registered")
		return nil
	}

	fmt.Printf("%-20s %-8s %-8s %-10s %s\n", "RUNNER", "MAXJOBS", "CYCLE", "STATE", "RUN FOLDER")
	for _, rec := range runners {
		state := "stopped"
		if rec.Running {
			state = "running"
		}
		if rec.ExplicitStop {
			state = "stopping"
		}
		fmt.Printf("%-20s %-8d %-8s %-10s %s\n",
			rec.Kind+":"+rec.Name, rec.MaxJobs,
			(time.Duration(rec.CycleTime) * time.Second).String(), state, rec.RunFolder)
	}
	return nil
}

// RemoveRunner removes a runner record:
//
//	spoolgo remove-runner <kind:name> [--force]
func RemoveRunner(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: remove-runner <kind:name> [--force]")
	}
	identity, err := scheduler.ParseIdentity(args[0])
	if err != nil {
		return err
	}
	force := len(args) > 1 && args[1] == "--force"

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteRunner(identity.Kind, identity.Name, force); err != nil {
		return err
	}
	fmt.Printf("Removed runner %s\n", identity)
	return nil
}

// Start attaches a registered runner and spools until stopped
func Start(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: start <kind:name>")
	}
	identity, err := scheduler.ParseIdentity(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runner, err := scheduler.Attach(st, identity)
	if err != nil {
		return err
	}
	return runner.Spool()
}

// Stop asks a running runner to stop after its current cycle
func Stop(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stop <kind:name>")
	}
	identity, err := scheduler.ParseIdentity(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetRunner(identity.Kind, identity.Name); err != nil {
		return fmt.Errorf("runner %s: %w", identity, err)
	}
	if err := st.RequestRunnerStop(identity.Kind, identity.Name); err != nil {
		return err
	}
	fmt.Printf("Stop requested for runner %s\n", identity)
	return nil
}
