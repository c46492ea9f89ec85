package cmd

import (
	"fmt"

	"spoolgo/scheduler"
)

// Run commits a workflow file and starts it:
//
//	spoolgo run <workflow.yml>
func Run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: run <workflow.yml>")
	}

	wf, err := scheduler.LoadWorkflow(args[0])
	if err != nil {
		return err
	}
	sinks, err := wf.Build()
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, sink := range sinks {
		id, err := sink.Commit(st)
		if err != nil {
			return fmt.Errorf("commit of %q failed: %w", sink.Label, err)
		}
		fmt.Printf("Committed %q as row %d\n", sink.Label, id)
	}
	for _, sink := range sinks {
		if err := sink.Start(st); err != nil {
			return fmt.Errorf("start of %q failed: %w", sink.Label, err)
		}
	}

	fmt.Println("Workflow submitted. Row status is available via: spoolgo status <id>")
	return nil
}
