package cmd

import (
	"fmt"
	"os"
	"strconv"

	"spoolgo/scheduler"
)

// Submit hands rows to a runner:
//
//	spoolgo submit <kind:name> <id...>
func Submit(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: submit <kind:name> <id...>")
	}
	identity, err := scheduler.ParseIdentity(args[0])
	if err != nil {
		return err
	}
	ids, err := parseIDs(args[1:])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, id := range ids {
		if err := scheduler.SubmitRow(st, id, identity); err != nil {
			return fmt.Errorf("row %d: %w", id, err)
		}
		fmt.Printf("Submitted row %d to %s\n", id, identity)
	}
	return nil
}

// Cancel flips rows to cancel:
//
//	spoolgo cancel <id...>
func Cancel(args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("usage: cancel <id...>")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, id := range ids {
		if err := scheduler.CancelRow(st, id); err != nil {
			return fmt.Errorf("row %d: %w", id, err)
		}
		fmt.Printf("Cancelled row %d\n", id)
	}
	return nil
}

// Status prints the composite status of rows:
//
//	spoolgo status <id...>
func Status(args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("usage: status <id...>")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, id := range ids {
		status, err := scheduler.StatusOf(st, id)
		if err != nil {
			return fmt.Errorf("row %d: %w", id, err)
		}
		fmt.Printf("%d\t%s\n", id, status)
	}
	return nil
}

// Graph writes the dependency graph of a row as DOT:
//
//	spoolgo graph <id> <out.dot>
func Graph(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: graph <id> <out.dot>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid row id %q", args[0])
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	dot, err := scheduler.GraphDOT(st, id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], []byte(dot), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[1], err)
	}
	fmt.Printf("Wrote graph of row %d to %s\n", id, args[1])
	return nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid row id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
