package main

import (
	"fmt"
	"os"

	"spoolgo/cmd"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: spoolgo <command> [args]

Commands:
  create-runner <kind:name>       register a runner in the database
  list-runners                    list runners and their status
  remove-runner <kind:name>       remove a runner record
  start <kind:name>               start a runner's spool loop
  stop <kind:name>                ask a running runner to stop after its cycle
  submit <kind:name> <id...>      submit row(s) to a runner
  cancel <id...>                  cancel submitted or running row(s)
  status <id...>                  print status of row(s)
  graph <id> <out.dot>            write the dependency graph of a row as DOT
  run <workflow.yml>              commit a workflow file and start it
  exec <workdir>                  run a prepared working directory (worker mode)
  serve                           start the HTTP API server

The database path is taken from SPOOLGO_DB (default data/spoolgo.db).`)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "create-runner":
		err = cmd.CreateRunner(args)
	case "list-runners":
		err = cmd.ListRunners()
	case "remove-runner":
		err = cmd.RemoveRunner(args)
	case "start":
		err = cmd.Start(args)
	case "stop":
		err = cmd.Stop(args)
	case "submit":
		err = cmd.Submit(args)
	case "cancel":
		err = cmd.Cancel(args)
	case "status":
		err = cmd.Status(args)
	case "graph":
		err = cmd.Graph(args)
	case "run":
		err = cmd.Run(args)
	case "exec":
		err = cmd.Exec(args)
	case "serve":
		err = cmd.Serve()
	default:
		fmt.Println("Unknown command:", command)
		usage()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
