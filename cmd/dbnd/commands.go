// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string
	plainOutput bool

	setFlags      []string // --set overrides in task.param=value form
	overridesFile string
	failFastFlag  bool
	maxParallel   int
	quietEvents   bool
	eventsJSONL   string

	listLimit  int
	showEvents bool

	serveAddr string

	rootCmd = &cobra.Command{
		Use:   "dbnd",
		Short: "Declare, resolve, and execute parameterized task pipelines",
		Long: `dbnd builds concrete execution graphs from declarative task
				definitions, resolves every parameter including run-scoped
				overrides for arbitrary tasks inside the graph, and executes
				only the work not already satisfied by a prior still-valid
				artifact.`,
	}

	// --- Execution ---
	runCmd = &cobra.Command{
		Use:   "run [pipeline]",
		Short: "Expand and execute a registered pipeline or task",
		Args:  cobra.ExactArgs(1),
		Run:   runRunCommand, // Defined in cmd_run.go
	}

	// --- Run Inspection ---
	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted runs",
	}
	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List persisted runs, newest first",
		Run:   runRunsList, // Defined in cmd_runs.go
	}
	runsShowCmd = &cobra.Command{
		Use:   "show [run_id]",
		Short: "Show one run's summary and final instance states",
		Args:  cobra.ExactArgs(1),
		Run:   runRunsShow, // Defined in cmd_runs.go
	}

	// --- Registry ---
	pipelinesCmd = &cobra.Command{
		Use:   "pipelines",
		Short: "List registered task definitions and their parameters",
		Run:   runPipelinesCommand, // Defined in cmd_pipelines.go
	}

	// --- API Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the observation and submission HTTP API",
		Run:   runServeCommand, // Defined in cmd_serve.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a dbnd config file (YAML); embedded defaults apply when omitted")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false,
		"Disable colors and icons for machine-readable output")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArrayVar(&setFlags, "set", nil,
		"Override a parameter: task.param=value or task[root.alias].param=value (repeatable)")
	runCmd.Flags().StringVar(&overridesFile, "overrides", "",
		"YAML file of overrides (task.param: value); --set wins on conflict")
	runCmd.Flags().BoolVar(&failFastFlag, "fail-fast", false,
		"Stop dispatching new work after the first failure")
	runCmd.Flags().IntVar(&maxParallel, "parallel", 0,
		"Worker pool size (0 uses the configured default)")
	runCmd.Flags().BoolVarP(&quietEvents, "quiet", "q", false,
		"Suppress per-event console output during execution")
	runCmd.Flags().StringVar(&eventsJSONL, "events-out", "",
		"Append tracking events to a JSONL file at this path")

	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of runs to list")
	runsCmd.AddCommand(runsShowCmd)
	runsShowCmd.Flags().BoolVar(&showEvents, "events", false, "Dump the run's full event log")

	rootCmd.AddCommand(pipelinesCmd)

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Listen address (overrides the configured api.addr)")
}
