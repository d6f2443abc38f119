// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalebinn/dbnd/pkg/logging"
	"github.com/kalebinn/dbnd/pkg/ux"
	"github.com/kalebinn/dbnd/services/pipeline/storage/badger"
)

// openRunStore opens the configured badger store for inspection
// commands. Exits when the store cannot be opened, since inspection
// without a store has nothing to show.
func openRunStore() (*badger.RunStore, func()) {
	logger := logging.New(logging.Config{Service: "cli", Level: logging.LevelWarn})

	db, err := badger.Open(cfg.Storage.ToBadger(logger.Slog()))
	if err != nil {
		ux.Error(fmt.Sprintf("cannot open run store: %v", err))
		logger.Close()
		os.Exit(1)
	}

	cleanup := func() {
		db.Close()
		logger.Close()
	}
	return badger.NewRunStore(db), cleanup
}

// runRunsList lists persisted runs, newest first.
//
// # Examples
//
//	dbnd runs list
//	dbnd runs list --limit 5
//	dbnd runs list --plain
func runRunsList(cmd *cobra.Command, args []string) {
	store, cleanup := openRunStore()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metas, err := store.List(ctx)
	if err != nil {
		ux.Error(fmt.Sprintf("listing runs failed: %v", err))
		os.Exit(1)
	}
	if len(metas) == 0 {
		ux.Muted("no persisted runs")
		return
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].StartedAt.After(metas[j].StartedAt)
	})
	if listLimit > 0 && len(metas) > listLimit {
		metas = metas[:listLimit]
	}

	ux.Title(fmt.Sprintf("Runs (%d)", len(metas)))
	for _, m := range metas {
		line := fmt.Sprintf("%-36s  %-22s  %-20s  %s",
			m.ID, ux.StateBadge(m.Status), m.Root, m.StartedAt.Format(time.RFC3339))
		fmt.Println(line)
		ux.Muted(fmt.Sprintf("  %d instance(s): %d succeeded, %d skipped, %d failed",
			m.Instances, m.Succeeded, m.Skipped, m.Failed))
	}
}

// runRunsShow renders one run's summary, final instance states, and
// optionally its full event log.
//
// # Examples
//
//	dbnd runs show 6f1f5f3a-9a7e-4b71-b0cb-6e5ac7f11c25
//	dbnd runs show 6f1f5f3a-9a7e-4b71-b0cb-6e5ac7f11c25 --events
func runRunsShow(cmd *cobra.Command, args []string) {
	runID := args[0]
	store, cleanup := openRunStore()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	meta, err := store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, badger.ErrNotFound) {
			ux.Error(fmt.Sprintf("no run %s", runID))
		} else {
			ux.Error(fmt.Sprintf("loading run failed: %v", err))
		}
		os.Exit(1)
	}

	ux.Title(fmt.Sprintf("Run %s", meta.ID))
	ux.Info(fmt.Sprintf("status   %s", ux.StateBadge(meta.Status)))
	ux.Info(fmt.Sprintf("root     %s", meta.Root))
	ux.Info(fmt.Sprintf("started  %s", meta.StartedAt.Format(time.RFC3339)))
	if !meta.FinishedAt.IsZero() {
		ux.Info(fmt.Sprintf("finished %s (%s)",
			meta.FinishedAt.Format(time.RFC3339),
			meta.FinishedAt.Sub(meta.StartedAt).Round(time.Millisecond)))
	}
	if meta.Error != "" {
		ux.Error(meta.Error)
	}

	insts, err := store.Instances(ctx, runID)
	if err != nil && !errors.Is(err, badger.ErrNotFound) {
		ux.Warning(fmt.Sprintf("loading instances failed: %v", err))
	}
	if len(insts) > 0 {
		fmt.Println()
		for _, inst := range insts {
			depth := strings.Count(inst.Path, ".")
			name := inst.Path
			if i := strings.LastIndex(inst.Path, "."); i >= 0 {
				name = inst.Path[i+1:]
			}
			detail := inst.Definition
			if inst.Error != "" {
				detail = inst.Error
			}
			ux.InstanceLine(depth, name, inst.State, detail)
		}
	}
	ux.RunSummary(meta.Succeeded, meta.Skipped, meta.Failed, meta.Instances)

	if showEvents {
		evs, err := store.Events(ctx, runID)
		if err != nil {
			ux.Warning(fmt.Sprintf("loading events failed: %v", err))
			return
		}
		fmt.Println()
		ux.Title(fmt.Sprintf("Events (%d)", len(evs)))
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range evs {
			if err := enc.Encode(ev); err != nil {
				ux.Warning(fmt.Sprintf("encoding event failed: %v", err))
				return
			}
		}
	}
}
