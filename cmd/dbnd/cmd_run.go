// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalebinn/dbnd/pkg/logging"
	"github.com/kalebinn/dbnd/pkg/ux"
	"github.com/kalebinn/dbnd/services/pipeline/events"
	"github.com/kalebinn/dbnd/services/pipeline/executor"
	"github.com/kalebinn/dbnd/services/pipeline/graph"
	"github.com/kalebinn/dbnd/services/pipeline/remote"
	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/storage/badger"
	"github.com/kalebinn/dbnd/services/pipeline/target"
	"github.com/kalebinn/dbnd/services/pipeline/telemetry"
)

// runRunCommand expands the named pipeline into a concrete graph and
// drives it to a terminal status.
//
// # Description
//
// Builds the full engine for one run: override table from --set flags
// and the optional --overrides file, badger-backed run store and target
// production index, tracking event sinks, optional remote delegation
// with its sync loop, and the worker-pool executor. Progress streams to
// the console as tracking events; the final tree and summary render at
// the end.
//
// # Examples
//
//	dbnd run training
//	dbnd run training --set training.epochs=20
//	dbnd run training --set ingest[training.ingest].rows=50000 --parallel 8
//	dbnd run training --overrides prod-overrides.yaml
//	dbnd run featurize --set featurize.raw=/data/raw.csv
//
// # Limitations
//
//   - Exits with code 1 when the run does not end in SUCCESS
func runRunCommand(cmd *cobra.Command, args []string) {
	rootTask := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Engine logs go to stderr at warn level so the event stream owns
	// stdout.
	logger := logging.New(logging.Config{Service: "cli", Level: logging.LevelWarn})
	defer logger.Close()
	log := logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.ToTelemetry())
	if err != nil {
		ux.Warning(fmt.Sprintf("telemetry disabled: %v", err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				log.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// File entries register before --set flags so flags win on conflict.
	overrides := run.NewOverrides()
	if overridesFile != "" {
		if err := loadOverridesFile(overridesFile, overrides); err != nil {
			ux.Error(fmt.Sprintf("invalid --overrides file: %v", err))
			os.Exit(1)
		}
	}
	for _, expr := range setFlags {
		key, value, err := run.ParseSet(expr)
		if err != nil {
			ux.Error(fmt.Sprintf("invalid --set: %v", err))
			os.Exit(1)
		}
		overrides.Set(key, value)
	}

	// Persistence is additive: a locked or unwritable store downgrades
	// to an unpersisted run instead of refusing to execute.
	db, err := badger.Open(cfg.Storage.ToBadger(log))
	if err != nil {
		ux.Warning(fmt.Sprintf("run store unavailable, continuing without persistence: %v", err))
		db = nil
	} else {
		defer db.Close()
	}

	emitter := events.NewEmitter()
	closeSinks := attachSinks(emitter, log)
	defer closeSinks()

	r, runCtx, err := run.Start(ctx,
		run.WithOverrides(overrides),
		run.WithEmitter(emitter),
		run.WithLogger(log),
	)
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	resolver := target.NewResolver(target.WithMemoryStore(target.NewStore()))
	builder := graph.NewBuilder(defaultRegistry(),
		graph.WithWorkDir(cfg.WorkDir),
		graph.WithMaxDepth(cfg.MaxDepth),
		graph.WithResolver(resolver),
		graph.WithLogger(log),
	)

	g, err := builder.Build(runCtx, r, rootTask, nil)
	if err != nil {
		r.Abort(err)
		r.Finish()
		ux.Error(fmt.Sprintf("expansion failed: %v", err))
		os.Exit(1)
	}

	ux.Title(fmt.Sprintf("Run %s", r.ID()))
	ux.Muted(fmt.Sprintf("%s expanded to %d instance(s)", rootTask, g.Len()))
	renderTree(g)
	fmt.Println()

	var checker *target.Checker
	if db != nil {
		checker = target.NewChecker(badger.NewTargetIndex(db))
	} else {
		checker = target.NewChecker(nil)
	}

	execCfg := cfg.Executor.ToExecutor()
	if cmd.Flags().Changed("fail-fast") {
		execCfg.FailFast = failFastFlag
	}
	if maxParallel > 0 {
		execCfg.MaxParallel = maxParallel
	}

	execOpts := []executor.ExecOption{
		executor.WithChecker(checker),
		executor.WithLogger(log),
	}

	if client := cfg.Remote.Client(); client != nil {
		defer client.Close()
		syncLog := telemetry.LoggerWithRun(runCtx, log, r.ID())
		syncOpts := []remote.SyncOption{remote.WithSyncLogger(syncLog)}
		if db != nil {
			syncOpts = append(syncOpts, remote.WithCheckpointStore(badger.NewSyncStore(db)))
		}
		loop, err := remote.NewSyncLoop(r, client, cfg.Sync.ToSync(), syncOpts...)
		if err != nil {
			ux.Error(fmt.Sprintf("remote sync setup failed: %v", err))
			os.Exit(1)
		}
		loop.Start(runCtx)
		defer loop.Stop()
		execOpts = append(execOpts, executor.WithDelegator(remote.NewDelegation(client, loop)))
	}

	status, execErr := executor.New(g, execCfg, execOpts...).Execute(runCtx)

	fmt.Println()
	renderTree(g)
	sum := r.Summary()
	ux.RunSummary(sum.Succeeded, sum.Skipped, sum.Failed+sum.UpstreamFailed+sum.Aborted, sum.Total)
	renderOutputs(g)

	if db != nil {
		// Persist with a fresh context so an interrupt that aborted the
		// run does not also lose its record.
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := badger.NewRunStore(db).Save(pctx, r); err != nil {
			ux.Warning(fmt.Sprintf("persisting run failed: %v", err))
		}
		cancel()
	}

	switch status {
	case run.StatusSuccess:
		ux.Success(fmt.Sprintf("run %s finished", r.ID()))
	default:
		if execErr != nil {
			ux.Error(execErr.Error())
		}
		ux.Error(fmt.Sprintf("run %s ended %s", r.ID(), status))
		os.Exit(1)
	}
}

// loadOverridesFile registers each entry of a YAML override file. Keys
// use the same grammar as --set: task.param or task[root.alias].param.
func loadOverridesFile(path string, overrides *run.Overrides) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries map[string]any
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	// Sorted so the snapshot's registration order is stable.
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key, value, err := run.ParseSet(fmt.Sprintf("%s=%v", k, entries[k]))
		if err != nil {
			return err
		}
		overrides.Set(key, value)
	}
	return nil
}

// attachSinks subscribes the configured tracking sinks to the run's
// emitter: console (unless --quiet), JSONL, and Influx for metrics.
// The returned func flushes and closes every attached sink.
func attachSinks(emitter *events.Emitter, log *slog.Logger) func() {
	var closers []func()

	if cfg.Events.Console && !quietEvents {
		emitter.Subscribe(events.NewConsoleSink(os.Stdout).Handle)
	}

	jsonlPath := cfg.Events.JSONLPath
	if eventsJSONL != "" {
		jsonlPath = eventsJSONL
	}
	if jsonlPath != "" {
		sink, err := events.NewJSONLSink(jsonlPath)
		if err != nil {
			ux.Warning(fmt.Sprintf("JSONL sink unavailable: %v", err))
		} else {
			emitter.Subscribe(sink.Handle)
			closers = append(closers, func() {
				if err := sink.Close(); err != nil {
					log.Warn("closing JSONL sink failed", "error", err)
				}
			})
		}
	}

	if cfg.Events.Influx.URL != "" {
		token := os.Getenv(cfg.Events.Influx.TokenEnv)
		sink := events.NewInfluxSink(cfg.Events.Influx.URL, token,
			cfg.Events.Influx.Org, cfg.Events.Influx.Bucket, log)
		emitter.Subscribe(sink.Handle, events.KindMetricLogged)
		closers = append(closers, sink.Close)
	}

	return func() {
		for _, c := range closers {
			c()
		}
	}
}

// renderTree prints one line per instance, indented by path depth.
func renderTree(g *graph.Graph) {
	for _, inst := range g.Instances() {
		path := inst.Path()
		depth := strings.Count(path, ".")
		name := path
		if i := strings.LastIndex(path, "."); i >= 0 {
			name = path[i+1:]
		}
		detail := inst.ShortID()
		if name != inst.Definition().Name() {
			detail = inst.Definition().Name() + " " + detail
		}
		ux.InstanceLine(depth, name, inst.State().String(), detail)
	}
}

// renderOutputs lists the root instance's artifact addresses.
func renderOutputs(g *graph.Graph) {
	root := g.Root()
	if root == nil {
		return
	}
	outs := root.Outputs()
	if len(outs) == 0 {
		return
	}
	fmt.Println()
	for _, name := range root.Definition().Outputs() {
		if t, ok := outs[name]; ok {
			ux.Info(fmt.Sprintf("%s %s %s", name, ux.IconArrow, t.Address()))
		}
	}
}
