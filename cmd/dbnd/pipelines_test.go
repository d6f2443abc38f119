// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/kalebinn/dbnd/services/pipeline/events"
	"github.com/kalebinn/dbnd/services/pipeline/executor"
	"github.com/kalebinn/dbnd/services/pipeline/graph"
	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/target"
)

func TestDefaultRegistryDefinitions(t *testing.T) {
	reg := defaultRegistry()

	for _, name := range []string{"ingest", "featurize", "train", "evaluate", "training"} {
		if _, err := reg.Get(name); err != nil {
			t.Errorf("Get(%q): %v", name, err)
		}
	}

	training, err := reg.Get("training")
	if err != nil {
		t.Fatalf("Get(training): %v", err)
	}
	if !training.IsPipeline() {
		t.Error("training should be a pipeline definition")
	}

	ingest, err := reg.Get("ingest")
	if err != nil {
		t.Fatalf("Get(ingest): %v", err)
	}
	spec, ok := ingest.Param("source")
	if !ok || !spec.Required {
		t.Error("ingest.source should be a required parameter")
	}
}

func TestTrainingPipelineExecutes(t *testing.T) {
	workDir := t.TempDir()

	overrides := run.NewOverrides()
	overrides.Set(run.DefinitionKey("ingest", "rows"), "50")

	r, runCtx, err := run.Start(context.Background(), run.WithOverrides(overrides))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	builder := graph.NewBuilder(defaultRegistry(),
		graph.WithWorkDir(workDir),
		graph.WithResolver(target.NewResolver()),
	)
	g, err := builder.Build(runCtx, r, "training", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Len() != 5 {
		t.Fatalf("expanded to %d instances, want 5", g.Len())
	}

	wantPaths := map[string]bool{
		"training":           true,
		"training.ingest":    true,
		"training.featurize": true,
		"training.train":     true,
		"training.evaluate":  true,
	}
	for _, inst := range g.Instances() {
		if !wantPaths[inst.Path()] {
			t.Errorf("unexpected instance path %q", inst.Path())
		}
	}

	ex := executor.New(g, executor.Config{MaxParallel: 2}, executor.WithChecker(target.NewChecker(nil)))
	status, err := ex.Execute(runCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != run.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", status)
	}

	for _, inst := range g.Instances() {
		if inst.State() != run.StateSuccess {
			t.Errorf("%s ended %s: %v", inst.Path(), inst.State(), inst.Err())
		}
	}

	// The exported report must be a real artifact on disk.
	root := g.Root()
	report, ok := root.Output("report")
	if !ok {
		t.Fatal("training has no report output")
	}
	data, err := os.ReadFile(strings.TrimPrefix(report.Address(), "file://"))
	if err != nil {
		t.Fatalf("reading report artifact: %v", err)
	}
	if !strings.Contains(string(data), "accuracy") {
		t.Errorf("report %q does not mention accuracy", data)
	}
}

func TestTrainingMetricsEmitted(t *testing.T) {
	workDir := t.TempDir()

	overrides := run.NewOverrides()
	overrides.Set(run.DefinitionKey("ingest", "rows"), "10")

	r, runCtx, err := run.Start(context.Background(), run.WithOverrides(overrides))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	builder := graph.NewBuilder(defaultRegistry(),
		graph.WithWorkDir(workDir),
		graph.WithResolver(target.NewResolver()),
	)
	g, err := builder.Build(runCtx, r, "training", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ex := executor.New(g, executor.Config{MaxParallel: 2}, executor.WithChecker(target.NewChecker(nil)))
	if _, err := ex.Execute(runCtx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	seen := map[string]bool{}
	for _, ev := range r.Events() {
		if ev.Kind != events.KindMetricLogged {
			continue
		}
		p, ok := ev.Payload.(events.MetricLoggedPayload)
		if !ok {
			t.Fatalf("metric payload is %T", ev.Payload)
		}
		seen[p.Name] = true
	}

	for _, name := range []string{"rows_written", "rows_seen", "rows_kept", "loss", "accuracy"} {
		if !seen[name] {
			t.Errorf("metric %q never logged", name)
		}
	}
}
