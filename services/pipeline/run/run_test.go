// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package run

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalebinn/dbnd/services/pipeline/events"
	"github.com/kalebinn/dbnd/services/pipeline/task"
)

func leafDef(t *testing.T, name string) *task.Definition {
	t.Helper()
	d, err := task.NewDefinition(name,
		[]task.ParamSpec{
			{Name: "source", Type: task.TypeString, Required: true},
		},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewDefinition: %v", err)
	}
	return d
}

func register(t *testing.T, r *Run, def *task.Definition, id, path string, upstreams ...string) *Instance {
	t.Helper()
	inst := NewInstance(InstanceSpec{
		ID:         id,
		Definition: def,
		Path:       path,
		Values:     task.Values{"source": path},
		Upstreams:  upstreams,
	})
	if err := r.Register(inst); err != nil {
		t.Fatalf("Register(%s): %v", path, err)
	}
	return inst
}

func TestStartBindsContext(t *testing.T) {
	r, runCtx, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.ID() == "" {
		t.Error("run id must not be empty")
	}
	if r.Status() != StatusActive {
		t.Errorf("fresh run status = %s", r.Status())
	}

	got, ok := FromContext(runCtx)
	if !ok || got != r {
		t.Error("FromContext must return the started run")
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("plain context must not carry a run")
	}
}

func TestStartRejectsNestedRun(t *testing.T) {
	_, runCtx, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, _, err := Start(runCtx); !errors.Is(err, ErrRunAlreadyActive) {
		t.Errorf("nested Start error = %v, want ErrRunAlreadyActive", err)
	}
}

func TestStartChild(t *testing.T) {
	parentOv := NewOverrides().SetDefinition("train", "ratio", 0.5)
	parent, runCtx, err := Start(context.Background(), WithOverrides(parentOv))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	child, childCtx, err := parent.StartChild(runCtx,
		WithOverrides(NewOverrides().SetDefinition("train", "epochs", 9)))
	if err != nil {
		t.Fatalf("StartChild: %v", err)
	}

	if child.ID() == parent.ID() {
		t.Error("child must get its own run id")
	}
	if child.Parent() != parent {
		t.Error("child must point at its parent")
	}
	if child.Emitter() != parent.Emitter() {
		t.Error("child shares the parent emitter by default")
	}
	if got, _ := FromContext(childCtx); got != child {
		t.Error("child context must carry the child run")
	}
	if got, _ := FromContext(runCtx); got != parent {
		t.Error("parent context must still carry the parent run")
	}

	// Child overrides layer over the parent's.
	if v, ok := child.Overrides().DefinitionOverride("train", "ratio"); !ok || v != 0.5 {
		t.Errorf("child fall-through lookup = %v, %v", v, ok)
	}
	if v, ok := child.Overrides().DefinitionOverride("train", "epochs"); !ok || v != 9 {
		t.Errorf("child own lookup = %v, %v", v, ok)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	def := leafDef(t, "fetch")

	register(t, r, def, "sig_a", "root.fetch")
	dup := NewInstance(InstanceSpec{ID: "sig_a", Definition: def, Path: "root.fetch"})
	if err := r.Register(dup); !errors.Is(err, ErrDuplicateInstance) {
		t.Errorf("duplicate Register error = %v, want ErrDuplicateInstance", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d after rejected duplicate", r.Len())
	}
}

func TestTransitionLifecycle(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst := register(t, r, leafDef(t, "fetch"), "sig_a", "root.fetch")

	if err := r.Transition("sig_a", StateSuccess, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PENDING to SUCCESS error = %v, want ErrInvalidTransition", err)
	}
	if err := r.Transition("nope", StateRunning, nil); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("unknown instance error = %v, want ErrUnknownInstance", err)
	}

	if err := r.Transition("sig_a", StateRunning, nil); err != nil {
		t.Fatalf("to RUNNING: %v", err)
	}
	if inst.State() != StateRunning {
		t.Errorf("state = %s, want RUNNING", inst.State())
	}
	select {
	case <-inst.Done():
		t.Fatal("Done must stay open while RUNNING")
	default:
	}

	if err := r.Transition("sig_a", StateSuccess, nil); err != nil {
		t.Fatalf("to SUCCESS: %v", err)
	}
	select {
	case <-inst.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must close on a terminal state")
	}

	if err := r.Transition("sig_a", StateRunning, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition out of SUCCESS error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionRecordsCause(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst := register(t, r, leafDef(t, "fetch"), "sig_a", "root.fetch")

	boom := errors.New("disk on fire")
	r.Transition("sig_a", StateRunning, nil)
	if err := r.Transition("sig_a", StateFailed, boom); err != nil {
		t.Fatalf("to FAILED: %v", err)
	}

	<-inst.Done()
	if !errors.Is(inst.Err(), boom) {
		t.Errorf("Err() = %v, want the recorded cause", inst.Err())
	}

	evs := r.Events()
	last := evs[len(evs)-1]
	payload, ok := last.Payload.(events.StateChangedPayload)
	if !ok {
		t.Fatalf("last payload is %T", last.Payload)
	}
	if payload.To != "FAILED" || payload.Cause != "disk on fire" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestEventOrder(t *testing.T) {
	rec := events.NewRecorder()
	emitter := events.NewEmitter()
	emitter.Subscribe(rec.Handle)

	r, _, err := Start(context.Background(), WithEmitter(emitter))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	register(t, r, leafDef(t, "fetch"), "sig_a", "root.fetch")
	register(t, r, leafDef(t, "clean"), "sig_b", "root.clean", "sig_a")

	r.Transition("sig_a", StateRunning, nil)
	r.Transition("sig_a", StateSuccess, nil)
	r.Transition("sig_b", StateRunning, nil)
	r.Transition("sig_b", StateSuccess, nil)

	evs := rec.Events()
	if len(evs) != 6 {
		t.Fatalf("recorded %d events, want 6", len(evs))
	}
	for i, ev := range evs {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("event %d has sequence %d", i, ev.Sequence)
		}
		if ev.RunID != r.ID() {
			t.Errorf("event %d has run id %q", i, ev.RunID)
		}
		if ev.ID == "" {
			t.Errorf("event %d has no id", i)
		}
	}

	wantKinds := []events.Kind{
		events.KindInstanceCreated, events.KindInstanceCreated,
		events.KindStateChanged, events.KindStateChanged,
		events.KindStateChanged, events.KindStateChanged,
	}
	for i, want := range wantKinds {
		if evs[i].Kind != want {
			t.Errorf("event %d kind = %s, want %s", i, evs[i].Kind, want)
		}
	}

	// The run keeps its own copy of the ordered log.
	if own := r.Events(); len(own) != 6 {
		t.Errorf("run log has %d events, want 6", len(own))
	}
}

func TestFinishSuccess(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	register(t, r, leafDef(t, "fetch"), "sig_a", "root.fetch")
	register(t, r, leafDef(t, "clean"), "sig_b", "root.clean", "sig_a")

	r.Transition("sig_a", StateSkippedComplete, nil)
	r.Transition("sig_b", StateRunning, nil)
	r.Transition("sig_b", StateSuccess, nil)

	status, err := r.Finish()
	if status != StatusSuccess || err != nil {
		t.Errorf("Finish() = %s, %v, want SUCCESS with no error", status, err)
	}
	if r.FinishedAt().IsZero() {
		t.Error("FinishedAt must be set after Finish")
	}
}

func TestFinishFailureIsolation(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	register(t, r, leafDef(t, "fetch"), "sig_a", "root.fetch")
	register(t, r, leafDef(t, "clean"), "sig_b", "root.clean", "sig_a")
	register(t, r, leafDef(t, "audit"), "sig_c", "root.audit")

	boom := errors.New("schema drift")
	r.Transition("sig_a", StateRunning, nil)
	r.Transition("sig_a", StateFailed, boom)
	r.Transition("sig_b", StateUpstreamFailed, fmt.Errorf("%w: root.fetch", ErrUpstreamFailed))
	r.Transition("sig_c", StateRunning, nil)
	r.Transition("sig_c", StateSuccess, nil)

	status, err := r.Finish()
	if status != StatusFailed {
		t.Fatalf("Finish() status = %s, want FAILED", status)
	}

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Finish() error = %T, want *RunError", err)
	}
	if len(runErr.Failures) != 1 {
		t.Fatalf("Failures = %v, want only the genuinely failed instance", runErr.Failures)
	}
	if runErr.Failures[0].Path != "root.fetch" {
		t.Errorf("failure path = %q", runErr.Failures[0].Path)
	}
	if !errors.Is(err, boom) {
		t.Error("RunError must unwrap to the body failure")
	}
	if errors.Is(err, ErrUpstreamFailed) {
		t.Error("blocked instances must not appear in the run error")
	}
}

func TestFinishIdempotent(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	register(t, r, leafDef(t, "fetch"), "sig_a", "root.fetch")
	r.Transition("sig_a", StateRunning, nil)
	r.Transition("sig_a", StateSuccess, nil)

	first, firstErr := r.Finish()
	second, secondErr := r.Finish()
	if first != second || !errors.Is(secondErr, firstErr) {
		t.Errorf("Finish() not idempotent: (%s, %v) then (%s, %v)", first, firstErr, second, secondErr)
	}
}

func TestAbort(t *testing.T) {
	r, runCtx, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	a := register(t, r, leafDef(t, "fetch"), "sig_a", "root.fetch")
	b := register(t, r, leafDef(t, "clean"), "sig_b", "root.clean", "sig_a")
	r.Transition("sig_a", StateRunning, nil)
	r.Transition("sig_a", StateSuccess, nil)

	r.Abort(nil)
	r.Abort(nil)

	if a.State() != StateSuccess {
		t.Errorf("terminal instance state = %s, must be untouched by abort", a.State())
	}
	if b.State() != StateAborted {
		t.Errorf("pending instance state = %s, want ABORTED", b.State())
	}
	if !errors.Is(b.Err(), ErrAborted) {
		t.Errorf("aborted instance Err() = %v", b.Err())
	}
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context must cancel on abort")
	}
	if !r.Aborted() {
		t.Error("Aborted() must report true")
	}

	status, err := r.Finish()
	if status != StatusAborted {
		t.Errorf("Finish() status = %s, want ABORTED", status)
	}
	if !errors.Is(err, ErrAborted) {
		t.Errorf("Finish() error = %v, want ErrAborted", err)
	}
}

func TestSummary(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	register(t, r, leafDef(t, "fetch"), "sig_a", "root.fetch")
	register(t, r, leafDef(t, "clean"), "sig_b", "root.clean")
	register(t, r, leafDef(t, "train"), "sig_c", "root.train")

	r.Transition("sig_a", StateSkippedComplete, nil)
	r.Transition("sig_b", StateRunning, nil)

	s := r.Summary()
	want := Summary{Total: 3, Pending: 1, Running: 1, Skipped: 1}
	if s != want {
		t.Errorf("Summary() = %+v, want %+v", s, want)
	}
}

func TestRootAndLookup(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst := register(t, r, leafDef(t, "fetch"), "sig_a", "root")

	if err := r.SetRoot("nope"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("SetRoot(unknown) error = %v", err)
	}
	if err := r.SetRoot("sig_a"); err != nil {
		t.Fatalf("SetRoot: %v", err)
	}
	if r.Root() != inst {
		t.Error("Root() must return the marked instance")
	}

	got, ok := r.Instance("sig_a")
	if !ok || got != inst {
		t.Error("Instance lookup failed")
	}
	if all := r.Instances(); len(all) != 1 || all[0] != inst {
		t.Errorf("Instances() = %v", all)
	}
}

func TestAttachRemote(t *testing.T) {
	r, _, err := Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst := register(t, r, leafDef(t, "spark_job"), "sig_a", "root.spark_job")

	if err := r.AttachRemote("nope", "job-1"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("AttachRemote(unknown) error = %v", err)
	}
	if err := r.AttachRemote("sig_a", "job-1"); err != nil {
		t.Fatalf("AttachRemote: %v", err)
	}
	if inst.RemoteID() != "job-1" {
		t.Errorf("RemoteID() = %q", inst.RemoteID())
	}
}

func TestContextHelpers(t *testing.T) {
	rec := events.NewRecorder()
	emitter := events.NewEmitter()
	emitter.Subscribe(rec.Handle)

	r, runCtx, err := Start(context.Background(), WithEmitter(emitter))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst := register(t, r, leafDef(t, "train"), "sig_a", "root.train")

	bodyCtx := WithInstance(runCtx, inst)
	LogMetric(bodyCtx, "auc", 0.93)
	LogLine(bodyCtx, "epoch 3 of 5")

	// Outside a run both helpers are silent no-ops.
	LogMetric(context.Background(), "auc", 0.93)
	LogLine(runCtx, "no instance bound")

	metrics := rec.ByKind(events.KindMetricLogged)
	if len(metrics) != 1 {
		t.Fatalf("metric events = %d, want 1", len(metrics))
	}
	mp := metrics[0].Payload.(events.MetricLoggedPayload)
	if mp.Name != "auc" || mp.Value != 0.93 || mp.Path != "root.train" {
		t.Errorf("metric payload = %+v", mp)
	}

	lines := rec.ByKind(events.KindLogLine)
	if len(lines) != 1 {
		t.Fatalf("log line events = %d, want 1", len(lines))
	}
	lp := lines[0].Payload.(events.LogLinePayload)
	if lp.Line != "epoch 3 of 5" {
		t.Errorf("log payload = %+v", lp)
	}
}
