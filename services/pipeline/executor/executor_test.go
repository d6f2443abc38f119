// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalebinn/dbnd/services/pipeline/graph"
	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/target"
	"github.com/kalebinn/dbnd/services/pipeline/task"
)

// callLog records which bodies actually ran, in completion order.
type callLog struct {
	mu    sync.Mutex
	names []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *callLog) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c *callLog) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.names {
		if got == name {
			n++
		}
	}
	return n
}

func writeOutput(ctx context.Context, inv task.Invocation, name, data string) error {
	w, ok := inv.Output(name).(target.Writer)
	if !ok {
		return fmt.Errorf("output %q is not writable", name)
	}
	return w.Write(ctx, []byte(data))
}

// trainingRegistry wires fetch -> featurize -> train under a pipeline
// exporting the model, with bodies that write real artifacts.
func trainingRegistry(t *testing.T, calls *callLog) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()

	reg.MustRegister(task.MustDefinition("fetch",
		[]task.ParamSpec{
			task.RequiredParam("source", task.TypeString),
			task.OutputParam("raw"),
		},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			calls.add("fetch")
			return writeOutput(ctx, inv, "raw", "rows")
		}),
	))
	reg.MustRegister(task.MustDefinition("featurize",
		[]task.ParamSpec{
			task.RequiredParam("input", task.TypePath),
			task.OutputParam("features"),
		},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			calls.add("featurize")
			inv.LogMetric("rows_seen", 4)
			return writeOutput(ctx, inv, "features", "vectors")
		}),
	))
	reg.MustRegister(task.MustDefinition("train",
		[]task.ParamSpec{
			task.RequiredParam("features", task.TypePath),
			task.OutputParam("model"),
		},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			calls.add("train")
			return writeOutput(ctx, inv, "model", "weights")
		}),
	))
	reg.MustRegister(task.MustDefinition("training",
		[]task.ParamSpec{
			task.RequiredParam("source", task.TypeString),
			task.OutputParam("model"),
		},
		task.WithPlan(func(pc *task.PlanContext) error {
			fetch := pc.Call("fetch", "fetch", map[string]any{
				"source": pc.Params().String("source"),
			})
			feats := pc.Call("featurize", "featurize", map[string]any{
				"input": fetch.Output("raw"),
			})
			train := pc.Call("train", "train", map[string]any{
				"features": feats.Output("features"),
			})
			pc.Export("model", train.Output("model"))
			return nil
		}),
	))
	return reg
}

func memBuilder(t *testing.T, reg *task.Registry, store *target.Store) *graph.Builder {
	t.Helper()
	return graph.NewBuilder(reg,
		graph.WithWorkDir("mem://work"),
		graph.WithResolver(target.NewResolver(target.WithMemoryStore(store))),
	)
}

func startRun(t *testing.T) (*run.Run, context.Context) {
	t.Helper()
	r, ctx, err := run.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r, ctx
}

func mustBuild(t *testing.T, b *graph.Builder, r *run.Run, root string, args map[string]any) *graph.Graph {
	t.Helper()
	g, err := b.Build(context.Background(), r, root, args)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func instanceByPath(t *testing.T, g *graph.Graph, path string) *run.Instance {
	t.Helper()
	for _, inst := range g.Instances() {
		if inst.Path() == path {
			return inst
		}
	}
	t.Fatalf("no instance at path %q", path)
	return nil
}

func TestExecuteLinearSuccess(t *testing.T) {
	store := target.NewStore()
	calls := &callLog{}
	reg := trainingRegistry(t, calls)
	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "training", map[string]any{"source": "s3://lake/events"})

	checker := target.NewChecker(nil)
	ex := New(g, Config{MaxParallel: 2}, WithChecker(checker))

	status, err := ex.Execute(runCtx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != run.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", status)
	}

	for _, inst := range g.Instances() {
		if inst.State() != run.StateSuccess {
			t.Errorf("%s ended %s, want SUCCESS", inst.Path(), inst.State())
		}
	}

	want := []string{"fetch", "featurize", "train"}
	got := calls.order()
	if len(got) != len(want) {
		t.Fatalf("bodies ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bodies ran %v, want dependency order %v", got, want)
		}
	}

	train := instanceByPath(t, g, "training.train")
	model, _ := train.Output("model")
	data, err := model.(target.Reader).Read(context.Background())
	if err != nil || string(data) != "weights" {
		t.Errorf("model artifact = %q, %v", data, err)
	}

	producer, ok, err := checker.Producer(context.Background(), model.Address())
	if err != nil || !ok {
		t.Fatalf("Producer: ok=%v err=%v", ok, err)
	}
	if producer != train.ID() {
		t.Errorf("producer = %s, want the train instance %s", producer, train.ID())
	}
}

func TestExecuteCacheSkip(t *testing.T) {
	store := target.NewStore()
	calls := &callLog{}
	reg := trainingRegistry(t, calls)
	args := map[string]any{"source": "s3://lake/events"}

	r1, ctx1 := startRun(t)
	g1 := mustBuild(t, memBuilder(t, reg, store), r1, "training", args)
	if _, err := New(g1, Config{}).Execute(ctx1); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	// Same inputs, fresh run: every signature matches, every artifact
	// is still present, so nothing executes again.
	r2, ctx2 := startRun(t)
	g2 := mustBuild(t, memBuilder(t, reg, store), r2, "training", args)
	status, err := New(g2, Config{}).Execute(ctx2)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if status != run.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", status)
	}
	for _, inst := range g2.Instances() {
		if inst.State() != run.StateSkippedComplete {
			t.Errorf("%s ended %s, want SKIPPED_COMPLETE", inst.Path(), inst.State())
		}
	}
	if got := calls.order(); len(got) != 3 {
		t.Errorf("bodies ran %v, want no re-execution after the first run", got)
	}
}

func TestExecutePartialCacheInvalidation(t *testing.T) {
	store := target.NewStore()
	calls := &callLog{}
	reg := trainingRegistry(t, calls)
	args := map[string]any{"source": "s3://lake/events"}

	r1, ctx1 := startRun(t)
	g1 := mustBuild(t, memBuilder(t, reg, store), r1, "training", args)
	if _, err := New(g1, Config{}).Execute(ctx1); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	// Losing the model artifact re-runs only the producing task.
	train1 := instanceByPath(t, g1, "training.train")
	model, _ := train1.Output("model")
	store.Delete(strings.TrimPrefix(model.Address(), "mem://"))

	r2, ctx2 := startRun(t)
	g2 := mustBuild(t, memBuilder(t, reg, store), r2, "training", args)
	status, err := New(g2, Config{}).Execute(ctx2)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if status != run.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", status)
	}

	if calls.count("fetch") != 1 || calls.count("featurize") != 1 {
		t.Errorf("upstream bodies re-ran: %v", calls.order())
	}
	if calls.count("train") != 2 {
		t.Errorf("train ran %d times, want re-execution after invalidation", calls.count("train"))
	}
	if st := instanceByPath(t, g2, "training.fetch").State(); st != run.StateSkippedComplete {
		t.Errorf("fetch ended %s, want SKIPPED_COMPLETE", st)
	}
	if st := instanceByPath(t, g2, "training.train").State(); st != run.StateSuccess {
		t.Errorf("train ended %s, want SUCCESS", st)
	}
}

// batchRegistry wires a failing fetch, a dependent featurize, and an
// independent sidecar under one pipeline.
func batchRegistry(t *testing.T, calls *callLog, boom error) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()

	reg.MustRegister(task.MustDefinition("fetch",
		[]task.ParamSpec{task.OutputParam("raw")},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			calls.add("fetch")
			return boom
		}),
	))
	reg.MustRegister(task.MustDefinition("featurize",
		[]task.ParamSpec{
			task.RequiredParam("input", task.TypePath),
			task.OutputParam("features"),
		},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			calls.add("featurize")
			return writeOutput(ctx, inv, "features", "vectors")
		}),
	))
	reg.MustRegister(task.MustDefinition("sidecar",
		[]task.ParamSpec{task.OutputParam("report")},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			calls.add("sidecar")
			return writeOutput(ctx, inv, "report", "ok")
		}),
	))
	reg.MustRegister(task.MustDefinition("batch",
		nil,
		task.WithPlan(func(pc *task.PlanContext) error {
			fetch := pc.Call("fetch", "fetch", nil)
			pc.Call("featurize", "featurize", map[string]any{
				"input": fetch.Output("raw"),
			})
			pc.Call("sidecar", "sidecar", nil)
			return nil
		}),
	))
	return reg
}

func TestExecuteFailureIsolation(t *testing.T) {
	boom := errors.New("source unreachable")
	store := target.NewStore()
	calls := &callLog{}
	reg := batchRegistry(t, calls, boom)
	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "batch", nil)

	status, err := New(g, Config{MaxParallel: 3}).Execute(runCtx)
	if status != run.StatusFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	if !errors.Is(err, boom) {
		t.Errorf("run error must carry the body failure, got %v", err)
	}
	if errors.Is(err, run.ErrUpstreamFailed) {
		t.Error("blocked instances must not add their own error entries")
	}

	var runErr *run.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("err = %T, want *run.RunError", err)
	}
	if len(runErr.Failures) != 1 || runErr.Failures[0].Path != "batch.fetch" {
		t.Fatalf("failures = %+v, want exactly batch.fetch", runErr.Failures)
	}

	if st := instanceByPath(t, g, "batch.fetch").State(); st != run.StateFailed {
		t.Errorf("fetch ended %s, want FAILED", st)
	}
	feats := instanceByPath(t, g, "batch.featurize")
	if st := feats.State(); st != run.StateUpstreamFailed {
		t.Errorf("featurize ended %s, want UPSTREAM_FAILED", st)
	}
	if !errors.Is(feats.Err(), run.ErrUpstreamFailed) || !strings.Contains(feats.Err().Error(), "batch.fetch") {
		t.Errorf("featurize cause = %v, want to name the failed upstream", feats.Err())
	}
	if st := instanceByPath(t, g, "batch.sidecar").State(); st != run.StateSuccess {
		t.Errorf("sidecar ended %s, independent branches must keep running", st)
	}
	if st := instanceByPath(t, g, "batch").State(); st != run.StateUpstreamFailed {
		t.Errorf("pipeline ended %s, want UPSTREAM_FAILED", st)
	}
	if calls.count("featurize") != 0 {
		t.Error("featurize body must never run after its upstream failed")
	}
}

func TestExecuteFailFast(t *testing.T) {
	store := target.NewStore()
	calls := &callLog{}
	reg := task.NewRegistry()
	reg.MustRegister(task.MustDefinition("first",
		nil,
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			calls.add("first")
			return errors.New("bad batch")
		}),
	))
	reg.MustRegister(task.MustDefinition("second",
		nil,
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			calls.add("second")
			return nil
		}),
	))
	reg.MustRegister(task.MustDefinition("fanout",
		nil,
		task.WithPlan(func(pc *task.PlanContext) error {
			pc.Call("first", "first", nil)
			pc.Call("second", "second", nil)
			return nil
		}),
	))

	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "fanout", nil)

	// One worker makes dispatch order deterministic: first fails, then
	// second is held, then the pipeline sees its failed child.
	status, _ := New(g, Config{MaxParallel: 1, FailFast: true}).Execute(runCtx)
	if status != run.StatusFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	if calls.count("second") != 0 {
		t.Error("second body ran despite fail-fast")
	}
	if st := instanceByPath(t, g, "fanout.second").State(); st != run.StatePending {
		t.Errorf("held instance ended %s, want PENDING", st)
	}
	if st := instanceByPath(t, g, "fanout").State(); st != run.StateUpstreamFailed {
		t.Errorf("pipeline ended %s, want UPSTREAM_FAILED", st)
	}
}

func TestExecuteTimeout(t *testing.T) {
	store := target.NewStore()
	reg := task.NewRegistry()
	reg.MustRegister(task.MustDefinition("slow",
		nil,
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			select {
			case <-time.After(5 * time.Second):
				return nil
			case <-ctx.Done():
				// Linger so the deadline settles the instance first.
				time.Sleep(50 * time.Millisecond)
				return ctx.Err()
			}
		}),
		task.WithTimeout(25*time.Millisecond),
	))

	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "slow", nil)

	status, err := New(g, Config{}).Execute(runCtx)
	if status != run.StatusFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	if !errors.Is(err, run.ErrTimedOut) {
		t.Errorf("err = %v, want ErrTimedOut", err)
	}
	inst := instanceByPath(t, g, "slow")
	if inst.State() != run.StateFailed {
		t.Errorf("instance ended %s, want FAILED", inst.State())
	}
}

func TestExecuteAbort(t *testing.T) {
	store := target.NewStore()
	entered := make(chan struct{})
	reg := task.NewRegistry()
	reg.MustRegister(task.MustDefinition("gate",
		[]task.ParamSpec{task.OutputParam("signal")},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			close(entered)
			<-ctx.Done()
			time.Sleep(30 * time.Millisecond)
			return ctx.Err()
		}),
	))
	reg.MustRegister(task.MustDefinition("after",
		[]task.ParamSpec{task.RequiredParam("input", task.TypePath)},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			t.Error("downstream body ran after abort")
			return nil
		}),
	))
	reg.MustRegister(task.MustDefinition("gated",
		nil,
		task.WithPlan(func(pc *task.PlanContext) error {
			gate := pc.Call("gate", "gate", nil)
			pc.Call("after", "after", map[string]any{"input": gate.Output("signal")})
			return nil
		}),
	))

	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "gated", nil)

	done := make(chan struct{})
	var status run.Status
	var err error
	go func() {
		defer close(done)
		status, err = New(g, Config{}).Execute(runCtx)
	}()

	<-entered
	r.Abort(errors.New("operator stop"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after abort")
	}

	if status != run.StatusAborted {
		t.Fatalf("status = %s, want ABORTED", status)
	}
	if !errors.Is(err, run.ErrAborted) {
		t.Errorf("err = %v, want ErrAborted", err)
	}
	for _, path := range []string{"gated.gate", "gated.after", "gated"} {
		if st := instanceByPath(t, g, path).State(); st != run.StateAborted {
			t.Errorf("%s ended %s, want ABORTED", path, st)
		}
	}
	if runCtx.Err() == nil {
		t.Error("run context must be canceled by abort")
	}
}

type fakeDelegator struct {
	mu        sync.Mutex
	submitted chan string
	fail      error
}

func (f *fakeDelegator) Submit(ctx context.Context, inst *run.Instance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	id := "remote-" + inst.ShortID()
	f.submitted <- inst.ID()
	return id, nil
}

func delegatedRegistry(t *testing.T) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()
	reg.MustRegister(task.MustDefinition("remote_train",
		[]task.ParamSpec{task.OutputParam("model")},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			t.Error("delegated body must never run locally")
			return nil
		}),
		task.WithEngine("kubernetes"),
	))
	return reg
}

func TestExecuteDelegated(t *testing.T) {
	store := target.NewStore()
	reg := delegatedRegistry(t)
	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "remote_train", nil)

	fd := &fakeDelegator{submitted: make(chan string, 1)}
	done := make(chan struct{})
	var status run.Status
	var err error
	go func() {
		defer close(done)
		status, err = New(g, Config{}, WithDelegator(fd)).Execute(runCtx)
	}()

	// Play the scheduler sync loop: write the artifact, then settle the
	// instance through the same transition gate the executor waits on.
	var instID string
	select {
	case instID = <-fd.submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("instance was never submitted")
	}
	inst, _ := r.Instance(instID)
	model, _ := inst.Output("model")
	name := strings.TrimPrefix(model.Address(), "mem://")
	if werr := target.NewMemory(store, name).Write(context.Background(), []byte("weights")); werr != nil {
		t.Fatalf("remote write: %v", werr)
	}
	if terr := r.Transition(instID, run.StateSuccess, nil); terr != nil {
		t.Fatalf("Transition: %v", terr)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after the remote settled")
	}

	if err != nil || status != run.StatusSuccess {
		t.Fatalf("status = %s, err = %v, want SUCCESS", status, err)
	}
	if inst.State() != run.StateSuccess {
		t.Errorf("instance ended %s, want SUCCESS", inst.State())
	}
	if got := inst.RemoteID(); got != "remote-"+inst.ShortID() {
		t.Errorf("RemoteID() = %q, want the delegator's id", got)
	}
}

func TestExecuteDelegatedNoEngine(t *testing.T) {
	store := target.NewStore()
	reg := delegatedRegistry(t)
	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "remote_train", nil)

	status, err := New(g, Config{}).Execute(runCtx)
	if status != run.StatusFailed {
		t.Fatalf("status = %s, want FAILED without a delegator", status)
	}
	if !errors.Is(err, ErrNoDelegator) {
		t.Errorf("err = %v, want ErrNoDelegator", err)
	}
	if !strings.Contains(err.Error(), "kubernetes") {
		t.Errorf("err = %v, want the engine name", err)
	}
}

func TestExecuteDelegatedTimeout(t *testing.T) {
	store := target.NewStore()
	reg := task.NewRegistry()
	reg.MustRegister(task.MustDefinition("remote_slow",
		nil,
		task.WithRun(func(ctx context.Context, inv task.Invocation) error { return nil }),
		task.WithEngine("batch"),
		task.WithTimeout(25*time.Millisecond),
	))
	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "remote_slow", nil)

	// Submits fine, but the remote never reports back.
	fd := &fakeDelegator{submitted: make(chan string, 1)}
	status, err := New(g, Config{}, WithDelegator(fd)).Execute(runCtx)
	if status != run.StatusFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	if !errors.Is(err, run.ErrTimedOut) {
		t.Errorf("err = %v, want ErrTimedOut", err)
	}
}

func TestExecutePanicRecovery(t *testing.T) {
	store := target.NewStore()
	reg := task.NewRegistry()
	reg.MustRegister(task.MustDefinition("explode",
		nil,
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			panic("kaboom")
		}),
	))
	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "explode", nil)

	status, err := New(g, Config{}).Execute(runCtx)
	if status != run.StatusFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	var bodyErr *run.TaskBodyError
	if !errors.As(err, &bodyErr) {
		t.Fatalf("err = %v, want a TaskBodyError", err)
	}
	if !strings.Contains(bodyErr.Err.Error(), "panic: kaboom") {
		t.Errorf("cause = %v, want the recovered panic", bodyErr.Err)
	}
}

func TestExecuteOutputValidationFailure(t *testing.T) {
	store := target.NewStore()
	reg := task.NewRegistry()
	reg.MustRegister(task.MustDefinition("hollow",
		[]task.ParamSpec{task.OutputParam("data")},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error {
			// Claims success without producing anything.
			return nil
		}),
	))
	r, runCtx := startRun(t)
	g := mustBuild(t, memBuilder(t, reg, store), r, "hollow", nil)

	status, err := New(g, Config{}).Execute(runCtx)
	if status != run.StatusFailed {
		t.Fatalf("status = %s, want FAILED", status)
	}
	if !errors.Is(err, target.ErrIncomplete) {
		t.Errorf("err = %v, want ErrIncomplete", err)
	}
	if !strings.Contains(err.Error(), `output "data"`) {
		t.Errorf("err = %v, want the output name", err)
	}
}
