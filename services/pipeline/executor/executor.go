// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor runs an expanded graph to completion.
//
// A bounded worker pool drains a ready queue fed by dependency
// completion. Every state change funnels through run.Transition, the
// same entry point the scheduler sync loop uses, so locally decided
// and remotely observed outcomes can never race for one instance.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kalebinn/dbnd/services/pipeline/graph"
	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/target"
	"github.com/kalebinn/dbnd/services/pipeline/telemetry"
)

var (
	tracer = otel.Tracer("dbnd.executor")
	meter  = otel.Meter("dbnd.executor")
)

// ErrNoDelegator is recorded on delegated instances when no remote
// engine was configured for the run.
var ErrNoDelegator = errors.New("no remote engine configured")

// DefaultMaxParallel bounds worker concurrency when the config leaves
// it unset.
const DefaultMaxParallel = 4

// Delegator hands an instance to a remote orchestrator. The returned
// remote id keys the scheduler sync loop's watch set; the instance's
// terminal state arrives later through run.Transition.
type Delegator interface {
	Submit(ctx context.Context, inst *run.Instance) (string, error)
}

// Config tunes one executor.
type Config struct {
	// MaxParallel is the worker pool size. Zero means
	// DefaultMaxParallel.
	MaxParallel int

	// FailFast stops issuing new RUNNING transitions after the first
	// failure; in-flight instances finish normally.
	FailFast bool

	// DefaultTimeout bounds bodies whose definitions set none. Zero
	// leaves them unbounded.
	DefaultTimeout time.Duration
}

// Executor drives one graph to a terminal run status.
//
// Description:
//
//	Execute sweeps output completeness first, then dispatches
//	instances as their dependencies reach terminal satisfied states.
//	Instances whose outputs were already complete skip straight to
//	SKIPPED_COMPLETE without invoking their bodies. Failures mark all
//	transitive dependents UPSTREAM_FAILED; independent branches keep
//	running unless FailFast is set.
//
// Thread Safety:
//
//	An Executor handles one Execute call at a time. Construct one per
//	run.
type Executor struct {
	graph     *graph.Graph
	run       *run.Run
	checker   *target.Checker
	delegator Delegator
	cfg       Config
	log       *slog.Logger

	failed atomic.Bool

	metricsOnce  sync.Once
	instLatency  metric.Float64Histogram
	instSuccess  metric.Int64Counter
	instFailure  metric.Int64Counter
	instSkipped  metric.Int64Counter
	activeInsts  metric.Int64UpDownCounter
	queueLatency metric.Float64Histogram
}

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// WithChecker sets the completeness checker. A fresh unindexed checker
// is used when absent.
func WithChecker(c *target.Checker) ExecOption {
	return func(e *Executor) { e.checker = c }
}

// WithDelegator sets the remote engine hand-off.
func WithDelegator(d Delegator) ExecOption {
	return func(e *Executor) { e.delegator = d }
}

// WithLogger sets the execution logger.
func WithLogger(l *slog.Logger) ExecOption {
	return func(e *Executor) { e.log = l }
}

// New creates an executor for one built graph.
func New(g *graph.Graph, cfg Config, opts ...ExecOption) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	e := &Executor{
		graph: g,
		run:   g.Run(),
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.checker == nil {
		e.checker = target.NewChecker(nil)
	}
	if e.log == nil {
		e.log = e.run.Logger()
	}
	return e
}

// initMetrics lazily creates instruments. Failures degrade
// observability, never execution.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.instLatency, err = meter.Float64Histogram("pipeline_instance_duration_seconds",
			metric.WithDescription("Time spent executing each task instance"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "instance_latency: "+err.Error())
		}

		e.instSuccess, err = meter.Int64Counter("pipeline_instance_success_total",
			metric.WithDescription("Number of task instances that reached SUCCESS"),
		)
		if err != nil {
			initErrors = append(initErrors, "instance_success: "+err.Error())
		}

		e.instFailure, err = meter.Int64Counter("pipeline_instance_failure_total",
			metric.WithDescription("Number of task instances that reached FAILED"),
		)
		if err != nil {
			initErrors = append(initErrors, "instance_failure: "+err.Error())
		}

		e.instSkipped, err = meter.Int64Counter("pipeline_instance_skipped_total",
			metric.WithDescription("Number of cache hits skipped without execution"),
		)
		if err != nil {
			initErrors = append(initErrors, "instance_skipped: "+err.Error())
		}

		e.activeInsts, err = meter.Int64UpDownCounter("pipeline_active_instances",
			metric.WithDescription("Number of task instances currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_instances: "+err.Error())
		}

		e.queueLatency, err = meter.Float64Histogram("pipeline_run_duration_seconds",
			metric.WithDescription("Total run execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.log.Error("failed to initialize some executor metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Execute runs the graph and finishes the run.
//
// Inputs:
//
//	ctx - The run context from run.Start; aborting the run cancels it.
//
// Outputs:
//
//	run.Status - Terminal status from run.Finish.
//	error - The aggregated run error, nil on success.
func (e *Executor) Execute(ctx context.Context) (run.Status, error) {
	ctx, span := tracer.Start(ctx, "executor.Run",
		trace.WithAttributes(
			attribute.String("run.id", e.run.ID()),
			attribute.Int("graph.instances", e.graph.Len()),
			attribute.Int("executor.max_parallel", e.cfg.MaxParallel),
		),
	)
	defer span.End()

	e.initMetrics()
	start := time.Now()

	e.log.Info("execution started",
		slog.Int("instances", e.graph.Len()),
		slog.Int("waves", len(e.graph.Waves())),
		slog.Int("workers", e.cfg.MaxParallel),
		slog.Bool("fail_fast", e.cfg.FailFast),
	)

	complete := e.sweepComplete(ctx)

	instances := e.graph.Instances()
	depCount := make(map[string]*atomic.Int32, len(instances))
	for _, inst := range instances {
		c := new(atomic.Int32)
		c.Store(int32(len(inst.Upstreams())))
		depCount[inst.ID()] = c
	}

	ready := make(chan *run.Instance, len(instances))
	for _, inst := range instances {
		if depCount[inst.ID()].Load() == 0 {
			ready <- inst
		}
	}

	var wg sync.WaitGroup
	wg.Add(len(instances))

	for i := 0; i < e.cfg.MaxParallel; i++ {
		go e.worker(ctx, ready, depCount, &wg, complete)
	}

	wg.Wait()
	close(ready)

	status, err := e.run.Finish()
	if e.queueLatency != nil {
		e.queueLatency.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status.String())
	}
	span.SetAttributes(attribute.String("run.status", status.String()))
	return status, err
}

// worker drains the ready queue until every instance is accounted for.
func (e *Executor) worker(ctx context.Context, ready chan *run.Instance, depCount map[string]*atomic.Int32, wg *sync.WaitGroup, complete map[string]bool) {
	for inst := range ready {
		e.dispatch(ctx, inst, complete)

		for _, downID := range e.graph.Downstream(inst.ID()) {
			if depCount[downID].Add(-1) == 0 {
				down, _ := e.graph.Instance(downID)
				ready <- down
			}
		}
		wg.Done()
	}
}

// dispatch decides one ready instance's fate: abort, upstream failure,
// cache skip, fail-fast hold, or execution.
func (e *Executor) dispatch(ctx context.Context, inst *run.Instance, complete map[string]bool) {
	if ctx.Err() != nil {
		// External cancellation behaves as an abort: sweep everything
		// still PENDING, including this instance. Idempotent when the
		// run was already aborted.
		e.run.Abort(context.Cause(ctx))
		return
	}

	if blockedBy := e.failedUpstream(inst); blockedBy != "" {
		cause := fmt.Errorf("%w: %s", run.ErrUpstreamFailed, blockedBy)
		if err := e.run.Transition(inst.ID(), run.StateUpstreamFailed, cause); err != nil {
			e.log.Warn("upstream-failed transition rejected", slog.String("path", inst.Path()), slog.Any("error", err))
		}
		return
	}

	if complete[inst.ID()] {
		if err := e.run.Transition(inst.ID(), run.StateSkippedComplete, nil); err == nil {
			if e.instSkipped != nil {
				e.instSkipped.Add(ctx, 1)
			}
			e.log.Info("instance skipped, outputs already complete",
				slog.String("path", inst.Path()),
				slog.String("instance_id", inst.ShortID()),
			)
		}
		return
	}

	if e.cfg.FailFast && e.failed.Load() {
		// Left PENDING deliberately: its dependencies are fine, it was
		// simply never issued.
		e.log.Info("instance held by fail-fast", slog.String("path", inst.Path()))
		return
	}

	e.execute(ctx, inst)
}

// failedUpstream returns the path of a failed dependency, or empty.
func (e *Executor) failedUpstream(inst *run.Instance) string {
	for _, upID := range inst.Upstreams() {
		up, ok := e.graph.Instance(upID)
		if !ok {
			continue
		}
		if up.State().Failure() {
			return up.Path()
		}
	}
	return ""
}

// execute runs one instance's body, locally or via the delegator, and
// settles its terminal state.
func (e *Executor) execute(ctx context.Context, inst *run.Instance) {
	ctx, span := tracer.Start(ctx, "executor.Instance",
		trace.WithAttributes(
			attribute.String("task.name", inst.Definition().Name()),
			attribute.String("task.path", inst.Path()),
			attribute.String("instance.id", inst.ShortID()),
		),
	)
	defer span.End()

	log := telemetry.LoggerWithInstance(ctx, e.log, inst.Path())

	if err := e.run.Transition(inst.ID(), run.StateRunning, nil); err != nil {
		// Terminal already, e.g. aborted between dispatch and here.
		return
	}

	if e.activeInsts != nil {
		e.activeInsts.Add(ctx, 1)
		defer e.activeInsts.Add(ctx, -1)
	}
	start := time.Now()

	var to run.State
	var cause error
	if inst.Delegated() {
		to, cause = e.awaitDelegated(ctx, inst)
	} else {
		to, cause = e.runBody(ctx, inst)
	}

	if err := e.run.Transition(inst.ID(), to, cause); err != nil {
		// The sync loop or an abort settled the instance first.
		log.Debug("local outcome discarded",
			slog.String("outcome", to.String()),
			slog.Any("error", err),
		)
		return
	}

	took := time.Since(start)
	if e.instLatency != nil {
		e.instLatency.Record(ctx, took.Seconds())
	}
	switch to {
	case run.StateSuccess:
		if e.instSuccess != nil {
			e.instSuccess.Add(ctx, 1)
		}
		log.Info("instance succeeded", slog.Duration("took", took))
	case run.StateFailed:
		if e.instFailure != nil {
			e.instFailure.Add(ctx, 1)
		}
		if e.cfg.FailFast {
			e.failed.Store(true)
		}
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		log.Error("instance failed",
			slog.Duration("took", took),
			slog.Any("error", cause),
		)
	case run.StateAborted:
		log.Warn("instance aborted")
	}
}

// runBody executes a local body under the per-instance timeout and
// validates declared outputs afterward.
func (e *Executor) runBody(ctx context.Context, inst *run.Instance) (run.State, error) {
	bodyCtx := run.WithInstance(ctx, inst)
	timeout := inst.Timeout()
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(bodyCtx, timeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		if runner := inst.Definition().Runner(); runner != nil {
			errCh <- runner(bodyCtx, &invocation{run: e.run, inst: inst})
			return
		}
		// Pipeline instances have no body; their children did the work.
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return run.StateFailed, &run.TaskBodyError{InstanceID: inst.ID(), Path: inst.Path(), Err: err}
		}
	case <-bodyCtx.Done():
		if errors.Is(bodyCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			// The body is abandoned; a cooperative one sees the cancel.
			return run.StateFailed, fmt.Errorf("%w after %s", run.ErrTimedOut, timeout)
		}
		return run.StateAborted, run.ErrAborted
	}

	if err := e.validateOutputs(ctx, inst); err != nil {
		return run.StateFailed, err
	}
	return run.StateSuccess, nil
}

// awaitDelegated submits the instance to the remote engine and waits
// for the scheduler sync loop to settle it.
func (e *Executor) awaitDelegated(ctx context.Context, inst *run.Instance) (run.State, error) {
	if e.delegator == nil {
		return run.StateFailed, fmt.Errorf("engine %q: %w", inst.Engine(), ErrNoDelegator)
	}

	remoteID, err := e.delegator.Submit(ctx, inst)
	if err != nil {
		return run.StateFailed, fmt.Errorf("submit %s: %w", inst.Path(), err)
	}
	if err := e.run.AttachRemote(inst.ID(), remoteID); err != nil {
		return run.StateFailed, err
	}
	e.log.Info("instance delegated",
		slog.String("path", inst.Path()),
		slog.String("engine", inst.Engine()),
		slog.String("remote_id", remoteID),
	)

	timeout := inst.Timeout()
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-inst.Done():
		// The sync loop already transitioned it; report its own state
		// so the caller's Transition is a no-op rejection.
		return inst.State(), inst.Err()
	case <-deadline:
		return run.StateFailed, fmt.Errorf("%w after %s", run.ErrTimedOut, timeout)
	case <-ctx.Done():
		return run.StateAborted, run.ErrAborted
	}
}

// validateOutputs confirms every declared output now validates, and
// feeds the checker so later runs can skip this work. Pipeline outputs
// alias child targets, so production stays attributed to the leaf that
// wrote them.
func (e *Executor) validateOutputs(ctx context.Context, inst *run.Instance) error {
	record := !inst.Definition().IsPipeline()
	for name, t := range inst.Outputs() {
		if err := t.Validate(ctx); err != nil {
			return fmt.Errorf("output %q at %s invalid after execution: %w", name, t.Address(), err)
		}
		e.checker.MarkComplete(t.Address())
		if !record {
			continue
		}
		if err := e.checker.RecordProduction(ctx, t, inst.ID()); err != nil {
			e.log.Warn("failed to record production",
				slog.String("address", t.Address()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// sweepComplete probes every instance's outputs before anything runs.
// The checker deduplicates shared addresses across the graph.
func (e *Executor) sweepComplete(ctx context.Context) map[string]bool {
	complete := make(map[string]bool)
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.MaxParallel)

	for _, inst := range e.graph.Instances() {
		outputs := inst.Outputs()
		if len(outputs) == 0 {
			continue
		}
		id := inst.ID()
		eg.Go(func() error {
			allDone := true
			for _, t := range outputs {
				ok, err := e.checker.Complete(egCtx, t)
				if err != nil || !ok {
					allDone = false
					break
				}
			}
			if allDone {
				mu.Lock()
				complete[id] = true
				mu.Unlock()
			}
			// Probe errors mean "not complete", never a run failure.
			return nil
		})
	}
	_ = eg.Wait()

	if len(complete) > 0 {
		e.log.Info("completeness sweep finished",
			slog.Int("complete", len(complete)),
			slog.Int("total", e.graph.Len()),
		)
	}
	return complete
}
