// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package run holds the per-run execution state: the instance
// registry, the override snapshot, the ordered event log, and the
// single synchronized entry point for state transitions.
//
// # Ownership Model
//
// A Run is created by Start, populated by the graph builder, driven by
// the executor and the scheduler sync loop, and finished exactly once.
// The executor and the sync loop both mutate instance state only
// through Run.Transition; that one lock is what prevents a locally
// decided SUCCESS from racing a remotely observed FAILED for the same
// instance.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Event handlers
// subscribed to the run's emitter execute while the run lock is held
// to preserve event order; they must not call back into the Run.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalebinn/dbnd/services/pipeline/events"
)

// Run is one invocation of a pipeline.
type Run struct {
	id        string
	startedAt time.Time
	overrides *Snapshot
	emitter   *events.Emitter
	log       *slog.Logger
	parent    *Run
	cancel    context.CancelFunc

	mu         sync.Mutex
	instances  map[string]*Instance
	order      []string
	rootID     string
	eventLog   []events.Event
	seq        uint64
	status     Status
	finalErr   error
	aborted    bool
	finished   bool
	finishedAt time.Time
}

type startConfig struct {
	overrides *Overrides
	emitter   *events.Emitter
	log       *slog.Logger
}

// StartOption configures Start and StartChild.
type StartOption func(*startConfig)

// WithOverrides supplies the override table; it is snapshotted
// immediately and later mutations never affect the run.
func WithOverrides(o *Overrides) StartOption {
	return func(c *startConfig) { c.overrides = o }
}

// WithEmitter supplies an emitter with sinks already subscribed. The
// caller keeps ownership of the sinks.
func WithEmitter(e *events.Emitter) StartOption {
	return func(c *startConfig) { c.emitter = e }
}

// WithLogger supplies the base logger; the run id is attached to it.
func WithLogger(l *slog.Logger) StartOption {
	return func(c *startConfig) { c.log = l }
}

// Start creates a run and binds it into the context.
//
// Description:
//
//	Allocates the run id, snapshots the override table, and returns a
//	derived context carrying the run. A context that already carries a
//	run is rejected: accidental nesting silently mixing two runs'
//	instances is a bug, deliberate nesting goes through StartChild.
//
// Outputs:
//
//	*Run - The new run.
//	context.Context - ctx with the run attached and cancelable by Abort.
//	error - ErrRunAlreadyActive when ctx already carries a run.
func Start(ctx context.Context, opts ...StartOption) (*Run, context.Context, error) {
	if _, ok := FromContext(ctx); ok {
		return nil, nil, ErrRunAlreadyActive
	}
	return newRun(ctx, nil, opts...)
}

// StartChild creates an isolated child run: its own id, its own event
// sequence, and an override table layered over this run's snapshot.
// The parent's emitter is shared unless the child supplies its own.
func (r *Run) StartChild(ctx context.Context, opts ...StartOption) (*Run, context.Context, error) {
	return newRun(ctx, r, opts...)
}

func newRun(ctx context.Context, parent *Run, opts ...StartOption) (*Run, context.Context, error) {
	cfg := startConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	snap := cfg.overrides.Snapshot()
	if parent != nil {
		snap.Layer(parent.overrides)
	}

	emitter := cfg.emitter
	if emitter == nil {
		if parent != nil {
			emitter = parent.emitter
		} else {
			emitter = events.NewEmitter()
		}
	}

	log := cfg.log
	if log == nil {
		if parent != nil {
			log = parent.log
		} else {
			log = slog.Default()
		}
	}

	r := &Run{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		overrides: snap,
		emitter:   emitter,
		parent:    parent,
		instances: make(map[string]*Instance),
		status:    StatusActive,
	}
	r.log = log.With("run_id", r.id)

	runCtx, cancel := context.WithCancel(context.WithValue(ctx, runKey{}, r))
	r.cancel = cancel

	r.log.Info("run started", "parent_run_id", parentID(parent))
	return r, runCtx, nil
}

func parentID(parent *Run) string {
	if parent == nil {
		return ""
	}
	return parent.id
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// StartedAt returns the run's creation time.
func (r *Run) StartedAt() time.Time {
	return r.startedAt
}

// Parent returns the enclosing run, nil for top-level runs.
func (r *Run) Parent() *Run {
	return r.parent
}

// Overrides returns the immutable override snapshot.
func (r *Run) Overrides() *Snapshot {
	return r.overrides
}

// Emitter returns the run's event emitter, for subscribing sinks.
func (r *Run) Emitter() *events.Emitter {
	return r.emitter
}

// Logger returns the run-scoped logger.
func (r *Run) Logger() *slog.Logger {
	return r.log
}

// Register adds an instance to the run and emits INSTANCE_CREATED.
// The graph builder is the only caller; registration order is the
// builder's deterministic declaration order.
func (r *Run) Register(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.id]; exists {
		return ErrDuplicateInstance
	}
	r.instances[inst.id] = inst
	r.order = append(r.order, inst.id)

	r.emitLocked(inst.id, events.KindInstanceCreated, events.InstanceCreatedPayload{
		Definition: inst.def.Name(),
		Path:       inst.path,
		Upstreams:  inst.upstreams,
	})
	return nil
}

// SetRoot marks the root instance.
func (r *Run) SetRoot(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return ErrUnknownInstance
	}
	r.rootID = id
	return nil
}

// Root returns the root instance, nil before the graph is built.
func (r *Run) Root() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[r.rootID]
}

// Instance returns the instance with id.
func (r *Run) Instance(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Instances returns all instances in registration order.
func (r *Run) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.instances[id])
	}
	return out
}

// Len returns the number of registered instances.
func (r *Run) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Transition moves one instance through the state machine.
//
// Description:
//
//	The single synchronized mutation point for instance state, shared
//	by the executor and the scheduler sync loop. Validates the
//	transition table, records the cause on failure states, appends the
//	STATE_CHANGED event to the run log, and closes the instance's Done
//	channel on terminal states.
//
// Inputs:
//
//	instanceID - The instance to move.
//	to - The new state.
//	cause - The failure for FAILED, UPSTREAM_FAILED, or ABORTED
//	        transitions; nil otherwise.
//
// Outputs:
//
//	error - ErrUnknownInstance or ErrInvalidTransition.
func (r *Run) Transition(instanceID string, to State, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return ErrUnknownInstance
	}
	return r.transitionLocked(inst, to, cause)
}

func (r *Run) transitionLocked(inst *Instance, to State, cause error) error {
	from := State(inst.state.Load())
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s %s → %s", ErrInvalidTransition, inst.path, from, to)
	}

	inst.state.Store(int32(to))
	if cause != nil && (to == StateFailed || to == StateUpstreamFailed || to == StateAborted) {
		inst.err = cause
	}

	causeText := ""
	if inst.err != nil && to != StateRunning {
		causeText = inst.err.Error()
	}
	r.emitLocked(inst.id, events.KindStateChanged, events.StateChangedPayload{
		Path:  inst.path,
		From:  from.String(),
		To:    to.String(),
		Cause: causeText,
	})

	if to.Terminal() {
		close(inst.done)
	}

	r.log.Debug("instance transition",
		"instance_id", inst.ShortID(),
		"path", inst.path,
		"from", from.String(),
		"to", to.String())
	return nil
}

// AttachRemote records the remote engine id for a delegated instance.
func (r *Run) AttachRemote(instanceID, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return ErrUnknownInstance
	}
	inst.remoteID = remoteID
	return nil
}

// LogMetricFor emits a METRIC_LOGGED event attributed to inst.
func (r *Run) LogMetricFor(inst *Instance, name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked(inst.id, events.KindMetricLogged, events.MetricLoggedPayload{
		Path:  inst.path,
		Name:  name,
		Value: value,
	})
}

// LogLineFor emits a LOG_LINE event attributed to inst.
func (r *Run) LogLineFor(inst *Instance, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked(inst.id, events.KindLogLine, events.LogLinePayload{
		Path: inst.path,
		Line: line,
	})
}

// emitLocked appends to the ordered log and broadcasts. Callers hold
// r.mu, which is what keeps sequence numbers and broadcast order
// aligned.
func (r *Run) emitLocked(instanceID string, kind events.Kind, payload any) {
	r.seq++
	ev := events.Event{
		ID:         uuid.NewString(),
		RunID:      r.id,
		InstanceID: instanceID,
		Sequence:   r.seq,
		Timestamp:  time.Now(),
		Kind:       kind,
		Payload:    payload,
	}
	r.eventLog = append(r.eventLog, ev)
	r.emitter.Emit(ev)
}

// Events returns a copy of the ordered event log.
func (r *Run) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]events.Event, len(r.eventLog))
	copy(out, r.eventLog)
	return out
}

// Abort tears the run down: pending instances transition to ABORTED
// immediately, in-flight bodies get their context canceled and are
// discarded when they return. Idempotent.
func (r *Run) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}

	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	for _, id := range r.order {
		inst := r.instances[id]
		if inst.State() == StatePending {
			// Legal per the table; error is impossible here.
			r.transitionLocked(inst, StateAborted, cause)
		}
	}
	cancel := r.cancel
	r.mu.Unlock()

	r.log.Warn("run aborted", "cause", cause)
	if cancel != nil {
		cancel()
	}
}

// Aborted reports whether Abort was called.
func (r *Run) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// Finish computes and records the run's terminal status. Idempotent;
// later calls return the first result.
//
// Outputs:
//
//	Status - ABORTED if the run was aborted, FAILED if any instance
//	         ended FAILED or UPSTREAM_FAILED, SUCCESS otherwise.
//	error - *RunError naming every FAILED instance, or ErrAborted for
//	        aborted runs, or nil.
func (r *Run) Finish() (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return r.status, r.finalErr
	}

	var failures []InstanceError
	anyBlocked := false
	for _, id := range r.order {
		inst := r.instances[id]
		switch inst.State() {
		case StateFailed:
			failures = append(failures, InstanceError{ID: inst.id, Path: inst.path, Err: inst.err})
		case StateUpstreamFailed:
			anyBlocked = true
		}
	}

	switch {
	case r.aborted:
		r.status = StatusAborted
		r.finalErr = fmt.Errorf("run %s: %w", r.id, ErrAborted)
	case len(failures) > 0 || anyBlocked:
		r.status = StatusFailed
		r.finalErr = &RunError{RunID: r.id, Failures: failures}
	default:
		r.status = StatusSuccess
	}
	r.finished = true
	r.finishedAt = time.Now()

	r.log.Info("run finished",
		"status", r.status.String(),
		"instances", len(r.order),
		"duration", r.finishedAt.Sub(r.startedAt))
	return r.status, r.finalErr
}

// Status returns the run's current status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// FinishedAt returns when Finish was first called, zero while active.
func (r *Run) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// FinalError returns the error Finish recorded, nil before Finish and
// for successful runs.
func (r *Run) FinalError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalErr
}

// Summary counts instances by state.
type Summary struct {
	Total          int
	Pending        int
	Running        int
	Succeeded      int
	Skipped        int
	Failed         int
	UpstreamFailed int
	Aborted        int
}

// Summary returns the current per-state instance counts.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{Total: len(r.order)}
	for _, id := range r.order {
		switch r.instances[id].State() {
		case StatePending:
			s.Pending++
		case StateRunning:
			s.Running++
		case StateSuccess:
			s.Succeeded++
		case StateSkippedComplete:
			s.Skipped++
		case StateFailed:
			s.Failed++
		case StateUpstreamFailed:
			s.UpstreamFailed++
		case StateAborted:
			s.Aborted++
		}
	}
	return s
}
