// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/target"
	"github.com/kalebinn/dbnd/services/pipeline/task"
)

var tracer = otel.Tracer("dbnd.graph")

// DefaultMaxDepth bounds pipeline nesting. Expansion past this depth
// is treated as a runaway recursive plan.
const DefaultMaxDepth = 50

// Builder expands a root instantiation into a Graph.
//
// Description:
//
//	Build binds parameters through the run's override snapshot,
//	executes plan bodies to obtain sub-calls, computes each would-be
//	instance's signature, and reuses any instance the run already
//	holds under that signature. Output references become dependency
//	edges and contribute the producer's id to the consumer's
//	signature, so identity is transitive through the DAG.
//
// Thread Safety:
//
//	A Builder is safe for concurrent use; each Build call keeps its
//	state on the stack. Expansion of a single run is single-threaded.
type Builder struct {
	registry *task.Registry
	resolver *target.Resolver
	workDir  string
	maxDepth int
	log      *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithResolver sets the target resolver for output addresses.
func WithResolver(r *target.Resolver) Option {
	return func(b *Builder) { b.resolver = r }
}

// WithWorkDir sets the base location for derived output addresses.
// Local paths and scheme-prefixed addresses both work.
func WithWorkDir(dir string) Option {
	return func(b *Builder) { b.workDir = dir }
}

// WithMaxDepth overrides the pipeline nesting bound.
func WithMaxDepth(n int) Option {
	return func(b *Builder) { b.maxDepth = n }
}

// WithLogger sets the build logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// NewBuilder creates a Builder over the given definition registry.
func NewBuilder(registry *task.Registry, opts ...Option) *Builder {
	b := &Builder{
		registry: registry,
		workDir:  filepath.Join(os.TempDir(), "dbnd"),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.resolver == nil {
		b.resolver = target.NewResolver()
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// buildState is the per-Build working set.
type buildState struct {
	run       *run.Run
	overrides *run.Snapshot

	// expanding marks signatures whose sub-graph is still being
	// expanded. Revisiting one means a plan recursed into itself with
	// identical resolved inputs.
	expanding map[string]bool
	stack     []frame

	created    []*run.Instance
	downstream map[string][]string
	edgeCount  int
}

type frame struct {
	sig  string
	path string
}

// planScope is the working set of one plan body's expansion.
type planScope struct {
	path      string
	plan      *task.Plan
	instances map[string]*run.Instance
	resolving map[string]bool
	stack     []string
}

// Build expands rootTask with rootArgs into the run's graph.
//
// Description:
//
//	Validates definition-scoped overrides against the registry, runs
//	the recursive expansion, audits that every override matched at
//	least one bind, registers instances on the run in creation order,
//	and computes topological ranks. Any error aborts the whole build
//	before anything executes.
//
// Inputs:
//
//	ctx - Carries the tracing span; expansion itself never blocks.
//	r - The run to populate. Must be freshly started.
//	rootTask - Registered definition name to instantiate as the root.
//	rootArgs - Explicit arguments for the root instantiation.
//
// Outputs:
//
//	*Graph - The expanded DAG.
//	error - Binding, plan, reference, cycle, or override audit failure.
func (b *Builder) Build(ctx context.Context, r *run.Run, rootTask string, rootArgs map[string]any) (*Graph, error) {
	ctx, span := tracer.Start(ctx, "graph.Build",
		trace.WithAttributes(
			attribute.String("run.id", r.ID()),
			attribute.String("task.root", rootTask),
		),
	)
	defer span.End()

	start := time.Now()
	snap := r.Overrides()

	if err := b.checkDefinitionOverrides(snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	st := &buildState{
		run:        r,
		overrides:  snap,
		expanding:  make(map[string]bool),
		downstream: make(map[string][]string),
	}

	root, err := b.expand(ctx, st, nil, rootTask, rootTask, rootArgs, 1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if unmatched := snap.Unmatched(); len(unmatched) > 0 {
		keys := make([]string, len(unmatched))
		for i, k := range unmatched {
			keys[i] = k.String()
		}
		err := fmt.Errorf("%w: %s", run.ErrUnknownOverrideTarget, strings.Join(keys, ", "))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := r.SetRoot(root.ID()); err != nil {
		return nil, err
	}

	g := &Graph{
		run:        r,
		root:       root,
		instances:  st.created,
		byID:       make(map[string]*run.Instance, len(st.created)),
		downstream: st.downstream,
		edgeCount:  st.edgeCount,
	}
	for _, inst := range st.created {
		g.byID[inst.ID()] = inst
	}
	g.computeRanks()

	span.SetAttributes(
		attribute.Int("graph.instances", g.Len()),
		attribute.Int("graph.edges", g.EdgeCount()),
	)
	b.log.Info("graph built",
		slog.String("run_id", r.ID()),
		slog.String("root", rootTask),
		slog.Int("instances", g.Len()),
		slog.Int("edges", g.EdgeCount()),
		slog.Duration("took", time.Since(start)),
	)
	return g, nil
}

// checkDefinitionOverrides rejects definition-scoped overrides whose
// definition or parameter is not registered, before any expansion work.
func (b *Builder) checkDefinitionOverrides(snap *run.Snapshot) error {
	for _, key := range snap.DefinitionKeys() {
		def, err := b.registry.Get(key.Definition)
		if err != nil {
			return fmt.Errorf("%w: %s: definition not registered", run.ErrUnknownOverrideTarget, key)
		}
		if _, ok := def.Param(key.Param); !ok {
			return fmt.Errorf("%w: %s: no such parameter", run.ErrUnknownOverrideTarget, key)
		}
	}
	return nil
}

// expandAlias expands one declared call of a plan on demand, so a call
// whose arguments reference a sibling's output pulls the sibling in
// first. The resolving marker turns mutual references into a cycle
// error instead of infinite recursion.
func (b *Builder) expandAlias(ctx context.Context, st *buildState, scope *planScope, alias string, depth int) (*run.Instance, error) {
	if inst, ok := scope.instances[alias]; ok {
		return inst, nil
	}
	if scope.resolving[alias] {
		return nil, NewCycleError(aliasChain(scope, alias))
	}

	scope.resolving[alias] = true
	scope.stack = append(scope.stack, alias)
	defer func() {
		delete(scope.resolving, alias)
		scope.stack = scope.stack[:len(scope.stack)-1]
	}()

	call, ok := scope.plan.Call(alias)
	if !ok {
		// Finish validated every reference; this is unreachable.
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownAlias, alias)
	}

	inst, err := b.expand(ctx, st, scope, call.Task, scope.path+"."+alias, call.Args, depth)
	if err != nil {
		return nil, err
	}
	scope.instances[alias] = inst
	return inst, nil
}

// aliasChain renders the in-progress alias stack from the point the
// cycle closes, as full instance paths.
func aliasChain(scope *planScope, repeat string) []string {
	start := 0
	for i, a := range scope.stack {
		if a == repeat {
			start = i
			break
		}
	}
	chain := make([]string, 0, len(scope.stack)-start+1)
	for _, a := range scope.stack[start:] {
		chain = append(chain, scope.path+"."+a)
	}
	return append(chain, scope.path+"."+repeat)
}

// expand instantiates one definition at path and, for pipelines,
// recursively expands its plan.
func (b *Builder) expand(ctx context.Context, st *buildState, scope *planScope, taskName, path string, args map[string]any, depth int) (*run.Instance, error) {
	if depth > b.maxDepth {
		return nil, fmt.Errorf("%w: expansion depth %d exceeded at %s", ErrCyclicDependency, b.maxDepth, path)
	}

	def, err := b.registry.Get(taskName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	binding, err := task.Bind(def, path, args, st.overrides)
	if err != nil {
		return nil, err
	}

	// Resolve output references into producer instances. Producers
	// contribute their signature to this instance's identity.
	refProducer := make(map[string]string)
	refTarget := make(map[string]target.Target)
	upstreams := make(map[string]bool)

	for _, spec := range def.Params() {
		ref, ok := binding.Values[spec.Name].(task.OutputRef)
		if !ok {
			continue
		}
		if spec.Output {
			return nil, fmt.Errorf("%w: %s.%s: output parameter bound to a reference", ErrInvalidReference, path, spec.Name)
		}
		if scope == nil {
			return nil, fmt.Errorf("%w: %s.%s: reference used outside a plan", ErrInvalidReference, path, spec.Name)
		}

		producer, err := b.expandAlias(ctx, st, scope, ref.Alias, depth)
		if err != nil {
			return nil, err
		}
		out, ok := producer.Output(ref.Param)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s: %q declares no output %q",
				task.ErrUnknownParameter, path, spec.Name, producer.Definition().Name(), ref.Param)
		}
		refProducer[spec.Name] = producer.ID()
		refTarget[spec.Name] = out
		upstreams[producer.ID()] = true
	}

	sig := task.Signature(def.Name(), def.Params(), binding.Values, refProducer)

	// Dedup: an instance with identical resolved inputs already exists
	// in this run, possibly from another branch. Reuse it.
	if existing, ok := st.run.Instance(sig); ok {
		return existing, nil
	}
	if st.expanding[sig] {
		return nil, NewCycleError(sigChain(st, sig, path))
	}

	st.expanding[sig] = true
	st.stack = append(st.stack, frame{sig: sig, path: path})
	defer func() {
		delete(st.expanding, sig)
		st.stack = st.stack[:len(st.stack)-1]
	}()

	values := binding.Values
	for param, t := range refTarget {
		values[param] = t.Address()
	}

	outputs := make(map[string]target.Target)
	if def.IsPipeline() {
		if err := b.expandPlan(ctx, st, def, path, sig, values, outputs, upstreams, depth); err != nil {
			return nil, err
		}
	} else {
		if err := b.resolveOutputs(def, path, sig, values, outputs); err != nil {
			return nil, err
		}
	}

	ups := make([]string, 0, len(upstreams))
	for id := range upstreams {
		ups = append(ups, id)
	}
	sort.Strings(ups)

	inst := run.NewInstance(run.InstanceSpec{
		ID:         sig,
		Definition: def,
		Path:       path,
		Values:     values,
		Sources:    binding.Sources,
		Outputs:    outputs,
		Upstreams:  ups,
		DeclIndex:  len(st.created),
	})
	if err := st.run.Register(inst); err != nil {
		return nil, err
	}
	st.created = append(st.created, inst)
	for _, up := range ups {
		st.downstream[up] = append(st.downstream[up], sig)
	}
	st.edgeCount += len(ups)

	b.log.Debug("instance expanded",
		slog.String("path", path),
		slog.String("task", def.Name()),
		slog.String("instance_id", inst.ShortID()),
		slog.Int("upstreams", len(ups)),
	)
	return inst, nil
}

// sigChain renders the expansion stack from the revisited signature.
func sigChain(st *buildState, sig, path string) []string {
	start := 0
	for i, f := range st.stack {
		if f.sig == sig {
			start = i
			break
		}
	}
	chain := make([]string, 0, len(st.stack)-start+1)
	for _, f := range st.stack[start:] {
		chain = append(chain, f.path)
	}
	return append(chain, path)
}

// expandPlan runs a pipeline's declaration body and expands every
// declared call. The pipeline instance depends on all its direct
// children and exposes exported child outputs as its own.
func (b *Builder) expandPlan(ctx context.Context, st *buildState, def *task.Definition, path, sig string, values task.Values, outputs map[string]target.Target, upstreams map[string]bool, depth int) error {
	pc := task.NewPlanContext(values.Clone())
	if err := def.Planner()(pc); err != nil {
		return fmt.Errorf("plan %s: %w", path, err)
	}
	plan, err := pc.Finish()
	if err != nil {
		return fmt.Errorf("plan %s: %w", path, err)
	}

	scope := &planScope{
		path:      path,
		plan:      plan,
		instances: make(map[string]*run.Instance),
		resolving: make(map[string]bool),
	}
	for _, call := range plan.Calls() {
		if _, err := b.expandAlias(ctx, st, scope, call.Alias, depth+1); err != nil {
			return err
		}
	}

	for outParam, ref := range plan.Exports() {
		spec, ok := def.Param(outParam)
		if !ok || !spec.Output {
			return fmt.Errorf("%w: plan %s exports %q which is not an output parameter", task.ErrInvalidOutput, path, outParam)
		}
		child := scope.instances[ref.Alias]
		t, ok := child.Output(ref.Param)
		if !ok {
			return fmt.Errorf("%w: plan %s export %q: %q declares no output %q",
				task.ErrInvalidOutput, path, outParam, child.Definition().Name(), ref.Param)
		}
		outputs[outParam] = t
		values[outParam] = t.Address()
	}
	for _, spec := range def.Params() {
		if spec.Output && outputs[spec.Name] == nil {
			return fmt.Errorf("%w: plan %s never exports output %q", task.ErrInvalidOutput, path, spec.Name)
		}
	}

	for _, child := range scope.instances {
		upstreams[child.ID()] = true
	}
	return nil
}

// resolveOutputs derives addresses for a leaf's unpinned outputs and
// resolves every output into a target handle.
func (b *Builder) resolveOutputs(def *task.Definition, path, sig string, values task.Values, outputs map[string]target.Target) error {
	for _, spec := range def.Params() {
		if !spec.Output {
			continue
		}
		addr, _ := values[spec.Name].(string)
		if addr == "" {
			addr = b.deriveAddress(def.Name(), sig, spec.Name)
			values[spec.Name] = addr
		}
		t, err := b.resolver.Resolve(addr)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", path, spec.Name, err)
		}
		outputs[spec.Name] = t
	}
	return nil
}

// deriveAddress builds the canonical output location
// <workdir>/<task>/<signature prefix>/<param>.
func (b *Builder) deriveAddress(defName, sig, param string) string {
	short := task.ShortSignature(sig)
	if strings.Contains(b.workDir, "://") {
		return strings.TrimRight(b.workDir, "/") + "/" + defName + "/" + short + "/" + param
	}
	return filepath.Join(b.workDir, defName, short, param)
}
