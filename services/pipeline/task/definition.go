// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kalebinn/dbnd/pkg/validation"
	"github.com/kalebinn/dbnd/services/pipeline/target"
)

// Invocation is the handle a leaf body receives for one instance
// execution. It exposes the resolved parameters, the instance's output
// targets, and attributed metric/log emission.
//
// Implementations are provided by the run package; bodies only consume
// the interface.
type Invocation interface {
	// Params returns the resolved parameter values.
	Params() Values

	// Output returns the target handle for a declared output parameter.
	// Returns nil for names the definition does not declare as outputs.
	Output(name string) target.Target

	// LogMetric emits a METRIC_LOGGED tracking event attributed to the
	// executing instance.
	LogMetric(name string, value float64)

	// LogLine emits a LOG_LINE tracking event attributed to the
	// executing instance.
	LogLine(msg string)
}

// RunFunc is the body of a leaf definition. It runs under the executor's
// worker pool; ctx carries the per-instance timeout and cancellation.
type RunFunc func(ctx context.Context, inv Invocation) error

// PlanFunc is the declaration phase of a pipeline definition. It must be
// a pure function of the resolved parameters: it declares sub-calls on
// the PlanContext and returns without performing work.
type PlanFunc func(pc *PlanContext) error

// Definition is an immutable task template.
//
// Description:
//
//	A definition carries a unique name, ordered parameter declarations,
//	and exactly one body (RunFunc for leaves, PlanFunc for pipelines).
//	Construction validates names, parameter uniqueness, default value
//	types, and body exclusivity; a definition that constructed
//	successfully never changes.
//
// Thread Safety:
//
//	Safe for concurrent use after construction.
type Definition struct {
	name    string
	params  []ParamSpec
	byName  map[string]int
	run     RunFunc
	plan    PlanFunc
	timeout time.Duration
	engine  string
}

// Option configures optional definition attributes.
type Option func(*Definition)

// WithRun sets the leaf body.
func WithRun(fn RunFunc) Option {
	return func(d *Definition) { d.run = fn }
}

// WithPlan sets the pipeline declaration body.
func WithPlan(fn PlanFunc) Option {
	return func(d *Definition) { d.plan = fn }
}

// WithTimeout sets a per-instance execution timeout overriding the
// engine default. Zero keeps the engine default.
func WithTimeout(d time.Duration) Option {
	return func(def *Definition) { def.timeout = d }
}

// WithEngine marks instances of this definition for delegated execution
// on the named remote orchestrator ("kubernetes", "batch"). Empty means
// local execution.
func WithEngine(name string) Option {
	return func(d *Definition) { d.engine = name }
}

// NewDefinition builds and validates a definition.
//
// Inputs:
//
//	name - Unique definition name (letters, digits, underscores).
//	params - Ordered parameter declarations; order is part of the
//	         definition's identity and drives deterministic expansion.
//	opts - Body and attribute options. Exactly one of WithRun or
//	       WithPlan must be supplied.
//
// Outputs:
//
//	*Definition - The immutable definition.
//	error - ErrInvalidDefinition, ErrDuplicateParameter, ErrInvalidOutput,
//	        or ErrTypeMismatch for a default that does not coerce.
func NewDefinition(name string, params []ParamSpec, opts ...Option) (*Definition, error) {
	if err := validation.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	d := &Definition{
		name:   name,
		params: make([]ParamSpec, len(params)),
		byName: make(map[string]int, len(params)),
	}
	copy(d.params, params)

	for i, p := range d.params {
		if err := validation.ValidateName(p.Name); err != nil {
			return nil, fmt.Errorf("%w: parameter %d: %v", ErrInvalidDefinition, i, err)
		}
		if _, exists := d.byName[p.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateParameter, p.Name)
		}
		if p.Output {
			if p.Type != TypePath {
				return nil, fmt.Errorf("%w: %q must be a path, got %s", ErrInvalidOutput, p.Name, p.Type)
			}
			if p.Required {
				return nil, fmt.Errorf("%w: %q cannot be required", ErrInvalidOutput, p.Name)
			}
		}
		if p.Default != nil {
			normalized, err := Coerce(p.Type, p.Default)
			if err != nil {
				return nil, fmt.Errorf("%w: default for %q: %v", ErrTypeMismatch, p.Name, err)
			}
			d.params[i].Default = normalized
		}
		d.byName[p.Name] = i
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.run == nil && d.plan == nil {
		return nil, fmt.Errorf("%w: %q has no body", ErrInvalidDefinition, name)
	}
	if d.run != nil && d.plan != nil {
		return nil, fmt.Errorf("%w: %q has both a run and a plan body", ErrInvalidDefinition, name)
	}

	return d, nil
}

// MustDefinition is NewDefinition panicking on error, for package-level
// definition variables in user code.
func MustDefinition(name string, params []ParamSpec, opts ...Option) *Definition {
	d, err := NewDefinition(name, params, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Name returns the definition's unique name.
func (d *Definition) Name() string {
	return d.name
}

// Params returns a copy of the ordered parameter declarations.
func (d *Definition) Params() []ParamSpec {
	out := make([]ParamSpec, len(d.params))
	copy(out, d.params)
	return out
}

// Param returns the declaration for name.
func (d *Definition) Param(name string) (ParamSpec, bool) {
	i, ok := d.byName[name]
	if !ok {
		return ParamSpec{}, false
	}
	return d.params[i], true
}

// Outputs returns the names of the declared output parameters in
// declaration order.
func (d *Definition) Outputs() []string {
	var out []string
	for _, p := range d.params {
		if p.Output {
			out = append(out, p.Name)
		}
	}
	return out
}

// IsPipeline reports whether the definition has a plan body.
func (d *Definition) IsPipeline() bool {
	return d.plan != nil
}

// Timeout returns the per-instance timeout, zero meaning engine default.
func (d *Definition) Timeout() time.Duration {
	return d.timeout
}

// Engine returns the remote engine name, empty meaning local execution.
func (d *Definition) Engine() string {
	return d.engine
}

// Delegated reports whether instances run on a remote orchestrator.
func (d *Definition) Delegated() bool {
	return d.engine != ""
}

// Runner returns the leaf body, nil for pipelines.
func (d *Definition) Runner() RunFunc {
	return d.run
}

// Planner returns the declaration body, nil for leaves.
func (d *Definition) Planner() PlanFunc {
	return d.plan
}

// Registry holds the definitions visible to one engine process.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Returns ErrDuplicateDefinition if the
// name is taken.
func (r *Registry) Register(d *Definition) error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateDefinition, d.name)
	}
	r.defs[d.name] = d
	return nil
}

// MustRegister is Register panicking on error, for init-time wiring.
func (r *Registry) MustRegister(d *Definition) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDefinitionNotFound, name)
	}
	return d, nil
}

// Names returns all registered names sorted lexicographically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
