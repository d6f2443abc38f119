// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"errors"
	"fmt"

	"github.com/kalebinn/dbnd/pkg/validation"
)

// OutputRef names the output target of a sibling call inside a plan.
// Used as an argument value it creates a dependency edge from the
// producing instance to the consuming one.
type OutputRef struct {
	// Alias is the plan-local alias of the producing call.
	Alias string

	// Param is the output parameter name on the producer.
	Param string
}

// PlannedCall is one desired sub-instantiation declared by a plan.
type PlannedCall struct {
	// Alias is unique within the plan and becomes a segment of the
	// instance path ("root.featurize.split").
	Alias string

	// Task is the definition name to instantiate.
	Task string

	// Args are the explicit parameter values. Values may be OutputRef
	// to consume a sibling's output.
	Args map[string]any
}

// Plan is the data a pipeline's declaration phase produces: the ordered
// sub-calls and the bindings of the pipeline's own outputs to sub-call
// outputs.
//
// Plans are plain data. The graph builder performs all binding and
// validation against the registry; a Plan by itself guarantees only
// alias uniqueness and referential alias validity.
type Plan struct {
	calls   []PlannedCall
	byAlias map[string]int
	exports map[string]OutputRef
}

// Calls returns the planned calls in declaration order.
func (p *Plan) Calls() []PlannedCall {
	out := make([]PlannedCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// Call returns the planned call registered under alias.
func (p *Plan) Call(alias string) (PlannedCall, bool) {
	i, ok := p.byAlias[alias]
	if !ok {
		return PlannedCall{}, false
	}
	return p.calls[i], true
}

// Exports returns the pipeline-output-to-subcall-output bindings.
func (p *Plan) Exports() map[string]OutputRef {
	out := make(map[string]OutputRef, len(p.exports))
	for k, v := range p.exports {
		out[k] = v
	}
	return out
}

// CallHandle refers to a declared call and mints OutputRefs for its
// outputs.
type CallHandle struct {
	alias string
}

// Output returns a reference to the named output of this call.
func (h CallHandle) Output(param string) OutputRef {
	return OutputRef{Alias: h.alias, Param: param}
}

// PlanContext accumulates a pipeline's declaration phase.
//
// Description:
//
//	A PlanFunc receives a PlanContext carrying the pipeline's resolved
//	parameters and declares sub-calls on it. Errors accumulate and are
//	reported together when the builder finishes the plan, so a body can
//	declare its whole shape without per-call error plumbing.
//
// Thread Safety:
//
//	NOT safe for concurrent use. Declaration runs single-threaded
//	inside the graph builder.
type PlanContext struct {
	params Values
	plan   Plan
	errs   []error
}

// NewPlanContext creates a declaration context for one pipeline
// instantiation. Called by the graph builder.
func NewPlanContext(params Values) *PlanContext {
	return &PlanContext{
		params: params,
		plan: Plan{
			byAlias: make(map[string]int),
			exports: make(map[string]OutputRef),
		},
	}
}

// Params returns the pipeline's resolved parameter values.
func (pc *PlanContext) Params() Values {
	return pc.params.Clone()
}

// Call declares a sub-instantiation of the named definition.
//
// Inputs:
//
//	alias - Plan-local alias, unique within this plan.
//	taskName - Definition to instantiate.
//	args - Explicit arguments; OutputRef values create dependency edges.
//
// Outputs:
//
//	CallHandle - Mints OutputRefs for the declared call's outputs.
func (pc *PlanContext) Call(alias, taskName string, args map[string]any) CallHandle {
	if err := validation.ValidateAlias(alias); err != nil {
		pc.errs = append(pc.errs, fmt.Errorf("%w: %v", ErrInvalidDefinition, err))
		return CallHandle{alias: alias}
	}
	if _, exists := pc.plan.byAlias[alias]; exists {
		pc.errs = append(pc.errs, fmt.Errorf("%w: %q", ErrDuplicateAlias, alias))
		return CallHandle{alias: alias}
	}

	copied := make(map[string]any, len(args))
	for k, v := range args {
		copied[k] = v
	}
	pc.plan.byAlias[alias] = len(pc.plan.calls)
	pc.plan.calls = append(pc.plan.calls, PlannedCall{
		Alias: alias,
		Task:  taskName,
		Args:  copied,
	})
	return CallHandle{alias: alias}
}

// Export binds one of the pipeline's own output parameters to a
// sub-call's output, making the sub-result the pipeline's result.
func (pc *PlanContext) Export(outputParam string, ref OutputRef) {
	if _, exists := pc.plan.exports[outputParam]; exists {
		pc.errs = append(pc.errs, fmt.Errorf("%w: output %q exported twice", ErrInvalidOutput, outputParam))
		return
	}
	pc.plan.exports[outputParam] = ref
}

// Finish validates the accumulated plan and returns it.
//
// Validation here covers plan-local structure only: alias uniqueness
// (checked during Call) and that every OutputRef argument or export
// names a declared alias. Parameter existence and types are the graph
// builder's job, since they need the registry.
func (pc *PlanContext) Finish() (*Plan, error) {
	for _, call := range pc.plan.calls {
		for param, v := range call.Args {
			ref, ok := v.(OutputRef)
			if !ok {
				continue
			}
			if _, exists := pc.plan.byAlias[ref.Alias]; !exists {
				pc.errs = append(pc.errs, fmt.Errorf("%w: %q.%s references %q", ErrUnknownAlias, call.Alias, param, ref.Alias))
			}
		}
	}
	for out, ref := range pc.plan.exports {
		if _, exists := pc.plan.byAlias[ref.Alias]; !exists {
			pc.errs = append(pc.errs, fmt.Errorf("%w: export %q references %q", ErrUnknownAlias, out, ref.Alias))
		}
	}

	if len(pc.errs) > 0 {
		return nil, fmt.Errorf("plan has %d error(s): %w", len(pc.errs), errors.Join(pc.errs...))
	}
	return &pc.plan, nil
}
