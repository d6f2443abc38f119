// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package run

import (
	"sync/atomic"
	"time"

	"github.com/kalebinn/dbnd/services/pipeline/target"
	"github.com/kalebinn/dbnd/services/pipeline/task"
)

// Instance is one node of a run's graph: a definition bound to
// resolved inputs, identified by its deterministic signature.
//
// Description:
//
//	Instances are created by the graph builder and immutable except
//	for their state, which only Run.Transition writes. The state field
//	is readable lock-free; Err and the remote id are safe to read once
//	Done is closed or, for the remote id, after AttachRemote returns.
//
// Thread Safety:
//
//	Safe for concurrent use under the rules above.
type Instance struct {
	id        string
	def       *task.Definition
	path      string
	values    task.Values
	sources   map[string]task.BindSource
	outputs   map[string]target.Target
	upstreams []string
	declIndex int

	// state holds a State value, written only under the run's lock.
	state atomic.Int32

	// err is set before done closes.
	err      error
	done     chan struct{}
	remoteID string
}

// InstanceSpec carries the graph builder's construction inputs.
type InstanceSpec struct {
	// ID is the deterministic signature id.
	ID string

	// Definition is the bound task definition.
	Definition *task.Definition

	// Path is the dotted alias path of the first declaration site,
	// e.g. "root.featurize".
	Path string

	// Values are the resolved parameter values, with reference-bound
	// inputs replaced by the producer's output addresses.
	Values task.Values

	// Sources records the binding tier per parameter.
	Sources map[string]task.BindSource

	// Outputs maps declared output parameters to their targets.
	Outputs map[string]target.Target

	// Upstreams lists producer instance ids, sorted and deduplicated.
	Upstreams []string

	// DeclIndex is the declaration order within the expansion, used
	// for deterministic scheduling ties.
	DeclIndex int
}

// NewInstance builds an instance in StatePending.
func NewInstance(spec InstanceSpec) *Instance {
	inst := &Instance{
		id:        spec.ID,
		def:       spec.Definition,
		path:      spec.Path,
		values:    spec.Values,
		sources:   spec.Sources,
		outputs:   spec.Outputs,
		upstreams: spec.Upstreams,
		declIndex: spec.DeclIndex,
		done:      make(chan struct{}),
	}
	inst.state.Store(int32(StatePending))
	return inst
}

// ID returns the deterministic signature id.
func (i *Instance) ID() string {
	return i.id
}

// ShortID returns the 12-character display prefix of the id.
func (i *Instance) ShortID() string {
	return task.ShortSignature(i.id)
}

// Definition returns the bound task definition.
func (i *Instance) Definition() *task.Definition {
	return i.def
}

// Path returns the dotted alias path.
func (i *Instance) Path() string {
	return i.path
}

// Values returns a copy of the resolved parameter values.
func (i *Instance) Values() task.Values {
	return i.values.Clone()
}

// Source returns the binding tier that produced the parameter's value.
func (i *Instance) Source(param string) (task.BindSource, bool) {
	s, ok := i.sources[param]
	return s, ok
}

// Output returns the target for one declared output parameter.
func (i *Instance) Output(name string) (target.Target, bool) {
	t, ok := i.outputs[name]
	return t, ok
}

// Outputs returns the output targets keyed by parameter name. The map
// is shared; callers must not mutate it.
func (i *Instance) Outputs() map[string]target.Target {
	return i.outputs
}

// Upstreams returns the producer instance ids this instance waits on.
// The slice is shared; callers must not mutate it.
func (i *Instance) Upstreams() []string {
	return i.upstreams
}

// DeclIndex returns the declaration order within the expansion.
func (i *Instance) DeclIndex() int {
	return i.declIndex
}

// State returns the current state, lock-free.
func (i *Instance) State() State {
	return State(i.state.Load())
}

// Err returns the recorded failure. Valid once Done is closed.
func (i *Instance) Err() error {
	return i.err
}

// Done is closed when the instance reaches a terminal state.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Delegated reports whether the instance runs on a remote engine.
func (i *Instance) Delegated() bool {
	return i.def.Delegated()
}

// Engine returns the remote engine name, empty for local instances.
func (i *Instance) Engine() string {
	return i.def.Engine()
}

// Timeout returns the definition's per-instance timeout, zero meaning
// the executor default applies.
func (i *Instance) Timeout() time.Duration {
	return i.def.Timeout()
}

// RemoteID returns the remote engine's id for a delegated instance,
// empty until submission. Safe to read after AttachRemote returns.
func (i *Instance) RemoteID() string {
	return i.remoteID
}
