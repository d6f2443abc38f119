// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package run

import "context"

type runKey struct{}

type instanceKey struct{}

// FromContext returns the run bound by Start or StartChild.
func FromContext(ctx context.Context) (*Run, bool) {
	r, ok := ctx.Value(runKey{}).(*Run)
	return r, ok
}

// WithInstance binds the executing instance into the context handed to
// a task body.
func WithInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instanceKey{}, inst)
}

// InstanceFromContext returns the instance bound by WithInstance.
func InstanceFromContext(ctx context.Context) (*Instance, bool) {
	inst, ok := ctx.Value(instanceKey{}).(*Instance)
	return inst, ok
}

// LogMetric records a named numeric observation against the executing
// instance. A no-op outside a task body.
func LogMetric(ctx context.Context, name string, value float64) {
	r, ok := FromContext(ctx)
	if !ok {
		return
	}
	inst, ok := InstanceFromContext(ctx)
	if !ok {
		return
	}
	r.LogMetricFor(inst, name, value)
}

// LogLine records a free-form progress line against the executing
// instance. A no-op outside a task body.
func LogLine(ctx context.Context, line string) {
	r, ok := FromContext(ctx)
	if !ok {
		return
	}
	inst, ok := InstanceFromContext(ctx)
	if !ok {
		return
	}
	r.LogLineFor(inst, line)
}
