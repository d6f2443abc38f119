// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package run

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunAlreadyActive is returned by Start when the context already
	// carries a run. Use StartChild for deliberate nesting.
	ErrRunAlreadyActive = errors.New("run already active in context")

	// ErrInvalidTransition marks a state change the transition table
	// forbids, e.g. SUCCESS directly from PENDING.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownInstance marks an instance id not registered in the run.
	ErrUnknownInstance = errors.New("unknown task instance")

	// ErrDuplicateInstance marks a second registration of an instance id.
	ErrDuplicateInstance = errors.New("duplicate task instance")

	// ErrUnknownOverrideTarget marks an override whose definition,
	// instance path, or parameter matches nothing in the built graph.
	ErrUnknownOverrideTarget = errors.New("unknown override target")

	// ErrInvalidOverrideSpec marks a malformed --set expression.
	ErrInvalidOverrideSpec = errors.New("invalid override spec")

	// ErrUpstreamFailed is the cause recorded on instances skipped
	// because a transitive dependency failed.
	ErrUpstreamFailed = errors.New("upstream failed")

	// ErrTimedOut is the cause recorded when a body exceeds its timeout.
	ErrTimedOut = errors.New("timed out")

	// ErrAborted is the cause recorded when the run is aborted.
	ErrAborted = errors.New("run aborted")
)

// TaskBodyError attributes a body failure to one instance.
type TaskBodyError struct {
	// InstanceID is the failing instance's signature id.
	InstanceID string

	// Path is the instance's dotted alias path.
	Path string

	// Err is the failure returned or recovered from the body.
	Err error
}

// Error formats as "task <path> (<id prefix>): <cause>".
func (e *TaskBodyError) Error() string {
	id := e.InstanceID
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("task %s (%s): %v", e.Path, id, e.Err)
}

// Unwrap returns the body failure.
func (e *TaskBodyError) Unwrap() error {
	return e.Err
}

// InstanceError is one entry in a RunError.
type InstanceError struct {
	// ID is the failing instance's signature id.
	ID string

	// Path is the instance's dotted alias path.
	Path string

	// Err is the recorded failure.
	Err error
}

// RunError reports every instance that genuinely failed in a run.
// Instances marked UPSTREAM_FAILED are not listed; they carry no
// failure of their own.
type RunError struct {
	// RunID identifies the failed run.
	RunID string

	// Failures lists each FAILED instance with its error, in
	// registration order.
	Failures []InstanceError
}

// Error names every failing instance, never just the first.
func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d task instance(s) failed:", e.RunID, len(e.Failures))
	for _, f := range e.Failures {
		id := f.ID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(&b, "\n  - %s (%s): %v", f.Path, id, f.Err)
	}
	return b.String()
}

// Unwrap exposes the per-instance errors to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}
