// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package run

// State is the per-instance state machine position.
//
// The legal transitions are:
//
//	PENDING → RUNNING | SKIPPED_COMPLETE | UPSTREAM_FAILED | ABORTED
//	RUNNING → SUCCESS | FAILED | ABORTED
//
// Everything else is terminal. All transitions funnel through
// Run.Transition; there is no other writer.
type State int

const (
	// StatePending is the initial state of every instance.
	StatePending State = iota

	// StateRunning means the body is executing, locally or remotely.
	StateRunning

	// StateSuccess means the body returned and all outputs validate.
	StateSuccess

	// StateFailed means the body failed, an output failed to validate,
	// or the instance timed out.
	StateFailed

	// StateUpstreamFailed means a transitive dependency failed; the
	// body never ran.
	StateUpstreamFailed

	// StateSkippedComplete means all outputs validated before the run
	// started; the body never ran (cache hit).
	StateSkippedComplete

	// StateAborted means the run was torn down before or during the
	// body's execution.
	StateAborted
)

// String returns the state name used in events and persistence.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateSuccess:
		return "SUCCESS"
	case StateFailed:
		return "FAILED"
	case StateUpstreamFailed:
		return "UPSTREAM_FAILED"
	case StateSkippedComplete:
		return "SKIPPED_COMPLETE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateUpstreamFailed, StateSkippedComplete, StateAborted:
		return true
	default:
		return false
	}
}

// Satisfied reports whether downstream instances may treat this state
// as a completed dependency.
func (s State) Satisfied() bool {
	return s == StateSuccess || s == StateSkippedComplete
}

// Failure reports whether the state blocks downstream instances.
func (s State) Failure() bool {
	return s == StateFailed || s == StateUpstreamFailed || s == StateAborted
}

// canTransition is the transition table.
func canTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateSkippedComplete ||
			to == StateUpstreamFailed || to == StateAborted
	case StateRunning:
		return to == StateSuccess || to == StateFailed || to == StateAborted
	default:
		return false
	}
}

// Status is the run-level outcome.
type Status int

const (
	// StatusActive means the run has not finished.
	StatusActive Status = iota

	// StatusSuccess means every instance ended SUCCESS or
	// SKIPPED_COMPLETE.
	StatusSuccess

	// StatusFailed means at least one instance ended FAILED or
	// UPSTREAM_FAILED.
	StatusFailed

	// StatusAborted means the run was torn down before completion.
	StatusAborted
)

// String returns the status name used in persistence and the CLI.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}
