// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package remote keeps delegated task instances in step with the
// orchestrator that actually runs them.
//
// A SyncLoop polls the remote for every outstanding instance record and
// applies observed deltas through run.Transition, the same gate the
// in-process executor uses. Revisions are monotonic per remote id, so
// replayed or reordered polls are discarded rather than reapplied.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalebinn/dbnd/services/pipeline/run"
)

var (
	// ErrNotFound reports that the remote no longer knows the id. One
	// miss is tolerated; repeated misses fail the instance.
	ErrNotFound = errors.New("remote record not found")

	// ErrRemoteFailed is the cause recorded when the remote reports a
	// terminal failure.
	ErrRemoteFailed = errors.New("remote execution failed")

	// ErrRemoteCancelled is the cause recorded when the remote reports
	// the work was cancelled out from under the run.
	ErrRemoteCancelled = errors.New("remote execution cancelled")
)

// State is the closed set of states a remote orchestrator can report.
type State int

const (
	// StateUnknown is reported when the remote cannot classify the
	// work. It never produces a local transition.
	StateUnknown State = iota

	// StateQueued means the work is accepted but not yet running.
	StateQueued

	// StateRunning means the work is executing.
	StateRunning

	// StateSuccess means the work finished and its outputs are in place.
	StateSuccess

	// StateFailed means the work finished unsuccessfully.
	StateFailed

	// StateCancelled means the remote tore the work down.
	StateCancelled
)

var stateNames = map[State]string{
	StateUnknown:   "UNKNOWN",
	StateQueued:    "QUEUED",
	StateRunning:   "RUNNING",
	StateSuccess:   "SUCCESS",
	StateFailed:    "FAILED",
	StateCancelled: "CANCELLED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether the remote state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ParseState maps a wire value onto the closed state set.
func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown remote state %q", s)
}

// Observation is one poll result for one remote id.
type Observation struct {
	// State is the remote's current classification of the work.
	State State

	// Revision orders observations per remote id. The remote must
	// never reuse or decrease it for the same id.
	Revision int64

	// Message carries the remote's failure detail, empty otherwise.
	Message string
}

// Poller reads the current state of one remote record.
//
// Implementations must be safe for concurrent use and should return
// ErrNotFound, not a zero Observation, when the id has disappeared.
type Poller interface {
	Poll(ctx context.Context, remoteID string) (Observation, error)
}

// Submitter hands one instance to the remote orchestrator and returns
// the id under which it can be polled.
type Submitter interface {
	Submit(ctx context.Context, inst *run.Instance) (string, error)
}
