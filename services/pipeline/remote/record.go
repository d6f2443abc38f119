// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

// Record tracks one delegated instance's remote mirror: the id the
// orchestrator knows it by, the last state observed, and the revision
// gate that makes polling idempotent.
//
// Records are owned by the SyncLoop and only touched under its lock.
type Record struct {
	remoteID   string
	instanceID string
	lastState  State
	revision   int64
	misses     int
	stale      bool
}

// newRecord starts tracking remoteID for instanceID. The revision
// starts below any the remote can report, so the first observation
// always applies.
func newRecord(remoteID, instanceID string) *Record {
	return &Record{
		remoteID:   remoteID,
		instanceID: instanceID,
		lastState:  StateUnknown,
		revision:   -1,
	}
}

// RemoteID returns the orchestrator's id for the work.
func (r *Record) RemoteID() string {
	return r.remoteID
}

// InstanceID returns the local task instance id.
func (r *Record) InstanceID() string {
	return r.instanceID
}

// LastState returns the last observation that advanced the record.
func (r *Record) LastState() State {
	return r.lastState
}

// Revision returns the last applied revision, -1 before any.
func (r *Record) Revision() int64 {
	return r.revision
}

// Stale reports whether polling has been failing past the retry bound.
func (r *Record) Stale() bool {
	return r.stale
}

// observe advances the record if obs carries a newer revision.
// Replayed and out-of-order observations return false and change
// nothing, which is the whole idempotency story: an observation is
// applied locally exactly when observe accepts it.
func (r *Record) observe(obs Observation) bool {
	if obs.Revision <= r.revision {
		return false
	}
	r.revision = obs.Revision
	r.lastState = obs.State
	return true
}

// seed restores a checkpointed revision gate without treating it as a
// fresh observation.
func (r *Record) seed(state State, revision int64) {
	if revision > r.revision {
		r.revision = revision
		r.lastState = state
	}
}
