// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events carries the tracking event stream of a run.
//
// Every observable fact about a run's progress flows through here:
// instance creation, state transitions, metrics and log lines from
// task bodies. Sinks (console, JSONL file, InfluxDB, in-memory
// recorders) subscribe to an Emitter and never couple to the engine.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use. Event
//	structs are immutable after creation.
package events

import (
	"time"
)

// Kind identifies the kind of tracking event.
type Kind string

const (
	// KindInstanceCreated is emitted once per task instance when the
	// graph builder registers it.
	KindInstanceCreated Kind = "INSTANCE_CREATED"

	// KindStateChanged is emitted on every state machine transition.
	KindStateChanged Kind = "STATE_CHANGED"

	// KindMetricLogged is emitted when a task body logs a metric.
	KindMetricLogged Kind = "METRIC_LOGGED"

	// KindLogLine is emitted when a task body logs a line.
	KindLogLine Kind = "LOG_LINE"
)

// Event is one entry in a run's ordered tracking log.
//
// Events for one instance are emitted in state-machine order: a
// SUCCESS transition never precedes its RUNNING transition, and the
// Sequence field makes that order explicit and persistable.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// RunID links the event to a run.
	RunID string `json:"run_id"`

	// InstanceID links the event to a task instance, empty for
	// run-level events.
	InstanceID string `json:"instance_id,omitempty"`

	// Sequence orders events within one run, starting at 1.
	Sequence uint64 `json:"sequence"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Kind identifies the payload structure.
	Kind Kind `json:"kind"`

	// Payload is one of InstanceCreatedPayload, StateChangedPayload,
	// MetricLoggedPayload, LogLinePayload.
	Payload any `json:"payload"`
}

// InstanceCreatedPayload accompanies KindInstanceCreated.
type InstanceCreatedPayload struct {
	// Definition is the task definition name.
	Definition string `json:"definition"`

	// Path is the dotted alias path within the run's graph.
	Path string `json:"path"`

	// Upstreams lists producer instance ids this instance depends on.
	Upstreams []string `json:"upstreams,omitempty"`
}

// StateChangedPayload accompanies KindStateChanged.
type StateChangedPayload struct {
	// Path is the instance's dotted alias path, for display.
	Path string `json:"path"`

	// From and To are state names, e.g. "PENDING", "RUNNING".
	From string `json:"from"`
	To   string `json:"to"`

	// Cause carries the error text for failure transitions.
	Cause string `json:"cause,omitempty"`
}

// MetricLoggedPayload accompanies KindMetricLogged.
type MetricLoggedPayload struct {
	Path  string  `json:"path"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// LogLinePayload accompanies KindLogLine.
type LogLinePayload struct {
	Path string `json:"path"`
	Line string `json:"line"`
}
