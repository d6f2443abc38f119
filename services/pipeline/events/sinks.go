// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kalebinn/dbnd/pkg/ux"
)

// ConsoleSink renders events as human-readable lines.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer

	// Verbose includes metric and log-line events, not just state
	// changes.
	Verbose bool
}

// NewConsoleSink writes to w, or stdout when w is nil.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

// Handle renders one event. Register it with Emitter.Subscribe.
func (s *ConsoleSink) Handle(ev Event) {
	line := s.format(ev)
	if line == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

func (s *ConsoleSink) format(ev Event) string {
	switch p := ev.Payload.(type) {
	case StateChangedPayload:
		return fmt.Sprintf("  %s %s", ux.StateBadge(p.To), p.Path)
	case MetricLoggedPayload:
		if !s.Verbose {
			return ""
		}
		text := fmt.Sprintf("    %s %s=%g", p.Path, p.Name, p.Value)
		if ux.Plain() {
			return text
		}
		return ux.Styles.Muted.Render(text)
	case LogLinePayload:
		if !s.Verbose {
			return ""
		}
		text := fmt.Sprintf("    %s: %s", p.Path, p.Line)
		if ux.Plain() {
			return text
		}
		return ux.Styles.Muted.Render(text)
	default:
		return ""
	}
}

// JSONLSink appends events to a file, one JSON object per line. The
// format is stable and grep-friendly; `dbnd runs show` reads it back.
type JSONLSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewJSONLSink opens (appending) or creates the file at path.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &JSONLSink{f: f}, nil
}

// Handle appends one event. Marshal failures are dropped; the event
// stream must never fail a run.
func (s *JSONLSink) Handle(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Write(append(data, '\n'))
}

// Close syncs and closes the file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadJSONL loads the events from a JSONL file, in file order.
func ReadJSONL(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event log %s: %w", path, err)
	}

	var out []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decode event log %s: %w", path, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// DecodePayload converts a JSON-decoded event's payload back to its
// typed struct. Events built in-process already carry typed payloads
// and pass through unchanged.
func DecodePayload(ev Event) (any, error) {
	switch ev.Payload.(type) {
	case InstanceCreatedPayload, StateChangedPayload, MetricLoggedPayload, LogLinePayload:
		return ev.Payload, nil
	}

	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("re-encode payload: %w", err)
	}
	switch ev.Kind {
	case KindInstanceCreated:
		var p InstanceCreatedPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindStateChanged:
		var p StateChangedPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindMetricLogged:
		var p MetricLoggedPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case KindLogLine:
		var p LogLinePayload
		err = json.Unmarshal(raw, &p)
		return p, err
	default:
		return ev.Payload, nil
	}
}

// Recorder collects events in memory for tests and the API's recent
// activity endpoint.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Handle records the event. Register it with Emitter.Subscribe.
func (r *Recorder) Handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events in arrival order.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind returns recorded events of one kind.
func (r *Recorder) ByKind(kind Kind) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns the number of recorded events.
func (r *Recorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Clear removes all recorded events.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
