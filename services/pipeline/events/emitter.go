// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler processes events.
type Handler func(event Event)

// Filter determines whether an event should be handled.
type Filter func(event Event) bool

// Subscription represents one registered handler.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter determines which events to handle (nil = all events).
	Filter Filter

	// Kinds limits which event kinds to handle (nil = all kinds).
	Kinds []Kind
}

// Emitter broadcasts events to subscribers and keeps a bounded buffer
// of recent events for late joiners (the websocket feed replays it).
//
// Thread Safety:
//
//	Safe for concurrent use. Handlers run synchronously on the
//	emitting goroutine, so the run's event order is preserved per
//	subscriber; a panicking handler is recovered and logged rather
//	than taking the run down.
type Emitter struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	buffer     []Event
	bufferSize int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the recent-event buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// NewEmitter creates an emitter with a 1000-event buffer by default.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subs:       make(map[string]*Subscription),
		bufferSize: 1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	kinds - Event kinds to subscribe to (none = all kinds).
//
// Outputs:
//
//	string - Subscription id for Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, kinds ...Kind) string {
	return e.SubscribeWithFilter(handler, nil, kinds...)
}

// SubscribeWithFilter registers a handler with a custom filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, kinds ...Kind) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Kinds:   kinds,
	}
	e.subs[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subs[id]; ok {
		delete(e.subs, id)
		return true
	}
	return false
}

// Emit buffers the event and broadcasts it to matching subscribers.
// Events missing an ID get one assigned.
func (e *Emitter) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	subs := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if shouldHandle(sub, event) {
			safeInvoke(sub.Handler, event)
		}
	}
}

// safeInvoke calls a handler with panic recovery so one misbehaving
// sink cannot crash the run or starve other sinks.
func safeInvoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_kind", event.Kind,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// shouldHandle applies the subscription's kind and custom filters.
func shouldHandle(sub *Subscription, event Event) bool {
	if len(sub.Kinds) > 0 {
		match := false
		for _, k := range sub.Kinds {
			if k == event.Kind {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	return true
}

// Buffer returns a copy of the buffered events.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// BufferByKind returns buffered events of one kind.
func (e *Emitter) BufferByKind(kind Kind) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, ev := range e.buffer {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Reset clears all subscriptions and the buffer.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subs = make(map[string]*Subscription)
	e.buffer = make([]Event, 0, e.bufferSize)
}
