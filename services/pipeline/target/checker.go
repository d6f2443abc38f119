// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package target

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Index records which instance produced which address. Implemented by
// the badger-backed production index; nil disables recording.
type Index interface {
	// RecordProduction stores address → producing instance id.
	RecordProduction(ctx context.Context, address, instanceID string) error

	// Producer returns the recorded producing instance id for address.
	Producer(ctx context.Context, address string) (string, bool, error)
}

// Checker answers completeness questions about targets.
//
// Description:
//
//	The pre-run sweep asks about every instance's outputs at once, and
//	shared upstreams are asked about from several branches. The checker
//	dedups concurrent probes per address with singleflight and memoizes
//	positive verdicts: a complete artifact stays complete for the
//	process lifetime unless Invalidate is called (the file watcher does
//	that when an artifact is touched externally). Negative verdicts are
//	never cached, since the producing instance may complete at any
//	moment.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Checker struct {
	group singleflight.Group
	index Index

	mu       sync.RWMutex
	complete map[string]bool
}

// NewChecker builds a checker. index may be nil.
func NewChecker(index Index) *Checker {
	return &Checker{
		index:    index,
		complete: make(map[string]bool),
	}
}

// Complete reports whether t validates.
//
// Outputs:
//
//	bool - True when the artifact is present and well formed.
//	error - I/O failures other than absence. Absence is (false, nil).
func (c *Checker) Complete(ctx context.Context, t Target) (bool, error) {
	addr := t.Address()

	c.mu.RLock()
	done := c.complete[addr]
	c.mu.RUnlock()
	if done {
		return true, nil
	}

	_, err, _ := c.group.Do(addr, func() (any, error) {
		// Double-check inside the flight.
		c.mu.RLock()
		done := c.complete[addr]
		c.mu.RUnlock()
		if done {
			return nil, nil
		}

		if err := t.Validate(ctx); err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.complete[addr] = true
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Invalidate drops the memoized verdict for address. Safe to call for
// addresses never checked.
func (c *Checker) Invalidate(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.complete, address)
}

// MarkComplete memoizes a positive verdict without re-probing. The
// executor calls this after post-body validation succeeds.
func (c *Checker) MarkComplete(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete[address] = true
}

// RecordProduction stores the producing instance for t's address in
// the index, when one is configured.
func (c *Checker) RecordProduction(ctx context.Context, t Target, instanceID string) error {
	if c.index == nil {
		return nil
	}
	return c.index.RecordProduction(ctx, t.Address(), instanceID)
}

// Producer looks up the recorded producing instance for address.
// Without an index it reports not found.
func (c *Checker) Producer(ctx context.Context, address string) (string, bool, error) {
	if c.index == nil {
		return "", false, nil
	}
	return c.index.Producer(ctx, address)
}
