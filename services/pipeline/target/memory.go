// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package target

import (
	"context"
	"fmt"
	"sync"
)

// Store holds in-process artifacts keyed by name.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string][]byte)}
}

func (s *Store) put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.values[name] = buf
}

func (s *Store) get(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.values[name]
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, true
}

// Delete removes name from the store. Removing an absent name is a
// no-op.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Memory is a target backed by an in-process Store. Useful in tests
// and demo pipelines where no filesystem side effects are wanted.
type Memory struct {
	store *Store
	name  string
}

// NewMemory returns a memory target named name in store.
func NewMemory(store *Store, name string) *Memory {
	return &Memory{store: store, name: name}
}

// Address returns "mem://<name>".
func (m *Memory) Address() string {
	return "mem://" + m.name
}

// Exists reports whether the store holds the name.
func (m *Memory) Exists(ctx context.Context) (bool, error) {
	_, ok := m.store.get(m.name)
	return ok, nil
}

// Validate returns nil when the store holds the name.
func (m *Memory) Validate(ctx context.Context) error {
	if _, ok := m.store.get(m.name); !ok {
		return fmt.Errorf("%w: %s not in store", ErrIncomplete, m.Address())
	}
	return nil
}

// Write stores a copy of data under the name.
func (m *Memory) Write(ctx context.Context, data []byte) error {
	m.store.put(m.name, data)
	return nil
}

// Read returns a copy of the stored bytes.
func (m *Memory) Read(ctx context.Context) ([]byte, error) {
	data, ok := m.store.get(m.name)
	if !ok {
		return nil, fmt.Errorf("%w: %s not in store", ErrIncomplete, m.Address())
	}
	return data, nil
}
