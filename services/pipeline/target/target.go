// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package target provides handles to the addressable artifacts task
// instances produce and consume.
//
// A target is identified by its address alone. Completeness is a
// property of the artifact, not of the run that produced it: if a
// target validates, every future run treats the producing instance as
// already done. That single rule is what makes caching work across
// runs and not just across branches within one run.
//
// Three address schemes are supported:
//
//	/abs/path or file:///abs/path    local filesystem
//	mem://name                       in-process store, for tests and demos
//	gs://bucket/object               Google Cloud Storage
package target

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

var (
	// ErrInvalidAddress marks an address that cannot be parsed.
	ErrInvalidAddress = errors.New("invalid target address")

	// ErrUnsupportedScheme marks an address whose scheme has no backend
	// configured on the resolver.
	ErrUnsupportedScheme = errors.New("unsupported target scheme")

	// ErrIncomplete is returned by Validate when the artifact is absent
	// or fails its validity check.
	ErrIncomplete = errors.New("target incomplete")
)

// Target is a handle to one addressable artifact.
//
// Thread Safety:
//
//	Implementations are safe for concurrent use.
type Target interface {
	// Address returns the logical address, stable across processes.
	Address() string

	// Exists reports whether anything is present at the address. Cheap
	// and side-effect-free.
	Exists(ctx context.Context) (bool, error)

	// Validate returns nil when the artifact is present and well formed.
	// Absence or malformation returns an error wrapping ErrIncomplete.
	// Cheap and side-effect-free.
	Validate(ctx context.Context) error
}

// Writer is implemented by targets that accept artifact bytes.
type Writer interface {
	Target
	Write(ctx context.Context, data []byte) error
}

// Reader is implemented by targets whose artifact can be read back.
type Reader interface {
	Target
	Read(ctx context.Context) ([]byte, error)
}

// Resolver turns addresses into targets backed by the configured
// stores. The zero value resolves filesystem addresses only.
type Resolver struct {
	store *Store
	gcs   *storage.Client
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMemoryStore routes mem:// addresses to store.
func WithMemoryStore(store *Store) ResolverOption {
	return func(r *Resolver) { r.store = store }
}

// WithGCSClient routes gs:// addresses through client.
func WithGCSClient(client *storage.Client) ResolverOption {
	return func(r *Resolver) { r.gcs = client }
}

// NewResolver builds a resolver. Without options only filesystem
// addresses resolve.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the target for address.
//
// Outputs:
//
//	Target - Backend-specific handle.
//	error - ErrInvalidAddress for empty or malformed addresses,
//	        ErrUnsupportedScheme when the scheme's backend is not
//	        configured.
func (r *Resolver) Resolve(address string) (Target, error) {
	switch {
	case address == "":
		return nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	case strings.HasPrefix(address, "mem://"):
		if r.store == nil {
			return nil, fmt.Errorf("%w: no memory store configured for %q", ErrUnsupportedScheme, address)
		}
		name := strings.TrimPrefix(address, "mem://")
		if name == "" {
			return nil, fmt.Errorf("%w: %q has no name", ErrInvalidAddress, address)
		}
		return NewMemory(r.store, name), nil
	case strings.HasPrefix(address, "gs://"):
		if r.gcs == nil {
			return nil, fmt.Errorf("%w: no GCS client configured for %q", ErrUnsupportedScheme, address)
		}
		return NewGCS(r.gcs, address)
	case strings.HasPrefix(address, "file://"):
		return NewFile(strings.TrimPrefix(address, "file://")), nil
	case strings.Contains(address, "://"):
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, address)
	default:
		return NewFile(address), nil
	}
}
