// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package target

import (
	"errors"
	"testing"
)

func TestResolver_FileAddresses(t *testing.T) {
	r := NewResolver()

	tgt, err := r.Resolve("/data/out.json")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := tgt.(*File); !ok {
		t.Errorf("Resolve plain path = %T, want *File", tgt)
	}

	tgt, err = r.Resolve("file:///data/out.json")
	if err != nil {
		t.Fatalf("Resolve file://: %v", err)
	}
	if tgt.Address() != "/data/out.json" {
		t.Errorf("Address() = %q", tgt.Address())
	}
}

func TestResolver_MemoryAddresses(t *testing.T) {
	store := NewStore()
	r := NewResolver(WithMemoryStore(store))

	tgt, err := r.Resolve("mem://features")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tgt.Address() != "mem://features" {
		t.Errorf("Address() = %q", tgt.Address())
	}

	// Without a store the scheme is refused.
	bare := NewResolver()
	if _, err := bare.Resolve("mem://features"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("Resolve without store = %v, want ErrUnsupportedScheme", err)
	}
}

func TestResolver_Rejections(t *testing.T) {
	r := NewResolver()

	if _, err := r.Resolve(""); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("empty address = %v, want ErrInvalidAddress", err)
	}
	if _, err := r.Resolve("mem://"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("mem without store = %v, want ErrUnsupportedScheme", err)
	}
	if _, err := r.Resolve("s3://bucket/key"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("unknown scheme = %v, want ErrUnsupportedScheme", err)
	}
	if _, err := r.Resolve("gs://bucket/obj"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("gs without client = %v, want ErrUnsupportedScheme", err)
	}
}

func TestParseGCSAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		bucket  string
		object  string
		wantErr bool
	}{
		{"basic", "gs://models/featurize/abc/out", "models", "featurize/abc/out", false},
		{"no object", "gs://models", "", "", true},
		{"no bucket", "gs:///obj", "", "", true},
		{"wrong scheme", "s3://models/x", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, object, err := ParseGCSAddress(tt.address)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseGCSAddress(%q) succeeded", tt.address)
				}
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("error = %v, want ErrInvalidAddress", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGCSAddress(%q): %v", tt.address, err)
			}
			if bucket != tt.bucket || object != tt.object {
				t.Errorf("= (%q, %q), want (%q, %q)", bucket, object, tt.bucket, tt.object)
			}
		})
	}
}
