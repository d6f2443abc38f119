// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS is a target stored as a Google Cloud Storage object.
type GCS struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCS returns a GCS target for a "gs://bucket/object" address.
func NewGCS(client *storage.Client, address string) (*GCS, error) {
	bucket, object, err := ParseGCSAddress(address)
	if err != nil {
		return nil, err
	}
	return &GCS{client: client, bucket: bucket, object: object}, nil
}

// ParseGCSAddress splits "gs://bucket/object" into its parts.
func ParseGCSAddress(address string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(address, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not a gs:// address", ErrInvalidAddress, address)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %q needs both bucket and object", ErrInvalidAddress, address)
	}
	return bucket, object, nil
}

// NewGCSClient builds a storage client. With a service account key
// path the client authenticates with it; with an empty path it falls
// back to application default credentials.
func NewGCSClient(ctx context.Context, saKeyPath string) (*storage.Client, error) {
	if saKeyPath == "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create GCS client: %w", err)
		}
		return client, nil
	}
	if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("service account key not found at %s", saKeyPath)
	}
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(saKeyPath))
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return client, nil
}

// Address returns "gs://<bucket>/<object>".
func (g *GCS) Address() string {
	return "gs://" + g.bucket + "/" + g.object
}

// Exists reports whether the object is present.
func (g *GCS) Exists(ctx context.Context) (bool, error) {
	_, err := g.client.Bucket(g.bucket).Object(g.object).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("attrs %s: %w", g.Address(), err)
}

// Validate returns nil when the object is present.
func (g *GCS) Validate(ctx context.Context) error {
	ok, err := g.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s does not exist", ErrIncomplete, g.Address())
	}
	return nil
}

// Write replaces the object with data. GCS object writes are atomic:
// the object becomes visible only on a successful Close.
func (g *GCS) Write(ctx context.Context, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(g.object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", g.Address(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", g.Address(), err)
	}
	return nil
}

// Read returns the object bytes.
func (g *GCS) Read(ctx context.Context) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrIncomplete, g.Address())
		}
		return nil, fmt.Errorf("open %s: %w", g.Address(), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", g.Address(), err)
	}
	return data, nil
}
