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
	"os"
	"path/filepath"
)

// SuccessMarker is the flag file that marks a directory artifact
// complete. Partial directories left by a crashed producer never
// contain it, so they re-run rather than poison the cache.
const SuccessMarker = "_SUCCESS"

// File is a target on the local filesystem. The artifact is either a
// regular file or a directory of files sealed with a SuccessMarker.
type File struct {
	path string
}

// NewFile returns a file target for path. The path is cleaned but not
// required to exist.
func NewFile(path string) *File {
	return &File{path: filepath.Clean(path)}
}

// Address returns the cleaned filesystem path.
func (f *File) Address() string {
	return f.path
}

// Path returns the filesystem path, same as Address.
func (f *File) Path() string {
	return f.path
}

// Exists reports whether anything is present at the path.
func (f *File) Exists(ctx context.Context) (bool, error) {
	_, err := os.Stat(f.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", f.path, err)
}

// Validate returns nil when the artifact is complete: a regular file
// present on disk, or a directory containing the SuccessMarker.
func (f *File) Validate(ctx context.Context) error {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist", ErrIncomplete, f.path)
		}
		return fmt.Errorf("stat %s: %w", f.path, err)
	}
	if !info.IsDir() {
		return nil
	}
	if _, err := os.Stat(filepath.Join(f.path, SuccessMarker)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s has no %s marker", ErrIncomplete, f.path, SuccessMarker)
		}
		return fmt.Errorf("stat %s marker: %w", f.path, err)
	}
	return nil
}

// Write replaces the artifact with data.
//
// Description:
//
//	Writes atomically: data lands in a temp file in the same directory,
//	is synced, then renamed over the path. A reader never observes a
//	half-written artifact, and a crash mid-write leaves the previous
//	artifact intact. Parent directories are created as needed.
func (f *File) Write(ctx context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".target-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		return fmt.Errorf("chmod %s: %w", f.path, err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("rename to %s: %w", f.path, err)
	}

	success = true
	return nil
}

// Read returns the artifact bytes.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return data, nil
}

// Seal marks a directory artifact complete by writing the
// SuccessMarker. Producers that lay out multiple files under the
// target path call this last.
func (f *File) Seal(ctx context.Context) error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: seal on non-directory %s", ErrInvalidAddress, f.path)
	}
	marker := NewFile(filepath.Join(f.path, SuccessMarker))
	return marker.Write(ctx, nil)
}
