// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"errors"

	"github.com/kalebinn/dbnd/services/pipeline/remote"
)

const syncPrefix = "sync:"

// SyncStore persists the scheduler sync loop's revision gates so a
// restarted process discards remote observations it already applied.
type SyncStore struct {
	db *DB
}

// NewSyncStore returns a store backed by db.
func NewSyncStore(db *DB) *SyncStore {
	return &SyncStore{db: db}
}

// SaveCheckpoints overwrites the run's checkpoint set.
func (s *SyncStore) SaveCheckpoints(ctx context.Context, runID string, cps []remote.Checkpoint) error {
	return s.db.setJSON(ctx, []byte(syncPrefix+runID), cps)
}

// LoadCheckpoints returns the run's checkpoint set, empty when none
// was ever saved.
func (s *SyncStore) LoadCheckpoints(ctx context.Context, runID string) ([]remote.Checkpoint, error) {
	var cps []remote.Checkpoint
	err := s.db.getJSON(ctx, []byte(syncPrefix+runID), &cps)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cps, nil
}
