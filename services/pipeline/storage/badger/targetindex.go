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
	"time"
)

const prodPrefix = "prod:"

// production ties an artifact address to the instance that wrote it.
type production struct {
	InstanceID string    `json:"instance_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// TargetIndex persists which instance produced which target address.
// It satisfies the completeness checker's index interface, giving
// cache skips provenance that survives restarts.
type TargetIndex struct {
	db *DB
}

// NewTargetIndex returns an index backed by db.
func NewTargetIndex(db *DB) *TargetIndex {
	return &TargetIndex{db: db}
}

// RecordProduction stores address → producing instance id. Re-recording
// an address overwrites; the newest producer wins.
func (x *TargetIndex) RecordProduction(ctx context.Context, address, instanceID string) error {
	return x.db.setJSON(ctx, []byte(prodPrefix+address), production{
		InstanceID: instanceID,
		RecordedAt: time.Now().UTC(),
	})
}

// Producer returns the recorded producing instance id for address.
func (x *TargetIndex) Producer(ctx context.Context, address string) (string, bool, error) {
	var p production
	err := x.db.getJSON(ctx, []byte(prodPrefix+address), &p)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return p.InstanceID, true, nil
}
