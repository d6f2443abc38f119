// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kalebinn/dbnd/services/pipeline/events"
	"github.com/kalebinn/dbnd/services/pipeline/run"
)

const (
	metaPrefix  = "meta:"
	instPrefix  = "inst:"
	eventPrefix = "events:"
)

// RunMeta is the persisted summary of one run.
type RunMeta struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Root       string    `json:"root,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Instances  int       `json:"instances"`
	Succeeded  int       `json:"succeeded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// InstanceMeta is the persisted final state of one task instance,
// in declaration order within its run.
type InstanceMeta struct {
	ID         string   `json:"id"`
	Path       string   `json:"path"`
	Definition string   `json:"definition"`
	State      string   `json:"state"`
	Upstreams  []string `json:"upstreams,omitempty"`
	RemoteID   string   `json:"remote_id,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// RunStore persists run summaries and their tracking event logs.
//
// Event payloads round-trip as generic JSON objects; readers that need
// typed payloads should consume the live emitter instead.
type RunStore struct {
	db *DB
}

// NewRunStore returns a store backed by db.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Save persists the run's summary and full event log. Usually called
// once after Finish; calling it mid-run saves a snapshot.
func (s *RunStore) Save(ctx context.Context, r *run.Run) error {
	meta := RunMeta{
		ID:         r.ID(),
		Status:     r.Status().String(),
		StartedAt:  r.StartedAt(),
		FinishedAt: r.FinishedAt(),
	}
	if root := r.Root(); root != nil {
		meta.Root = root.Path()
	}
	sum := r.Summary()
	meta.Instances = sum.Total
	meta.Succeeded = sum.Succeeded
	meta.Skipped = sum.Skipped
	meta.Failed = sum.Failed
	if err := r.FinalError(); err != nil {
		meta.Error = err.Error()
	}

	if err := s.db.setJSON(ctx, []byte(metaPrefix+meta.ID), meta); err != nil {
		return fmt.Errorf("save run %s: %w", meta.ID, err)
	}

	insts := make([]InstanceMeta, 0, sum.Total)
	for _, inst := range r.Instances() {
		im := InstanceMeta{
			ID:         inst.ID(),
			Path:       inst.Path(),
			Definition: inst.Definition().Name(),
			State:      inst.State().String(),
			Upstreams:  inst.Upstreams(),
			RemoteID:   inst.RemoteID(),
		}
		if err := inst.Err(); err != nil {
			im.Error = err.Error()
		}
		insts = append(insts, im)
	}
	if err := s.db.setJSON(ctx, []byte(instPrefix+meta.ID), insts); err != nil {
		return fmt.Errorf("save run %s instances: %w", meta.ID, err)
	}

	evs := r.Events()
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, ev := range evs {
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event %d: %w", ev.Sequence, err)
			}
			key := fmt.Sprintf("%s%s:%020d", eventPrefix, meta.ID, ev.Sequence)
			if err := txn.Set([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns one run's persisted summary.
func (s *RunStore) Load(ctx context.Context, runID string) (RunMeta, error) {
	var meta RunMeta
	if err := s.db.getJSON(ctx, []byte(metaPrefix+runID), &meta); err != nil {
		return RunMeta{}, err
	}
	return meta, nil
}

// Instances returns one run's persisted instance states in declaration
// order. Unknown run ids wrap ErrNotFound.
func (s *RunStore) Instances(ctx context.Context, runID string) ([]InstanceMeta, error) {
	var insts []InstanceMeta
	if err := s.db.getJSON(ctx, []byte(instPrefix+runID), &insts); err != nil {
		return nil, err
	}
	return insts, nil
}

// List returns every persisted run summary, most recent first.
func (s *RunStore) List(ctx context.Context) ([]RunMeta, error) {
	var out []RunMeta
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var meta RunMeta
				if err := json.Unmarshal(val, &meta); err != nil {
					return err
				}
				out = append(out, meta)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// Events returns one run's persisted tracking log in sequence order.
func (s *RunStore) Events(ctx context.Context, runID string) ([]events.Event, error) {
	prefix := []byte(eventPrefix + runID + ":")
	var out []events.Event
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys embed zero-padded sequence numbers, so iteration order
		// is already event order.
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev events.Event
				if err := json.Unmarshal(val, &ev); err != nil {
					return err
				}
				out = append(out, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
