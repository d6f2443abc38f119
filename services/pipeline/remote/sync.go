// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalebinn/dbnd/services/pipeline/run"
)

// Checkpoint is one record's persisted revision gate. Restoring
// checkpoints after a restart keeps replayed polls idempotent across
// process lifetimes, not just within one.
type Checkpoint struct {
	RemoteID   string `json:"remote_id"`
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Revision   int64  `json:"revision"`
}

// CheckpointStore persists revision gates per run.
type CheckpointStore interface {
	SaveCheckpoints(ctx context.Context, runID string, cps []Checkpoint) error
	LoadCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error)
}

// SyncConfig tunes one SyncLoop.
type SyncConfig struct {
	// Interval between poll cycles. Defaults to 10s.
	Interval time.Duration

	// MaxAttempts bounds per-record poll retries within one cycle
	// before the record's sync goes stale. Defaults to 5.
	MaxAttempts int

	// InitialDelay is the first retry backoff. Defaults to 1s.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Defaults to 30s.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay per attempt. Defaults to 2.
	BackoffFactor float64

	// PollRate caps outbound polls per second across the watch set.
	// Defaults to 10.
	PollRate rate.Limit

	// MissThreshold is how many consecutive ErrNotFound polls fail the
	// instance. Defaults to 2: one miss can be list lag, two means the
	// record is gone.
	MissThreshold int
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *SyncConfig) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 2
	}
	if c.PollRate == 0 {
		c.PollRate = 10
	}
	if c.MissThreshold == 0 {
		c.MissThreshold = 2
	}
}

// Validate rejects configurations the loop cannot honor.
func (c *SyncConfig) Validate() error {
	if c.Interval < 0 {
		return errors.New("Interval must be >= 0")
	}
	if c.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be >= 1")
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return errors.New("backoff delays must be >= 0")
	}
	if c.BackoffFactor < 1 {
		return errors.New("BackoffFactor must be >= 1")
	}
	if c.MissThreshold < 1 {
		return errors.New("MissThreshold must be >= 1")
	}
	return nil
}

// SyncLoop mirrors remote state onto local task instances.
//
// Description:
//
//	Each cycle polls every watched record, discards observations whose
//	revision does not advance the record, and applies the rest through
//	run.Transition so the run emits the same STATE_CHANGED events a
//	local execution would. Poll failures back off and eventually mark
//	the record's sync stale without failing the instance; the true
//	state is unknown, not negative.
//
// Thread Safety:
//
//	Watch, Stale, and Stop are safe to call concurrently with the loop.
type SyncLoop struct {
	run    *run.Run
	poller Poller
	cfg    SyncConfig
	log    *slog.Logger
	store  CheckpointStore

	limiter *rate.Limiter

	mu      sync.Mutex
	records map[string]*Record
	watched bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SyncOption configures a SyncLoop.
type SyncOption func(*SyncLoop)

// WithCheckpointStore persists revision gates across restarts.
func WithCheckpointStore(store CheckpointStore) SyncOption {
	return func(s *SyncLoop) { s.store = store }
}

// WithSyncLogger sets the loop's logger.
func WithSyncLogger(l *slog.Logger) SyncOption {
	return func(s *SyncLoop) { s.log = l }
}

// NewSyncLoop builds a loop for one run.
func NewSyncLoop(r *run.Run, poller Poller, cfg SyncConfig, opts ...SyncOption) (*SyncLoop, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync configuration: %w", err)
	}

	s := &SyncLoop{
		run:     r,
		poller:  poller,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.PollRate, 1),
		records: make(map[string]*Record),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = r.Logger().With(slog.String("component", "sync_loop"))
	}
	return s, nil
}

// Watch adds a remote record to the loop's watch set. Safe before and
// after Start; re-watching an id reuses the existing revision gate.
func (s *SyncLoop) Watch(remoteID, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[remoteID]; ok {
		return
	}
	s.records[remoteID] = newRecord(remoteID, instanceID)
	s.watched = true
	s.log.Debug("watching remote record",
		slog.String("remote_id", remoteID),
		slog.String("instance_id", instanceID),
	)
}

// Stale returns the instance ids whose sync is currently stale.
func (s *SyncLoop) Stale() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, rec := range s.records {
		if rec.stale {
			out = append(out, rec.instanceID)
		}
	}
	return out
}

// Start launches the loop in the background. Restores checkpointed
// revision gates first so a restarted process discards polls it
// already applied in a previous life.
func (s *SyncLoop) Start(ctx context.Context) {
	if s.store != nil {
		s.restore(ctx)
	}
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (s *SyncLoop) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *SyncLoop) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Debug("sync loop started", slog.Duration("interval", s.cfg.Interval))

	for {
		select {
		case <-s.stopCh:
			s.log.Debug("sync loop stopped")
			return
		case <-ctx.Done():
			s.log.Debug("sync loop stopped, run context torn down")
			return
		case <-ticker.C:
			remaining := s.Cycle(ctx)
			s.mu.Lock()
			drained := s.watched && remaining == 0
			s.mu.Unlock()
			if drained {
				s.log.Debug("sync loop finished, watch set drained")
				return
			}
		}
	}
}

// Cycle polls every active record once and applies the deltas. It
// returns the number of records still being watched afterward.
// Exported so tests and one-shot reconciliation can drive the loop
// without the ticker.
func (s *SyncLoop) Cycle(ctx context.Context) int {
	for _, rec := range s.active() {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		s.pollOne(ctx, rec)
	}

	if s.store != nil {
		s.checkpoint(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// active drops records whose local instance is already terminal and
// snapshots the rest.
func (s *SyncLoop) active() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.records))
	for id, rec := range s.records {
		if inst, ok := s.run.Instance(rec.instanceID); ok && inst.State().Terminal() {
			delete(s.records, id)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// pollOne reads one record with bounded retries and applies the result.
func (s *SyncLoop) pollOne(ctx context.Context, rec *Record) {
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		obs, err := s.poller.Poll(ctx, rec.remoteID)
		switch {
		case err == nil:
			s.observe(ctx, rec, obs)
			return
		case errors.Is(err, ErrNotFound):
			// A definitive answer, not an outage. No retry.
			s.recordMiss(rec)
			return
		case ctx.Err() != nil:
			return
		}

		s.log.Warn("poll failed",
			slog.String("remote_id", rec.remoteID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)

		if attempt == s.cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(s.delayForAttempt(attempt)):
		}
	}

	s.markStale(rec)
}

// delayForAttempt computes the retry backoff:
//
//	delay = min(InitialDelay * BackoffFactor^attempt, MaxDelay)
//
// jittered by a factor in [0.5, 1.5) to decorrelate concurrent loops.
func (s *SyncLoop) delayForAttempt(attempt int) time.Duration {
	delay := float64(s.cfg.InitialDelay) * math.Pow(s.cfg.BackoffFactor, float64(attempt))
	if delay > float64(s.cfg.MaxDelay) {
		delay = float64(s.cfg.MaxDelay)
	}
	delay *= 0.5 + rand.Float64()
	return time.Duration(delay)
}

// observe runs one successful poll result through the revision gate
// and, when it advances, through the local state machine.
func (s *SyncLoop) observe(ctx context.Context, rec *Record, obs Observation) {
	s.mu.Lock()
	rec.misses = 0
	wasStale := rec.stale
	rec.stale = false
	advanced := rec.observe(obs)
	s.mu.Unlock()

	if wasStale {
		s.log.Info("remote sync recovered", slog.String("remote_id", rec.remoteID))
	}
	if !advanced {
		s.log.Debug("observation discarded",
			slog.String("remote_id", rec.remoteID),
			slog.String("state", obs.State.String()),
			slog.Int64("revision", obs.Revision),
		)
		return
	}

	s.apply(rec, obs)
}

// apply maps an accepted observation onto the local instance.
func (s *SyncLoop) apply(rec *Record, obs Observation) {
	var to run.State
	var cause error
	switch obs.State {
	case StateSuccess:
		to = run.StateSuccess
	case StateFailed:
		to, cause = run.StateFailed, remoteCause(ErrRemoteFailed, obs.Message)
	case StateCancelled:
		to, cause = run.StateAborted, remoteCause(ErrRemoteCancelled, obs.Message)
	default:
		// QUEUED, RUNNING, UNKNOWN: the revision advanced but there is
		// no local delta. The instance is already RUNNING from submit.
		return
	}

	// Events must come out in state machine order, so an instance the
	// executor has not issued yet passes through RUNNING first.
	if inst, ok := s.run.Instance(rec.instanceID); ok && inst.State() == run.StatePending && to != run.StateAborted {
		_ = s.run.Transition(rec.instanceID, run.StateRunning, nil)
	}

	if err := s.run.Transition(rec.instanceID, to, cause); err != nil {
		s.log.Debug("remote delta discarded, instance already settled",
			slog.String("instance_id", rec.instanceID),
			slog.String("observed", obs.State.String()),
		)
		return
	}
	s.log.Info("applied remote state",
		slog.String("remote_id", rec.remoteID),
		slog.String("instance_id", rec.instanceID),
		slog.String("state", obs.State.String()),
		slog.Int64("revision", obs.Revision),
	)
}

// recordMiss counts one ErrNotFound. Past the threshold the record has
// genuinely disappeared and the instance fails.
func (s *SyncLoop) recordMiss(rec *Record) {
	s.mu.Lock()
	rec.misses++
	misses := rec.misses
	s.mu.Unlock()

	if misses < s.cfg.MissThreshold {
		s.log.Warn("remote record missing, tolerating one miss",
			slog.String("remote_id", rec.remoteID),
		)
		return
	}

	s.mu.Lock()
	rec.revision++
	rec.lastState = StateFailed
	s.mu.Unlock()

	cause := fmt.Errorf("%w: %s disappeared after %d polls", ErrNotFound, rec.remoteID, misses)
	if inst, ok := s.run.Instance(rec.instanceID); ok && inst.State() == run.StatePending {
		_ = s.run.Transition(rec.instanceID, run.StateRunning, nil)
	}
	if err := s.run.Transition(rec.instanceID, run.StateFailed, cause); err == nil {
		s.log.Error("remote record disappeared",
			slog.String("remote_id", rec.remoteID),
			slog.String("instance_id", rec.instanceID),
		)
	}
}

// markStale flags the record after the retry bound. The instance keeps
// its current state; unknown is not failed.
func (s *SyncLoop) markStale(rec *Record) {
	s.mu.Lock()
	already := rec.stale
	rec.stale = true
	s.mu.Unlock()
	if already {
		return
	}

	s.log.Warn("remote sync stale",
		slog.String("remote_id", rec.remoteID),
		slog.String("instance_id", rec.instanceID),
	)
	if inst, ok := s.run.Instance(rec.instanceID); ok {
		s.run.LogLineFor(inst, fmt.Sprintf("state sync stale: remote %s unreachable", rec.remoteID))
	}
}

// checkpoint persists every record's revision gate.
func (s *SyncLoop) checkpoint(ctx context.Context) {
	s.mu.Lock()
	cps := make([]Checkpoint, 0, len(s.records))
	for _, rec := range s.records {
		cps = append(cps, Checkpoint{
			RemoteID:   rec.remoteID,
			InstanceID: rec.instanceID,
			State:      rec.lastState.String(),
			Revision:   rec.revision,
		})
	}
	s.mu.Unlock()

	if err := s.store.SaveCheckpoints(ctx, s.run.ID(), cps); err != nil {
		s.log.Warn("checkpoint save failed", slog.Any("error", err))
	}
}

// restore seeds revision gates from the checkpoint store.
func (s *SyncLoop) restore(ctx context.Context) {
	cps, err := s.store.LoadCheckpoints(ctx, s.run.ID())
	if err != nil {
		s.log.Warn("checkpoint load failed", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range cps {
		rec, ok := s.records[cp.RemoteID]
		if !ok {
			rec = newRecord(cp.RemoteID, cp.InstanceID)
			s.records[cp.RemoteID] = rec
			s.watched = true
		}
		state, perr := ParseState(cp.State)
		if perr != nil {
			state = StateUnknown
		}
		rec.seed(state, cp.Revision)
	}
	if len(cps) > 0 {
		s.log.Info("restored sync checkpoints", slog.Int("records", len(cps)))
	}
}

func remoteCause(sentinel error, message string) error {
	if message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
