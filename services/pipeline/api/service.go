// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kalebinn/dbnd/services/pipeline/events"
	"github.com/kalebinn/dbnd/services/pipeline/executor"
	"github.com/kalebinn/dbnd/services/pipeline/graph"
	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/storage/badger"
	"github.com/kalebinn/dbnd/services/pipeline/target"
	"github.com/kalebinn/dbnd/services/pipeline/task"
)

// liveRun tracks one in-flight run. done closes when its executor
// returns, after which the run emits no further events.
type liveRun struct {
	run  *run.Run
	done chan struct{}
}

// Service exposes the engine over HTTP: registry inspection, run
// inspection across live and persisted runs, and pipeline submission.
//
// Description:
//
//	Submitted runs execute in background goroutines and stay visible
//	in the live set until their final state is persisted. Reads merge
//	the live set with the run store, preferring live state for runs
//	present in both.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Service struct {
	registry  *task.Registry
	store     *badger.RunStore
	resolver  *target.Resolver
	checker   *target.Checker
	delegator executor.Delegator
	workDir   string
	maxDepth  int
	exec      executor.Config
	log       *slog.Logger

	mu   sync.RWMutex
	live map[string]*liveRun
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStore sets the run store for persisted run inspection and for
// persisting submitted runs when they finish.
func WithStore(store *badger.RunStore) ServiceOption {
	return func(s *Service) { s.store = store }
}

// WithResolver sets the target resolver used during graph expansion.
func WithResolver(r *target.Resolver) ServiceOption {
	return func(s *Service) { s.resolver = r }
}

// WithChecker sets the completeness checker shared by submitted runs.
func WithChecker(c *target.Checker) ServiceOption {
	return func(s *Service) { s.checker = c }
}

// WithDelegator sets the remote engine hand-off for delegated tasks.
func WithDelegator(d executor.Delegator) ServiceOption {
	return func(s *Service) { s.delegator = d }
}

// WithWorkDir sets the artifact root for derived output addresses.
func WithWorkDir(dir string) ServiceOption {
	return func(s *Service) { s.workDir = dir }
}

// WithMaxDepth bounds graph expansion depth for submitted runs.
func WithMaxDepth(n int) ServiceOption {
	return func(s *Service) { s.maxDepth = n }
}

// WithExecutorConfig sets the base executor tuning for submitted runs.
func WithExecutorConfig(cfg executor.Config) ServiceOption {
	return func(s *Service) { s.exec = cfg }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// NewService creates a service over the given registry.
func NewService(registry *task.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		live:     make(map[string]*liveRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Pipelines lists every registered definition.
func (s *Service) Pipelines() []PipelineView {
	names := s.registry.Names()
	out := make([]PipelineView, 0, len(names))
	for _, name := range names {
		def, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, pipelineView(def))
	}
	return out
}

// Runs lists every run, live first within timestamp order.
func (s *Service) Runs(ctx context.Context) ([]RunView, error) {
	s.mu.RLock()
	views := make([]RunView, 0, len(s.live))
	seen := make(map[string]bool, len(s.live))
	for id, lr := range s.live {
		views = append(views, liveRunView(lr.run))
		seen[id] = true
	}
	s.mu.RUnlock()

	if s.store != nil {
		metas, err := s.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list persisted runs: %w", err)
		}
		for _, m := range metas {
			if !seen[m.ID] {
				views = append(views, metaRunView(m))
			}
		}
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].StartedAt.After(views[j].StartedAt)
	})
	return views, nil
}

// RunByID returns one run's current view. Unknown ids return
// ErrRunNotFound.
func (s *Service) RunByID(ctx context.Context, id string) (RunView, error) {
	if lr, ok := s.lookupLive(id); ok {
		return liveRunView(lr.run), nil
	}
	if s.store == nil {
		return RunView{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	meta, err := s.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, badger.ErrNotFound) {
			return RunView{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return RunView{}, err
	}
	return metaRunView(meta), nil
}

// InstancesByRun returns one run's instances in declaration order.
func (s *Service) InstancesByRun(ctx context.Context, id string) ([]InstanceView, error) {
	if lr, ok := s.lookupLive(id); ok {
		insts := lr.run.Instances()
		out := make([]InstanceView, 0, len(insts))
		for _, inst := range insts {
			out = append(out, liveInstanceView(inst))
		}
		return out, nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	metas, err := s.store.Instances(ctx, id)
	if err != nil {
		if errors.Is(err, badger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}
	out := make([]InstanceView, 0, len(metas))
	for _, m := range metas {
		out = append(out, InstanceView{
			ID:         m.ID,
			Path:       m.Path,
			Definition: m.Definition,
			State:      m.State,
			Upstreams:  m.Upstreams,
			RemoteID:   m.RemoteID,
			Error:      m.Error,
		})
	}
	return out, nil
}

// EventsByRun returns one persisted run's tracking log. Live runs
// stream over the websocket instead.
func (s *Service) EventsByRun(ctx context.Context, id string) ([]events.Event, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if _, err := s.store.Load(ctx, id); err != nil {
		if errors.Is(err, badger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// Submit expands a registered pipeline and starts executing it in the
// background.
//
// Description:
//
//	Expansion happens synchronously so unknown pipelines, malformed
//	overrides, binding failures, and cycles surface in the response.
//	Execution then proceeds asynchronously; the returned view reports
//	the run id to poll or stream.
//
// Outputs:
//
//	SubmitRunResponse - Run id, initial status, root path, instance count.
//	error - task.ErrDefinitionNotFound, run.ErrInvalidOverrideSpec, or
//	        a graph build error.
func (s *Service) Submit(req SubmitRunRequest) (SubmitRunResponse, error) {
	if _, err := s.registry.Get(req.Pipeline); err != nil {
		return SubmitRunResponse{}, err
	}

	overrides := run.NewOverrides()
	for _, expr := range req.Set {
		key, value, err := run.ParseSet(expr)
		if err != nil {
			return SubmitRunResponse{}, err
		}
		overrides.Set(key, value)
	}

	// Background, not the request context: the run outlives the
	// submission request.
	r, runCtx, err := run.Start(context.Background(),
		run.WithOverrides(overrides),
		run.WithLogger(s.log),
	)
	if err != nil {
		return SubmitRunResponse{}, err
	}

	builderOpts := []graph.Option{graph.WithLogger(s.log)}
	if s.workDir != "" {
		builderOpts = append(builderOpts, graph.WithWorkDir(s.workDir))
	}
	if s.maxDepth > 0 {
		builderOpts = append(builderOpts, graph.WithMaxDepth(s.maxDepth))
	}
	if s.resolver != nil {
		builderOpts = append(builderOpts, graph.WithResolver(s.resolver))
	}
	g, err := graph.NewBuilder(s.registry, builderOpts...).Build(runCtx, r, req.Pipeline, req.Args)
	if err != nil {
		r.Abort(err)
		r.Finish()
		return SubmitRunResponse{}, err
	}

	execCfg := s.exec
	if req.FailFast != nil {
		execCfg.FailFast = *req.FailFast
	}
	execOpts := []executor.ExecOption{executor.WithLogger(s.log)}
	if s.checker != nil {
		execOpts = append(execOpts, executor.WithChecker(s.checker))
	}
	if s.delegator != nil {
		execOpts = append(execOpts, executor.WithDelegator(s.delegator))
	}
	ex := executor.New(g, execCfg, execOpts...)

	lr := &liveRun{run: r, done: make(chan struct{})}
	s.track(lr)

	go func() {
		lg := r.Logger()
		status, runErr := ex.Execute(runCtx)
		close(lr.done)
		if runErr != nil {
			lg.Warn("submitted run finished with failures",
				"status", status.String(), "error", runErr)
		} else {
			lg.Info("submitted run finished", "status", status.String())
		}
		if s.store != nil {
			if err := s.store.Save(context.Background(), r); err != nil {
				lg.Error("persisting submitted run failed", "error", err)
			}
		}
		s.untrack(r.ID())
	}()

	resp := SubmitRunResponse{
		RunID:     r.ID(),
		Status:    r.Status().String(),
		Instances: g.Len(),
	}
	if root := g.Root(); root != nil {
		resp.Root = root.Path()
	}
	return resp, nil
}

// ActiveRuns reports how many submitted runs are still executing.
func (s *Service) ActiveRuns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

func (s *Service) track(lr *liveRun) {
	s.mu.Lock()
	s.live[lr.run.ID()] = lr
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

func (s *Service) lookupLive(id string) (*liveRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lr, ok := s.live[id]
	return lr, ok
}

func pipelineView(def *task.Definition) PipelineView {
	view := PipelineView{
		Name:      def.Name(),
		Pipeline:  def.IsPipeline(),
		Delegated: def.Delegated(),
		Engine:    def.Engine(),
		Outputs:   def.Outputs(),
	}
	for _, p := range def.Params() {
		view.Params = append(view.Params, ParamView{
			Name:     p.Name,
			Type:     p.Type.String(),
			Required: p.Required,
			Default:  p.Default,
			Output:   p.Output,
			Doc:      p.Doc,
		})
	}
	return view
}

func liveRunView(r *run.Run) RunView {
	sum := r.Summary()
	view := RunView{
		ID:         r.ID(),
		Status:     r.Status().String(),
		Live:       true,
		StartedAt:  r.StartedAt(),
		FinishedAt: r.FinishedAt(),
		Instances:  sum.Total,
		Succeeded:  sum.Succeeded,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
	}
	if root := r.Root(); root != nil {
		view.Root = root.Path()
	}
	if err := r.FinalError(); err != nil {
		view.Error = err.Error()
	}
	return view
}

func metaRunView(m badger.RunMeta) RunView {
	return RunView{
		ID:         m.ID,
		Status:     m.Status,
		Root:       m.Root,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		Instances:  m.Instances,
		Succeeded:  m.Succeeded,
		Skipped:    m.Skipped,
		Failed:     m.Failed,
		Error:      m.Error,
	}
}

func liveInstanceView(inst *run.Instance) InstanceView {
	view := InstanceView{
		ID:         inst.ID(),
		Path:       inst.Path(),
		Definition: inst.Definition().Name(),
		State:      inst.State().String(),
		Upstreams:  inst.Upstreams(),
		RemoteID:   inst.RemoteID(),
	}
	if err := inst.Err(); err != nil {
		view.Error = err.Error()
	}
	return view
}
