// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package target

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates memoized checker verdicts when file artifacts
// change outside the engine.
//
// Description:
//
//	The checker treats a validated artifact as complete for the process
//	lifetime. A long-lived engine process (the API server) would keep
//	skipping a task whose artifact was deleted or truncated by an
//	operator. The watcher listens on artifact directories and drops the
//	verdict for any path written, removed, or renamed, so the next run
//	re-probes it.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Watcher struct {
	watcher *fsnotify.Watcher
	checker *Checker
	log     *slog.Logger

	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	watched map[string]bool
}

// NewWatcher builds a watcher feeding invalidations to checker.
func NewWatcher(checker *Checker, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		watcher: fsw,
		checker: checker,
		log:     log,
		done:    make(chan struct{}),
		watched: make(map[string]bool),
	}, nil
}

// Watch adds the directory containing path to the watch set. Watching
// the parent rather than the file catches create and rename, which
// fsnotify reports on the directory.
func (w *Watcher) Watch(path string) error {
	dir := filepath.Dir(filepath.Clean(path))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}

// Start begins processing events until ctx is canceled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop stops the watcher and releases the inotify handles.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Create) {
				path := filepath.Clean(event.Name)
				w.checker.Invalidate(path)
				// A marker inside a directory artifact flips the
				// directory's verdict too.
				if filepath.Base(path) == SuccessMarker {
					w.checker.Invalidate(filepath.Dir(path))
				}
				w.log.Debug("target invalidated", "path", path, "op", event.Op.String())
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("target watcher error", "error", err)
		}
	}
}
