// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api serves the observation and submission HTTP API: run and
// pipeline inspection, run submission, a per-run websocket event
// stream, and the Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// DefaultAddr is the listen address used when Config.Addr is empty.
const DefaultAddr = ":8338"

// Config tunes the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8338".
	Addr string

	// ReadTimeout bounds request reads. Zero means no limit.
	ReadTimeout time.Duration

	// WriteTimeout bounds response writes. Zero means no limit.
	// Websocket streams are exempt once the connection is hijacked.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server tuning.
func DefaultConfig() Config {
	return Config{
		Addr:         DefaultAddr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the observation API HTTP server.
type Server struct {
	cfg    Config
	svc    *Service
	router *gin.Engine
	http   *http.Server
	log    *slog.Logger
}

// New creates a server over the given service.
func New(cfg Config, svc *Service) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		cfg: cfg,
		svc: svc,
		log: slog.Default(),
	}
	s.initRouter()
	return s
}

// Router provides access to the configured Gin router, primarily for
// integration testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is canceled or the listener fails. Cancellation
// drains in-flight requests for up to five seconds.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.log.Info("observation api listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("dbnd-api"))
	RegisterRoutes(s.router, NewHandlers(s.svc))
}
