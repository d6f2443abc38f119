// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/kalebinn/dbnd/pkg/logging"
	"github.com/kalebinn/dbnd/pkg/ux"
	"github.com/kalebinn/dbnd/services/pipeline/api"
	"github.com/kalebinn/dbnd/services/pipeline/storage/badger"
	"github.com/kalebinn/dbnd/services/pipeline/target"
	"github.com/kalebinn/dbnd/services/pipeline/telemetry"
)

// runServeCommand starts the observation and submission HTTP API.
//
// # Description
//
// Serves the registered definitions over HTTP: pipeline discovery, run
// submission, run and instance inspection, live event streaming over
// websocket, health, and Prometheus metrics. Runs submitted here
// execute in-process with the same engine the run command uses.
//
// # Examples
//
//	dbnd serve
//	dbnd serve --addr :9000
//	DBND_API_ADDR=:9000 dbnd serve
func runServeCommand(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.Config{Service: "api"})
	defer logger.Close()
	log := logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.ToTelemetry())
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				log.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	db, err := badger.Open(cfg.Storage.ToBadger(log))
	if err != nil {
		ux.Error(fmt.Sprintf("cannot open run store: %v", err))
		os.Exit(1)
	}
	defer db.Close()

	svc := api.NewService(defaultRegistry(),
		api.WithStore(badger.NewRunStore(db)),
		api.WithResolver(target.NewResolver(target.WithMemoryStore(target.NewStore()))),
		api.WithChecker(target.NewChecker(badger.NewTargetIndex(db))),
		api.WithWorkDir(cfg.WorkDir),
		api.WithMaxDepth(cfg.MaxDepth),
		api.WithExecutorConfig(cfg.Executor.ToExecutor()),
		api.WithLogger(log),
	)

	apiCfg := cfg.API.ToAPI()
	if serveAddr != "" {
		apiCfg.Addr = serveAddr
	}

	gin.SetMode(gin.ReleaseMode)
	srv := api.New(apiCfg, svc)

	ux.Title(fmt.Sprintf("dbnd API on %s", apiCfg.Addr))
	if err := srv.Run(ctx); err != nil {
		ux.Error(fmt.Sprintf("server failed: %v", err))
		os.Exit(1)
	}
	ux.Muted("server stopped")
}
