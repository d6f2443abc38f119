// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalebinn/dbnd/services/pipeline/api"
	"github.com/kalebinn/dbnd/services/pipeline/executor"
	"github.com/kalebinn/dbnd/services/pipeline/remote"
	"github.com/kalebinn/dbnd/services/pipeline/storage/badger"
	"github.com/kalebinn/dbnd/services/pipeline/telemetry"
)

// ToExecutor converts to the executor package's config.
func (c ExecutorConfig) ToExecutor() executor.Config {
	return executor.Config{
		MaxParallel:    c.MaxParallel,
		FailFast:       c.FailFast,
		DefaultTimeout: time.Duration(c.DefaultTimeout),
	}
}

// ToSync converts to the remote package's sync loop config.
func (c SyncConfig) ToSync() remote.SyncConfig {
	return remote.SyncConfig{
		Interval:      time.Duration(c.Interval),
		MaxAttempts:   c.MaxAttempts,
		InitialDelay:  time.Duration(c.BaseBackoff),
		MaxDelay:      time.Duration(c.MaxBackoff),
		BackoffFactor: c.BackoffFactor,
		PollRate:      rate.Limit(c.PollRate),
		MissThreshold: c.MissThreshold,
	}
}

// Client builds the HTTP client for the configured orchestrator,
// reading the bearer token from the environment variable named by
// TokenEnv. Returns nil when no orchestrator is configured.
func (c RemoteConfig) Client() *remote.HTTPClient {
	if c.BaseURL == "" {
		return nil
	}
	var opts []remote.HTTPOption
	if c.TokenEnv != "" {
		if token := os.Getenv(c.TokenEnv); token != "" {
			opts = append(opts, remote.WithToken(token))
		}
	}
	return remote.NewHTTPClient(c.BaseURL, opts...)
}

// ToAPI converts to the api package's server config.
func (c APIConfig) ToAPI() api.Config {
	return api.Config{
		Addr:         c.Addr,
		ReadTimeout:  time.Duration(c.ReadTimeout),
		WriteTimeout: time.Duration(c.WriteTimeout),
	}
}

// ToBadger converts to the storage package's config. The logger
// receives badger's own log output.
func (c StorageConfig) ToBadger(log *slog.Logger) badger.Config {
	if c.InMemory {
		bc := badger.InMemoryConfig()
		bc.Logger = log
		return bc
	}
	bc := badger.DefaultConfig()
	bc.Path = c.Path
	bc.SyncWrites = c.SyncWrites
	bc.Logger = log
	return bc
}

// ToTelemetry converts to the telemetry package's config, layering the
// exporter selection over the service identity defaults.
func (c TelemetryConfig) ToTelemetry() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.TraceExporter = c.TraceExporter
	tc.MetricExporter = c.MetricExporter
	tc.OTLPEndpoint = c.OTLPEndpoint
	tc.OTLPInsecure = c.OTLPInsecure
	tc.SampleRate = c.SampleRate
	return tc
}
