// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry initializes OpenTelemetry tracing and metrics for
// pipeline runs.
//
// # Philosophy
//
// Be opinionated about the API, flexible about the backend. OpenTelemetry
// IS the abstraction layer: packages instrument themselves with
// otel.Tracer() and otel.Meter() directly, and operators swap backends by
// changing exporter configuration, not code.
//
// # Trace Backend (default: OTLP)
//
// Traces export over OTLP gRPC by default, which Jaeger, Tempo, and most
// commercial backends accept natively. Set OTEL_TRACES_EXPORTER=stdout for
// local debugging or "none" to disable.
//
// # Metrics Backend (default: Prometheus)
//
// Metrics are exposed in Prometheus format for scraping; the API server
// mounts MetricsHandler() at /metrics. Set OTEL_METRICS_EXPORTER=stdout
// for a periodic dump or "none" to disable.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(ctx)
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: otlp)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - DBND_ENV: deployment environment name (default: development)
package telemetry
