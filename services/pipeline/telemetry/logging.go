// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a logger with trace context injected.
//
// Description:
//
//	Extracts trace_id and span_id from the context and adds them as
//	structured log fields. This enables log correlation between log
//	aggregators and the trace backend.
//
// Inputs:
//
//	ctx - Context containing span context. May be nil or have no active span.
//	logger - Base logger to enhance. Nil falls back to slog.Default().
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id and span_id fields added if
//	              available. Returns the original logger if no valid
//	              span context.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}

	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// LoggerWithRun returns a logger with trace context and a run identifier.
//
// Description:
//
//	Combines LoggerWithTrace with the run ID so log entries from
//	concurrent runs can be told apart.
//
// Inputs:
//
//	ctx - Context containing span context.
//	logger - Base logger to enhance.
//	runID - Identifier of the pipeline run.
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id, span_id, and run_id fields.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithRun(ctx context.Context, logger *slog.Logger, runID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("run_id", runID),
	)
}

// LoggerWithInstance returns a logger with trace context and an instance path.
//
// Description:
//
//	Adds the expanded instance path (e.g. "training.featurize") for
//	distinguishing log entries from different nodes of the task graph.
//
// Inputs:
//
//	ctx - Context containing span context.
//	logger - Base logger to enhance.
//	path - Dotted path of the task instance in the run.
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id, span_id, and instance fields.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithInstance(ctx context.Context, logger *slog.Logger, path string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("instance", path),
	)
}
