// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kalebinn/dbnd/services/pipeline/graph"
	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/task"
	"github.com/kalebinn/dbnd/services/pipeline/telemetry"
)

// Handlers contains the HTTP handlers for the observation API.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: Version})
}

// HandleMetrics handles GET /metrics.
//
// The exporter handler is looked up per request: telemetry.Init may
// run after route registration, and the prometheus exporter may not
// be configured at all.
func (h *Handlers) HandleMetrics(c *gin.Context) {
	mh := telemetry.MetricsHandler()
	if mh == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "metrics exporter not initialized",
			Code:  "NO_METRICS",
		})
		return
	}
	mh.ServeHTTP(c.Writer, c.Request)
}

// HandlePipelines handles GET /v1/pipelines.
//
// Response:
//
//	200 OK: PipelinesResponse
func (h *Handlers) HandlePipelines(c *gin.Context) {
	c.JSON(http.StatusOK, PipelinesResponse{Pipelines: h.svc.Pipelines()})
}

// HandleRuns handles GET /v1/runs.
//
// Description:
//
//	Lists every run the server knows: in-flight submitted runs plus
//	persisted finished ones, most recent first.
//
// Response:
//
//	200 OK: RunsResponse
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleRuns(c *gin.Context) {
	logger := requestLogger(c, "HandleRuns")

	views, err := h.svc.Runs(c.Request.Context())
	if err != nil {
		logger.Error("listing runs failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LIST_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, RunsResponse{Runs: views})
}

// HandleRun handles GET /v1/runs/:id.
//
// Response:
//
//	200 OK: RunView
//	404 Not Found: Unknown run id
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleRun(c *gin.Context) {
	logger := requestLogger(c, "HandleRun")
	id := c.Param("id")

	view, err := h.svc.RunByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: err.Error(),
				Code:  "RUN_NOT_FOUND",
			})
			return
		}
		logger.Error("loading run failed", "run_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LOAD_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleInstances handles GET /v1/runs/:id/instances.
//
// Response:
//
//	200 OK: InstancesResponse
//	404 Not Found: Unknown run id
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleInstances(c *gin.Context) {
	logger := requestLogger(c, "HandleInstances")
	id := c.Param("id")

	insts, err := h.svc.InstancesByRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: err.Error(),
				Code:  "RUN_NOT_FOUND",
			})
			return
		}
		logger.Error("loading instances failed", "run_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "LOAD_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, InstancesResponse{RunID: id, Instances: insts})
}

// HandleSubmit handles POST /v1/runs.
//
// Description:
//
//	Expands the named pipeline synchronously and starts executing it
//	in the background. Expansion failures surface here; execution
//	progress comes from GET /v1/runs/:id or the event websocket.
//
// Request Body:
//
//	SubmitRunRequest
//
// Response:
//
//	202 Accepted: SubmitRunResponse
//	400 Bad Request: Malformed body or override expression
//	404 Not Found: Unknown pipeline
//	422 Unprocessable Entity: Expansion failure (binding, cycle, depth)
func (h *Handlers) HandleSubmit(c *gin.Context) {
	logger := requestLogger(c, "HandleSubmit")

	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := req.Validate(); err != nil {
		logger.Warn("request validation failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "request validation failed",
			Code:    "VALIDATION_FAILED",
			Details: err.Error(),
		})
		return
	}

	logger.Info("submitting pipeline",
		"pipeline", req.Pipeline, "overrides", len(req.Set))

	resp, err := h.svc.Submit(req)
	if err != nil {
		statusCode := http.StatusUnprocessableEntity
		errCode := "EXPANSION_FAILED"

		if errors.Is(err, task.ErrDefinitionNotFound) {
			statusCode = http.StatusNotFound
			errCode = "UNKNOWN_PIPELINE"
		} else if errors.Is(err, run.ErrInvalidOverrideSpec) {
			statusCode = http.StatusBadRequest
			errCode = "INVALID_OVERRIDE"
		} else if errors.Is(err, graph.ErrCyclicDependency) {
			errCode = "CYCLIC_DEPENDENCY"
		}

		logger.Warn("submit rejected", "pipeline", req.Pipeline, "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("pipeline submitted",
		"pipeline", req.Pipeline,
		"run_id", resp.RunID,
		"instances", resp.Instances)

	c.JSON(http.StatusAccepted, resp)
}

// requestLogger builds the handler logger: trace correlation from the
// request span plus a request id echoed in the response headers.
func requestLogger(c *gin.Context, handler string) *slog.Logger {
	requestID := getOrCreateRequestID(c)
	return telemetry.LoggerWithTrace(c.Request.Context(), slog.Default()).
		With("request_id", requestID, "handler", handler)
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
