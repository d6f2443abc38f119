// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all observation API routes with the router.
//
// Description:
//
//	Registers the health and metrics endpoints at the root plus the
//	versioned run and pipeline endpoints under /v1. The router should
//	already have any required middleware applied.
//
// Endpoints:
//
//	GET  /healthz - Health check
//	GET  /metrics - Prometheus scrape endpoint
//
//	GET  /v1/pipelines - List registered definitions
//	GET  /v1/runs - List runs, live and persisted
//	POST /v1/runs - Submit a registered pipeline
//	GET  /v1/runs/:id - One run's summary
//	GET  /v1/runs/:id/instances - One run's instance states
//	GET  /v1/runs/:id/events - Tracking event stream (websocket)
//
// Example:
//
//	svc := api.NewService(registry, api.WithStore(store))
//	handlers := api.NewHandlers(svc)
//
//	api.RegisterRoutes(router, handlers)
func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	router.GET("/healthz", handlers.HandleHealth)
	router.GET("/metrics", handlers.HandleMetrics)

	v1 := router.Group("/v1")
	{
		v1.GET("/pipelines", handlers.HandlePipelines)

		runs := v1.Group("/runs")
		{
			runs.GET("", handlers.HandleRuns)
			runs.POST("", handlers.HandleSubmit)
			runs.GET("/:id", handlers.HandleRun)
			runs.GET("/:id/instances", handlers.HandleInstances)
			runs.GET("/:id/events", handlers.HandleRunEvents)
		}
	}
}
