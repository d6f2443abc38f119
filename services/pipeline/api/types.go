// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Version is the observation API version reported by /healthz.
const Version = "0.1.0"

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	// Version is the API version.
	Version string `json:"version"`
}

// ParamView describes one declared parameter of a registered
// definition.
type ParamView struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
	Output   bool   `json:"output,omitempty"`
	Doc      string `json:"doc,omitempty"`
}

// PipelineView describes one registered definition.
type PipelineView struct {
	// Name is the registered definition name.
	Name string `json:"name"`

	// Pipeline is true when the definition carries a plan and expands
	// into child instances.
	Pipeline bool `json:"pipeline"`

	// Delegated is true when bodies run on a remote engine.
	Delegated bool `json:"delegated"`

	// Engine names the remote engine for delegated definitions.
	Engine string `json:"engine,omitempty"`

	Params  []ParamView `json:"params,omitempty"`
	Outputs []string    `json:"outputs,omitempty"`
}

// PipelinesResponse is the response for GET /v1/pipelines.
type PipelinesResponse struct {
	Pipelines []PipelineView `json:"pipelines"`
}

// RunView is one run, live or persisted.
type RunView struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Root       string    `json:"root,omitempty"`
	Live       bool      `json:"live"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Instances  int       `json:"instances"`
	Succeeded  int       `json:"succeeded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// RunsResponse is the response for GET /v1/runs.
type RunsResponse struct {
	Runs []RunView `json:"runs"`
}

// InstanceView is one task instance's state within a run.
type InstanceView struct {
	// ID is the instance signature, stable across runs for identical
	// inputs.
	ID string `json:"id"`

	// Path is the dotted alias path from the root call.
	Path string `json:"path"`

	Definition string   `json:"definition"`
	State      string   `json:"state"`
	Upstreams  []string `json:"upstreams,omitempty"`
	RemoteID   string   `json:"remote_id,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// InstancesResponse is the response for GET /v1/runs/:id/instances.
type InstancesResponse struct {
	RunID     string         `json:"run_id"`
	Instances []InstanceView `json:"instances"`
}

// SubmitRunRequest is the request body for POST /v1/runs.
type SubmitRunRequest struct {
	// Pipeline names the registered definition to expand and execute.
	Pipeline string `json:"pipeline" validate:"required,min=1,max=256"`

	// Args are the root call's explicit arguments, keyed by parameter
	// name.
	Args map[string]any `json:"args,omitempty"`

	// Set carries override expressions in the form the CLI accepts:
	// "definition.param=value" or "definition[path].param=value".
	Set []string `json:"set,omitempty" validate:"omitempty,dive,min=3,max=1024"`

	// FailFast, when set, replaces the server's default fail-fast
	// policy for this run.
	FailFast *bool `json:"fail_fast,omitempty"`
}

// Validate checks the request against its declared constraints.
func (r *SubmitRunRequest) Validate() error {
	return validate.Struct(r)
}

// SubmitRunResponse is the response for POST /v1/runs. The run
// executes in the background; poll GET /v1/runs/:id for progress.
type SubmitRunResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Root      string `json:"root"`
	Instances int    `json:"instances"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}
