// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalebinn/dbnd/services/pipeline/run"
	"github.com/kalebinn/dbnd/services/pipeline/task"
)

func testInstance(t *testing.T) *run.Instance {
	t.Helper()
	def := task.MustDefinition("remote_train",
		[]task.ParamSpec{task.OptionalParam("alpha", task.TypeFloat, 0.5)},
		task.WithRun(func(ctx context.Context, inv task.Invocation) error { return nil }),
		task.WithEngine("kubernetes"),
	)
	return run.NewInstance(run.InstanceSpec{
		ID:         "sig-http-1",
		Definition: def,
		Path:       "root.remote_train",
		Values:     task.Values{"alpha": 0.7},
	})
}

func TestHTTPSubmit(t *testing.T) {
	var gotAuth string
	var gotBody submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/instances", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(submitResponse{RemoteID: "job-42"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithToken("sekrit"))
	defer c.Close()

	remoteID, err := c.Submit(context.Background(), testInstance(t))
	require.NoError(t, err)
	assert.Equal(t, "job-42", remoteID)
	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "sig-http-1", gotBody.InstanceID)
	assert.Equal(t, "remote_train", gotBody.Definition)
	assert.Equal(t, "kubernetes", gotBody.Engine)
	assert.Equal(t, 0.7, gotBody.Values["alpha"])
}

func TestHTTPSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.Submit(context.Background(), testInstance(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestHTTPSubmitMissingRemoteID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.Submit(context.Background(), testInstance(t))
	assert.Error(t, err)
}

func TestHTTPPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/instances/job-42", r.URL.Path)
		json.NewEncoder(w).Encode(stateResponse{State: "RUNNING", Revision: 3})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	obs, err := c.Poll(context.Background(), "job-42")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, obs.State)
	assert.Equal(t, int64(3), obs.Revision)
}

func TestHTTPPollNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.Poll(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPPollUnknownState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stateResponse{State: "EXPLODED", Revision: 1})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.Poll(context.Background(), "job-42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXPLODED")
}

func TestHTTPHeaders(t *testing.T) {
	var gotTenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get("X-Tenant")
		json.NewEncoder(w).Encode(stateResponse{State: "QUEUED", Revision: 1})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithHeader("X-Tenant", "ml-platform"))
	_, err := c.Poll(context.Background(), "job-42")
	require.NoError(t, err)
	assert.Equal(t, "ml-platform", gotTenant)
}
