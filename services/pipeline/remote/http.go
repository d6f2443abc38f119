// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kalebinn/dbnd/services/pipeline/run"
)

// DefaultRequestTimeout bounds each HTTP call to the orchestrator.
const DefaultRequestTimeout = 15 * time.Second

// HTTPClient talks to a remote orchestrator's REST surface. It is both
// a Submitter and a Poller.
//
// Description:
//
//	Submission POSTs the instance's identity and resolved values to
//	/api/v1/instances; polling GETs /api/v1/instances/{id}. The bearer
//	token, when configured, lives in mlocked memory for the client's
//	lifetime and is wiped on Close.
//
// Thread Safety:
//
//	Safe for concurrent use until Close.
type HTTPClient struct {
	base    string
	httpc   *http.Client
	token   *memguard.LockedBuffer
	headers map[string]string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken holds the bearer token in locked memory. The plaintext
// argument is wiped as a side effect.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) {
		c.token = memguard.NewBufferFromBytes([]byte(token))
	}
}

// WithHTTPClient replaces the default client, e.g. for custom TLS.
func WithHTTPClient(httpc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpc = httpc }
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(c *HTTPClient) { c.headers[key] = value }
}

// NewHTTPClient builds a client for the orchestrator at base.
func NewHTTPClient(base string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		base:    strings.TrimRight(base, "/"),
		httpc:   &http.Client{Timeout: DefaultRequestTimeout},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close wipes the held credential. The client must not be used after.
func (c *HTTPClient) Close() {
	if c.token != nil {
		c.token.Destroy()
		c.token = nil
	}
}

type submitRequest struct {
	InstanceID string         `json:"instance_id"`
	Definition string         `json:"definition"`
	Path       string         `json:"path"`
	Engine     string         `json:"engine"`
	Values     map[string]any `json:"values"`
}

type submitResponse struct {
	RemoteID string `json:"remote_id"`
}

type stateResponse struct {
	State    string `json:"state"`
	Revision int64  `json:"revision"`
	Message  string `json:"message,omitempty"`
}

// Submit registers the instance with the orchestrator.
func (c *HTTPClient) Submit(ctx context.Context, inst *run.Instance) (string, error) {
	body, err := json.Marshal(submitRequest{
		InstanceID: inst.ID(),
		Definition: inst.Definition().Name(),
		Path:       inst.Path(),
		Engine:     inst.Engine(),
		Values:     inst.Values(),
	})
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/instances", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, readBrief(resp.Body))
	}

	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if sub.RemoteID == "" {
		return "", fmt.Errorf("orchestrator accepted %s without a remote id", inst.Path())
	}
	return sub.RemoteID, nil
}

// Poll reads the remote state of one record.
func (c *HTTPClient) Poll(ctx context.Context, remoteID string) (Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/instances/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return Observation{}, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Observation{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Observation{}, fmt.Errorf("%w: %s", ErrNotFound, remoteID)
	case resp.StatusCode != http.StatusOK:
		return Observation{}, fmt.Errorf("orchestrator returned status %d: %s", resp.StatusCode, readBrief(resp.Body))
	}

	var st stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Observation{}, fmt.Errorf("decode response: %w", err)
	}
	state, err := ParseState(st.State)
	if err != nil {
		return Observation{}, err
	}
	return Observation{State: state, Revision: st.Revision, Message: st.Message}, nil
}

// authorize attaches static headers, the bearer token, and W3C trace
// context so the orchestrator can continue our spans.
func (c *HTTPClient) authorize(req *http.Request) {
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if c.token != nil {
		req.Header.Set("Authorization", "Bearer "+c.token.String())
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
}

// readBrief returns the leading bytes of an error body for messages.
func readBrief(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(body))
}
