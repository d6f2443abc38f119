// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalebinn/dbnd/services/pipeline/events"
)

func dialEvents(t *testing.T, srv *httptest.Server, runID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/" + runID + "/events"
	return websocket.DefaultDialer.Dial(url, nil)
}

// readStream drains the event stream until the server's normal
// closure. Any other stream end fails the test.
func readStream(t *testing.T, ws *websocket.Conn) []events.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var out []events.Event
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"stream ended abnormally: %v", err)
			return out
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		out = append(out, ev)
	}
}

func submitTraining(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doRequest(t, router, http.MethodPost, "/v1/runs", `{"pipeline": "training"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp SubmitRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.RunID
}

func payloadField(t *testing.T, ev events.Event, key string) any {
	t.Helper()
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok, "event %d payload is %T", ev.Sequence, ev.Payload)
	return payload[key]
}

func TestRunEventsNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ws, resp, err := dialEvents(t, srv, "no-such-run")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Nil(t, ws)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunEventsReplayPersisted(t *testing.T) {
	router, _ := setupTestRouter(t)
	runID := submitTraining(t, router)
	waitForRun(t, router, runID, "SUCCESS")

	srv := httptest.NewServer(router)
	defer srv.Close()

	ws, resp, err := dialEvents(t, srv, runID)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()

	evs := readStream(t, ws)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.KindInstanceCreated, evs[0].Kind)

	var lastSeq uint64
	for _, ev := range evs {
		assert.Equal(t, runID, ev.RunID)
		assert.Greater(t, ev.Sequence, lastSeq, "sequence must be strictly increasing")
		lastSeq = ev.Sequence
	}
}

func TestRunEventsLiveStream(t *testing.T) {
	router, _ := setupTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	runID := submitTraining(t, router)

	// Dialing right after submission hits the live path while the run
	// executes, or the replay path if it already finished. Either way
	// the stream delivers the complete event log before closing.
	ws, resp, err := dialEvents(t, srv, runID)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()

	evs := readStream(t, ws)

	var created, terminal int
	var sawMetric bool
	for _, ev := range evs {
		switch ev.Kind {
		case events.KindInstanceCreated:
			created++
		case events.KindStateChanged:
			if payloadField(t, ev, "to") == "SUCCESS" {
				terminal++
			}
		case events.KindMetricLogged:
			if payloadField(t, ev, "name") == "rows" {
				sawMetric = true
			}
		}
	}

	// training expands to two instances, both of which must succeed.
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, terminal)
	assert.True(t, sawMetric, "featurize metric never streamed")
}
