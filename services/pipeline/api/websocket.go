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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kalebinn/dbnd/services/pipeline/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleRunEvents handles GET /v1/runs/:id/events.
//
// Description:
//
//	Upgrades to a websocket and streams the run's tracking events as
//	JSON, one event per message. For a live run the log so far is
//	replayed first and new events follow until the run finishes; for a
//	persisted run the stored log is replayed. The connection closes
//	with a normal closure once the stream is complete.
//
// Response:
//
//	101 Switching Protocols on success
//	404 Not Found: Unknown run id
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleRunEvents(c *gin.Context) {
	logger := requestLogger(c, "HandleRunEvents")
	id := c.Param("id")

	// Resolve the run before upgrading so misses still get plain HTTP
	// status codes.
	lr, live := h.svc.lookupLive(id)
	var stored []events.Event
	if !live {
		var err error
		stored, err = h.svc.EventsByRun(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				c.JSON(http.StatusNotFound, ErrorResponse{
					Error: err.Error(),
					Code:  "RUN_NOT_FOUND",
				})
				return
			}
			logger.Error("loading events failed", "run_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: err.Error(),
				Code:  "LOAD_FAILED",
			})
			return
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("event stream connected", "run_id", id, "live", live)

	// Reads only serve disconnect detection; the stream is server-push.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !live {
		for _, ev := range stored {
			if err := sendEvent(ws, ev); err != nil {
				return
			}
		}
		closeStream(ws, logger)
		return
	}

	// The subscription only wakes the loop; the run's own event log is
	// the source, so a coalesced wakeup never loses events.
	notify := make(chan struct{}, 1)
	emitter := lr.run.Emitter()
	subID := emitter.Subscribe(func(events.Event) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer emitter.Unsubscribe(subID)

	var lastSeq uint64
	flush := func() error {
		for _, ev := range lr.run.Events() {
			if ev.Sequence <= lastSeq {
				continue
			}
			if err := sendEvent(ws, ev); err != nil {
				return err
			}
			lastSeq = ev.Sequence
		}
		return nil
	}

	for {
		if err := flush(); err != nil {
			return
		}
		select {
		case <-notify:
		case <-lr.done:
			if err := flush(); err != nil {
				return
			}
			closeStream(ws, logger)
			return
		case <-clientGone:
			logger.Info("event stream client disconnected", "run_id", id)
			return
		}
	}
}

func sendEvent(ws *websocket.Conn, ev events.Event) error {
	if err := ws.WriteJSON(ev); err != nil {
		slog.Warn("failed to write websocket event", "error", err)
		return err
	}
	return nil
}

func closeStream(ws *websocket.Conn, logger *slog.Logger) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		logger.Debug("websocket close write failed", "error", err)
	}
}
