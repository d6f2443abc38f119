// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxSink forwards METRIC_LOGGED events to an InfluxDB bucket so
// task metrics land next to the rest of the fleet's time series.
// Other event kinds are ignored; run metadata belongs in the run
// store, not a metrics database.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI influxapi.WriteAPIBlocking
	log      *slog.Logger

	// WriteTimeout bounds each point write. Defaults to 5s.
	WriteTimeout time.Duration
}

// NewInfluxSink connects to InfluxDB at url with token, writing to
// org/bucket. The connection is lazy; a down InfluxDB surfaces as
// logged write failures, never as run failures.
func NewInfluxSink(url, token, org, bucket string, log *slog.Logger) *InfluxSink {
	if log == nil {
		log = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:       client,
		writeAPI:     client.WriteAPIBlocking(org, bucket),
		log:          log,
		WriteTimeout: 5 * time.Second,
	}
}

// Handle writes metric events as points in the "task_metric"
// measurement, tagged by run and instance. Register it with
// Emitter.Subscribe(sink.Handle, events.KindMetricLogged).
func (s *InfluxSink) Handle(ev Event) {
	p, ok := ev.Payload.(MetricLoggedPayload)
	if !ok {
		return
	}

	point := influxdb2.NewPoint(
		"task_metric",
		map[string]string{
			"run_id":      ev.RunID,
			"instance_id": ev.InstanceID,
			"path":        p.Path,
			"metric":      p.Name,
		},
		map[string]interface{}{
			"value": p.Value,
		},
		ev.Timestamp,
	)

	ctx, cancel := context.WithTimeout(context.Background(), s.WriteTimeout)
	defer cancel()
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		s.log.Warn("influx metric write failed",
			"run_id", ev.RunID,
			"metric", p.Name,
			"error", err)
	}
}

// Close releases the client's idle connections.
func (s *InfluxSink) Close() {
	s.client.Close()
}
