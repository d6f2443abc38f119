// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import "errors"

var (
	// ErrRunNotFound is returned when a run id matches neither a live
	// run nor a persisted one.
	ErrRunNotFound = errors.New("run not found")

	// ErrNoStore is returned when a request needs persisted run data
	// but the service was built without a run store.
	ErrNoStore = errors.New("no run store configured")
)
