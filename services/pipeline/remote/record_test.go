// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordObserveMonotonic(t *testing.T) {
	rec := newRecord("pod-1", "sig-1")
	assert.Equal(t, int64(-1), rec.Revision())

	assert.True(t, rec.observe(Observation{State: StateRunning, Revision: 5}))
	assert.Equal(t, int64(5), rec.Revision())
	assert.Equal(t, StateRunning, rec.LastState())

	// Replay of the same revision changes nothing.
	assert.False(t, rec.observe(Observation{State: StateRunning, Revision: 5}))

	// Older revisions are discarded even with a different state.
	assert.False(t, rec.observe(Observation{State: StateFailed, Revision: 3}))
	assert.Equal(t, StateRunning, rec.LastState())
	assert.Equal(t, int64(5), rec.Revision())

	assert.True(t, rec.observe(Observation{State: StateSuccess, Revision: 6}))
	assert.Equal(t, StateSuccess, rec.LastState())
}

func TestRecordObserveRevisionZero(t *testing.T) {
	// Remotes that start counting at zero still get their first
	// observation applied.
	rec := newRecord("pod-1", "sig-1")
	assert.True(t, rec.observe(Observation{State: StateQueued, Revision: 0}))
	assert.False(t, rec.observe(Observation{State: StateQueued, Revision: 0}))
}

func TestRecordSeed(t *testing.T) {
	rec := newRecord("pod-1", "sig-1")
	rec.seed(StateRunning, 7)
	assert.Equal(t, int64(7), rec.Revision())

	// Seeding never lowers an established gate.
	rec.seed(StateQueued, 4)
	assert.Equal(t, int64(7), rec.Revision())
	assert.Equal(t, StateRunning, rec.LastState())

	assert.False(t, rec.observe(Observation{State: StateRunning, Revision: 7}))
	assert.True(t, rec.observe(Observation{State: StateSuccess, Revision: 8}))
}

func TestParseState(t *testing.T) {
	for _, name := range []string{"QUEUED", "RUNNING", "SUCCESS", "FAILED", "CANCELLED", "UNKNOWN"} {
		st, err := ParseState(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, st.String())
	}

	_, err := ParseState("EXPLODED")
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateUnknown.Terminal())
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSuccess.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
}
