// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"

	"github.com/kalebinn/dbnd/services/pipeline/run"
)

// Delegation couples a Submitter with a SyncLoop so every submitted
// instance is watched from the moment the remote id exists. It is the
// hand-off the executor delegates through.
type Delegation struct {
	submitter Submitter
	loop      *SyncLoop
}

// NewDelegation wires submission into the loop's watch set.
func NewDelegation(submitter Submitter, loop *SyncLoop) *Delegation {
	return &Delegation{submitter: submitter, loop: loop}
}

// Submit hands the instance to the orchestrator and starts watching it.
func (d *Delegation) Submit(ctx context.Context, inst *run.Instance) (string, error) {
	remoteID, err := d.submitter.Submit(ctx, inst)
	if err != nil {
		return "", err
	}
	d.loop.Watch(remoteID, inst.ID())
	return remoteID, nil
}
