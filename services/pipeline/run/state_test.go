// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package run

import "testing"

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StatePending:         "PENDING",
		StateRunning:         "RUNNING",
		StateSuccess:         "SUCCESS",
		StateFailed:          "FAILED",
		StateUpstreamFailed:  "UPSTREAM_FAILED",
		StateSkippedComplete: "SKIPPED_COMPLETE",
		StateAborted:         "ABORTED",
		State(99):            "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	all := []State{
		StatePending, StateRunning, StateSuccess, StateFailed,
		StateUpstreamFailed, StateSkippedComplete, StateAborted,
	}
	allowed := map[State]map[State]bool{
		StatePending: {
			StateRunning:         true,
			StateSkippedComplete: true,
			StateUpstreamFailed:  true,
			StateAborted:         true,
		},
		StateRunning: {
			StateSuccess: true,
			StateFailed:  true,
			StateAborted: true,
		},
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[from][to]
			if got := canTransition(from, to); got != want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatePredicates(t *testing.T) {
	if StatePending.Terminal() || StateRunning.Terminal() {
		t.Error("PENDING and RUNNING must not be terminal")
	}
	for _, s := range []State{StateSuccess, StateFailed, StateUpstreamFailed, StateSkippedComplete, StateAborted} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}

	if !StateSuccess.Satisfied() || !StateSkippedComplete.Satisfied() {
		t.Error("SUCCESS and SKIPPED_COMPLETE satisfy dependents")
	}
	if StateFailed.Satisfied() || StateRunning.Satisfied() {
		t.Error("FAILED and RUNNING must not satisfy dependents")
	}

	for _, s := range []State{StateFailed, StateUpstreamFailed, StateAborted} {
		if !s.Failure() {
			t.Errorf("%s must count as a failure", s)
		}
	}
	if StateSuccess.Failure() || StateSkippedComplete.Failure() {
		t.Error("satisfied states must not count as failures")
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusActive:  "ACTIVE",
		StatusSuccess: "SUCCESS",
		StatusFailed:  "FAILED",
		StatusAborted: "ABORTED",
		Status(42):    "UNKNOWN",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
