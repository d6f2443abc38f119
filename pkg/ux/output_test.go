// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"strings"
	"testing"
)

func TestStateBadge_Plain(t *testing.T) {
	prev := Plain()
	SetPlain(true)
	defer SetPlain(prev)

	for _, state := range []string{"SUCCESS", "FAILED", "RUNNING", "PENDING", "SKIPPED_COMPLETE"} {
		if got := StateBadge(state); got != state {
			t.Errorf("StateBadge(%q) in plain mode = %q, want unstyled", state, got)
		}
	}
}

func TestStateIcon(t *testing.T) {
	tests := []struct {
		state string
		want  Icon
	}{
		{"SUCCESS", IconSuccess},
		{"SKIPPED_COMPLETE", IconSkipped},
		{"FAILED", IconError},
		{"UPSTREAM_FAILED", IconError},
		{"ABORTED", IconError},
		{"RUNNING", IconRunning},
		{"PENDING", IconPending},
		{"whatever", IconPending},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := stateIcon(tt.state); got != tt.want {
				t.Errorf("stateIcon(%q) = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestProgressBar_Plain(t *testing.T) {
	prev := Plain()
	SetPlain(true)
	defer SetPlain(prev)

	if got := ProgressBar(3, 10, 20); got != "3/10" {
		t.Errorf("ProgressBar plain = %q, want 3/10", got)
	}
	if got := ProgressBar(0, 0, 20); got != "0/0" {
		t.Errorf("ProgressBar zero total = %q, want 0/0", got)
	}
}

func TestProgressBar_Styled(t *testing.T) {
	prev := Plain()
	SetPlain(false)
	defer SetPlain(prev)

	got := ProgressBar(5, 10, 10)
	if !strings.Contains(got, "50%") {
		t.Errorf("ProgressBar(5,10) = %q, want 50%% marker", got)
	}
}

func TestRepeatChar(t *testing.T) {
	if got := repeatChar('x', 3); got != "xxx" {
		t.Errorf("repeatChar('x', 3) = %q", got)
	}
	if got := repeatChar('x', 0); got != "" {
		t.Errorf("repeatChar('x', 0) = %q, want empty", got)
	}
	if got := repeatChar('x', -1); got != "" {
		t.Errorf("repeatChar('x', -1) = %q, want empty", got)
	}
}
