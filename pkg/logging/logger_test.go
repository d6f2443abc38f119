// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got := tt.level.toSlogLevel()
			if got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Constructor Tests
// =============================================================================

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.slog == nil {
		t.Error("logger.slog is nil")
	}
	defer logger.Close()
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
	if logger.config.Service != "dbnd" {
		t.Errorf("Default() service = %q, want %q", logger.config.Service, "dbnd")
	}
	defer logger.Close()
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "engine",
		Quiet:   true,
	})

	logger.Info("run started", "run_id", "abc123")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pattern := filepath.Join(dir, "engine_*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(matches))
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"run started"`) {
		t.Errorf("log file missing message, got: %s", content)
	}
	if !strings.Contains(content, `"run_id":"abc123"`) {
		t.Errorf("log file missing attribute, got: %s", content)
	}
	if !strings.Contains(content, `"service":"engine"`) {
		t.Errorf("log file missing service attribute, got: %s", content)
	}
}

func TestLogger_With(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		LogDir:  dir,
		Service: "engine",
		Quiet:   true,
	})

	child := logger.With("run_id", "r1")
	child.Info("expanding graph")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "engine_*.log"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(matches))
	}
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), `"run_id":"r1"`) {
		t.Errorf("child logger attribute missing, got: %s", data)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "engine",
		Quiet:   true,
	})

	logger.Debug("not recorded")
	logger.Info("not recorded either")
	logger.Warn("recorded")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "engine_*.log"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(matches))
	}
	data, _ := os.ReadFile(matches[0])
	content := string(data)
	if strings.Contains(content, "not recorded") {
		t.Errorf("filtered message recorded: %s", content)
	}
	if !strings.Contains(content, "recorded") {
		t.Errorf("warn message missing: %s", content)
	}
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestBufferedExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Info("test message", "key", "value")
	logger.Debug("filtered out")

	// Export is async; wait for the entry to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exporter.Entries()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	if entries[0].Message != "test message" {
		t.Errorf("entry message = %q, want %q", entries[0].Message, "test message")
	}
	if entries[0].Attrs["key"] != "value" {
		t.Errorf("entry attrs = %v, want key=value", entries[0].Attrs)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestArgsToMap(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want int
	}{
		{"pairs", []any{"a", 1, "b", 2}, 2},
		{"odd trailing key dropped", []any{"a", 1, "b"}, 1},
		{"non-string key skipped", []any{1, "a", "b", 2}, 1},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsToMap(tt.args)
			if len(got) != tt.want {
				t.Errorf("argsToMap(%v) has %d keys, want %d", tt.args, len(got), tt.want)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	got := expandPath("~/.dbnd/logs")
	want := filepath.Join(home, ".dbnd/logs")
	if got != want {
		t.Errorf("expandPath(~/.dbnd/logs) = %q, want %q", got, want)
	}

	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q, want unchanged", got)
	}
}
