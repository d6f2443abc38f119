// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the engine configuration.
//
// Priority is env > file > embedded defaults: Load starts from the
// defaults baked into the binary, merges an optional YAML file over
// them, applies DBND_* and OTEL_* environment overrides, and validates
// the result. Secrets never live in the file; token fields name the
// environment variable that holds the value.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps loaded config files at 1MB.
const MaxConfigFileSize = 1024 * 1024

// Duration is a time.Duration that unmarshals from YAML strings like
// "10s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

//go:embed defaults.yaml
var defaultsYAML []byte

// validate is the shared validator instance for config structs.
var validate *validator.Validate

var (
	configLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbnd_config_load_errors_total",
		Help: "Total configuration load failures",
	})

	configLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dbnd_config_load_duration_seconds",
		Help:    "Duration of configuration loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})
)

func init() {
	validate = validator.New()
}

// Config is the full engine configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	// WorkDir is the root directory for file-target artifacts.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// MaxDepth bounds pipeline nesting during graph expansion.
	MaxDepth int `yaml:"max_depth" validate:"gte=1"`

	Executor  ExecutorConfig  `yaml:"executor"`
	Sync      SyncConfig      `yaml:"sync"`
	Remote    RemoteConfig    `yaml:"remote"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ExecutorConfig controls the worker pool.
type ExecutorConfig struct {
	MaxParallel    int      `yaml:"max_parallel" validate:"gte=1"`
	FailFast       bool     `yaml:"fail_fast"`
	DefaultTimeout Duration `yaml:"default_timeout" validate:"gte=0"`
}

// SyncConfig controls the scheduler state-sync loop.
type SyncConfig struct {
	Interval      Duration `yaml:"interval" validate:"gt=0"`
	MaxAttempts   int      `yaml:"max_attempts" validate:"gte=1"`
	BaseBackoff   Duration `yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff    Duration `yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
	BackoffFactor float64  `yaml:"backoff_factor" validate:"gte=1"`
	PollRate      float64  `yaml:"poll_rate" validate:"gt=0"`
	MissThreshold int      `yaml:"miss_threshold" validate:"gte=1"`
}

// RemoteConfig points at the orchestrator that runs delegated instances.
// An empty BaseURL disables delegation.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// TokenEnv names the environment variable holding the bearer
	// token. The token itself never appears in config files.
	TokenEnv string `yaml:"token_env"`
}

// StorageConfig controls the badger metadata store.
type StorageConfig struct {
	Path       string `yaml:"path" validate:"required_without=InMemory"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// APIConfig controls the observation API server.
type APIConfig struct {
	Addr         string   `yaml:"addr" validate:"required"`
	ReadTimeout  Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout Duration `yaml:"write_timeout" validate:"gte=0"`
}

// EventsConfig selects tracking event sinks.
type EventsConfig struct {
	Console   bool         `yaml:"console"`
	JSONLPath string       `yaml:"jsonl_path"`
	Influx    InfluxConfig `yaml:"influx"`
}

// InfluxConfig points metric events at an InfluxDB bucket. An empty URL
// disables the sink.
type InfluxConfig struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	TokenEnv string `yaml:"token_env"`
	Org      string `yaml:"org" validate:"required_with=URL"`
	Bucket   string `yaml:"bucket" validate:"required_with=URL"`
}

// TelemetryConfig selects trace and metric exporters.
type TelemetryConfig struct {
	TraceExporter  string  `yaml:"trace_exporter" validate:"oneof=otlp jaeger stdout none"`
	MetricExporter string  `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	SampleRate     float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// Default returns the embedded default configuration.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// The defaults ship inside the binary; failing to parse them
		// is a build defect, not a runtime condition.
		panic(fmt.Sprintf("embedded defaults invalid: %v", err))
	}
	return cfg
}

// Load builds the effective configuration.
//
// Description:
//
//	Starts from the embedded defaults, merges the YAML file at path if
//	one exists (a missing file is not an error, so the well-known
//	default location works on fresh installs), applies environment
//	overrides, and validates.
//
// Inputs:
//
//	path - Config file path. Empty skips the file layer.
//
// Outputs:
//
//	Config - The effective configuration.
//	error - Non-nil if the file is unreadable or the result is invalid.
func Load(path string) (Config, error) {
	start := time.Now()
	defer func() {
		configLoadDuration.Observe(time.Since(start).Seconds())
	}()

	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			configLoadErrors.Inc()
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		configLoadErrors.Inc()
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadFile merges the YAML at path into cfg. Missing files are
// tolerated; oversized or malformed ones are not.
func loadFile(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DBND_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("DBND_MAX_DEPTH"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.MaxDepth = i
		}
	}

	// Executor
	if v := os.Getenv("DBND_MAX_PARALLEL"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxParallel = i
		}
	}
	if v := os.Getenv("DBND_FAIL_FAST"); v != "" {
		cfg.Executor.FailFast = v == "true" || v == "1"
	}
	if v := os.Getenv("DBND_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Executor.DefaultTimeout = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("DBND_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("DBND_SYNC_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxAttempts = i
		}
	}
	if v := os.Getenv("DBND_SYNC_BASE_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BaseBackoff = Duration(d)
		}
	}
	if v := os.Getenv("DBND_SYNC_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.MaxBackoff = Duration(d)
		}
	}

	// Remote
	if v := os.Getenv("DBND_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}

	// Storage
	if v := os.Getenv("DBND_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	// API
	if v := os.Getenv("DBND_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}

	// Events
	if v := os.Getenv("DBND_INFLUX_URL"); v != "" {
		cfg.Events.Influx.URL = v
	}
	if v := os.Getenv("DBND_INFLUX_ORG"); v != "" {
		cfg.Events.Influx.Org = v
	}
	if v := os.Getenv("DBND_INFLUX_BUCKET"); v != "" {
		cfg.Events.Influx.Bucket = v
	}

	// Telemetry follows the standard OTel variable names
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("OTEL_METRICS_EXPORTER"); v != "" {
		cfg.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

// Validate checks the configuration against its struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return nil
}
