// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - New() builds a Config with defaults; Load layers file and env on top.
// - All loading functions accept context.Context as the first parameter.
// - Validation failures wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Failure policies understood by the enrichment orchestrator.
const (
	PolicyDegrade = "degrade"
	PolicyStrict  = "strict"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogJSON switches log output to JSON lines.
	LogJSON bool `koanf:"log_json"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// DBPath is the SQLite file backing the local log store.
	DBPath string `koanf:"db_path"`

	// DeviceID identifies this node in interoperability records.
	DeviceID string `koanf:"device_id"`

	// DetectionThreshold drops classifier outputs below this confidence.
	DetectionThreshold float64 `koanf:"detection_threshold"`

	// DebounceWindowMS is the per-label rate limit window.
	DebounceWindowMS int `koanf:"debounce_window_ms"`

	// DebounceMaxLabels bounds the debounce map.
	DebounceMaxLabels int `koanf:"debounce_max_labels"`

	// FrameQueueSize bounds the in-memory frame queue.
	FrameQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of detection workers.
	WorkerCount int `koanf:"worker_count"`

	// SyncIntervalMS retries pending uploads periodically while online. 0 disables.
	SyncIntervalMS int `koanf:"sync_interval_ms"`

	// IntelSummaryID, when set, makes every pass upsert one fixed summary document.
	IntelSummaryID string `koanf:"intel_summary_id"`

	// FailurePolicy selects where enrichment faults stop being absorbed: degrade or strict.
	FailurePolicy string `koanf:"failure_policy"`

	// Remote enrichment stages. Leaving any credential empty enables demo mode.
	VisionEndpoint      string `koanf:"vision_endpoint"`
	VisionKey           string `koanf:"vision_key"`
	SynthesisEndpoint   string `koanf:"synthesis_endpoint"`
	SynthesisKey        string `koanf:"synthesis_key"`
	SynthesisDeployment string `koanf:"synthesis_deployment"`
	SynthesisAPIVersion string `koanf:"synthesis_api_version"`

	// RemoteTimeoutMS is the deadline for each remote call.
	RemoteTimeoutMS int `koanf:"remote_timeout_ms"`

	// RemoteRetryMax bounds HTTP retries per remote call.
	RemoteRetryMax int `koanf:"remote_retry_max"`

	// MaxFanout bounds concurrent visual-stage calls.
	MaxFanout int `koanf:"max_fanout"`

	// DemoLatencyMS is the simulated latency of the offline demo link.
	DemoLatencyMS int `koanf:"demo_latency_ms"`

	// CoTStaleMinutes is the validity horizon of interoperability records.
	CoTStaleMinutes int `koanf:"cot_stale_minutes"`

	// NATSURL enables the change-feed relay when non-empty.
	NATSURL string `koanf:"nats_url"`

	// NATSSubject is the subject prefix for relayed changes.
	NATSSubject string `koanf:"nats_subject"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":9080",
		DBPath:              "aegis_local.db",
		DeviceID:            "Aegis-Unit-1",
		DetectionThreshold:  0.5,
		DebounceWindowMS:    5000,
		DebounceMaxLabels:   1024,
		FrameQueueSize:      256,
		WorkerCount:         runtime.NumCPU(),
		SyncIntervalMS:      30_000,
		FailurePolicy:       PolicyDegrade,
		SynthesisDeployment: "gpt-4o",
		SynthesisAPIVersion: "2024-02-01",
		RemoteTimeoutMS:     20_000,
		RemoteRetryMax:      2,
		MaxFanout:           8,
		DemoLatencyMS:       1500,
		CoTStaleMinutes:     10,
		NATSSubject:         "aegis.changes",
	}
}

// Validate checks invariants that defaults and loaders cannot guarantee.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case strings.TrimSpace(c.DBPath) == "":
		return fmt.Errorf("%w: db_path must not be empty", ErrInvalidConfig)
	case strings.TrimSpace(c.DeviceID) == "":
		return fmt.Errorf("%w: device_id must not be empty", ErrInvalidConfig)
	case c.DetectionThreshold < 0 || c.DetectionThreshold > 1:
		return fmt.Errorf("%w: detection_threshold must be within [0,1]", ErrInvalidConfig)
	case c.DebounceWindowMS < 0:
		return fmt.Errorf("%w: debounce_window_ms must not be negative", ErrInvalidConfig)
	case c.SyncIntervalMS < 0:
		return fmt.Errorf("%w: sync_interval_ms must not be negative", ErrInvalidConfig)
	}
	switch c.FailurePolicy {
	case PolicyDegrade, PolicyStrict:
	default:
		return fmt.Errorf("%w: failure_policy must be %q or %q", ErrInvalidConfig, PolicyDegrade, PolicyStrict)
	}
	return nil
}

// DebounceWindow returns the debounce window as a duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowMS) * time.Millisecond
}

// SyncInterval returns the periodic retry interval; zero means disabled.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

// RemoteTimeout returns the per-call remote deadline.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutMS) * time.Millisecond
}

// DemoLatency returns the simulated demo link latency.
func (c *Config) DemoLatency() time.Duration {
	return time.Duration(c.DemoLatencyMS) * time.Millisecond
}

// CoTStale returns the interoperability validity horizon.
func (c *Config) CoTStale() time.Duration {
	return time.Duration(c.CoTStaleMinutes) * time.Minute
}
