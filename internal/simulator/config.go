// Package simulator drives a running node over HTTP: it streams synthetic
// classifier frames, flips the link state and checks that pending logs are
// reconciled.
package simulator

import "time"

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL      string        // Base URL of the node
	Frames       int           // Number of frames to submit
	Workers      int           // Number of concurrent submitters
	Timeout      time.Duration // HTTP request timeout
	RetryMax     int           // Retries per request
	Settle       time.Duration // Wait after submission before checking the store
	SyncDeadline time.Duration // How long to wait for pending logs to drain
	Seed         int64         // Generator seed; 0 picks one from the clock
	Unmapped     float64       // Fraction of detections with labels outside the taxonomy
}

// DefaultConfig returns a config suited to a local node.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "http://localhost:9080",
		Frames:       200,
		Workers:      4,
		Timeout:      5 * time.Second,
		RetryMax:     2,
		Settle:       time.Second,
		SyncDeadline: 30 * time.Second,
		Unmapped:     0.2,
	}
}

// Report summarises a run.
type Report struct {
	FramesSubmitted   int           `json:"frames_submitted"`
	FramesAccepted    int           `json:"frames_accepted"`
	FramesBackpressed int           `json:"frames_backpressured"`
	FramesFailed      int           `json:"frames_failed"`
	LogsBefore        int           `json:"logs_before"`
	LogsAfter         int           `json:"logs_after"`
	PendingAfterSync  int           `json:"pending_after_sync"`
	IntelSummaries    int           `json:"intel_summaries"`
	SyncTriggered     bool          `json:"sync_triggered"`
	Duration          time.Duration `json:"duration"`
}

// nodeStats is the subset of /stats the simulator reads.
type nodeStats struct {
	TotalLogs      int
	PendingLogs    int
	IntelSummaries int
	SyncRunning    bool
}
