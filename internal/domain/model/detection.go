// Package model contains domain models passed between layers.
package model

import "time"

// Box is a classifier bounding box in pixel coordinates.
type Box struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// DetectionEvent is one raw classifier output. It is never persisted directly.
type DetectionEvent struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"score"`
	Box        Box     `json:"box"`
}

// Frame is one inference round: every detection produced for a single
// snapshot, plus the snapshot itself (optional).
type Frame struct {
	Detections []DetectionEvent
	Snapshot   []byte
	CapturedAt time.Time
}
