package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DocType tags every persisted document.
type DocType string

// Document types living in the local log store.
const (
	TypeThreatLog DocType = "threat_log"
	TypeHQIntel   DocType = "hq_intel"
)

// Status is the lifecycle of a threat log entry.
type Status string

// Lifecycle states. The only legal move is detected -> synced.
const (
	StatusDetected Status = "detected"
	StatusSynced   Status = "synced"
)

// CanTransition reports whether moving from s to next is legal.
// Staying in the same state is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusDetected && next == StatusSynced
}

// Record is anything the log store can persist.
type Record interface {
	DocID() string
	DocType() DocType
}

// ThreatLogEntry is a debounced, taxonomy-mapped detection.
// Label, Confidence, Timestamp and Snapshot never change after creation.
type ThreatLogEntry struct {
	ID         string    `json:"_id"`
	Type       DocType   `json:"type"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status"`
	Snapshot   []byte    `json:"snapshot_data,omitempty"`
	Payload    string    `json:"payload_raw,omitempty"`

	// Rev is filled from the store on read; it is not part of the body.
	Rev int64 `json:"-"`
}

// DocID implements Record.
func (e ThreatLogEntry) DocID() string { return e.ID }

// DocType implements Record.
func (e ThreatLogEntry) DocType() DocType { return TypeThreatLog }

// HasSnapshot reports whether the entry carries image data.
func (e *ThreatLogEntry) HasSnapshot() bool { return len(e.Snapshot) > 0 }

// SameCapture reports whether the immutable fields of e and other match.
func (e *ThreatLogEntry) SameCapture(other *ThreatLogEntry) bool {
	return e.Label == other.Label &&
		e.Confidence == other.Confidence &&
		e.Timestamp.Equal(other.Timestamp) &&
		string(e.Snapshot) == string(other.Snapshot)
}

// VisualInsight is the visual-stage outcome for one entry.
type VisualInsight struct {
	LogID    string `json:"log_id"`
	Text     string `json:"text"`
	Degraded bool   `json:"degraded,omitempty"`
}

// IntelSummary is the merged intelligence returned by one sync pass.
type IntelSummary struct {
	ID          string          `json:"_id"`
	Type        DocType         `json:"type"`
	Message     string          `json:"message"`
	Timestamp   time.Time       `json:"timestamp"`
	RelatedLogs []string        `json:"related_logs"`
	Insights    []VisualInsight `json:"insights,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`

	Rev int64 `json:"-"`
}

// DocID implements Record.
func (s IntelSummary) DocID() string { return s.ID }

// DocType implements Record.
func (s IntelSummary) DocType() DocType { return TypeHQIntel }

// Document is the stored envelope of a record.
type Document struct {
	ID   string          `json:"id"`
	Type DocType         `json:"type"`
	Rev  int64           `json:"rev"`
	Seq  int64           `json:"seq"`
	Body json.RawMessage `json:"doc"`
}

// Threat decodes a threat_log document.
func (d Document) Threat() (ThreatLogEntry, error) {
	var e ThreatLogEntry
	if d.Type != TypeThreatLog {
		return e, fmt.Errorf("%w: document %s is %s, not %s", ErrWrongType, d.ID, d.Type, TypeThreatLog)
	}
	if err := json.Unmarshal(d.Body, &e); err != nil {
		return e, fmt.Errorf("decode %s: %w", d.ID, err)
	}
	e.ID = d.ID
	e.Rev = d.Rev
	return e, nil
}

// Intel decodes an hq_intel document.
func (d Document) Intel() (IntelSummary, error) {
	var s IntelSummary
	if d.Type != TypeHQIntel {
		return s, fmt.Errorf("%w: document %s is %s, not %s", ErrWrongType, d.ID, d.Type, TypeHQIntel)
	}
	if err := json.Unmarshal(d.Body, &s); err != nil {
		return s, fmt.Errorf("decode %s: %w", d.ID, err)
	}
	s.ID = d.ID
	s.Rev = d.Rev
	return s, nil
}

// IsPending selects threat_log documents still waiting for upload.
func IsPending(d Document) bool {
	if d.Type != TypeThreatLog {
		return false
	}
	e, err := d.Threat()
	return err == nil && e.Status == StatusDetected
}
