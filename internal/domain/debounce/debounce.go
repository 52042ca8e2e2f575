// Package debounce suppresses repeated emissions of the same tactical label.
package debounce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/okian/aegis/internal/domain/model"
)

// Emitter turns mapped detections into threat log entries at most once per
// label per window.
type Emitter interface {
	// Observe atomically checks the label's last emission and records now if
	// it emits. The entry is returned with a fresh time-ordered id.
	Observe(ctx context.Context, label string, confidence float64, snapshot []byte, now time.Time) (model.ThreatLogEntry, bool)

	// Forget undoes an emission recorded at the given instant so the next
	// observation can retry. It is a no-op if the label moved on since.
	Forget(ctx context.Context, label string, at time.Time)

	Len() int
}

type emitter struct {
	mu      sync.Mutex
	last    *lru.Cache[string, time.Time]
	window  time.Duration
	maxSize int
	newID   func() (string, error)
	onEvict func(label string)
}

// New creates an emitter with a bounded per-label map.
func New(opts ...Option) (Emitter, error) {
	e := &emitter{
		window:  defaultWindow,
		maxSize: defaultMaxLabels,
		newID:   uuidV7,
	}
	for _, opt := range opts {
		opt(e)
	}

	var (
		cache *lru.Cache[string, time.Time]
		err   error
	)
	if e.onEvict != nil {
		cache, err = lru.NewWithEvict(e.maxSize, func(k string, _ time.Time) { e.onEvict(k) })
	} else {
		cache, err = lru.New[string, time.Time](e.maxSize)
	}
	if err != nil {
		return nil, fmt.Errorf("debounce cache: %w", err)
	}
	e.last = cache
	return e, nil
}

func (e *emitter) Observe(_ context.Context, label string, confidence float64, snapshot []byte, now time.Time) (model.ThreatLogEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.last.Get(label); ok && now.Sub(prev) <= e.window {
		return model.ThreatLogEntry{}, false
	}
	id, err := e.newID()
	if err != nil {
		return model.ThreatLogEntry{}, false
	}
	e.last.Add(label, now)

	return model.ThreatLogEntry{
		ID:         id,
		Type:       model.TypeThreatLog,
		Label:      label,
		Confidence: confidence,
		Timestamp:  now.UTC(),
		Status:     model.StatusDetected,
		Snapshot:   snapshot,
	}, true
}

func (e *emitter) Forget(_ context.Context, label string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.last.Peek(label); ok && prev.Equal(at) {
		e.last.Remove(label)
	}
}

func (e *emitter) Len() int {
	return e.last.Len()
}

func uuidV7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
