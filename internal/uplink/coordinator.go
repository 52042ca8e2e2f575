// Package uplink reconciles pending threat logs with the remote enrichment
// service. At most one sync pass runs at a time per coordinator.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/aegis/internal/adapters/enrichment"
	"github.com/okian/aegis/internal/adapters/repository"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/pkg/logger"
	"github.com/okian/aegis/pkg/metrics"
)

// Enricher is the remote side of a pass.
type Enricher interface {
	Enrich(ctx context.Context, batch []model.ThreatLogEntry) (enrichment.Result, error)
}

// LogStore is the part of the log store a pass needs.
type LogStore interface {
	QueryPending(ctx context.Context, docType model.DocType, pred repository.Predicate) ([]model.Document, error)
	Update(ctx context.Context, rec model.Record, expectedRev int64) (int64, error)
	Upsert(ctx context.Context, rec model.Record) (int64, error)
}

// Outcome summarizes one pass.
type Outcome struct {
	Pending   int       `json:"pending"`
	Synced    int       `json:"synced"`
	Conflicts int       `json:"conflicts"`
	Failed    int       `json:"failed"`
	SummaryID string    `json:"summary_id,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Running     bool      `json:"running"`
	Passes      int64     `json:"passes"`
	Dropped     int64     `json:"dropped_triggers"`
	LastOutcome *Outcome  `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// Coordinator runs sync passes.
type Coordinator struct {
	store    LogStore
	enricher Enricher

	running atomic.Bool
	passes  atomic.Int64
	dropped atomic.Int64

	mu          sync.Mutex
	lastOutcome *Outcome
	lastError   string
	lastSuccess time.Time

	summaryID     string
	retryInterval time.Duration
	online        func() bool
	newID         func() (string, error)
	logger        logger.Logger

	// lifeMu orders wg.Add against Stop's wg.Wait.
	lifeMu  sync.Mutex
	stopped bool
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator wires a coordinator over store and enricher.
func NewCoordinator(store LogStore, enricher Enricher, opts ...Option) *Coordinator {
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    store,
		enricher: enricher,
		online:   func() bool { return true },
		newID:    newSummaryID,
		logger:   logger.Get().Named("uplink"),
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the periodic retry loop if one is configured.
func (c *Coordinator) Start(ctx context.Context) {
	if c.retryInterval <= 0 || !c.enter() {
		return
	}
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.base.Done():
				return
			case <-ticker.C:
				if c.online() {
					c.Trigger(ctx)
				}
			}
		}
	}()
}

// Stop cancels in-flight work and waits for background passes to return.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	c.stopped = true
	c.cancel()
	c.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger starts a background pass unless one is already running. It never
// blocks; a dropped signal returns false. The pass outlives ctx and is bound
// to the coordinator's lifetime instead.
func (c *Coordinator) Trigger(ctx context.Context) bool {
	if !c.enter() {
		return false
	}
	if !c.running.CompareAndSwap(false, true) {
		c.wg.Done()
		c.dropped.Add(1)
		metrics.RecordSyncPass("dropped")
		c.logger.Debug(ctx, "sync already in flight, trigger dropped")
		return false
	}

	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		_, _ = c.pass(c.base)
	}()
	return true
}

// Run performs one pass synchronously. Stop cancels its remote phase and
// waits for it like a background pass.
func (c *Coordinator) Run(ctx context.Context) (Outcome, error) {
	if !c.enter() {
		return Outcome{}, ErrStopped
	}
	defer c.wg.Done()
	if !c.running.CompareAndSwap(false, true) {
		c.dropped.Add(1)
		metrics.RecordSyncPass("dropped")
		return Outcome{}, ErrPassInFlight
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(c.base, cancel)
	defer unwatch()
	return c.pass(ctx)
}

// enter registers one unit of background work unless Stop has been called.
func (c *Coordinator) enter() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	return true
}

// Running reports whether a pass is in flight.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Status returns the coordinator's current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Running:     c.running.Load(),
		Passes:      c.passes.Load(),
		Dropped:     c.dropped.Load(),
		LastOutcome: c.lastOutcome,
		LastError:   c.lastError,
		LastSuccess: c.lastSuccess,
	}
}

// pass must only run while the running flag is held.
func (c *Coordinator) pass(ctx context.Context) (out Outcome, err error) {
	start := time.Now()
	out.StartedAt = start.UTC()
	c.passes.Add(1)
	defer func() {
		out.Duration = time.Since(start).String()
		metrics.RecordSyncDuration(float64(time.Since(start).Milliseconds()))
		c.record(out, err)
	}()

	docs, err := c.store.QueryPending(ctx, model.TypeThreatLog, model.IsPending)
	if err != nil {
		metrics.RecordSyncPass("failed")
		return out, fmt.Errorf("snapshot pending: %w", err)
	}
	metrics.UpdatePendingLogs(len(docs))

	batch := make([]model.ThreatLogEntry, 0, len(docs))
	for _, d := range docs {
		e, derr := d.Threat()
		if derr != nil {
			c.logger.Error(ctx, "skipping undecodable threat log", logger.String("log_id", d.ID), logger.Error(derr))
			continue
		}
		batch = append(batch, e)
	}
	out.Pending = len(batch)
	if len(batch) == 0 {
		metrics.RecordSyncPass("empty")
		return out, nil
	}

	c.logger.Info(ctx, "sync pass started", logger.Int("pending", len(batch)))

	res, err := c.enricher.Enrich(ctx, batch)
	if err != nil {
		metrics.RecordSyncPass("failed")
		c.logger.Warn(ctx, "enrichment failed, entries stay pending", logger.Int("pending", len(batch)), logger.Error(err))
		return out, err
	}
	out.Mode = res.Mode
	out.Degraded = res.Degraded

	// The remote side has confirmed the batch; the commit runs to completion
	// even if the caller goes away, or the summary would be lost.
	ctx = context.WithoutCancel(ctx)

	related := make([]string, 0, len(batch))
	for _, e := range batch {
		related = append(related, e.ID)
		e.Status = model.StatusSynced
		e.Payload = res.Payloads[e.ID]
		if _, uerr := c.store.Update(ctx, e, e.Rev); uerr != nil {
			if errors.Is(uerr, repository.ErrConflict) {
				out.Conflicts++
				metrics.RecordSyncConflict()
				c.logger.Warn(ctx, "threat log changed during sync", logger.String("log_id", e.ID), logger.Error(uerr))
			} else {
				out.Failed++
				metrics.RecordErrorByComponent("uplink", "status_update")
				c.logger.Error(ctx, "threat log status update failed", logger.String("log_id", e.ID), logger.Error(uerr))
			}
			continue
		}
		out.Synced++
	}
	metrics.RecordEntriesSynced(out.Synced)
	metrics.UpdatePendingLogs(len(batch) - out.Synced)

	summary := model.IntelSummary{
		Type:        model.TypeHQIntel,
		Message:     res.Summary,
		Timestamp:   res.Timestamp,
		RelatedLogs: related,
		Insights:    res.Insights,
		Mode:        res.Mode,
		Degraded:    res.Degraded,
	}
	if summary.ID, err = c.summaryDocID(); err != nil {
		metrics.RecordSyncPass("partial")
		return out, fmt.Errorf("%w: %w", ErrSummaryWrite, err)
	}
	if _, err = c.store.Upsert(ctx, summary); err != nil {
		metrics.RecordSyncPass("partial")
		c.logger.Error(ctx, "intel summary write failed", logger.String("summary_id", summary.ID), logger.Error(err))
		return out, fmt.Errorf("%w: %w", ErrSummaryWrite, err)
	}
	out.SummaryID = summary.ID
	metrics.RecordIntelSummary()

	if out.Synced == len(batch) {
		metrics.RecordSyncPass("synced")
	} else {
		metrics.RecordSyncPass("partial")
	}
	c.logger.Info(ctx, "sync pass finished",
		logger.Int("synced", out.Synced),
		logger.Int("conflicts", out.Conflicts),
		logger.String("summary_id", out.SummaryID),
		logger.String("mode", out.Mode),
		logger.Bool("degraded", out.Degraded))
	return out, nil
}

func (c *Coordinator) record(out Outcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOutcome = &out
	if err != nil {
		c.lastError = err.Error()
		return
	}
	c.lastError = ""
	c.lastSuccess = time.Now().UTC()
}

func (c *Coordinator) summaryDocID() (string, error) {
	if c.summaryID != "" {
		return c.summaryID, nil
	}
	return c.newID()
}

func newSummaryID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "hq_" + id.String(), nil
}
