// Package enrichment runs the two-stage remote analysis of a sync batch:
// per-snapshot visual description followed by one synthesis over the batch.
package enrichment

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/aegis/internal/domain/cot"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/pkg/logger"
	"github.com/okian/aegis/pkg/metrics"
)

// Modes reported in Result.Mode.
const (
	ModeLive = "live"
	ModeDemo = "demo"
)

// Fixed texts.
const (
	VisualPlaceholder    = "Visual analysis unavailable (link degraded)."
	SynthesisPlaceholder = "HQ ANALYSIS: Uplink unstable. Automated synthesis unavailable."
	DemoSummary          = "HQ ANALYSIS (MOCK): System running in OFFLINE DEMO MODE. Add Azure Keys to enable real-time AI analysis."
	summaryPrefix        = "HQ ANALYSIS: "
)

const (
	stageVisual    = "visual"
	stageSynthesis = "synthesis"
	stageDemo      = "demo"
)

// Result is the merged outcome of enriching one batch.
type Result struct {
	Summary   string
	Timestamp time.Time
	Payloads  map[string]string
	Insights  []model.VisualInsight
	Mode      string
	Degraded  bool
}

// Orchestrator enriches batches. It never touches the store.
type Orchestrator struct {
	vision     VisionClient
	synthesis  SynthesisClient
	serializer *cot.Serializer

	policy        string
	maxFanout     int
	remoteTimeout time.Duration
	demoLatency   time.Duration

	logger logger.Logger
	now    func() time.Time
}

// New builds an Orchestrator. Without both remote clients it runs in demo mode.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		serializer:    cot.New("Aegis-Unit-1"),
		policy:        PolicyDegrade,
		maxFanout:     defaultMaxFanout,
		remoteTimeout: defaultRemoteTimeout,
		demoLatency:   defaultDemoLatency,
		logger:        logger.Get().Named("enrichment"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Configured reports whether live remote clients are wired.
func (o *Orchestrator) Configured() bool {
	return o.vision != nil && o.synthesis != nil
}

// Enrich computes payloads for every entry, describes every snapshot, and
// synthesizes one summary. Individual remote failures are replaced with
// placeholders; an *Error is returned only when the batch as a whole failed.
func (o *Orchestrator) Enrich(ctx context.Context, batch []model.ThreatLogEntry) (Result, error) {
	if len(batch) == 0 {
		return Result{Timestamp: o.now().UTC(), Payloads: map[string]string{}, Mode: o.mode()}, nil
	}

	payloads := make(map[string]string, len(batch))
	for _, e := range batch {
		p, err := o.serializer.Serialize(e)
		if err != nil {
			return Result{}, &Error{Stage: "payload", Err: err}
		}
		payloads[e.ID] = p
	}

	if !o.Configured() {
		return o.demo(ctx, payloads)
	}

	insights, visualOK := o.describe(ctx, batch)
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{Stage: stageVisual, Err: err}
	}

	summary, synthErr := o.synthesize(ctx, batch, payloads, insights)
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{Stage: stageSynthesis, Err: err}
	}

	degraded := synthErr != nil || visualOK < countSnapshots(batch)
	if synthErr != nil {
		if o.policy == PolicyStrict {
			return Result{}, &Error{Stage: stageSynthesis, Err: synthErr}
		}
		if visualOK == 0 {
			return Result{}, &Error{Stage: stageSynthesis, Err: fmt.Errorf("no remote call succeeded: %w", synthErr)}
		}
		summary = SynthesisPlaceholder
	}

	return Result{
		Summary:   summary,
		Timestamp: o.now().UTC(),
		Payloads:  payloads,
		Insights:  insights,
		Mode:      ModeLive,
		Degraded:  degraded,
	}, nil
}

func (o *Orchestrator) mode() string {
	if o.Configured() {
		return ModeLive
	}
	return ModeDemo
}

// demo waits out the simulated link latency and returns the fixed summary.
func (o *Orchestrator) demo(ctx context.Context, payloads map[string]string) (Result, error) {
	o.logger.Warn(ctx, "remote credentials missing, using offline demo link")
	start := time.Now()
	t := time.NewTimer(o.demoLatency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		metrics.RecordEnrichmentCall(stageDemo, "error")
		return Result{}, &Error{Stage: stageDemo, Err: ctx.Err()}
	case <-t.C:
	}
	metrics.RecordEnrichmentCall(stageDemo, "ok")
	metrics.RecordEnrichmentLatency(stageDemo, float64(time.Since(start).Milliseconds()))

	return Result{
		Summary:   DemoSummary,
		Timestamp: o.now().UTC(),
		Payloads:  payloads,
		Mode:      ModeDemo,
	}, nil
}

// describe runs the visual stage with bounded fan-out. It returns one
// insight per snapshot, in batch order, and how many calls succeeded.
func (o *Orchestrator) describe(ctx context.Context, batch []model.ThreatLogEntry) ([]model.VisualInsight, int) {
	var targets []model.ThreatLogEntry
	for _, e := range batch {
		if e.HasSnapshot() {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return nil, 0
	}

	insights := make([]model.VisualInsight, len(targets))
	var ok atomic.Int32

	var g errgroup.Group
	g.SetLimit(o.maxFanout)
	for i, e := range targets {
		i, e := i, e
		g.Go(func() error {
			text, err := o.call(ctx, stageVisual, func(cctx context.Context) (string, error) {
				return o.vision.Describe(cctx, e.Snapshot)
			})
			if err != nil {
				o.logger.Warn(ctx, "visual analysis failed",
					logger.String("log_id", e.ID),
					logger.Error(err))
				insights[i] = model.VisualInsight{LogID: e.ID, Text: VisualPlaceholder, Degraded: true}
				return nil
			}
			ok.Add(1)
			insights[i] = model.VisualInsight{LogID: e.ID, Text: text}
			return nil
		})
	}
	_ = g.Wait()

	return insights, int(ok.Load())
}

func (o *Orchestrator) synthesize(ctx context.Context, batch []model.ThreatLogEntry, payloads map[string]string, insights []model.VisualInsight) (string, error) {
	req := SynthesisRequest{
		Entries:  make([]SynthesisEntry, 0, len(batch)),
		Insights: make([]string, 0, len(insights)),
	}
	for _, e := range batch {
		req.Entries = append(req.Entries, SynthesisEntry{
			Label:      e.Label,
			Confidence: e.Confidence,
			Timestamp:  e.Timestamp,
			Payload:    payloads[e.ID],
		})
	}
	for _, in := range insights {
		req.Insights = append(req.Insights, in.Text)
	}

	text, err := o.call(ctx, stageSynthesis, func(cctx context.Context) (string, error) {
		return o.synthesis.Synthesize(cctx, req)
	})
	if err != nil {
		o.logger.Warn(ctx, "synthesis failed", logger.Int("batch", len(batch)), logger.Error(err))
		return "", err
	}
	return summaryPrefix + text, nil
}

// call runs fn under the per-call deadline and records metrics.
func (o *Orchestrator) call(ctx context.Context, stage string, fn func(context.Context) (string, error)) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, o.remoteTimeout)
	defer cancel()

	start := time.Now()
	text, err := fn(cctx)
	metrics.RecordEnrichmentLatency(stage, float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordEnrichmentCall(stage, "error")
		return "", err
	}
	metrics.RecordEnrichmentCall(stage, "ok")
	return text, nil
}

func countSnapshots(batch []model.ThreatLogEntry) int {
	n := 0
	for _, e := range batch {
		if e.HasSnapshot() {
			n++
		}
	}
	return n
}
