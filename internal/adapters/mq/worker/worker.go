// Package worker drains classifier frames and turns mapped detections into
// threat log entries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/aegis/internal/adapters/mq/queue"
	"github.com/okian/aegis/internal/domain/debounce"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/internal/domain/taxonomy"
	"github.com/okian/aegis/pkg/logger"
	"github.com/okian/aegis/pkg/metrics"
)

const (
	workerShutdownTimeout = 5 * time.Second
	poolShutdownTimeout   = 30 * time.Second
)

// Drop reasons reported to metrics.
const (
	DropBelowThreshold = "below_threshold"
	DropUnmapped       = "unmapped"
	DropDebounced      = "debounced"
	DropAppendFailed   = "append_failed"
)

// Appender persists emitted entries.
type Appender interface {
	Append(ctx context.Context, rec model.Record) (string, error)
}

// Queue defines how workers receive frames.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Item
}

// Result summarises one processed frame.
type Result struct {
	Seen     int
	Appended []string
	Dropped  map[string]int
}

// Processor applies threshold, taxonomy and debounce to each detection and
// appends what survives.
type Processor struct {
	emitter   debounce.Emitter
	store     Appender
	threshold float64
	clock     Clock
	name      string
	logger    logger.Logger
}

// NewProcessor creates a processor over the emitter and store.
func NewProcessor(emitter debounce.Emitter, store Appender, opts ...Option) *Processor {
	p := &Processor{
		emitter:   emitter,
		store:     store,
		threshold: defaultThreshold,
		name:      "worker",
		logger:    logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles every detection in a frame. It returns an error only when
// an append failed; the remaining detections are still processed.
func (p *Processor) Process(ctx context.Context, f model.Frame) (Result, error) { //nolint:gocritic // hugeParam: frames travel by value
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	res := Result{Dropped: map[string]int{}}
	var errs []error
	for _, det := range f.Detections {
		res.Seen++
		metrics.RecordDetectionReceived()

		if det.Confidence < p.threshold {
			p.drop(&res, DropBelowThreshold)
			continue
		}
		label, ok := taxonomy.Map(det.Label)
		if !ok {
			p.drop(&res, DropUnmapped)
			continue
		}

		now := p.now(f)
		entry, emit := p.emitter.Observe(ctx, string(label), det.Confidence, f.Snapshot, now)
		if !emit {
			p.drop(&res, DropDebounced)
			continue
		}

		id, err := p.store.Append(ctx, entry)
		if err != nil {
			// Roll back so the next frame can retry the label.
			p.emitter.Forget(ctx, string(label), now)
			p.drop(&res, DropAppendFailed)
			metrics.RecordLogAppendError()
			metrics.RecordWorkerError()
			metrics.RecordErrorByComponent("worker", "append_error")
			p.logger.Error(ctx, "threat log append failed",
				logger.String("label", string(label)),
				logger.Error(err),
			)
			errs = append(errs, fmt.Errorf("append %s: %w", label, err))
			continue
		}

		metrics.RecordLogAppended()
		res.Appended = append(res.Appended, id)
		p.logger.Info(ctx, "threat logged",
			logger.String("id", id),
			logger.String("label", string(label)),
			logger.Float64("confidence", det.Confidence),
		)
	}
	return res, errors.Join(errs...)
}

func (p *Processor) now(f model.Frame) time.Time { //nolint:gocritic // hugeParam
	if p.clock != nil {
		return p.clock()
	}
	if !f.CapturedAt.IsZero() {
		return f.CapturedAt
	}
	return time.Now()
}

func (p *Processor) drop(res *Result, reason string) {
	res.Dropped[reason]++
	if reason != DropAppendFailed {
		metrics.RecordDetectionDropped(reason)
	}
}

// Worker runs a processor over a queue until the queue closes or it is shut
// down.
type Worker struct {
	queue     Queue
	processor *Processor
	logger    logger.Logger

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewWorker binds a processor to a queue.
func NewWorker(q Queue, p *Processor) *Worker {
	return &Worker{
		queue:     q,
		processor: p,
		logger:    p.logger.Named(p.name),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	items := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case it, ok := <-items:
			if !ok {
				return
			}
			if _, err := w.processor.Process(ctx, it.Frame); err != nil {
				w.logger.Warn(ctx, "frame partially processed", logger.Error(err))
			}
		}
	}
}

// Shutdown stops the worker without waiting for the queue to drain.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.once.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Pool manages multiple workers sharing one queue and processor.
type Pool struct {
	workers []*Worker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates workerCount workers. A count below one uses runtime.NumCPU.
func NewPool(workerCount int, q Queue, emitter debounce.Emitter, store Appender, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers: make([]*Worker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		wopts := append(append([]Option{}, opts...), WithName("worker-"+strconv.Itoa(i)))
		pool.workers[i] = NewWorker(q, NewProcessor(emitter, store, wopts...))
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(workerCount)
	metrics.UpdateWorkerIdleCount(0)
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and lets the workers drain what was already
// accepted.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut bool
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut = true
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerActiveCount(0)
	if timedOut {
		for _, w := range p.workers {
			stopCtx, stop := context.WithTimeout(context.Background(), workerShutdownTimeout)
			_ = w.Shutdown(stopCtx)
			stop()
		}
		return fmt.Errorf("worker pool: %w", shutdownCtx.Err())
	}
	return nil
}
