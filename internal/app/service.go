// Package service wires the node's components together and implements the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/okian/aegis/internal/adapters/enrichment"
	"github.com/okian/aegis/internal/adapters/mq/queue"
	"github.com/okian/aegis/internal/adapters/mq/relay"
	"github.com/okian/aegis/internal/adapters/mq/worker"
	"github.com/okian/aegis/internal/adapters/repository"
	"github.com/okian/aegis/internal/config"
	"github.com/okian/aegis/internal/domain/cot"
	"github.com/okian/aegis/internal/domain/debounce"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/internal/uplink"
	"github.com/okian/aegis/pkg/logger"
	"github.com/okian/aegis/pkg/metrics"
)

const stopTimeout = 10 * time.Second

// Stats is a point-in-time view of the node.
type Stats struct {
	Started        bool          `json:"started"`
	DeviceID       string        `json:"device_id"`
	Online         bool          `json:"online"`
	Mode           string        `json:"enrichment_mode"`
	QueueLength    int           `json:"queue_length"`
	QueueCapacity  int           `json:"queue_capacity"`
	Workers        int           `json:"workers"`
	DebounceLabels int           `json:"debounce_labels"`
	PendingLogs    int           `json:"pending_logs"`
	TotalLogs      int           `json:"total_logs"`
	IntelSummaries int           `json:"intel_summaries"`
	Seq            int64         `json:"seq"`
	RelayEnabled   bool          `json:"relay_enabled"`
	Sync           uplink.Status `json:"sync"`
}

// Service owns the pipeline, the store and the sync engine.
type Service struct {
	cfg *config.Config
	mu  sync.RWMutex

	store        *repository.SQLiteStore
	emitter      debounce.Emitter
	serializer   *cot.Serializer
	orchestrator *enrichment.Orchestrator
	coordinator  *uplink.Coordinator
	monitor      *uplink.Monitor
	frames       *queue.FrameQueue
	pool         *worker.Pool
	relay        *relay.Relay
	nc           *nats.Conn

	vision          enrichment.VisionClient
	synthesis       enrichment.SynthesisClient
	publisher       relay.Publisher
	initiallyOnline bool

	started bool
	cancel  context.CancelFunc
	logger  logger.Logger
}

// New constructs a Service over a validated configuration.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store and launches workers, the sync loop and the relay.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger.Info(ctx, "starting edge node", logger.String("device", s.cfg.DeviceID))

	store, err := repository.NewSQLiteStore(ctx, s.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	s.store = store

	s.emitter, err = debounce.New(
		debounce.WithWindow(s.cfg.DebounceWindow()),
		debounce.WithMaxLabels(s.cfg.DebounceMaxLabels),
	)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create debouncer: %w", err)
	}

	s.serializer = cot.New(s.cfg.DeviceID, cot.WithStale(s.cfg.CoTStale()))
	if err := s.buildClients(); err != nil {
		_ = store.Close()
		return err
	}
	s.orchestrator = enrichment.New(
		enrichment.WithVision(s.vision),
		enrichment.WithSynthesis(s.synthesis),
		enrichment.WithSerializer(s.serializer),
		enrichment.WithFailurePolicy(s.cfg.FailurePolicy),
		enrichment.WithMaxFanout(s.cfg.MaxFanout),
		enrichment.WithRemoteTimeout(s.cfg.RemoteTimeout()),
		enrichment.WithDemoLatency(s.cfg.DemoLatency()),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	var monitor *uplink.Monitor
	s.coordinator = uplink.NewCoordinator(store, s.orchestrator,
		uplink.WithSummaryID(s.cfg.IntelSummaryID),
		uplink.WithRetryInterval(s.cfg.SyncInterval()),
		uplink.WithOnlineCheck(func() bool { return monitor != nil && monitor.Online() }),
	)
	monitor = uplink.NewMonitor(s.coordinator, s.initiallyOnline)
	s.monitor = monitor
	s.coordinator.Start(runCtx)

	s.frames = queue.NewFrameQueue(queue.WithCapacity(s.cfg.FrameQueueSize))
	s.pool = worker.NewPool(s.cfg.WorkerCount, s.frames, s.emitter, store,
		worker.WithThreshold(s.cfg.DetectionThreshold),
	)
	s.pool.Start(runCtx)

	if err := s.startRelay(runCtx); err != nil {
		// The relay is an optional egress; the node keeps logging without it.
		s.logger.Warn(ctx, "change-feed relay disabled", logger.Error(err))
	}

	s.started = true
	s.logger.Info(ctx, "edge node started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.frames.Capacity()),
		logger.String("enrichment", s.mode()),
		logger.Bool("relay", s.relay != nil),
	)
	return nil
}

func (s *Service) buildClients() error {
	if s.vision != nil && s.synthesis != nil {
		return nil
	}
	httpClient := enrichment.NewRetryClient(s.cfg.RemoteRetryMax, s.logger.Named("http"))
	if s.vision == nil && s.cfg.VisionEndpoint != "" && s.cfg.VisionKey != "" {
		v, err := enrichment.NewAzureVision(s.cfg.VisionEndpoint, s.cfg.VisionKey, httpClient)
		if err != nil {
			return fmt.Errorf("vision client: %w", err)
		}
		s.vision = v
	}
	if s.synthesis == nil && s.cfg.SynthesisEndpoint != "" && s.cfg.SynthesisKey != "" {
		c, err := enrichment.NewAzureOpenAI(s.cfg.SynthesisEndpoint, s.cfg.SynthesisKey,
			s.cfg.SynthesisDeployment, s.cfg.SynthesisAPIVersion, httpClient)
		if err != nil {
			return fmt.Errorf("synthesis client: %w", err)
		}
		s.synthesis = c
	}
	return nil
}

func (s *Service) startRelay(ctx context.Context) error {
	pub := s.publisher
	if pub == nil {
		if s.cfg.NATSURL == "" {
			return nil
		}
		nc, err := relay.Connect(s.cfg.NATSURL, s.cfg.DeviceID)
		if err != nil {
			return err
		}
		s.nc = nc
		pub = nc
	}
	r, err := relay.New(pub, s.store, s.cfg.NATSSubject)
	if err != nil {
		return err
	}
	if err := r.Start(ctx, s.store.Seq()); err != nil {
		return err
	}
	s.relay = r
	return nil
}

// Stop drains accepted frames, stops sync and closes the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	s.logger.Info(ctx, "stopping edge node...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown", logger.Error(err))
	}
	if err := s.coordinator.Stop(ctx); err != nil {
		s.logger.Warn(ctx, "sync coordinator shutdown", logger.Error(err))
	}
	if s.relay != nil {
		s.relay.Stop()
		s.relay = nil
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.logger.Warn(ctx, "nats drain", logger.Error(err))
		}
		s.nc = nil
	}
	s.cancel()
	if err := s.store.Close(); err != nil {
		s.logger.Error(ctx, "closing log store", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "edge node stopped")
}

func (s *Service) running() error {
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// Submit accepts one classifier frame for asynchronous processing.
func (s *Service) Submit(ctx context.Context, f model.Frame) error { //nolint:gocritic // hugeParam: frames travel by value
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return err
	}
	if len(f.Detections) == 0 {
		return ErrEmptyFrame
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now().UTC()
	}
	return s.frames.Enqueue(ctx, f)
}

// ReportConnectivity feeds a link state report to the monitor. It returns
// true when the report triggered a sync.
func (s *Service) ReportConnectivity(ctx context.Context, online bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return false, err
	}
	return s.monitor.Report(ctx, online), nil
}

// TriggerSync starts a background pass. It returns false if one is running.
func (s *Service) TriggerSync(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return false, err
	}
	return s.coordinator.Trigger(ctx), nil
}

// RunSync performs one pass and waits for it.
// The service lock is released before the pass so Stop can cancel it.
func (s *Service) RunSync(ctx context.Context) (uplink.Outcome, error) {
	s.mu.RLock()
	if err := s.running(); err != nil {
		s.mu.RUnlock()
		return uplink.Outcome{}, err
	}
	c := s.coordinator
	s.mu.RUnlock()
	return c.Run(ctx)
}

// Logs returns the newest documents of a type.
func (s *Service) Logs(ctx context.Context, docType model.DocType, limit int) ([]model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.store.QueryRecent(ctx, docType, limit)
}

// Log returns one document by id.
func (s *Service) Log(ctx context.Context, id string) (model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.Document{}, err
	}
	return s.store.Get(ctx, id)
}

// CoT renders the interoperability record of a threat log.
func (s *Service) CoT(ctx context.Context, id string) (string, error) {
	doc, err := s.Log(ctx, id)
	if err != nil {
		return "", err
	}
	entry, err := doc.Threat()
	if err != nil {
		return "", err
	}
	return s.serializer.Serialize(entry)
}

// Subscribe opens a change feed on the store.
func (s *Service) Subscribe(ctx context.Context, docType model.DocType, since int64) (*repository.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.store.Subscribe(ctx, docType, since)
}

// Stats returns node statistics for monitoring.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Started: s.started, DeviceID: s.cfg.DeviceID}
	if !s.started {
		return st, nil
	}

	var errs []error
	pending, err := s.store.CountPending(ctx, model.TypeThreatLog)
	errs = append(errs, err)
	total, err := s.store.Count(ctx, model.TypeThreatLog, nil)
	errs = append(errs, err)
	intel, err := s.store.Count(ctx, model.TypeHQIntel, nil)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}

	st.Online = s.monitor.Online()
	st.Mode = s.mode()
	st.QueueLength = s.frames.Len()
	st.QueueCapacity = s.frames.Capacity()
	st.Workers = s.pool.Size()
	st.DebounceLabels = s.emitter.Len()
	st.PendingLogs = pending
	st.TotalLogs = total
	st.IntelSummaries = intel
	st.Seq = s.store.Seq()
	st.RelayEnabled = s.relay != nil
	st.Sync = s.coordinator.Status()

	metrics.UpdatePendingLogs(pending)
	metrics.UpdateQueueSize(st.QueueLength)
	return st, nil
}

func (s *Service) mode() string {
	if s.orchestrator != nil && s.orchestrator.Configured() {
		return enrichment.ModeLive
	}
	return enrichment.ModeDemo
}
