// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/aegis/internal/adapters/enrichment"
	"github.com/okian/aegis/internal/adapters/mq/queue"
	"github.com/okian/aegis/internal/adapters/repository"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/internal/uplink"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	// Submit queues a classifier frame. A full queue returns queue.ErrFull.
	Submit(ctx context.Context, f model.Frame) error

	ReportConnectivity(ctx context.Context, online bool) (bool, error)
	TriggerSync(ctx context.Context) (bool, error)
	RunSync(ctx context.Context) (uplink.Outcome, error)

	// Read operations expose the local log store.
	Logs(ctx context.Context, docType model.DocType, limit int) ([]model.Document, error)
	Log(ctx context.Context, id string) (model.Document, error)
	CoT(ctx context.Context, id string) (string, error)
	Subscribe(ctx context.Context, docType model.DocType, since int64) (*repository.Subscription, error)
}

// Server wires HTTP routes for the node API.
type Server struct {
	healthHandler     *HealthHandler
	statsHandler      *StatsHandler
	detectionsHandler *DetectionsHandler
	linkHandler       *LinkHandler
	logsHandler       *LogsHandler
	feedHandler       *FeedHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, stats StatsFunc) *Server {
	return &Server{
		healthHandler:     NewHealthHandler(),
		statsHandler:      NewStatsHandler(stats),
		detectionsHandler: NewDetectionsHandler(deps),
		linkHandler:       NewLinkHandler(deps),
		logsHandler:       NewLogsHandler(deps),
		feedHandler:       NewFeedHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/detections", MetricsMiddleware(s.detectionsHandler.HandlePostDetections, "detections"))
	mux.HandleFunc("/connectivity", MetricsMiddleware(s.linkHandler.HandleConnectivity, "connectivity"))
	mux.HandleFunc("/sync", MetricsMiddleware(s.linkHandler.HandleSync, "sync"))
	mux.HandleFunc("/logs", MetricsMiddleware(s.logsHandler.HandleList, "logs"))
	mux.HandleFunc("/logs/", MetricsMiddleware(s.logsHandler.HandleGet, "log"))
	mux.HandleFunc("/feed", MetricsMiddleware(s.feedHandler.HandleFeed, "feed"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure maps an upstream error onto a status code.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, repository.ErrInvalidLimit):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, model.ErrWrongType):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrSyncInFlight), errors.Is(err, uplink.ErrPassInFlight):
		return http.StatusConflict, "sync_in_flight"
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrBackpressure), errors.Is(err, queue.ErrFull):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, enrichment.ErrEnrichment):
		return http.StatusBadGateway, "enrichment_failed"
	case errors.Is(err, ErrUnavailable), errors.Is(err, queue.ErrClosed),
		errors.Is(err, repository.ErrClosed), errors.Is(err, uplink.ErrStopped):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// docTypeParam reads ?type=, falling back to def when absent.
func docTypeParam(r *http.Request, def model.DocType) (model.DocType, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("type"))
	switch model.DocType(raw) {
	case "":
		return def, nil
	case model.TypeThreatLog, model.TypeHQIntel:
		return model.DocType(raw), nil
	default:
		return "", WrapKind("api.type", ErrBadRequest, errors.New("type must be threat_log or hq_intel"))
	}
}

func intParam(r *http.Request, name string, def, lo, hi int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < lo || v > hi {
		return 0, WrapKind("api."+name, ErrBadRequest, errors.New(name+" out of range"))
	}
	return v, nil
}
