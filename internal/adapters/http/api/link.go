package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/aegis/internal/uplink"
)

// LinkDependencies defines the connectivity and sync operations.
type LinkDependencies interface {
	ReportConnectivity(ctx context.Context, online bool) (bool, error)
	TriggerSync(ctx context.Context) (bool, error)
	RunSync(ctx context.Context) (uplink.Outcome, error)
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

type connectivityResponse struct {
	Online    bool `json:"online"`
	Triggered bool `json:"sync_triggered"`
}

type syncResponse struct {
	Status string `json:"status"`
}

// LinkHandler handles link state reports and manual sync requests.
type LinkHandler struct {
	deps LinkDependencies
}

// NewLinkHandler creates a new link handler.
func NewLinkHandler(deps LinkDependencies) *LinkHandler {
	return &LinkHandler{deps: deps}
}

// HandleConnectivity handles POST /connectivity. Only an offline to online
// report starts a sync.
func (h *LinkHandler) HandleConnectivity(w http.ResponseWriter, r *http.Request) {
	const op = "api.connectivity"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing online")))
		return
	}
	triggered, err := h.deps.ReportConnectivity(r.Context(), *req.Online)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectivityResponse{Online: *req.Online, Triggered: triggered})
}

// HandleSync handles POST /sync. By default the pass runs in the background
// and 202 is returned; ?wait=true runs it inline and returns the outcome.
func (h *LinkHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	const op = "api.sync"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("wait") == "true" {
		out, err := h.deps.RunSync(r.Context())
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	started, err := h.deps.TriggerSync(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !started {
		writeError(w, http.StatusConflict, "sync_in_flight", NewKind(op, ErrSyncInFlight))
		return
	}
	writeJSON(w, http.StatusAccepted, syncResponse{Status: "started"})
}
