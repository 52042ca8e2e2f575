package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/okian/aegis/internal/domain/model"
)

const maxFrameBytes = 8 << 20

// DetectionDependencies defines what the detections handler needs.
type DetectionDependencies interface {
	Submit(ctx context.Context, f model.Frame) error
}

// detectionRequest mirrors the OpenAPI schema for POST /detections.
type detectionRequest struct {
	Detections []model.DetectionEvent `json:"detections"`
	Snapshot   []byte                 `json:"snapshot,omitempty"`
	CapturedAt string                 `json:"captured_at,omitempty"`
}

func (d *detectionRequest) frame() (model.Frame, error) {
	if len(d.Detections) == 0 {
		return model.Frame{}, errors.New("missing detections")
	}
	for i, det := range d.Detections {
		if strings.TrimSpace(det.Label) == "" {
			return model.Frame{}, fmt.Errorf("detection %d: missing label", i)
		}
		if det.Confidence < 0 || det.Confidence > 1 {
			return model.Frame{}, fmt.Errorf("detection %d: score must be within [0,1]", i)
		}
	}
	f := model.Frame{Detections: d.Detections, Snapshot: d.Snapshot}
	if d.CapturedAt != "" {
		at, err := time.Parse(time.RFC3339Nano, d.CapturedAt)
		if err != nil {
			return model.Frame{}, errors.New("invalid captured_at; must be RFC3339")
		}
		f.CapturedAt = at.UTC()
	}
	return f, nil
}

type ackResponse struct {
	Status     string `json:"status"`
	Detections int    `json:"detections"`
}

// DetectionsHandler accepts classifier frames.
type DetectionsHandler struct {
	deps DetectionDependencies
}

// NewDetectionsHandler creates a new detections handler.
func NewDetectionsHandler(deps DetectionDependencies) *DetectionsHandler {
	return &DetectionsHandler{deps: deps}
}

// HandlePostDetections handles POST /detections requests.
func (h *DetectionsHandler) HandlePostDetections(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_detections"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req detectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	f, err := req.frame()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := h.deps.Submit(r.Context(), f); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted", Detections: len(f.Detections)})
}
