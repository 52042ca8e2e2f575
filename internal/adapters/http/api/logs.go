package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/aegis/internal/domain/model"
)

// LogDependencies defines the read side of the log store.
type LogDependencies interface {
	Logs(ctx context.Context, docType model.DocType, limit int) ([]model.Document, error)
	Log(ctx context.Context, id string) (model.Document, error)
	CoT(ctx context.Context, id string) (string, error)
}

type logsResponse struct {
	Type      model.DocType    `json:"type"`
	Count     int              `json:"count"`
	Documents []model.Document `json:"documents"`
}

// LogsHandler serves stored documents.
type LogsHandler struct {
	deps LogDependencies
}

// NewLogsHandler creates a new logs handler.
func NewLogsHandler(deps LogDependencies) *LogsHandler {
	return &LogsHandler{deps: deps}
}

// HandleList handles GET /logs?type=&limit= requests, newest first.
func (h *LogsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	docType, err := docTypeParam(r, model.TypeThreatLog)
	if err != nil {
		writeFailure(w, err)
		return
	}
	limit, err := intParam(r, "limit", defaultLogLimit, 1, maxLogLimit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	docs, err := h.deps.Logs(r.Context(), docType, int(limit))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Type: docType, Count: len(docs), Documents: docs})
}

// HandleGet handles GET /logs/{id} and GET /logs/{id}/cot requests.
func (h *LogsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_log"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/logs/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" || (rest != "" && rest != "cot") {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("expected /logs/{id} or /logs/{id}/cot")))
		return
	}

	if rest == "cot" {
		xml, err := h.deps.CoT(r.Context(), id)
		if err != nil {
			writeFailure(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xml))
		return
	}

	doc, err := h.deps.Log(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
