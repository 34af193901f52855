package httpx

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/target/loadrun-api/internal/domain/model"
	"github.com/target/loadrun-api/internal/service"
)

// maxEventBody bounds a single ingested event payload.
const maxEventBody = 1 << 20

// ConnectionHandlers exposes the reconciler over HTTP for local agents that
// deliver events directly instead of through the bus.
type ConnectionHandlers struct {
	Reconciler *service.Reconciler
	Logger     *slog.Logger
}

type attachRequest struct {
	JobID string            `json:"jobId"`
	Scope model.RecordScope `json:"scope"`
}

// Attach registers a connection for a job and starts tracking its events.
func (h *ConnectionHandlers) Attach(w http.ResponseWriter, r *http.Request) {
	connID := r.PathValue("connID")
	var req attachRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.Reconciler.Attach(r.Context(), connID, req.JobID, req.Scope); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"connectionId": connID, "jobId": req.JobID})
}

// Ingest feeds one raw envelope from the connection into the reconciler.
func (h *ConnectionHandlers) Ingest(w http.ResponseWriter, r *http.Request) {
	connID := r.PathValue("connID")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}

	if err := h.Reconciler.HandleRaw(r.Context(), connID, raw); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Detach tears the connection down.
func (h *ConnectionHandlers) Detach(w http.ResponseWriter, r *http.Request) {
	h.Reconciler.Disconnect(r.PathValue("connID"))
	w.WriteHeader(http.StatusNoContent)
}

// Live reports how many connections are currently tracked.
func (h *ConnectionHandlers) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"live": h.Reconciler.Live()})
}
