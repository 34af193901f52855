package httpx

import (
	"net/http"

	"github.com/target/loadrun-api/internal/core"
	apperrors "github.com/target/loadrun-api/internal/errors"
)

// JobHandlers serves read-only job status polling off the pending-jobs cache.
type JobHandlers struct {
	Pending core.PendingJobs
}

// Status returns the cached hash fields for a job. Unknown jobs return 404.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	fields, err := h.Pending.Snapshot(r.Context(), jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if len(fields) == 0 {
		writeAppError(w, apperrors.NotFoundf("job %s not pending", jobID))
		return
	}
	writeJSON(w, http.StatusOK, fields)
}
