package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/services/gateway"
	"github.com/ternarybob/vigil/internal/services/session"
)

// JobHandler serves the dashboard's job API from the session registry
type JobHandler struct {
	session  *session.Session
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(sess *session.Session, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		session:  sess,
		validate: validator.New(),
		logger:   logger,
	}
}

// SubmitJobRequest is the dashboard's submit form payload. Symbol and
// interval are the minimum a backtest needs; everything else rides along
// opaquely in Config and the platform owns its meaning.
type SubmitJobRequest struct {
	Symbol   string          `json:"symbol" validate:"required"`
	Interval string          `json:"interval" validate:"required"`
	Strategy string          `json:"strategy"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// ListJobsHandler handles GET /api/jobs?status=&limit=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	var filterStatus models.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		filterStatus = models.JobStatus(v)
		if !filterStatus.IsValid() {
			WriteError(w, http.StatusBadRequest, "invalid status filter: "+v)
			return
		}
	}

	limit := GetLimitParam(r, 10, 100)
	jobs := h.session.Registry().ListRecent(filterStatus, limit)

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// SubmitJobHandler handles POST /api/jobs. On success the response carries
// the server-confirmed job ID; the job appears in the registry once its
// started event arrives on the stream.
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var request SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.validate.Struct(&request); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid submission: "+err.Error())
		return
	}

	parameters, err := json.Marshal(request)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to encode parameters")
		return
	}

	jobID, err := h.session.Submit(r.Context(), parameters)
	if err != nil {
		var submissionErr *gateway.SubmissionError
		if errors.As(err, &submissionErr) {
			// Surfaced inline, no registry change, no retry
			WriteError(w, http.StatusBadGateway, submissionErr.Message)
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "submitted",
		"job_id": jobID,
	})
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := h.jobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "missing job id")
		return
	}

	record := h.session.Registry().Get(jobID)
	if record == nil {
		WriteError(w, http.StatusNotFound, "job not found: "+jobID)
		return
	}

	WriteJSON(w, http.StatusOK, record)
}

// DeleteJobHandler handles DELETE /api/jobs/{id}. The local record is
// removed only after the platform confirms the delete.
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := h.jobIDFromPath(r)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "missing job id")
		return
	}

	if err := h.session.Delete(r.Context(), jobID); err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job delete failed")
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	WriteSuccess(w, "job deleted")
}

func (h *JobHandler) jobIDFromPath(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Path, "/api/jobs/")
}
