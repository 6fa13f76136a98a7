package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/services/session"
)

// StatusHandler reports session connectivity and registry statistics
type StatusHandler struct {
	session *session.Session
	logger  arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(sess *session.Session, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		session: sess,
		logger:  logger,
	}
}

// StatusResponse is the GET /api/status payload. Connectivity loss shows a
// degraded indicator while the last known registry snapshot stays served.
type StatusResponse struct {
	Connection models.ConnState         `json:"connection"`
	OwnerID    string                   `json:"owner_id"`
	TotalJobs  int                      `json:"total_jobs"`
	ByStatus   map[models.JobStatus]int `json:"by_status"`
	Timestamp  time.Time                `json:"timestamp"`
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	reg := h.session.Registry()
	WriteJSON(w, http.StatusOK, StatusResponse{
		Connection: h.session.ConnState(),
		OwnerID:    h.session.OwnerID(),
		TotalJobs:  reg.Len(),
		ByStatus:   reg.CountByStatus(),
		Timestamp:  time.Now(),
	})
}
