package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/registry"
	"github.com/ternarybob/vigil/internal/services/gateway"
	"github.com/ternarybob/vigil/internal/services/session"
)

type stubStream struct{}

func (s *stubStream) Start(ctx context.Context) error                     { return nil }
func (s *stubStream) Stop()                                               {}
func (s *stubStream) State() models.ConnState                             { return models.ConnConnected }
func (s *stubStream) OnStateChange(listener interfaces.ConnStateListener) {}
func (s *stubStream) OnConnect(fn func())                                 {}

type stubPlatform struct {
	submitID  string
	submitErr error
	deleteErr error
}

func (s *stubPlatform) SubmitJob(ctx context.Context, parameters json.RawMessage) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.submitID, nil
}

func (s *stubPlatform) ListJobs(ctx context.Context, ownerID string) ([]*models.JobRecord, error) {
	return nil, nil
}

func (s *stubPlatform) DeleteJob(ctx context.Context, jobID string) error {
	return s.deleteErr
}

func newTestHandler(t *testing.T, platform *stubPlatform) (*JobHandler, *registry.Registry) {
	t.Helper()
	logger := arbor.NewLogger()
	reg := registry.New(nil, logger)
	sess := session.New(common.SessionConfig{SubmissionTimeout: "0s"}, "owner-1", reg, &stubStream{}, platform, nil, logger)
	require.NoError(t, sess.Start(context.Background()))
	t.Cleanup(sess.Stop)

	return NewJobHandler(sess, logger), reg
}

func seedJob(reg *registry.Registry, id string, status models.JobStatus, createdAt time.Time) {
	record := models.NewJobRecord(id, "owner-1", json.RawMessage(`{"symbol":"BTCUSDT"}`), createdAt)
	reg.InsertIfAbsent(record)
	if status != models.JobStatusPending {
		reg.Mutate(id, func(r *models.JobRecord) bool {
			r.Status = status
			if status == models.JobStatusCompleted {
				r.Progress = 100
				r.Result = json.RawMessage(`{}`)
				now := time.Now()
				r.CompletedAt = &now
			}
			if status == models.JobStatusError {
				r.ErrorMessage = "failed"
			}
			return true
		})
	}
}

func TestListJobsHandler(t *testing.T) {
	handler, reg := newTestHandler(t, &stubPlatform{})

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	seedJob(reg, "bt-1", models.JobStatusPending, base)
	seedJob(reg, "bt-2", models.JobStatusCompleted, base.Add(time.Minute))
	seedJob(reg, "bt-3", models.JobStatusCompleted, base.Add(2*time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := httptest.NewRecorder()
	handler.ListJobsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Jobs  []*models.JobRecord `json:"jobs"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, 3, response.Count)
	// Newest first
	assert.Equal(t, "bt-3", response.Jobs[0].ID)
	assert.Equal(t, "bt-1", response.Jobs[2].ID)
}

func TestListJobsHandler_StatusFilter(t *testing.T) {
	handler, reg := newTestHandler(t, &stubPlatform{})

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	seedJob(reg, "bt-1", models.JobStatusPending, base)
	seedJob(reg, "bt-2", models.JobStatusCompleted, base.Add(time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=completed&limit=5", nil)
	w := httptest.NewRecorder()
	handler.ListJobsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Jobs []*models.JobRecord `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Len(t, response.Jobs, 1)
	assert.Equal(t, "bt-2", response.Jobs[0].ID)
}

func TestListJobsHandler_InvalidStatusFilter(t *testing.T) {
	handler, _ := newTestHandler(t, &stubPlatform{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=running", nil)
	w := httptest.NewRecorder()
	handler.ListJobsHandler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitJobHandler(t *testing.T) {
	handler, reg := newTestHandler(t, &stubPlatform{submitID: "bt-7f3a"})

	body := strings.NewReader(`{"symbol":"BTCUSDT","interval":"1h","strategy":"momentum"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	w := httptest.NewRecorder()
	handler.SubmitJobHandler(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "bt-7f3a", response["job_id"])
	assert.Equal(t, "submitted", response["status"])

	// The job materializes via the stream, never from the submit path
	assert.Equal(t, 0, reg.Len())
}

func TestSubmitJobHandler_ValidationFailure(t *testing.T) {
	handler, _ := newTestHandler(t, &stubPlatform{submitID: "bt-1"})

	body := strings.NewReader(`{"strategy":"momentum"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	w := httptest.NewRecorder()
	handler.SubmitJobHandler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitJobHandler_MalformedBody(t *testing.T) {
	handler, _ := newTestHandler(t, &stubPlatform{submitID: "bt-1"})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"symbol":`))
	w := httptest.NewRecorder()
	handler.SubmitJobHandler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitJobHandler_PlatformRejection(t *testing.T) {
	handler, _ := newTestHandler(t, &stubPlatform{
		submitErr: &gateway.SubmissionError{StatusCode: 422, Message: "unknown symbol"},
	})

	body := strings.NewReader(`{"symbol":"NOPE","interval":"1h"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	w := httptest.NewRecorder()
	handler.SubmitJobHandler(w, req)

	require.Equal(t, http.StatusBadGateway, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "unknown symbol", response["error"])
}

func TestGetJobHandler(t *testing.T) {
	handler, reg := newTestHandler(t, &stubPlatform{})
	seedJob(reg, "bt-1", models.JobStatusProcessing, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/bt-1", nil)
	w := httptest.NewRecorder()
	handler.GetJobHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var record models.JobRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, "bt-1", record.ID)
	assert.Equal(t, models.JobStatusProcessing, record.Status)
}

func TestGetJobHandler_NotFound(t *testing.T) {
	handler, _ := newTestHandler(t, &stubPlatform{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	w := httptest.NewRecorder()
	handler.GetJobHandler(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteJobHandler(t *testing.T) {
	handler, reg := newTestHandler(t, &stubPlatform{})
	seedJob(reg, "bt-1", models.JobStatusCompleted, time.Now())

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/bt-1", nil)
	w := httptest.NewRecorder()
	handler.DeleteJobHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, reg.Has("bt-1"))
}

func TestDeleteJobHandler_PlatformRejection(t *testing.T) {
	handler, reg := newTestHandler(t, &stubPlatform{
		deleteErr: &gateway.SubmissionError{StatusCode: 409, Message: "job is running"},
	})
	seedJob(reg, "bt-1", models.JobStatusProcessing, time.Now())

	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/bt-1", nil)
	w := httptest.NewRecorder()
	handler.DeleteJobHandler(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.True(t, reg.Has("bt-1"), "local record must survive a rejected delete")
}
