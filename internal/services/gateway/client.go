// -----------------------------------------------------------------------
// Submission Gateway - request/response bridge to the backtest platform
// -----------------------------------------------------------------------

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/models"
)

// Client implements interfaces.PlatformClient over the platform's REST API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
}

// submitResponse is the platform's reply to a job submission
type submitResponse struct {
	OK      bool   `json:"ok"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// listResponse is the platform's reply to a job list request
type listResponse struct {
	Jobs  []*models.JobRecord `json:"jobs"`
	Count int                 `json:"count"`
}

// NewClient creates a platform client with a request timeout from config
func NewClient(cfg common.PlatformConfig, logger arbor.ILogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: common.ParseDuration(cfg.RequestTimeout, 30*time.Second),
		},
		logger: logger,
	}
}

// SubmitJob sends the job configuration to the platform and returns the
// server-confirmed job ID. The response is the only authoritative source of
// job IDs. The registry is not touched here - it is populated by the
// subsequent started event on the stream.
func (c *Client) SubmitJob(ctx context.Context, parameters json.RawMessage) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/backtests", bytes.NewReader(parameters))
	if err != nil {
		return "", &SubmissionError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", common.NewRequestID())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SubmissionError{Message: fmt.Sprintf("platform unreachable: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	var result submitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !result.OK {
		message := result.Message
		if message == "" {
			message = fmt.Sprintf("platform returned status %d", resp.StatusCode)
		}
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: message}
	}

	if result.JobID == "" {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Message: "platform accepted submission without a job id"}
	}

	c.logger.Info().Str("job_id", result.JobID).Msg("Job submitted")
	return result.JobID, nil
}

// ListJobs fetches the authoritative job snapshots for one owner
func (c *Client) ListJobs(ctx context.Context, ownerID string) ([]*models.JobRecord, error) {
	url := fmt.Sprintf("%s/api/backtests?owner_id=%s", c.baseURL, ownerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("job list request returned status %d", resp.StatusCode)
	}

	var result listResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("malformed job list response: %w", err)
	}

	return result.Jobs, nil
}

// DeleteJob removes a job server-side. Callers remove the local registry
// entry only after this returns nil.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/backtests/"+jobID, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delete of job %s returned status %d", jobID, resp.StatusCode)
	}

	c.logger.Info().Str("job_id", jobID).Msg("Job deleted server-side")
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
