package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/vigil/internal/models"
)

// PlatformClient is the request/response surface of the remote backtest
// platform. The exact wire format is owned by the platform; this interface
// is what the session core consumes.
type PlatformClient interface {
	// SubmitJob sends a new job configuration and returns the
	// server-confirmed job ID. The response is the only authoritative
	// source of job IDs - the client never fabricates one. Rejections and
	// transport failures surface as *gateway.SubmissionError; no retry is
	// attempted.
	SubmitJob(ctx context.Context, parameters json.RawMessage) (string, error)

	// ListJobs returns the authoritative job snapshots for one owner.
	// Used to seed/refresh the registry on load and after reconnect.
	ListJobs(ctx context.Context, ownerID string) ([]*models.JobRecord, error)

	// DeleteJob removes a job server-side. The local registry entry is
	// removed only after this call succeeds.
	DeleteJob(ctx context.Context, jobID string) error
}
