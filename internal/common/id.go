package common

import (
	"github.com/google/uuid"
)

// NewRequestID generates a unique client request ID with the "req_" prefix.
// Sent as an idempotency key on job submissions so the platform can dedupe
// retried requests. Never used as a job ID - job IDs are assigned server-side.
func NewRequestID() string {
	return "req_" + uuid.New().String()
}
