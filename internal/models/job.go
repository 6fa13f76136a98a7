// -----------------------------------------------------------------------
// Job Record - the single source of truth for one backtest/optimization run
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a backtest job.
// Closed set - no other values are valid anywhere in the registry.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
)

// IsValid reports whether the status belongs to the closed set
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusError:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// JobRecord represents one backtest/optimization run tracked in the registry.
//
// Lifecycle: created by the first inbound "started" event for its ID, mutated
// only by the reconciler, never deleted by the client except on server-confirmed
// delete or full session teardown.
//
// Invariants:
//   - ID and OwnerID are immutable once set
//   - Status moves monotonically along pending -> processing -> {completed|error}
//   - Progress is non-decreasing while processing, forced to 100 on completion
//   - Exactly one of Result / ErrorMessage is populated, and only in the
//     matching terminal status
type JobRecord struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	Status       JobStatus       `json:"status"`
	Progress     int             `json:"progress"` // 0-100, meaningful only while processing
	Parameters   json.RawMessage `json:"parameters"`              // Opaque submitted configuration
	Result       json.RawMessage `json:"result,omitempty"`        // Present only when status = completed
	ErrorMessage string          `json:"error_message,omitempty"` // Present only when status = error
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"` // Set exactly once, at the completed transition
}

// NewJobRecord creates a pending record from a started event or list snapshot
func NewJobRecord(id, ownerID string, parameters json.RawMessage, createdAt time.Time) *JobRecord {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &JobRecord{
		ID:         id,
		OwnerID:    ownerID,
		Status:     JobStatusPending,
		Progress:   0,
		Parameters: parameters,
		CreatedAt:  createdAt,
	}
}

// IsTerminal returns true if the record is in a terminal state
func (j *JobRecord) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone creates a deep copy of the record. Registry reads hand out clones so
// callers can never observe a record mid-transition.
func (j *JobRecord) Clone() *JobRecord {
	clone := *j

	if j.Parameters != nil {
		clone.Parameters = make(json.RawMessage, len(j.Parameters))
		copy(clone.Parameters, j.Parameters)
	}
	if j.Result != nil {
		clone.Result = make(json.RawMessage, len(j.Result))
		copy(clone.Result, j.Result)
	}
	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		clone.CompletedAt = &completedAt
	}

	return &clone
}

// Validate checks the record invariants
func (j *JobRecord) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("invalid job status: %s", j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("job progress out of range: %d", j.Progress)
	}
	if j.Status == JobStatusCompleted && j.Result == nil {
		return fmt.Errorf("completed job %s has no result", j.ID)
	}
	if j.Status == JobStatusError && j.ErrorMessage == "" {
		return fmt.Errorf("errored job %s has no error message", j.ID)
	}
	if j.Status != JobStatusCompleted && j.Result != nil {
		return fmt.Errorf("job %s carries a result outside the completed state", j.ID)
	}
	if j.Status != JobStatusError && j.ErrorMessage != "" {
		return fmt.Errorf("job %s carries an error message outside the error state", j.ID)
	}
	return nil
}

// ToJSON serializes the record
func (j *JobRecord) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job record: %w", err)
	}
	return data, nil
}

// JobRecordFromJSON deserializes a record
func JobRecordFromJSON(data []byte) (*JobRecord, error) {
	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return &record, nil
}
