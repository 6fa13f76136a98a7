// -----------------------------------------------------------------------
// Stream Event - tagged union of the four inbound job event kinds
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamEventType identifies an inbound job event from the platform stream
type StreamEventType string

const (
	EventJobStarted  StreamEventType = "started"
	EventJobProgress StreamEventType = "progress"
	EventJobComplete StreamEventType = "complete"
	EventJobError    StreamEventType = "error"
)

// IsValid reports whether the event type is one of the four job event kinds
func (t StreamEventType) IsValid() bool {
	switch t {
	case EventJobStarted, EventJobProgress, EventJobComplete, EventJobError:
		return true
	}
	return false
}

// StreamMessage is the wire envelope for every frame on the platform stream
type StreamMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StreamEvent is one parsed job event. Fields beyond JobID are populated
// per event kind:
//
//	started:  OwnerID, Parameters, StartedAt (server-echoed creation time)
//	progress: Progress
//	complete: Result
//	error:    ErrorMessage
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	JobID        string          `json:"job_id"`
	OwnerID      string          `json:"owner_id,omitempty"`
	Progress     int             `json:"progress,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
}

// ParseStreamEvent decodes a raw stream frame into a typed job event.
// Frames with a non-job type return (nil, nil) so transport-level messages
// can be handled separately without log noise.
func ParseStreamEvent(data []byte) (*StreamEvent, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed stream frame: %w", err)
	}

	eventType := StreamEventType(msg.Type)
	if !eventType.IsValid() {
		return nil, nil
	}

	var event StreamEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", msg.Type, err)
	}
	event.Type = eventType

	if event.JobID == "" {
		return nil, fmt.Errorf("%s event missing job_id", msg.Type)
	}

	return &event, nil
}
