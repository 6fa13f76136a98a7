package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventJobUpdate fires after the reconciler commits a registry change
	EventJobUpdate EventType = "job_update"
	// EventJobWarning fires when a submitted job never emits a started event
	EventJobWarning EventType = "job_warning"
	// EventConnState fires when the platform stream connectivity changes
	EventConnState EventType = "connection_state"
	// EventRegistryRefresh fires after a full registry reseed from the job list API
	EventRegistryRefresh EventType = "registry_refresh"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the internal pub/sub event bus between the session
// core and the dashboard-facing handlers
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
