package interfaces

import (
	"context"

	"github.com/ternarybob/vigil/internal/models"
)

// EventSink consumes parsed job events from the stream connection.
// Implemented by the reconciler; the connection manager never touches
// the registry directly.
type EventSink interface {
	Apply(event models.StreamEvent)
}

// ConnStateListener observes connectivity changes. Transport errors are
// reported as state changes, never as errors raised to callers.
type ConnStateListener func(state models.ConnState)

// StreamService maintains the single persistent event-stream connection
// for an authenticated session
type StreamService interface {
	// Start opens the connection and announces the owner subscription.
	// Reconnection is handled internally within the configured retry budget.
	Start(ctx context.Context) error

	// Stop un-announces the subscription (best effort) and tears down the
	// connection. Safe to call more than once.
	Stop()

	// State returns the current connectivity state
	State() models.ConnState

	// OnStateChange registers a connectivity observer. Must be called
	// before Start.
	OnStateChange(listener ConnStateListener)

	// OnConnect registers a callback invoked after every successful
	// (re)connection and subscription announcement. Must be called before
	// Start. Used by the session to reseed the registry.
	OnConnect(fn func())
}
