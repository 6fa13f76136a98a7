// -----------------------------------------------------------------------
// WebSocket fanout - pushes job updates and connectivity changes to
// connected dashboard tabs
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every frame pushed to dashboard clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler fans session events out to connected browser tabs.
// Progress updates are throttled per config so a large run cannot flood
// the socket; terminal transitions always go through.
type WebSocketHandler struct {
	logger            arbor.ILogger
	clients           map[*websocket.Conn]bool
	clientMutex       map[*websocket.Conn]*sync.Mutex
	mu                sync.RWMutex
	allowedEvents     map[string]bool // Whitelist of events to broadcast (empty = allow all)
	progressThrottler *rate.Limiter
	serverInstanceID  string // Clients use this to detect a restart and clear local state
}

// NewWebSocketHandler creates the fanout handler and subscribes it to the
// session event bus
func NewWebSocketHandler(eventService interfaces.EventService, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		allowedEvents:    make(map[string]bool),
		serverInstanceID: uuid.New().String(),
	}

	if config != nil {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
		if intervalStr, ok := config.ThrottleIntervals["job_progress"]; ok {
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				h.progressThrottler = rate.NewLimiter(rate.Every(duration), 1)
			} else {
				logger.Warn().Err(err).Str("interval", intervalStr).Msg("Failed to parse job_progress throttle interval - throttler disabled")
			}
		}
	}

	if eventService != nil {
		h.subscribeToSessionEvents(eventService)
	}

	return h
}

// HandleWebSocket handles dashboard WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("Dashboard client connected (total: %d)", clientCount)

	h.sendToClient(conn, WSMessage{
		Type:    "hello",
		Payload: map[string]string{"server_instance_id": h.serverInstanceID},
	})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("Dashboard client disconnected (remaining: %d)", remaining)
	}()

	// Read loop keeps the connection alive; the dashboard never sends
	// anything we act on
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// subscribeToSessionEvents wires the internal event bus to the fanout
func (h *WebSocketHandler) subscribeToSessionEvents(eventService interfaces.EventService) {
	eventService.Subscribe(interfaces.EventJobUpdate, func(ctx context.Context, event interfaces.Event) error {
		record, ok := event.Payload.(*models.JobRecord)
		if !ok {
			h.logger.Warn().Msg("Invalid job update event payload type")
			return nil
		}

		if !h.allowed("job_update") {
			return nil
		}

		// Throttle mid-run progress churn; pending/terminal transitions
		// always broadcast so the UI never misses a status change
		if record.Status == models.JobStatusProcessing && h.progressThrottler != nil && !h.progressThrottler.Allow() {
			return nil
		}

		h.broadcast(WSMessage{Type: "job_update", Payload: record})
		return nil
	})

	eventService.Subscribe(interfaces.EventConnState, func(ctx context.Context, event interfaces.Event) error {
		if !h.allowed("connection_state") {
			return nil
		}
		h.broadcast(WSMessage{Type: "connection_state", Payload: event.Payload})
		return nil
	})

	eventService.Subscribe(interfaces.EventJobWarning, func(ctx context.Context, event interfaces.Event) error {
		if !h.allowed("job_warning") {
			return nil
		}
		h.broadcast(WSMessage{Type: "job_warning", Payload: event.Payload})
		return nil
	})

	eventService.Subscribe(interfaces.EventRegistryRefresh, func(ctx context.Context, event interfaces.Event) error {
		if !h.allowed("registry_refresh") {
			return nil
		}
		// Trigger only - the dashboard refetches /api/jobs instead of
		// receiving the whole snapshot over the socket
		h.broadcast(WSMessage{Type: "registry_refresh", Payload: event.Payload})
		return nil
	})
}

func (h *WebSocketHandler) allowed(eventType string) bool {
	return len(h.allowedEvents) == 0 || h.allowedEvents[eventType]
}

// broadcast sends a message to all connected clients
func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal broadcast message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to dashboard client")
		}
	}
}

// sendToClient sends a message to a single client
func (h *WebSocketHandler) sendToClient(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal client message")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex != nil {
		mutex.Lock()
		conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()
	}
}

// ClientCount returns the number of connected dashboard clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
