// -----------------------------------------------------------------------
// Stream Manager - owns the single persistent event-stream connection to
// the backtest platform for one authenticated session
// -----------------------------------------------------------------------

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"golang.org/x/time/rate"
)

// subscription is the payload for subscribe/unsubscribe announcements
type subscription struct {
	OwnerID string `json:"owner_id"`
}

// Manager maintains exactly one live stream connection scoped to the
// session owner. Transport errors are reported as observable state changes,
// never returned to event consumers; parsed job events are relayed to the
// sink and the registry is never touched directly.
type Manager struct {
	url          string
	ownerID      string
	maxRetries   int
	retryDelay   time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration

	dialer *websocket.Dialer
	sink   interfaces.EventSink
	events interfaces.EventService
	logger arbor.ILogger

	// Suppresses reconnect log spam during long outages
	retryLog *rate.Limiter

	mu             sync.Mutex
	writeMu        sync.Mutex
	state          models.ConnState
	stateListeners []interfaces.ConnStateListener
	onConnect      []func()
	cancel         context.CancelFunc
	done           chan struct{}
	started        bool
}

// NewManager creates a stream manager for one owner. The sink receives every
// parsed job event; it must tolerate duplicate and out-of-order delivery.
func NewManager(cfg common.StreamConfig, ownerID string, sink interfaces.EventSink, events interfaces.EventService, logger arbor.ILogger) *Manager {
	return &Manager{
		url:          cfg.URL,
		ownerID:      ownerID,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   common.ParseDuration(cfg.RetryDelay, 3*time.Second),
		pingInterval: common.ParseDuration(cfg.PingInterval, 30*time.Second),
		writeTimeout: common.ParseDuration(cfg.WriteTimeout, 10*time.Second),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		sink:     sink,
		events:   events,
		logger:   logger,
		retryLog: rate.NewLimiter(rate.Every(10*time.Second), 3),
		state:    models.ConnDisconnected,
		done:     make(chan struct{}),
	}
}

// OnStateChange registers a connectivity observer. Must be called before Start.
func (m *Manager) OnStateChange(listener interfaces.ConnStateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateListeners = append(m.stateListeners, listener)
}

// OnConnect registers a callback invoked after every successful
// (re)connection and subscription announcement. Must be called before Start.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// State returns the current connectivity state
func (m *Manager) State() models.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens the connection and runs the read loop in the background.
// Returns an error only for invalid usage; connection failures surface as
// state changes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("stream manager already started")
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Stop un-announces the subscription (best effort), tears down the
// connection and waits for the run loop to exit. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	started := m.started
	m.mu.Unlock()

	if !started || cancel == nil {
		return
	}
	cancel()
	<-m.done
}

// run is the connect/reconnect loop. The retry budget is a fixed maximum
// attempt count with a fixed linear delay between attempts; once exhausted
// the manager settles into disconnected and a new session start is required.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	attempts := 0
	for {
		if ctx.Err() != nil {
			m.setState(models.ConnDisconnected)
			return
		}

		m.setState(models.ConnConnecting)

		conn, err := m.connect(ctx)
		if err != nil {
			attempts++
			if attempts > m.maxRetries {
				m.logger.Warn().
					Err(err).
					Int("attempts", attempts).
					Msg("Stream retry budget exhausted, settling disconnected")
				m.setState(models.ConnDisconnected)
				return
			}

			if m.retryLog.Allow() {
				m.logger.Warn().
					Err(err).
					Int("attempt", attempts).
					Int("max_retries", m.maxRetries).
					Dur("retry_delay", m.retryDelay).
					Msg("Stream connect failed, retrying")
			}

			select {
			case <-ctx.Done():
				m.setState(models.ConnDisconnected)
				return
			case <-time.After(m.retryDelay):
			}
			continue
		}

		// Connected and subscription announced - budget resets per outage
		attempts = 0
		m.setState(models.ConnConnected)
		m.logger.Info().Str("owner_id", m.ownerID).Msg("Stream connected, subscription announced")

		m.fireOnConnect()

		pingDone := make(chan struct{})
		go m.pingLoop(conn, pingDone)

		readDone := make(chan error, 1)
		go func() {
			readDone <- m.readLoop(conn)
		}()

		select {
		case <-ctx.Done():
			// Teardown closes the connection, which unblocks the reader
			m.teardown(conn)
			<-readDone
			close(pingDone)
			m.setState(models.ConnDisconnected)
			return
		case readErr := <-readDone:
			close(pingDone)
			conn.Close()
			m.logger.Warn().Err(readErr).Msg("Stream disconnected")
		}
	}
}

// connect dials the platform and announces the owner subscription.
// Resubscription is NOT remembered server-side across reconnects, so the
// announcement happens on every successful connection.
func (m *Manager) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.url, err)
	}

	if err := m.announce(conn, "subscribe"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announce subscription: %w", err)
	}

	return conn, nil
}

// announce sends a subscribe/unsubscribe frame for the session owner
func (m *Manager) announce(conn *websocket.Conn, kind string) error {
	payload, err := json.Marshal(subscription{OwnerID: m.ownerID})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(models.StreamMessage{Type: kind, Payload: payload})
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// readLoop relays parsed job events to the sink until the connection drops
func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		event, err := models.ParseStreamEvent(data)
		if err != nil {
			// Malformed frames are absorbed - the stream must survive
			// adversarial input without crashing
			m.logger.Warn().Err(err).Msg("Dropping malformed stream frame")
			continue
		}
		if event == nil {
			// Transport-level frame (opened/closed/ack) - not a job event
			continue
		}

		m.sink.Apply(*event)
	}
}

// pingLoop keeps the connection alive until the read loop exits
func (m *Manager) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown un-announces the subscription and closes the connection.
// Un-announcement is best effort - teardown proceeds even if it fails.
func (m *Manager) teardown(conn *websocket.Conn) {
	if err := m.announce(conn, "unsubscribe"); err != nil {
		m.logger.Debug().Err(err).Msg("Unsubscribe announcement failed during teardown")
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
	m.writeMu.Unlock()

	conn.Close()
	m.logger.Info().Str("owner_id", m.ownerID).Msg("Stream torn down")
}

func (m *Manager) setState(state models.ConnState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	listeners := make([]interfaces.ConnStateListener, len(m.stateListeners))
	copy(listeners, m.stateListeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(state)
	}

	if m.events != nil {
		m.events.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventConnState,
			Payload: map[string]interface{}{"state": string(state)},
		})
	}
}

// fireOnConnect runs connect callbacks off the read loop so a slow reseed
// cannot stall event delivery
func (m *Manager) fireOnConnect() {
	m.mu.Lock()
	callbacks := make([]func(), len(m.onConnect))
	copy(callbacks, m.onConnect)
	m.mu.Unlock()

	for _, fn := range callbacks {
		go fn()
	}
}
