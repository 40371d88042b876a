// Package stream maintains the realtime websocket subscription to the feed
// service. The connection authenticates with a bearer token on open, keeps
// itself alive with periodic pings, and reconnects after a fixed delay
// whenever the peer drops it. Incoming payloads are handed off raw; decoding
// and filtering belong to the subscriber.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
)

// State describes the connection lifecycle. Transitions are
// Disconnected -> Connecting -> Connected, then back to Disconnected
// through one of the two closing states.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosingByPeer
	StateClosingByClient
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosingByPeer:
		return "closing_by_peer"
	case StateClosingByClient:
		return "closing_by_client"
	default:
		return "unknown"
	}
}

// Handler receives every raw payload read off the socket.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte)
}

// TokenSource returns the bearer token presented in the auth frame.
// It is called on every connection attempt so rotated tokens take effect
// at the next reconnect.
type TokenSource func() string

const (
	// DefaultKeepaliveInterval is how often a ping frame is sent while
	// the connection is established.
	DefaultKeepaliveInterval = 60 * time.Second

	// DefaultReconnectWait is the fixed delay between reconnect attempts.
	// The feed service expects clients to come back quickly, so there is
	// no backoff growth and no attempt cap.
	DefaultReconnectWait = time.Second
)

type authFrame struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

// pingFrame always carries an empty data field; the feed service rejects
// ping frames without one.
type pingFrame struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

// Manager owns a single websocket connection to the feed service and
// restores it whenever the peer closes it. At most one connection, one
// keepalive timer, and one in-flight reconnect exist at any time.
type Manager struct {
	url       string
	token     TokenSource
	handler   Handler
	dialer    *websocket.Dialer
	keepalive time.Duration
	reconnect time.Duration

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithKeepaliveInterval overrides the ping cadence.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(m *Manager) { m.keepalive = d }
}

// WithReconnectWait overrides the fixed delay between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(m *Manager) { m.reconnect = d }
}

// NewManager creates a manager for the given websocket URL. Run must be
// called to establish the connection.
func NewManager(url string, token TokenSource, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		url:       url,
		token:     token,
		handler:   handler,
		dialer:    websocket.DefaultDialer,
		keepalive: DefaultKeepaliveInterval,
		reconnect: DefaultReconnectWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run connects and services the websocket until the context is cancelled
// or Disconnect is called. A connection dropped by the peer is re-dialed
// after the fixed reconnect delay, indefinitely.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("stream manager started",
		"component", "stream",
		"action", "manager_started",
		"url", m.url,
	)

	for {
		if err := m.dial(ctx); err != nil {
			m.setState(StateDisconnected)
			slog.Info("stream manager stopped",
				"component", "stream",
				"action", "manager_stopped",
				"reason", "context_cancelled",
			)
			return
		}

		clientClosed := m.serve(ctx)
		if clientClosed || ctx.Err() != nil {
			m.setState(StateDisconnected)
			slog.Info("stream manager stopped",
				"component", "stream",
				"action", "manager_stopped",
				"reason", "client_closed",
			)
			return
		}

		m.setState(StateDisconnected)
		slog.Warn("stream connection lost, reconnecting",
			"component", "stream",
			"action", "reconnect_scheduled",
			"wait", m.reconnect.String(),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconnect):
		}
	}
}

// dial establishes a connection and sends the auth frame, retrying failed
// attempts at a constant interval until the context is cancelled.
func (m *Manager) dial(ctx context.Context) error {
	m.setState(StateConnecting)

	return retry.Do(ctx, retry.NewConstant(m.reconnect), func(ctx context.Context) error {
		conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
		if err != nil {
			slog.Warn("stream dial failed",
				"component", "stream",
				"action", "dial_failed",
				"error", err,
			)
			return retry.RetryableError(fmt.Errorf("dial %s: %w", m.url, err))
		}

		auth := authFrame{Action: "auth", Token: m.token()}
		if err := conn.WriteJSON(auth); err != nil {
			conn.Close()
			slog.Warn("stream auth frame failed",
				"component", "stream",
				"action", "auth_failed",
				"error", err,
			)
			return retry.RetryableError(fmt.Errorf("send auth frame: %w", err))
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return fmt.Errorf("manager disconnected")
		}
		m.conn = conn
		m.state = StateConnected
		m.mu.Unlock()

		slog.Info("stream connected",
			"component", "stream",
			"action", "connected",
			"conn_id", ulid.Make().String(),
		)
		return nil
	})
}

// serve reads messages until the connection drops. It reports whether the
// teardown was initiated on this side.
func (m *Manager) serve(ctx context.Context) (clientClosed bool) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return true
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.keepaliveLoop(conn, done)
	}()

	// A context cancellation must unblock ReadMessage.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		m.handler.HandleMessage(ctx, payload)
	}
	close(done)

	m.mu.Lock()
	clientClosed = m.closed
	if clientClosed {
		m.state = StateClosingByClient
	} else {
		m.state = StateClosingByPeer
	}
	m.conn = nil
	m.mu.Unlock()

	conn.Close()
	wg.Wait()
	return clientClosed
}

// keepaliveLoop sends a ping frame at the keepalive interval until the
// connection is torn down.
func (m *Manager) keepaliveLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.writeJSON(conn, pingFrame{Action: "ping", Data: ""}); err != nil {
				slog.Warn("keepalive ping failed",
					"component", "stream",
					"action", "ping_failed",
					"error", err,
				)
				return
			}
		}
	}
}

func (m *Manager) writeJSON(conn *websocket.Conn, v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Disconnect closes the connection and suppresses reconnection. It is safe
// to call more than once and before Run has connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	slog.Info("stream disconnect requested",
		"component", "stream",
		"action", "disconnect",
	)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
