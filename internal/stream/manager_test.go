package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
	received chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{received: make(chan string, 64)}
}

func (h *recordingHandler) HandleMessage(ctx context.Context, payload []byte) {
	h.mu.Lock()
	h.payloads = append(h.payloads, string(payload))
	h.mu.Unlock()
	h.received <- string(payload)
}

// feedServer is a websocket endpoint that records auth frames and lets
// tests script each accepted connection.
type feedServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	dials    atomic.Int32
	authed   chan string
	conns    chan *websocket.Conn
}

func newFeedServer(t *testing.T) (*feedServer, *httptest.Server) {
	fs := &feedServer{
		t:      t,
		authed: make(chan string, 16),
		conns:  make(chan *websocket.Conn, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.dials.Add(1)

	var frame struct {
		Action string `json:"action"`
		Token  string `json:"token"`
	}
	if err := conn.ReadJSON(&frame); err != nil || frame.Action != "auth" {
		conn.Close()
		return
	}
	fs.authed <- frame.Token
	fs.conns <- conn
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConn(t *testing.T, fs *feedServer) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerAuthenticatesAndForwards(t *testing.T) {
	fs, srv := newFeedServer(t)
	handler := newRecordingHandler()
	mgr := NewManager(wsURL(srv), func() string { return "jwt-123" }, handler,
		WithReconnectWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	select {
	case token := <-fs.authed:
		if token != "jwt-123" {
			t.Errorf("auth token = %q, want jwt-123", token)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no auth frame received")
	}

	conn := waitConn(t, fs)
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"m1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-handler.received:
		if payload != `{"id":"m1"}` {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("payload never reached handler")
	}

	waitFor(t, "connected state", func() bool { return mgr.State() == StateConnected })
}

func TestManagerReconnectsAfterPeerClose(t *testing.T) {
	fs, srv := newFeedServer(t)
	handler := newRecordingHandler()
	mgr := NewManager(wsURL(srv), func() string { return "tok" }, handler,
		WithReconnectWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	first := waitConn(t, fs)
	first.Close()

	second := waitConn(t, fs)
	defer second.Close()
	if err := second.WriteMessage(websocket.TextMessage, []byte(`after-reconnect`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-handler.received:
		if payload != "after-reconnect" {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("payload never arrived on reconnected socket")
	}

	if got := fs.dials.Load(); got < 2 {
		t.Errorf("dials = %d, want at least 2", got)
	}
}

func TestManagerDisconnectSuppressesReconnect(t *testing.T) {
	fs, srv := newFeedServer(t)
	handler := newRecordingHandler()
	mgr := NewManager(wsURL(srv), func() string { return "tok" }, handler,
		WithReconnectWait(10*time.Millisecond))

	done := make(chan struct{})
	go func() {
		mgr.Run(context.Background())
		close(done)
	}()

	conn := waitConn(t, fs)
	defer conn.Close()

	mgr.Disconnect()
	mgr.Disconnect() // safe to repeat

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
	if got := mgr.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}

	dials := fs.dials.Load()
	time.Sleep(50 * time.Millisecond)
	if got := fs.dials.Load(); got != dials {
		t.Errorf("dials grew from %d to %d after Disconnect", dials, got)
	}
}

func TestManagerSendsKeepalivePings(t *testing.T) {
	fs, srv := newFeedServer(t)
	handler := newRecordingHandler()
	mgr := NewManager(wsURL(srv), func() string { return "tok" }, handler,
		WithReconnectWait(10*time.Millisecond),
		WithKeepaliveInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	conn := waitConn(t, fs)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ping: %v", err)
	}

	var ping struct {
		Action string  `json:"action"`
		Data   *string `json:"data"`
	}
	if err := json.Unmarshal(payload, &ping); err != nil {
		t.Fatalf("unmarshal ping: %v", err)
	}
	if ping.Action != "ping" {
		t.Errorf("action = %q, want ping", ping.Action)
	}
	if ping.Data == nil || *ping.Data != "" {
		t.Errorf("ping data field missing or non-empty: %s", payload)
	}
}

func TestManagerStopsOnContextCancel(t *testing.T) {
	fs, srv := newFeedServer(t)
	handler := newRecordingHandler()
	mgr := NewManager(wsURL(srv), func() string { return "tok" }, handler,
		WithReconnectWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	conn := waitConn(t, fs)
	defer conn.Close()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
