package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hsmpchat/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	auth   []string
	frames chan models.Frame
	refuse atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{frames: make(chan models.Frame, 100)}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if ts.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.auth = append(ts.auth, r.Header.Get("Authorization"))
	ts.mu.Unlock()

	for {
		var f models.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		ts.frames <- f

		if f.Event == models.EventSendMessage && f.AckID != "" {
			var req models.SendMessageRequest
			_ = json.Unmarshal(f.Data, &req)
			data, _ := json.Marshal(models.SendMessageAck{
				Success: true,
				Message: &models.Message{ID: "m1", RoomID: req.ChatRoomID, Content: req.Content},
			})
			ts.write(conn, models.Frame{AckID: f.AckID, Ack: true, Data: data})
		}
	}
}

func (ts *testServer) write(conn *websocket.Conn, f models.Frame) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_ = conn.WriteJSON(f)
}

func (ts *testServer) push(f models.Frame) {
	ts.mu.Lock()
	conn := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()
	ts.write(conn, f)
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.Close()
	}
}

func (ts *testServer) next(t *testing.T) models.Frame {
	t.Helper()
	select {
	case f := <-ts.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return models.Frame{}
}

func newTestSession(ts *testServer, cfg Config) *Session {
	cfg.URL = ts.url()
	if cfg.Identity == "" {
		cfg.Identity = "u1"
	}
	return NewSession(cfg)
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", want)
	}
}

func TestSession_ConnectRegisters(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(ts, Config{Token: "secret"})

	events := make(chan string, 10)
	s.On(models.EventConnect, func(json.RawMessage) { events <- "connect" })

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	waitFor(t, events, "connect")
	assert.Equal(t, StateConnected, s.State())

	f := ts.next(t)
	assert.Equal(t, models.EventRegister, f.Event)
	assert.JSONEq(t, `"u1"`, string(f.Data))

	ts.mu.Lock()
	assert.Equal(t, []string{"Bearer secret"}, ts.auth)
	ts.mu.Unlock()
}

func TestSession_EmptyIdentity(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:1"})
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, models.ErrEmptyIdentity)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_EmitWhileDisconnected(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:1", Identity: "u1"})
	assert.ErrorIs(t, s.Emit(models.EventTyping, models.TypingSignal{}), models.ErrNotConnected)
	assert.ErrorIs(t, s.EmitWithAck(context.Background(), models.EventSendMessage, nil, nil), models.ErrNotConnected)
}

func TestSession_DispatchesEvents(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(ts, Config{})

	got := make(chan []string, 1)
	s.On(models.EventOnlineUsers, func(data json.RawMessage) {
		var ids []string
		_ = json.Unmarshal(data, &ids)
		got <- ids
	})

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()
	ts.next(t) // register

	ts.push(models.Frame{Event: models.EventOnlineUsers, Data: json.RawMessage(`["u2","u3"]`)})

	select {
	case ids := <-got:
		assert.Equal(t, []string{"u2", "u3"}, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestSession_EmitWithAck(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(ts, Config{})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	var ack models.SendMessageAck
	err := s.EmitWithAck(context.Background(), models.EventSendMessage, models.SendMessageRequest{
		SenderID:   "u1",
		ReceiverID: "u2",
		Content:    "hi",
		ChatRoomID: "r1",
	}, &ack)
	require.NoError(t, err)
	require.True(t, ack.Success)
	require.NotNil(t, ack.Message)
	assert.Equal(t, "m1", ack.Message.ID)
	assert.Equal(t, "hi", ack.Message.Content)
}

func TestSession_AckTimeout(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(ts, Config{AckTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	err := s.EmitWithAck(context.Background(), models.EventMarkAsRead, models.MarkAsReadRequest{}, nil)
	assert.Error(t, err)
}

func TestSession_DisconnectFailsPendingAck(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(ts, Config{AckTimeout: 5 * time.Second})

	disconnected := make(chan string, 1)
	s.On(models.EventDisconnect, func(json.RawMessage) { disconnected <- "disconnect" })

	require.NoError(t, s.Connect(context.Background()))
	ts.next(t) // register

	result := make(chan error, 1)
	go func() {
		result <- s.EmitWithAck(context.Background(), models.EventMarkAsRead, models.MarkAsReadRequest{}, nil)
	}()
	assert.Equal(t, models.EventMarkAsRead, ts.next(t).Event)

	s.Disconnect()
	waitFor(t, disconnected, "disconnect")
	assert.Equal(t, StateDisconnected, s.State())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, models.ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending ack not released by Disconnect")
	}
}

func TestSession_ReconnectReRegisters(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(ts, Config{ReconnectAttempts: 5, ReconnectDelay: 10 * time.Millisecond})

	events := make(chan string, 10)
	s.On(models.EventConnect, func(json.RawMessage) { events <- "connect" })
	s.On(models.EventDisconnect, func(json.RawMessage) { events <- "disconnect" })

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()
	waitFor(t, events, "connect")
	assert.Equal(t, models.EventRegister, ts.next(t).Event)

	ts.dropAll()
	waitFor(t, events, "disconnect")
	waitFor(t, events, "connect")

	f := ts.next(t)
	assert.Equal(t, models.EventRegister, f.Event)
	assert.JSONEq(t, `"u1"`, string(f.Data))
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_OfflineAfterExhaustedRetries(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(ts, Config{ReconnectAttempts: 2, ReconnectDelay: 5 * time.Millisecond})

	var connectErrors atomic.Int32
	events := make(chan string, 10)
	s.On(models.EventDisconnect, func(json.RawMessage) { events <- "disconnect" })
	s.On(models.EventConnectError, func(json.RawMessage) {
		if connectErrors.Add(1) == 2 {
			events <- "exhausted"
		}
	})

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	ts.refuse.Store(true)
	ts.dropAll()

	waitFor(t, events, "disconnect")
	waitFor(t, events, "exhausted")

	require.Eventually(t, func() bool { return s.State() == StateOffline }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), connectErrors.Load())
}

func TestSession_InitialConnectFails(t *testing.T) {
	ts := newTestServer(t)
	ts.refuse.Store(true)
	s := newTestSession(ts, Config{ReconnectAttempts: 2, ReconnectDelay: time.Millisecond})

	err := s.Connect(context.Background())

	var connErr *models.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, StateOffline, s.State())

	// Offline is recoverable: a later Connect may succeed.
	ts.refuse.Store(false)
	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()
}
