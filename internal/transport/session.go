package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"hsmpchat/internal/models"
	"hsmpchat/internal/observability"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const DefaultAckTimeout = 10 * time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateOffline means the reconnection policy was exhausted.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler receives the raw JSON payload of an event.
// Handlers run on the connection reader goroutine, one at a time, in arrival order.
type Handler func(data json.RawMessage)

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type gorillaDialer struct {
	dialer *websocket.Dialer
}

func (g gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := g.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

type Config struct {
	URL               string
	Identity          string
	Token             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	AckTimeout        time.Duration
}

type Option func(*Session)

func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session owns the single event channel of one identity.
// Only the Session opens or closes the socket; everything else emits and listens through it.
type Session struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[models.EventName][]Handler
	conn     *Connection
	state    State
	pending  map[string]chan json.RawMessage
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSession(cfg Config, opts ...Option) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}

	s := &Session{
		cfg:      cfg,
		dialer:   gorillaDialer{dialer: websocket.DefaultDialer},
		logger:   slog.Default(),
		handlers: make(map[models.EventName][]Handler),
		pending:  make(map[string]chan json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Identity() string {
	return s.cfg.Identity
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// On registers a handler for an inbound or lifecycle event.
func (s *Session) On(event models.EventName, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// Connect opens the channel and registers the identity with the server.
// A failed first dial is retried per the reconnection policy; when every
// attempt fails a *models.ConnectionError is returned and the state is Offline.
// After a successful Connect the session keeps itself connected until Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	if s.cfg.Identity == "" {
		return models.ErrEmptyIdentity
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialWithRetry(ctx, 1+s.cfg.ReconnectAttempts, false)
	if err != nil {
		cancel()
		close(done)
		s.mu.Lock()
		s.cancel = nil
		s.state = StateOffline
		s.mu.Unlock()
		return err
	}

	s.attach(conn)
	go s.supervise(runCtx, conn, done)
	return nil
}

// Disconnect tears the channel down. In-flight acknowledgments fail with
// models.ErrNotConnected and the disconnect handlers run before it returns.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	if cancel == nil && s.state == StateOffline {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}

// Emit sends a fire-and-forget event.
func (s *Session) Emit(event models.EventName, payload any) error {
	return s.send(context.Background(), models.Frame{Event: event}, payload)
}

// EmitWithAck sends an event and waits for the server acknowledgment,
// decoding it into reply when reply is not nil.
func (s *Session) EmitWithAck(ctx context.Context, event models.EventName, payload any, reply any) error {
	ackID := uuid.NewString()
	ch := make(chan json.RawMessage, 1)

	s.mu.Lock()
	s.pending[ackID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, ackID)
		s.mu.Unlock()
	}()

	if err := s.send(ctx, models.Frame{Event: event, AckID: ackID}, payload); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-ch:
		if !ok {
			return models.ErrNotConnected
		}
		if reply == nil {
			return nil
		}
		if err := json.Unmarshal(data, reply); err != nil {
			return fmt.Errorf("decode %s ack: %w", event, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: no acknowledgment within %s", event, s.cfg.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) send(ctx context.Context, f models.Frame, payload any) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", f.Event, err)
		}
		f.Data = data
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return models.ErrNotConnected
	}
	return conn.Send(ctx, f)
}

func (s *Session) supervise(ctx context.Context, conn *Connection, done chan struct{}) {
	defer close(done)

	for {
		err := conn.Handle(ctx)
		s.detach(ctx, err)
		if ctx.Err() != nil {
			return
		}

		conn, err = s.dialWithRetry(ctx, s.cfg.ReconnectAttempts, true)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("chat socket offline", "identity", s.cfg.Identity, "error", err)
			s.mu.Lock()
			s.state = StateOffline
			if s.cancel != nil {
				s.cancel()
				s.cancel = nil
			}
			s.mu.Unlock()
			observability.IncSocketEvent("offline")
			return
		}
		s.attach(conn)
	}
}

func (s *Session) dialWithRetry(ctx context.Context, attempts int, delayFirst bool) (*Connection, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 || delayFirst {
			select {
			case <-time.After(s.cfg.ReconnectDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn, err := s.open(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		s.logger.Warn("chat socket connect failed", "attempt", i+1, "of", attempts, "error", err)
		observability.IncSocketEvent(string(models.EventConnectError))
		payload, _ := json.Marshal(err.Error())
		s.fire(models.EventConnectError, payload)
	}
	if lastErr == nil {
		lastErr = models.ErrNotConnected
	}
	return nil, &models.ConnectionError{Attempts: attempts, Err: lastErr}
}

func (s *Session) open(ctx context.Context) (*Connection, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	ws, err := s.dialer.Dial(ctx, s.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	return NewConnection(ws, s.dispatch), nil
}

// attach publishes a freshly dialed connection and registers the identity.
// The register frame is queued before any user frame can reach the connection.
func (s *Session) attach(conn *Connection) {
	data, _ := json.Marshal(s.cfg.Identity)
	_ = conn.Send(context.Background(), models.Frame{Event: models.EventRegister, Data: data})

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Info("chat socket connected", "identity", s.cfg.Identity)
	observability.IncSocketEvent(string(models.EventConnect))
	observability.SetSocketConnected(true)
	s.fire(models.EventConnect, nil)
}

func (s *Session) detach(ctx context.Context, cause error) {
	s.mu.Lock()
	s.conn = nil
	if ctx.Err() != nil {
		s.state = StateDisconnected
	} else {
		s.state = StateReconnecting
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	reason := "client disconnect"
	if cause != nil {
		reason = cause.Error()
	} else if ctx.Err() == nil {
		reason = "connection closed"
	}

	s.logger.Info("chat socket disconnected", "identity", s.cfg.Identity, "reason", reason)
	observability.IncSocketEvent(string(models.EventDisconnect))
	observability.SetSocketConnected(false)
	payload, _ := json.Marshal(reason)
	s.fire(models.EventDisconnect, payload)
}

func (s *Session) dispatch(f models.Frame) {
	if f.Ack {
		s.mu.Lock()
		ch, ok := s.pending[f.AckID]
		delete(s.pending, f.AckID)
		s.mu.Unlock()
		if ok {
			ch <- f.Data
		}
		return
	}
	s.fire(f.Event, f.Data)
}

func (s *Session) fire(event models.EventName, data json.RawMessage) {
	s.mu.RLock()
	hs := slices.Clone(s.handlers[event])
	s.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
}
