// Package chattest runs an in-process messaging backend for tests: the
// REST room API and the websocket event channel, sharing one Hub.
// The bearer token of a request is taken as the caller's identity.
package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"hsmpchat/internal/models"
	"hsmpchat/internal/transport"

	"github.com/gorilla/websocket"
)

type Server struct {
	*httptest.Server
	Hub *Hub

	upgrader websocket.Upgrader
	refuse   atomic.Bool

	mu      sync.Mutex
	sockets map[*websocket.Conn]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(t testing.TB) *Server {
	s := newServer()
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func newServer() *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Hub: NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sockets: make(map[*websocket.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /socket", s.HandleConnections)
	mux.HandleFunc("GET /api/chat/rooms", s.RoomsHandler)
	mux.HandleFunc("POST /api/chat/rooms", s.CreateRoomHandler)
	mux.HandleFunc("GET /api/chat/rooms/{id}/messages", s.MessagesHandler)
	return mux
}

// stop ends every live socket and unblocks held history requests.
func (s *Server) stop() {
	s.cancel()
	s.Hub.releaseAll()
	s.DropAll()
}

func (s *Server) Close() {
	s.stop()
	s.Server.Close()
}

func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/socket"
}

func (s *Server) APIURL() string {
	return s.URL + "/api"
}

// Refuse makes new socket handshakes fail while set.
func (s *Server) Refuse(refuse bool) {
	s.refuse.Store(refuse)
}

// DropAll closes every live socket, as a network failure would.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.sockets {
		_ = ws.Close()
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if s.refuse.Load() {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("chattest: error upgrading to websocket", "error", err)
		return
	}

	s.mu.Lock()
	s.sockets[ws] = struct{}{}
	s.mu.Unlock()

	p := &peer{}
	p.conn = transport.NewConnection(ws, func(f models.Frame) { s.Hub.dispatch(p, f) })
	if err := p.conn.Handle(s.ctx); err != nil {
		slog.Debug("chattest: connection closed", "user", p.user, "error", err)
	}

	s.Hub.leave(p)
	s.mu.Lock()
	delete(s.sockets, ws)
	s.mu.Unlock()
}

func (s *Server) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r)
	if !ok {
		return
	}
	rooms := s.Hub.Rooms(userID)
	if rooms == nil {
		rooms = []models.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r)
	if !ok {
		return
	}

	var req models.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OtherUserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	room, err := s.Hub.GetOrCreateRoom(userID, req.OtherUserID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r)
	if !ok {
		return
	}

	msgs, err := s.Hub.History(r.Context(), userID, r.PathValue("id"))
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("chattest: failed to encode response", "error", err)
	}
}
