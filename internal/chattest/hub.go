package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"hsmpchat/internal/models"
	"hsmpchat/internal/transport"

	"github.com/google/uuid"
)

const roomHistoryLimit = 200

type peer struct {
	conn *transport.Connection
	user string
}

// Hub holds the server-side state: known users, rooms with their logs and
// the live connections of each user.
type Hub struct {
	mu        sync.RWMutex
	users     map[string]models.Participant
	rooms     map[string]*roomLog
	updated   map[string]time.Time
	peers     map[string]map[*peer]struct{}
	holds     map[string]chan struct{}
	lastStamp time.Time
	dropAcks  bool
}

func NewHub() *Hub {
	return &Hub{
		users:   make(map[string]models.Participant),
		rooms:   make(map[string]*roomLog),
		updated: make(map[string]time.Time),
		peers:   make(map[string]map[*peer]struct{}),
		holds:   make(map[string]chan struct{}),
	}
}

func (h *Hub) AddUser(id, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addUserLocked(id, name)
}

func (h *Hub) addUserLocked(id, name string) {
	if _, ok := h.users[id]; ok {
		return
	}
	if name == "" {
		name = id
	}
	h.users[id] = models.Participant{ID: id, Name: name}
}

// Online returns the sorted identities with at least one live connection.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

func (h *Hub) onlineLocked() []string {
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetOrCreateRoom returns the room of self and other, creating it on first use.
func (h *Hub) GetOrCreateRoom(self, other string) (models.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if self == other {
		return models.Room{}, models.ErrSelfConversation
	}
	if _, ok := h.users[other]; !ok {
		return models.Room{}, fmt.Errorf("user %s: %w", other, models.ErrNotFound)
	}
	h.addUserLocked(self, "")

	id := getDMID(self, other)
	l, ok := h.rooms[id]
	if !ok {
		l = newRoomLog(id, []models.Participant{h.users[self], h.users[other]}, roomHistoryLimit)
		h.rooms[id] = l
		h.updated[id] = h.stampLocked()
	}
	return h.roomLocked(l), nil
}

// Rooms lists the rooms of userID in no particular order.
func (h *Hub) Rooms(userID string) []models.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var rooms []models.Room
	for _, l := range h.rooms {
		if l.has(userID) {
			rooms = append(rooms, h.roomLocked(l))
		}
	}
	return rooms
}

func (h *Hub) roomLocked(l *roomLog) models.Room {
	room := models.Room{
		ID:           l.ID,
		Participants: slices.Clone(l.Participants),
		UpdatedAt:    h.updated[l.ID],
	}
	if last, ok := l.Last(); ok {
		room.LastMessage = &last
	}
	return room
}

// History returns the messages of roomID, waiting first when the room is held.
func (h *Hub) History(ctx context.Context, userID, roomID string) ([]models.Message, error) {
	h.mu.RLock()
	l, ok := h.rooms[roomID]
	hold := h.holds[roomID]
	h.mu.RUnlock()

	if !ok || !l.has(userID) {
		return nil, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.GetLastRecords(roomHistoryLimit), nil
}

// Hold delays history responses for roomID until release is called.
func (h *Hub) Hold(roomID string) (release func()) {
	ch := make(chan struct{})
	h.mu.Lock()
	h.holds[roomID] = ch
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.holds[roomID] == ch {
				delete(h.holds, roomID)
				close(ch)
			}
		})
	}
}

func (h *Hub) releaseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.holds {
		close(ch)
		delete(h.holds, id)
	}
}

// DropAcks makes the hub swallow sendMessage acknowledgments.
func (h *Hub) DropAcks(drop bool) {
	h.mu.Lock()
	h.dropAcks = drop
	h.mu.Unlock()
}

// Messages returns a copy of the stored log of roomID.
func (h *Hub) Messages(roomID string) []models.Message {
	h.mu.RLock()
	l, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return l.GetLastRecords(roomHistoryLimit)
}

func (h *Hub) stampLocked() time.Time {
	now := time.Now().UTC()
	if !now.After(h.lastStamp) {
		now = h.lastStamp.Add(time.Microsecond)
	}
	h.lastStamp = now
	return now
}

func (h *Hub) join(p *peer, userID string) {
	h.mu.Lock()
	if p.user != "" {
		h.mu.Unlock()
		return
	}
	h.addUserLocked(userID, "")
	p.user = userID
	set, wasOnline := h.peers[userID]
	if !wasOnline {
		set = make(map[*peer]struct{})
		h.peers[userID] = set
	}
	set[p] = struct{}{}
	online := h.onlineLocked()
	h.mu.Unlock()

	slog.Debug("chattest: user registered", "user", userID)
	h.emit(p, models.EventOnlineUsers, online)
	if !wasOnline {
		h.broadcast(userID, models.EventUserStatus, models.UserStatusEvent{UserID: userID, IsOnline: true})
	}
}

func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	userID := p.user
	if userID == "" {
		h.mu.Unlock()
		return
	}
	set := h.peers[userID]
	delete(set, p)
	wentOffline := len(set) == 0
	if wentOffline {
		delete(h.peers, userID)
	}
	h.mu.Unlock()

	if wentOffline {
		h.broadcast(userID, models.EventUserStatus, models.UserStatusEvent{UserID: userID, IsOnline: false})
	}
}

func (h *Hub) dispatch(p *peer, f models.Frame) {
	h.mu.RLock()
	userID := p.user
	h.mu.RUnlock()

	if f.Event == models.EventRegister {
		var id string
		if err := json.Unmarshal(f.Data, &id); err != nil || id == "" {
			slog.Warn("chattest: bad register payload", "data", string(f.Data))
			return
		}
		h.join(p, id)
		return
	}
	if userID == "" {
		slog.Warn("chattest: event before register", "event", f.Event)
		return
	}

	switch f.Event {
	case models.EventSendMessage:
		var req models.SendMessageRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			h.ack(p, f, models.SendMessageAck{Error: "invalid payload"})
			return
		}
		msg, err := h.sendMessage(userID, req)
		if err != nil {
			h.ack(p, f, models.SendMessageAck{Error: err.Error()})
			return
		}
		h.ack(p, f, models.SendMessageAck{Success: true, Message: &msg})
		push := models.ReceiveMessageEvent{ChatRoomID: msg.RoomID, Message: msg}
		h.emitUser(msg.Receiver, models.EventReceiveMessage, push)
		h.emitUser(msg.Sender, models.EventReceiveMessage, push)

	case models.EventMarkAsRead:
		var req models.MarkAsReadRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return
		}
		l := h.room(req.ChatRoomID)
		if l == nil || !l.has(userID) {
			return
		}
		l.MarkRead(userID)
		h.emitUser(l.other(userID), models.EventMessagesRead, models.MessagesReadEvent{
			ChatRoomID: req.ChatRoomID,
			ReadBy:     userID,
		})

	case models.EventTyping:
		var sig models.TypingSignal
		if err := json.Unmarshal(f.Data, &sig); err != nil {
			return
		}
		l := h.room(sig.ChatRoomID)
		if l == nil || !l.has(userID) {
			return
		}
		sig.UserID = userID
		h.emitUser(l.other(userID), models.EventUserTyping, sig)

	default:
		slog.Debug("chattest: unhandled event", "event", f.Event)
	}
}

func (h *Hub) sendMessage(userID string, req models.SendMessageRequest) (models.Message, error) {
	if req.SenderID != userID {
		return models.Message{}, fmt.Errorf("sender %q does not match connection", req.SenderID)
	}
	if req.Content == "" {
		return models.Message{}, models.ErrEmptyMessage
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.rooms[req.ChatRoomID]
	if !ok || !l.has(userID) || !l.has(req.ReceiverID) || req.ReceiverID == userID {
		return models.Message{}, fmt.Errorf("room %s: %w", req.ChatRoomID, models.ErrNotFound)
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		RoomID:    l.ID,
		Sender:    userID,
		Receiver:  req.ReceiverID,
		Content:   req.Content,
		CreatedAt: h.stampLocked(),
	}
	l.AddRecord(msg)
	h.updated[l.ID] = msg.CreatedAt
	return msg, nil
}

func (h *Hub) room(id string) *roomLog {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

func (h *Hub) ack(p *peer, req models.Frame, reply any) {
	if req.AckID == "" {
		return
	}
	h.mu.RLock()
	drop := h.dropAcks
	h.mu.RUnlock()
	if drop {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("chattest: encode ack", "error", err)
		return
	}
	_ = p.conn.Send(context.Background(), models.Frame{AckID: req.AckID, Ack: true, Data: data})
}

func (h *Hub) emit(p *peer, event models.EventName, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("chattest: encode event", "event", event, "error", err)
		return
	}
	_ = p.conn.Send(context.Background(), models.Frame{Event: event, Data: data})
}

func (h *Hub) emitUser(userID string, event models.EventName, payload any) {
	for _, p := range h.peersOf(userID) {
		h.emit(p, event, payload)
	}
}

// broadcast sends to everyone online except userID.
func (h *Hub) broadcast(userID string, event models.EventName, payload any) {
	h.mu.RLock()
	var targets []*peer
	for id, set := range h.peers {
		if id == userID {
			continue
		}
		for p := range set {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		h.emit(p, event, payload)
	}
}

func (h *Hub) peersOf(userID string) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers[userID]))
	for p := range h.peers[userID] {
		out = append(out, p)
	}
	return out
}

func getDMID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}
