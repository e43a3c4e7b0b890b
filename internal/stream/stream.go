// Package stream holds the message log of the active room.
package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"hsmpchat/internal/content"
	"hsmpchat/internal/models"
)

type History interface {
	History(ctx context.Context, roomID string) ([]models.Message, error)
}

type Emitter interface {
	Emit(event models.EventName, payload any) error
	EmitWithAck(ctx context.Context, event models.EventName, payload any, reply any) error
}

// Stream never holds two messages with the same ID and never reorders
// what it holds: history sets the initial order, pushes go to the tail.
type Stream struct {
	self    string
	history History
	emitter Emitter

	mu       sync.Mutex
	roomID   string
	messages []models.Message
	seen     map[string]int

	gen     uint64
	pending string
	early   []models.Message
}

func New(self string, history History, emitter Emitter) *Stream {
	return &Stream{
		self:    self,
		history: history,
		emitter: emitter,
		seen:    make(map[string]int),
	}
}

// Activate replaces the log with the history of roomID. When another
// Activate or Reset happens while the fetch is in flight the result is
// dropped and models.ErrSuperseded is returned. Messages pushed for roomID
// during the fetch are appended after the history.
func (s *Stream) Activate(ctx context.Context, roomID string) ([]models.Message, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.pending = roomID
	s.early = nil
	s.mu.Unlock()

	history, err := s.history.History(ctx, roomID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return nil, models.ErrSuperseded
	}
	early := s.early
	s.pending = ""
	s.early = nil

	if err != nil {
		return nil, &models.FetchError{Op: "load history", Err: err}
	}

	s.roomID = roomID
	s.messages = make([]models.Message, 0, len(history)+len(early))
	s.seen = make(map[string]int, len(history)+len(early))
	for _, m := range history {
		s.appendLocked(m)
	}
	for _, m := range early {
		s.appendLocked(m)
	}
	return slices.Clone(s.messages), nil
}

// Append adds msg at the tail unless a message with the same ID is held.
// Messages for rooms other than the active one are ignored. It reports
// whether msg was new.
func (s *Stream) Append(msg models.Message) bool {
	if msg.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != "" && msg.RoomID == s.pending {
		if slices.ContainsFunc(s.early, func(m models.Message) bool { return m.ID == msg.ID }) {
			return false
		}
		s.early = append(s.early, msg)
		return true
	}
	if msg.RoomID != s.roomID {
		return false
	}
	return s.appendLocked(msg)
}

func (s *Stream) appendLocked(msg models.Message) bool {
	if i, ok := s.seen[msg.ID]; ok {
		// A redelivery can only ever carry a newer read flag.
		if msg.Read {
			s.messages[i].Read = true
		}
		return false
	}
	s.seen[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return true
}

// Send transmits text to receiver in roomID and waits for the server to
// acknowledge it with the persisted message. roomID must be the active room.
func (s *Stream) Send(ctx context.Context, roomID, text, receiver string) (models.Message, error) {
	body := content.NormalizeText(text)
	if body == "" {
		return models.Message{}, models.ErrEmptyMessage
	}

	s.mu.Lock()
	active := s.roomID
	s.mu.Unlock()
	if active == "" || roomID == "" {
		return models.Message{}, models.ErrNoActiveRoom
	}
	if roomID != active {
		return models.Message{}, &models.SendError{Text: text, Err: fmt.Errorf("room %s: %w", roomID, models.ErrNoActiveRoom)}
	}
	if receiver == "" {
		return models.Message{}, &models.SendError{Text: text, Err: fmt.Errorf("receiver of room %s: %w", roomID, models.ErrNotFound)}
	}

	var ack models.SendMessageAck
	err := s.emitter.EmitWithAck(ctx, models.EventSendMessage, models.SendMessageRequest{
		SenderID:   s.self,
		ReceiverID: receiver,
		Content:    body,
		ChatRoomID: roomID,
	}, &ack)
	if err != nil {
		return models.Message{}, &models.SendError{Text: text, Err: err}
	}
	if !ack.Success || ack.Message == nil {
		reason := ack.Error
		if reason == "" {
			reason = "message rejected by server"
		}
		return models.Message{}, &models.SendError{Text: text, Err: errors.New(reason)}
	}

	msg := *ack.Message
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	s.Append(msg)
	return msg, nil
}

// MarkRead tells the server that everything addressed to us in roomID was seen.
func (s *Stream) MarkRead(roomID string) error {
	if roomID == "" {
		return models.ErrNoActiveRoom
	}
	if err := s.emitter.Emit(models.EventMarkAsRead, models.MarkAsReadRequest{
		ChatRoomID: roomID,
		UserID:     s.self,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if roomID == s.roomID {
		for i := range s.messages {
			if s.messages[i].Receiver == s.self {
				s.messages[i].Read = true
			}
		}
	}
	return nil
}

// ApplyReadReceipt flips the read flag of our messages to readBy in roomID
// and returns how many changed.
func (s *Stream) ApplyReadReceipt(roomID, readBy string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roomID != s.roomID {
		return 0
	}
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.Sender == s.self && m.Receiver == readBy && !m.Read {
			m.Read = true
			n++
		}
	}
	return n
}

func (s *Stream) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *Stream) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Reset empties the log and abandons any fetch in flight.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.roomID = ""
	s.pending = ""
	s.early = nil
	s.messages = nil
	s.seen = make(map[string]int)
}
