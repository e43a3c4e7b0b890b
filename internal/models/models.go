package models

import (
	"encoding/json"
	"time"
)

// Participant is one of the two identities of a room.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Room represents a two-party conversation.
type Room struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Other returns the participant that is not self.
// Rooms with a single known participant return that participant.
func (r Room) Other(self string) Participant {
	for _, p := range r.Participants {
		if p.ID != self {
			return p
		}
	}
	if len(r.Participants) > 0 {
		return r.Participants[0]
	}
	return Participant{}
}

func (r Room) HasParticipant(id string) bool {
	for _, p := range r.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Message represents a chat message.
// Everything except Read is fixed once the server has persisted it.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

type EventName string

// Lifecycle events are raised locally by the transport.
const (
	EventConnect      EventName = "connect"
	EventDisconnect   EventName = "disconnect"
	EventConnectError EventName = "connect_error"
)

// Outbound events.
const (
	EventRegister    EventName = "register"
	EventSendMessage EventName = "sendMessage"
	EventMarkAsRead  EventName = "markAsRead"
	EventTyping      EventName = "typing"
)

// Inbound events.
const (
	EventReceiveMessage EventName = "receiveMessage"
	EventMessagesRead   EventName = "messagesRead"
	EventUserTyping     EventName = "userTyping"
	EventUserStatus     EventName = "userStatus"
	EventOnlineUsers    EventName = "onlineUsers"
)

// Frame is the envelope of every websocket text message.
// A frame with AckID and Ack=false expects a reply frame with the same AckID and Ack=true.
type Frame struct {
	Event EventName       `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
	Ack   bool            `json:"ack,omitempty"`
}

type SendMessageRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ChatRoomID string `json:"chatRoomId"`
}

type SendMessageAck struct {
	Success bool     `json:"success"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type MarkAsReadRequest struct {
	ChatRoomID string `json:"chatRoomId"`
	UserID     string `json:"userId"`
}

// TypingSignal is sent as "typing" and received as "userTyping".
type TypingSignal struct {
	ChatRoomID string `json:"chatRoomId"`
	UserID     string `json:"userId"`
	IsTyping   bool   `json:"isTyping"`
}

type ReceiveMessageEvent struct {
	ChatRoomID string  `json:"chatRoomId"`
	Message    Message `json:"message"`
}

type MessagesReadEvent struct {
	ChatRoomID string `json:"chatRoomId"`
	ReadBy     string `json:"readBy"`
}

type UserStatusEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type CreateRoomRequest struct {
	OtherUserID string `json:"otherUserId"`
}
