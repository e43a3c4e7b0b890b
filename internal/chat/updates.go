package chat

import (
	"hsmpchat/internal/models"
	"hsmpchat/internal/transport"
)

type UpdateKind int

const (
	UpdateConnection UpdateKind = iota
	UpdatePresence
	UpdateRooms
	UpdateActiveRoom
	UpdateMessage
	UpdateRead
	UpdateTyping
	UpdateUnread
	UpdateError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateConnection:
		return "connection"
	case UpdatePresence:
		return "presence"
	case UpdateRooms:
		return "rooms"
	case UpdateActiveRoom:
		return "active_room"
	case UpdateMessage:
		return "message"
	case UpdateRead:
		return "read"
	case UpdateTyping:
		return "typing"
	case UpdateUnread:
		return "unread"
	case UpdateError:
		return "error"
	}
	return "unknown"
}

// Update tells a front-end that some part of the client state changed.
// Only the fields relevant to Kind are set.
type Update struct {
	Kind    UpdateKind
	State   transport.State
	RoomID  string
	UserID  string
	Online  bool
	Typing  bool
	Count   int
	Message *models.Message
	Err     error
}

// Status is a point-in-time summary of the client.
type Status struct {
	State      transport.State
	Stale      bool
	ActiveRoom string
	Online     int
	Unread     int
}
