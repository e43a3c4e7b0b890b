package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"hsmpchat/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBParticipant struct {
	ID     string `msgpack:"id"`
	Name   string `msgpack:"name"`
	Avatar string `msgpack:"avatar"`
}

type DBRoom struct {
	ID           string          `msgpack:"id"`
	Participants []DBParticipant `msgpack:"participants"`
	LastMessage  *DBMessage      `msgpack:"lastMessage"`
	UpdatedAt    int64           `msgpack:"updatedAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

func newDBRoom(r models.Room) DBRoom {
	dbRoom := DBRoom{
		ID:        r.ID,
		UpdatedAt: unixNano(r.UpdatedAt),
	}
	if len(r.Participants) > 0 {
		dbRoom.Participants = make([]DBParticipant, len(r.Participants))
		for i, p := range r.Participants {
			dbRoom.Participants[i] = DBParticipant{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
		}
	}
	if r.LastMessage != nil {
		m := newDBMessage(*r.LastMessage)
		dbRoom.LastMessage = &m
	}
	return dbRoom
}

func (r *DBRoom) Room() models.Room {
	room := models.Room{
		ID:        r.ID,
		UpdatedAt: fromUnixNano(r.UpdatedAt),
	}
	if len(r.Participants) > 0 {
		room.Participants = make([]models.Participant, len(r.Participants))
		for i, p := range r.Participants {
			room.Participants[i] = models.Participant{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
		}
	}
	if r.LastMessage != nil {
		m := r.LastMessage.Message()
		room.LastMessage = &m
	}
	return room
}

type DBMessage struct {
	ID        string `msgpack:"id"`
	RoomID    string `msgpack:"roomId"`
	Sender    string `msgpack:"sender"`
	Receiver  string `msgpack:"receiver"`
	Content   string `msgpack:"content"`
	CreatedAt int64  `msgpack:"createdAt"`
	Read      bool   `msgpack:"read"`
}

// Key sorts messages by creation time; the ID suffix keeps same-instant messages apart.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(max(m.CreatedAt, 0)))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		CreatedAt: unixNano(m.CreatedAt),
		Read:      m.Read,
	}
}

func (m *DBMessage) Message() models.Message {
	return models.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		CreatedAt: fromUnixNano(m.CreatedAt),
		Read:      m.Read,
	}
}

// unixNano maps times before 1970, including the zero time, to 0 so keys stay ordered.
func unixNano(t time.Time) int64 {
	if t.IsZero() || t.Before(time.Unix(0, 0)) {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
