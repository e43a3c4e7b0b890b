package chattest

import (
	"sync"

	"hsmpchat/internal/models"
)

// roomLog keeps the newest MaxRecords messages of a room in a ring buffer.
type roomLog struct {
	ID           string
	Participants []models.Participant
	Records      []models.Message
	LastIndex    int
	MaxRecords   int

	mux sync.RWMutex
}

func newRoomLog(id string, participants []models.Participant, maxRecords int) *roomLog {
	return &roomLog{
		ID:           id,
		Participants: participants,
		LastIndex:    -1,
		MaxRecords:   maxRecords,
	}
}

// AddRecord appends msg, overwriting the oldest record once the buffer is full.
func (l *roomLog) AddRecord(msg models.Message) {
	l.mux.Lock()
	defer l.mux.Unlock()

	switch {
	case len(l.Records) < l.MaxRecords:
		l.Records = append(l.Records, msg)
		l.LastIndex++
	default:
		i := (l.LastIndex + 1) % l.MaxRecords
		l.Records[i] = msg
		l.LastIndex = i
	}
}

// GetLastRecords returns up to count of the newest records, oldest first.
func (l *roomLog) GetLastRecords(count int) []models.Message {
	l.mux.RLock()
	defer l.mux.RUnlock()

	if count > len(l.Records) {
		count = len(l.Records)
	}
	result := make([]models.Message, count)
	if count == 0 {
		return result
	}

	head := 0
	if len(l.Records) == l.MaxRecords {
		head = (l.LastIndex + 1) % l.MaxRecords
	}
	offset := len(l.Records) - count
	startIdx := (head + offset) % len(l.Records)

	if startIdx+count <= len(l.Records) {
		copy(result, l.Records[startIdx:startIdx+count])
	} else {
		n1 := len(l.Records) - startIdx
		copy(result, l.Records[startIdx:])
		copy(result[n1:], l.Records[:count-n1])
	}
	return result
}

func (l *roomLog) Last() (models.Message, bool) {
	l.mux.RLock()
	defer l.mux.RUnlock()
	if l.LastIndex < 0 {
		return models.Message{}, false
	}
	return l.Records[l.LastIndex], true
}

// MarkRead flips the read flag of every message addressed to reader.
func (l *roomLog) MarkRead(reader string) int {
	l.mux.Lock()
	defer l.mux.Unlock()

	n := 0
	for i := range l.Records {
		if l.Records[i].Receiver == reader && !l.Records[i].Read {
			l.Records[i].Read = true
			n++
		}
	}
	return n
}

func (l *roomLog) other(userID string) string {
	for _, p := range l.Participants {
		if p.ID != userID {
			return p.ID
		}
	}
	return ""
}

func (l *roomLog) has(userID string) bool {
	for _, p := range l.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}
