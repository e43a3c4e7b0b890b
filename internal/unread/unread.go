// Package unread counts messages received in rooms that are not on screen.
package unread

import (
	"sync"

	"hsmpchat/internal/models"
)

type Ledger struct {
	mu     sync.RWMutex
	counts map[string]int
}

func NewLedger() *Ledger {
	return &Ledger{counts: make(map[string]int)}
}

// Observe applies the increment rule: a message addressed to self in a room
// other than activeRoom bumps that room's counter. It reports whether it did.
func (l *Ledger) Observe(msg models.Message, self, activeRoom string) bool {
	if msg.Receiver != self || msg.RoomID == "" || msg.RoomID == activeRoom {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[msg.RoomID]++
	return true
}

func (l *Ledger) Reset(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, roomID)
}

// Count returns 0 for unknown rooms.
func (l *Ledger) Count(roomID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[roomID]
}

func (l *Ledger) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, n := range l.counts {
		total += n
	}
	return total
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = make(map[string]int)
}
