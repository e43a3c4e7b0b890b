// Package presence tracks which identities currently hold an open connection.
// The set is rebuilt from every server snapshot and is never persisted.
package presence

import (
	"slices"
	"sync"
	"time"

	"github.com/c-pro/geche"
)

type Tracker struct {
	mu     sync.RWMutex
	online geche.Geche[string, time.Time]
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		online: geche.NewMapCache[string, time.Time](),
		now:    time.Now,
	}
}

// Replace drops the current set and installs the snapshot.
func (t *Tracker) Replace(ids []string) {
	fresh := geche.NewMapCache[string, time.Time]()
	now := t.now()
	for _, id := range ids {
		if id != "" {
			fresh.Set(id, now)
		}
	}

	t.mu.Lock()
	t.online = fresh
	t.mu.Unlock()
}

// Set applies a single status change.
func (t *Tracker) Set(id string, online bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !online {
		_ = t.online.Del(id)
		return
	}
	if _, err := t.online.Get(id); err != nil {
		t.online.Set(id, t.now())
	}
}

func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, err := t.online.Get(id)
	return err == nil
}

// Since reports when id was first seen online in the current snapshot.
func (t *Tracker) Since(id string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	since, err := t.online.Get(id)
	return since, err == nil
}

// Online returns the sorted list of online identities.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	snapshot := t.online.Snapshot()
	t.mu.RUnlock()

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online.Len()
}

func (t *Tracker) Clear() {
	t.Replace(nil)
}
