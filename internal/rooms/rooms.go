// Package rooms keeps the local list of conversation rooms of one identity.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"hsmpchat/internal/content"
	"hsmpchat/internal/models"

	"golang.org/x/sync/singleflight"
)

type API interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	GetOrCreateRoom(ctx context.Context, other string) (models.Room, error)
}

// Directory is always sorted by UpdatedAt, newest first.
type Directory struct {
	self   string
	api    API
	logger *slog.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	rooms []models.Room
	// gen counts local upserts; changed maps a room id to the gen of its last upsert.
	gen     uint64
	changed map[string]uint64
}

func NewDirectory(self string, api API, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{self: self, api: api, logger: logger, changed: make(map[string]uint64)}
}

// Load replaces the local list with the server's. Concurrent calls share one request.
// Rooms upserted locally while the request was in flight are kept.
// On failure the local list is left as it was.
func (d *Directory) Load(ctx context.Context) ([]models.Room, error) {
	v, err, _ := d.group.Do("rooms", func() (any, error) {
		d.mu.RLock()
		started := d.gen
		d.mu.RUnlock()

		rooms, err := d.api.ListRooms(ctx)
		if err != nil {
			return nil, &models.FetchError{Op: "load rooms", Err: err}
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		merged := d.mergeLocked(slices.Clone(rooms), started)
		sortRooms(merged)
		d.rooms = merged
		return slices.Clone(merged), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Room), nil
}

// mergeLocked folds rooms upserted after the load started into fetched.
func (d *Directory) mergeLocked(fetched []models.Room, started uint64) []models.Room {
	for id, gen := range d.changed {
		if gen <= started {
			delete(d.changed, id)
			continue
		}
		i := d.indexLocked(id)
		if i < 0 {
			continue
		}
		local := d.rooms[i]
		j := slices.IndexFunc(fetched, func(r models.Room) bool { return r.ID == id })
		switch {
		case j < 0:
			fetched = append(fetched, local)
		case local.UpdatedAt.After(fetched[j].UpdatedAt):
			fetched[j].UpdatedAt = local.UpdatedAt
			fetched[j].LastMessage = local.LastMessage
		}
	}
	return fetched
}

func (d *Directory) markLocked(roomID string) {
	d.gen++
	d.changed[roomID] = d.gen
}

// GetOrCreate returns the room shared with other. Asking twice for the same
// counterpart never duplicates the room locally.
func (d *Directory) GetOrCreate(ctx context.Context, other string) (models.Room, error) {
	if err := content.ValidateIdentity(other); err != nil {
		return models.Room{}, err
	}
	if other == d.self {
		return models.Room{}, models.ErrSelfConversation
	}

	room, err := d.api.GetOrCreateRoom(ctx, other)
	if err != nil {
		return models.Room{}, &models.FetchError{Op: "get or create room", Err: err}
	}
	if room.ID == "" {
		return models.Room{}, &models.FetchError{Op: "get or create room", Err: fmt.Errorf("server returned a room without id")}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(room.ID); i >= 0 {
		d.rooms[i] = room
	} else {
		d.rooms = append(d.rooms, room)
	}
	d.markLocked(room.ID)
	sortRooms(d.rooms)
	return room, nil
}

// Touch records msg as the last message of roomID. It reports false when the
// room is not known locally.
func (d *Directory) Touch(roomID string, msg models.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(roomID)
	if i < 0 {
		return false
	}
	m := msg
	d.rooms[i].LastMessage = &m
	if msg.CreatedAt.After(d.rooms[i].UpdatedAt) {
		d.rooms[i].UpdatedAt = msg.CreatedAt
	}
	d.markLocked(roomID)
	sortRooms(d.rooms)
	return true
}

// UpsertOnIncomingMessage touches a known room or resynchronizes the whole
// list when the room is new to us.
func (d *Directory) UpsertOnIncomingMessage(ctx context.Context, roomID string, msg models.Message) error {
	if d.Touch(roomID, msg) {
		return nil
	}

	d.logger.Info("message for unknown room, reloading rooms", "room", roomID)
	_, err := d.Load(ctx)
	return err
}

func (d *Directory) Rooms() []models.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.rooms)
}

func (d *Directory) Get(roomID string) (models.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.indexLocked(roomID); i >= 0 {
		return d.rooms[i], true
	}
	return models.Room{}, false
}

// Seed installs rooms from a local snapshot without contacting the server.
func (d *Directory) Seed(rooms []models.Room) {
	sorted := slices.Clone(rooms)
	sortRooms(sorted)

	d.mu.Lock()
	d.rooms = sorted
	clear(d.changed)
	d.mu.Unlock()
}

func (d *Directory) Clear() {
	d.mu.Lock()
	d.rooms = nil
	clear(d.changed)
	d.mu.Unlock()
}

func (d *Directory) indexLocked(roomID string) int {
	return slices.IndexFunc(d.rooms, func(r models.Room) bool { return r.ID == roomID })
}

func sortRooms(rooms []models.Room) {
	slices.SortStableFunc(rooms, func(a, b models.Room) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}
