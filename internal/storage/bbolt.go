package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"hsmpchat/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("meta")
	bucketRooms    = []byte("rooms")
	bucketMessages = []byte("messages")

	keyOwner = []byte("owner")
)

// BboltStorage is the offline snapshot of one identity's rooms and histories.
// Everything in it is a copy of server state and may be stale.
type BboltStorage struct {
	db *bbolt.DB
}

// NewBboltStorage opens the cache at path for owner. A cache written by a
// different identity is wiped.
func NewBboltStorage(path, owner string) (*BboltStorage, error) {
	if owner == "" {
		return nil, models.ErrEmptyIdentity
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if prev := meta.Get(keyOwner); prev != nil && !bytes.Equal(prev, []byte(owner)) {
			for _, name := range [][]byte{bucketRooms, bucketMessages} {
				if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
					return err
				}
			}
		}
		if err := meta.Put(keyOwner, []byte(owner)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRooms); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertRooms saves rooms, replacing stored copies with the same ID.
func (s *BboltStorage) UpsertRooms(rooms []models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		for _, r := range rooms {
			if r.ID == "" {
				return errors.New("room missing id")
			}
			dbRoom := newDBRoom(r)
			data, err := dbRoom.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal room: %w", err)
			}
			if err := b.Put(dbRoom.Key(), data); err != nil {
				return fmt.Errorf("failed to put room: %w", err)
			}
		}
		return nil
	})
}

// ListRooms returns all stored rooms in key order.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		return b.ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, dbRoom.Room())
			return nil
		})
	})
	return rooms, err
}

// UpsertMessages saves messages of one room. Re-saving a message overwrites
// it, so a later read flag wins.
func (s *BboltStorage) UpsertMessages(roomID string, messages []models.Message) error {
	if roomID == "" {
		return errors.New("messages missing roomID")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		mainMsgBucket := tx.Bucket(bucketMessages)
		roomBucket, err := mainMsgBucket.CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		for _, m := range messages {
			if m.RoomID != "" && m.RoomID != roomID {
				return fmt.Errorf("message %s belongs to room %s, not %s", m.ID, m.RoomID, roomID)
			}
			dbMessage := newDBMessage(m)
			dbMessage.RoomID = roomID
			data, err := dbMessage.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := roomBucket.Put(dbMessage.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// ListMessages returns up to limit of the newest messages of roomID, oldest
// first. A limit of zero or less returns everything.
func (s *BboltStorage) ListMessages(roomID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		mainMsgBucket := tx.Bucket(bucketMessages)
		roomBucket := mainMsgBucket.Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // No messages for this room
		}

		c := roomBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.Message())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
