package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta          = []byte("meta")
	bucketSubscriptions = []byte("subscriptions")
	bucketWatches       = []byte("watches")

	keyCursor = []byte("cursor")
)

var ErrNotFound = errors.New("not found")

// Watch is a followed game. ChatID is the chat that asked for it and is
// informational: match events are broadcast to every admin.
type Watch struct {
	GameID string    `json:"game_id"`
	ChatID int64     `json:"chat_id"`
	Since  time.Time `json:"since"`
}

// Store persists the poll cursor, sensor subscriptions and game watches.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database and its buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketSubscriptions, bucketWatches} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// LoadCursor returns the committed poll cursor, or 0 if none was saved.
func (s *Store) LoadCursor() (int64, error) {
	var cursor int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyCursor)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt cursor value (%d bytes)", len(v))
		}
		cursor = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return cursor, err
}

// SaveCursor stores the poll cursor.
func (s *Store) SaveCursor(cursor int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(cursor))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCursor, buf)
	})
}

func subscriptionKey(sensor string, chatID int64) []byte {
	return []byte(sensor + "\x00" + strconv.FormatInt(chatID, 10))
}

// Subscribe records that chatID wants alerts from sensor.
func (s *Store) Subscribe(sensor string, chatID int64) error {
	return s.setSubscription(sensor, chatID, 1)
}

// Unsubscribe records an explicit opt-out, which overrides sensors that
// alert admins by default.
func (s *Store) Unsubscribe(sensor string, chatID int64) error {
	return s.setSubscription(sensor, chatID, 0)
}

func (s *Store) setSubscription(sensor string, chatID int64, v byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Put(subscriptionKey(sensor, chatID), []byte{v})
	})
}

// Subscription returns the recorded choice of chatID for sensor; found is
// false when the chat never chose.
func (s *Store) Subscription(sensor string, chatID int64) (on, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSubscriptions).Get(subscriptionKey(sensor, chatID))
		if len(v) == 0 {
			return nil
		}
		on, found = v[0] == 1, true
		return nil
	})
	return on, found, err
}

// IsSubscribed reports whether chatID explicitly follows sensor.
func (s *Store) IsSubscribed(sensor string, chatID int64) (bool, error) {
	on, _, err := s.Subscription(sensor, chatID)
	return on, err
}

// Subscribers returns the chats that explicitly follow sensor.
func (s *Store) Subscribers(sensor string) ([]int64, error) {
	prefix := []byte(sensor + "\x00")
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSubscriptions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(v) == 0 || v[0] != 1 {
				continue
			}
			id, err := strconv.ParseInt(string(k[len(prefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt subscription key %q: %w", k, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// PutWatch stores or replaces a game watch.
func (s *Store) PutWatch(w Watch) error {
	if w.GameID == "" {
		return fmt.Errorf("game id required")
	}
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWatches).Put([]byte(w.GameID), b)
	})
}

// DeleteWatch removes a game watch.
func (s *Store) DeleteWatch(gameID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatches)
		if b.Get([]byte(gameID)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(gameID))
	})
}

// Watches lists every stored watch ordered by game id.
func (s *Store) Watches() ([]Watch, error) {
	var out []Watch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWatches).ForEach(func(k, v []byte) error {
			var w Watch
			if err := json.Unmarshal(v, &w); err != nil {
				return fmt.Errorf("decode watch %s: %w", k, err)
			}
			out = append(out, w)
			return nil
		})
	})
	return out, err
}
