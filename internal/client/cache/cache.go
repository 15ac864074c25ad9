// Package cache is the local durable cache of CRDT document state, one
// entry per room under a namespace bucket.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	ErrClosed = errors.New("cache closed")
	// ErrDestroyed is returned by Save once the handle's entry was destroyed.
	ErrDestroyed = errors.New("cache entry destroyed")
)

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Handle returns the entry for room inside namespace. Handles are cheap;
// the registry shares one per cache key.
func (s *Store) Handle(namespace, room string) *Handle {
	return &Handle{store: s, bucket: []byte(namespace), key: []byte(room)}
}

// Keys lists the rooms cached under namespace.
func (s *Store) Keys(namespace string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

type Handle struct {
	store  *Store
	bucket []byte
	key    []byte

	mu        sync.Mutex
	destroyed bool
}

// Key is the composite cache key, namespace:room.
func (h *Handle) Key() string {
	return string(h.bucket) + ":" + string(h.key)
}

// Load returns the cached state, or nil when nothing is cached.
func (h *Handle) Load() ([]byte, error) {
	var out []byte
	err := h.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(h.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get(h.key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil, ErrClosed
	}
	return out, err
}

// Save replaces the cached state. A late Save racing with Destroy never
// writes the entry back.
func (h *Handle) Save(state []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrDestroyed
	}
	err := h.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(h.bucket)
		if err != nil {
			return err
		}
		return b.Put(h.key, state)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// Destroy drops the cached state. Later saves through h fail with
// ErrDestroyed; a fresh handle for the same room starts over.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	err := h.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(h.bucket)
		if b == nil {
			return nil
		}
		return b.Delete(h.key)
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
