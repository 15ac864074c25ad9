// Package versions keeps the linear, append-only content history of
// documents. Each version stores its full content and an audit diff
// against its predecessor; restoring appends a copy, nothing is ever
// rewritten or removed.
package versions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("version not found")
	ErrNoDocument      = errors.New("document id is required")
	ErrCrossDocument   = errors.New("versions belong to different documents")
	ErrDeleteForbidden = errors.New("versions are append-only and cannot be deleted")
)

type Version struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Sequence   int       `json:"sequence"`
	Content    string    `json:"content"`
	Diff       string    `json:"diff"`
	Author     string    `json:"author,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	// RestoredFrom is the sequence this version was restored from, zero for
	// ordinary saves.
	RestoredFrom int `json:"restoredFrom,omitempty"`
}

// BuildFunc derives the next version from the latest one, nil when the
// document has no history yet. Sequence is assigned by the store.
type BuildFunc func(prev *Version) (Version, error)

// Store persists versions. Append must serialize per document so sequence
// numbers are gapless and strictly increasing from 1.
type Store interface {
	Append(ctx context.Context, documentID string, build BuildFunc) (Version, error)
	Get(ctx context.Context, documentID string, seq int) (Version, error)
	// List returns the history in ascending sequence order.
	List(ctx context.Context, documentID string) ([]Version, error)
}

// MemoryStore keeps history in process.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]Version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]Version{}}
}

func (s *MemoryStore) Append(_ context.Context, documentID string, build BuildFunc) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.docs[documentID]
	var prev *Version
	if n := len(history); n > 0 {
		p := history[n-1]
		prev = &p
	}
	v, err := build(prev)
	if err != nil {
		return Version{}, err
	}
	v.DocumentID = documentID
	v.Sequence = len(history) + 1
	s.docs[documentID] = append(history, v)
	return v, nil
}

func (s *MemoryStore) Get(_ context.Context, documentID string, seq int) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.docs[documentID]
	if seq < 1 || seq > len(history) {
		return Version{}, ErrNotFound
	}
	return history[seq-1], nil
}

func (s *MemoryStore) List(_ context.Context, documentID string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Version(nil), s.docs[documentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
