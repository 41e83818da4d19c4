// Package store is the persistence bridge for room snapshots. A
// snapshot is an opaque blob; no format or durability guarantee beyond
// save/load is made here. Implementations are safe for concurrent use
// across rooms.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when no snapshot exists for a room.
var ErrNotFound = errors.New("store: snapshot not found")

// Store saves and loads opaque room snapshots.
type Store interface {
	// Load returns the snapshot for a room, or ErrNotFound.
	Load(ctx context.Context, roomID string) ([]byte, error)

	// Save persists a snapshot, replacing any previous one. Saving is
	// best-effort and periodic; a failed save is retried next cycle.
	Save(ctx context.Context, roomID string, state []byte) error
}

// MemoryStore keeps snapshots in process memory. It is the default for
// development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, roomID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.snapshots[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(state))
	copy(cp, state)
	return cp, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, roomID string, state []byte) error {
	cp := make([]byte, len(state))
	copy(cp, state)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[roomID] = cp
	return nil
}
