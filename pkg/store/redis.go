package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultSnapshotTTL is how long a Redis snapshot lives without being
// refreshed by a save.
const DefaultSnapshotTTL = 24 * time.Hour

// RedisStore keeps snapshots in Redis under a key prefix, with a TTL
// refreshed on every save.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "coedit:room:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: DefaultSnapshotTTL}
}

// WithTTL overrides the snapshot TTL. A zero duration disables expiry.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	s.ttl = ttl
	return s
}

func (s *RedisStore) key(roomID string) string {
	return s.prefix + roomID
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	state, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis load %s: %w", roomID, err)
	}
	return state, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, roomID string, state []byte) error {
	if err := s.client.Set(ctx, s.key(roomID), state, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: redis save %s: %w", roomID, err)
	}
	return nil
}
