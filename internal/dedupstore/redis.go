// Package dedupstore provides a Redis-backed implementation of
// batching.MessageStore, so processed message identities survive process
// restarts instead of only living in memory.
package dedupstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaybatch/dispatch-engine/pkg/logger"
)

// RedisInterface is the minimal surface this store depends on, narrowed
// from redis.UniversalClient so tests can substitute miniredis or a mock
// without pulling in the full client contract.
type RedisInterface interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store marks a message as processed with a SETNX, so concurrent commits
// for the same (userID, messageID) race safely: only the first succeeds,
// which is all dedup needs.
type Store struct {
	client RedisInterface
	ttl    time.Duration
	prefix string
}

// DefaultTTL bounds how long a processed-message marker is retained. It
// only needs to outlive the window in which a duplicate could plausibly be
// redelivered, not forever.
const DefaultTTL = 24 * time.Hour

// New builds a Store. A zero ttl falls back to DefaultTTL.
func New(client RedisInterface, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, prefix: "dispatch:dedup:"}
}

func (s *Store) key(userID, messageID string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, userID, messageID)
}

// HasProcessed reports whether messageID has a marker recorded for userID.
func (s *Store) HasProcessed(ctx context.Context, userID, messageID string) (bool, error) {
	_, err := s.client.Get(ctx, s.key(userID, messageID)).Result()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	logger.FromContext(ctx).
		With("user_id", userID, "message_id", messageID, "error", err).
		Warn("dedup store GET failed")
	return false, err
}

// MarkProcessed records messageID as processed for userID. A marker that
// already exists (the SETNX returning false) is not an error: the message
// was already committed, possibly by a concurrent dispatch.
func (s *Store) MarkProcessed(ctx context.Context, userID, messageID string) error {
	_, err := s.client.SetNX(ctx, s.key(userID, messageID), 1, s.ttl).Result()
	if err != nil {
		logger.FromContext(ctx).
			With("user_id", userID, "message_id", messageID, "error", err).
			Warn("dedup store SETNX failed")
	}
	return err
}
