package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"framegeist/internal/models"
)

const (
	// Redis key prefix for stream records
	streamKeyPrefix = "stream:"
	// Default TTL for stream records (24 hours)
	defaultTTL = 24 * time.Hour
	// Attempts before giving up on a contended key
	maxWatchRetries = 5
)

// RedisStore keeps the latest state of each stream in Redis so status can be
// answered after the in-memory session is gone. Writes use WATCH/MULTI/EXEC
// so concurrent workers fold events without losing updates.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed stream record store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *RedisStore) Name() string {
	return "redis"
}

// Publish folds the event into the stored record and refreshes its TTL.
func (s *RedisStore) Publish(ctx context.Context, event models.SessionEvent) error {
	key := s.key(event.SessionID)

	update := func(tx *redis.Tx) error {
		var record models.SessionRecord

		val, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(val), &record); err != nil {
				return err
			}
		}

		record.Apply(event)

		newVal, err := json.Marshal(&record)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("stream %s: too many concurrent updates", event.SessionID)
}

// GetSession returns the stored record, or models.ErrNotFound.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("stream %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var record models.SessionRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return streamKeyPrefix + id
}
