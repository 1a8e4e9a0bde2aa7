package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ordercore:idem:"

// RedisStore claims keys with SET NX so that replicas share one view of in-flight requests.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	entry := Entry{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, Entry{}, err
	}
	redisKey := redisKeyPrefix + documentID(key)
	claimed, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
	if err != nil {
		return 0, Entry{}, fmt.Errorf("idempotency: redis setnx: %w", err)
	}
	if claimed {
		return OutcomeClaimed, entry, nil
	}

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the caller may retry.
		return OutcomeInFlight, Entry{}, nil
	}
	if err != nil {
		return 0, Entry{}, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var existing Entry
	if err := json.Unmarshal(raw, &existing); err != nil {
		return 0, Entry{}, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	outcome, err := decide(existing, true, fingerprint, now)
	if err != nil {
		return 0, Entry{}, err
	}
	if outcome == OutcomeClaimed {
		if err := s.client.Set(ctx, redisKey, payload, ttl).Err(); err != nil {
			return 0, Entry{}, fmt.Errorf("idempotency: redis set: %w", err)
		}
		return OutcomeClaimed, entry, nil
	}
	return outcome, existing, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.client.Set(ctx, redisKeyPrefix+documentID(key), payload, ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+documentID(key)).Err()
}
