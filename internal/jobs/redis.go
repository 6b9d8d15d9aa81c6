package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupeStore shares pending-job claims across processes so that
// overlapping sweeps from multiple control-plane instances still
// collapse per key.
type RedisDedupeStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisDedupeStore(client redis.Cmdable, prefix string) *RedisDedupeStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "drift:jobs"
	}
	return &RedisDedupeStore{client: client, prefix: normalized}
}

func (s *RedisDedupeStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("key is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ok, err := s.client.SetNX(ctx, s.claimKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe claim: %w", err)
	}
	return ok, nil
}

func (s *RedisDedupeStore) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	if err := s.client.Del(ctx, s.claimKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}

func (s *RedisDedupeStore) claimKey(key string) string {
	return s.prefix + ":claim:" + key
}
