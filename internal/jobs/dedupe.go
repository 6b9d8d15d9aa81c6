package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DedupeStore tracks pending job keys. Claim succeeds only when no live
// claim for the key exists; Release frees the key once the job finished.
type DedupeStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type InMemoryDedupeStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

func NewInMemoryDedupeStore() *InMemoryDedupeStore {
	return &InMemoryDedupeStore{claims: make(map[string]time.Time)}
}

func (s *InMemoryDedupeStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("key is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAt, ok := s.claims[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.claims[key] = now.Add(ttl)
	return true, nil
}

func (s *InMemoryDedupeStore) Release(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}
