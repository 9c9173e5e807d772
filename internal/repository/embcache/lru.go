package embcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kailas-cloud/therapist/internal/db"
)

// DefaultLRUSize bounds the in-process cache when no size is configured.
const DefaultLRUSize = 1024

// LRUStore is an in-process cache store used when no Redis is configured.
// The TTL is fixed at construction; per-call ttl values are ignored.
type LRUStore struct {
	cache *expirable.LRU[string, []byte]
}

// NewLRUStore creates a bounded store. ttl <= 0 disables expiry.
func NewLRUStore(size int, ttl time.Duration) *LRUStore {
	if size <= 0 {
		size = DefaultLRUSize
	}
	return &LRUStore{cache: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns db.ErrKeyNotFound on a miss.
func (s *LRUStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

// SetWithTTL stores value under key.
func (s *LRUStore) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.cache.Add(key, value)
	return nil
}

// Len reports the number of cached entries.
func (s *LRUStore) Len() int {
	return s.cache.Len()
}

// Ping always succeeds.
func (s *LRUStore) Ping(context.Context) error {
	return nil
}
