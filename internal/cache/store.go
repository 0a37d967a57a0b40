// Package cache holds short-lived copies of server entities. Stream events
// invalidate entries so the next read refetches.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/bidopsai/bidops-go/internal/domain"
)

const (
	DefaultSize = 128
	DefaultTTL  = 30 * time.Second
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Store is an LRU of entity values with a TTL. Safe for concurrent use.
type Store[V any] struct {
	cache  *lru.Cache[domain.EntityKey, entry[V]]
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
	logger *slog.Logger

	invalidations atomic.Int64
}

// New creates a Store. Non-positive size or ttl fall back to the defaults.
func New[V any](size int, ttl time.Duration, logger *slog.Logger) (*Store[V], error) {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c, err := lru.New[domain.EntityKey, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Store[V]{cache: c, ttl: ttl, now: time.Now, logger: logger}, nil
}

// Get returns a fresh value for key.
func (s *Store[V]) Get(key domain.EntityKey) (V, bool) {
	e, ok := s.cache.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if s.now().Sub(e.storedAt) >= s.ttl {
		s.cache.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key.
func (s *Store[V]) Put(key domain.EntityKey, value V) {
	s.cache.Add(key, entry[V]{value: value, storedAt: s.now()})
}

// Invalidate drops key. Missing keys are fine.
func (s *Store[V]) Invalidate(key domain.EntityKey) {
	if s.cache.Remove(key) {
		s.logger.Debug("cache entry invalidated", "key", key.String())
	}
	s.invalidations.Add(1)
}

// Invalidations returns how many invalidations were requested.
func (s *Store[V]) Invalidations() int64 {
	return s.invalidations.Load()
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (s *Store[V]) Len() int {
	return s.cache.Len()
}

// GetOrLoad returns the cached value or calls load once, even when several
// callers miss concurrently. Load errors are not cached.
func (s *Store[V]) GetOrLoad(ctx context.Context, key domain.EntityKey, load func(context.Context) (V, error)) (V, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}
	res, err, _ := s.group.Do(key.String(), func() (any, error) {
		if v, ok := s.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		s.Put(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
