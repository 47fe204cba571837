package profile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a loaded profile is served from cache.
const DefaultCacheTTL = 5 * time.Second

type cacheEntry struct {
	profile  *LearnerProfile
	loadedAt time.Time
}

// CachedStore is a read-through cache in front of another Store.
// Concurrent misses for the same learner share one backend load.
type CachedStore struct {
	next    Store
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
	group   singleflight.Group
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewCachedStore wraps next with a TTL cache.
func NewCachedStore(next Store, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		logger:  logger,
	}
}

func (c *CachedStore) Load(ctx context.Context, learnerID string) (*LearnerProfile, error) {
	c.mu.Lock()
	e, ok := c.entries[learnerID]
	if ok && c.now().Sub(e.loadedAt) < c.ttl {
		c.mu.Unlock()
		return e.profile.Clone(), nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(learnerID, func() (interface{}, error) {
		p, err := c.next.Load(ctx, learnerID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[learnerID] = cacheEntry{profile: p, loadedAt: c.now()}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LearnerProfile).Clone(), nil
}

// CompareAndSwap writes through and drops the cached copy, so a retry after
// ErrConflict always reloads from the backend.
func (c *CachedStore) CompareAndSwap(ctx context.Context, learnerID string, expected int64, d Delta) (int64, error) {
	rev, err := c.next.CompareAndSwap(ctx, learnerID, expected, d)
	c.Invalidate(learnerID)
	if err != nil && !errors.Is(err, ErrConflict) {
		c.logger.Debug("profile write failed", zap.String("learner", learnerID), zap.Error(err))
	}
	return rev, err
}

// Invalidate removes a learner from the cache.
func (c *CachedStore) Invalidate(learnerID string) {
	c.mu.Lock()
	delete(c.entries, learnerID)
	c.mu.Unlock()
}
