package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound         = errors.New("profile: not found")
	ErrConflict         = errors.New("profile: revision conflict")
	ErrBusy             = errors.New("profile: busy")
	ErrStoreUnavailable = errors.New("profile: store unavailable")
)

// DefaultMaxRetries bounds local CAS retries before surfacing ErrBusy.
const DefaultMaxRetries = 3

// Store is the durable, versioned profile store. All mutations go through
// CompareAndSwap. An expected revision of 0 means "profile does not exist
// yet"; the store then creates it from New and applies the delta.
type Store interface {
	Load(ctx context.Context, learnerID string) (*LearnerProfile, error)
	CompareAndSwap(ctx context.Context, learnerID string, expectedRevision int64, d Delta) (int64, error)
}

// Update applies d to the learner's profile, reloading and retrying on
// conflict up to maxRetries times.
func Update(ctx context.Context, s Store, learnerID string, d Delta, maxRetries int) (int64, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var expected int64
		p, err := s.Load(ctx, learnerID)
		switch {
		case errors.Is(err, ErrNotFound):
			expected = 0
		case err != nil:
			return 0, fmt.Errorf("load profile %s: %w", learnerID, err)
		default:
			expected = p.Revision
		}

		rev, err := s.CompareAndSwap(ctx, learnerID, expected, d)
		if err == nil {
			return rev, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, fmt.Errorf("update profile %s: %w", learnerID, err)
		}
	}
	return 0, fmt.Errorf("update profile %s after %d retries: %w", learnerID, maxRetries, ErrBusy)
}

// Retire soft-retires a learner's profile on consent withdrawal.
func Retire(ctx context.Context, s Store, learnerID string) (int64, error) {
	return Update(ctx, s, learnerID, Delta{Retire: true}, DefaultMaxRetries)
}

// MemoryStore is an in-process Store. Profiles are copied on every read and
// write so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*LearnerProfile
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*LearnerProfile),
		now:      time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, learnerID string) (*LearnerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[learnerID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, learnerID string, expected int64, d Delta) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.profiles[learnerID]
	switch {
	case !ok && expected != 0:
		return 0, ErrConflict
	case ok && cur.Revision != expected:
		return 0, ErrConflict
	}

	var next *LearnerProfile
	if ok {
		next = cur.Clone()
	} else {
		next = New(learnerID, d.TenantID, now)
	}
	if !d.Apply(next, now) && ok {
		return cur.Revision, nil
	}
	next.Revision = expected + 1
	s.profiles[learnerID] = next
	return next.Revision, nil
}
