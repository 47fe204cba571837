package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNotFound = errors.New("conversation: not found")

// Registry maps conversation ids to live actors. A conversation has at
// most one actor at a time.
type Registry struct {
	mu       sync.Mutex
	actors   map[string]*Actor
	shutdown bool
	cfg      Config
	deps     Deps
	logger   *zap.Logger
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	deps = deps.withDefaults()
	return &Registry{
		actors: make(map[string]*Actor),
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
}

func (r *Registry) getOrCreate(conversationID, learnerID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, ErrClosed
	}
	if a, ok := r.actors[conversationID]; ok && a.State() != StateClosed {
		if a.learnerID != learnerID {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrLearnerChanged)
		}
		return a, nil
	}
	a := newActor(conversationID, learnerID, r.cfg, r.deps, r.evict)
	r.actors[conversationID] = a
	r.logger.Info("conversation opened", zap.String("conversation", conversationID), zap.String("learner", learnerID))
	return a, nil
}

// Submit routes a turn to its conversation's actor, starting one if needed.
func (r *Registry) Submit(ctx context.Context, req Request) (<-chan Event, error) {
	if req.ConversationID == "" || req.LearnerID == "" {
		return nil, fmt.Errorf("%w: conversation and learner id are required", ErrInvalid)
	}
	// An actor may be closing on idle timeout as the turn arrives; one
	// retry lands on its replacement.
	for attempt := 0; ; attempt++ {
		a, err := r.getOrCreate(req.ConversationID, req.LearnerID)
		if err != nil {
			return nil, err
		}
		ch, err := a.Submit(ctx, req)
		if !errors.Is(err, ErrClosed) || attempt > 0 {
			return ch, err
		}
		select {
		case <-a.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) Get(conversationID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[conversationID]
	return a, ok
}

// Close stops one conversation, discarding any reply in flight.
func (r *Registry) Close(ctx context.Context, conversationID string) error {
	a, ok := r.Get(conversationID)
	if !ok {
		return ErrNotFound
	}
	return a.Close(ctx)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Shutdown closes every conversation and refuses new ones.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range actors {
		a := a
		g.Go(func() error { return a.Close(ctx) })
	}
	return g.Wait()
}

func (r *Registry) evict(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.actors[a.id]; ok && cur == a {
		delete(r.actors, a.id)
	}
}
