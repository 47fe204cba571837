package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/mindpulse/internal/signal"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrLearnerChanged = errors.New("session: bound to another learner")
)

// Registry is the routing table from session id to live actor. It is the
// only place actors are created, and actors remove themselves on exit.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// NewRegistry creates an empty routing table.
func NewRegistry(cfg Config, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		actors: make(map[string]*Actor),
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
}

// Open starts an actor for the session, or returns the live one when the
// session is already open for the same learner.
func (r *Registry) Open(sessionID, learnerID, tenantID string) (*Actor, error) {
	a, _, err := r.GetOrCreate(sessionID, learnerID, tenantID)
	return a, err
}

// GetOrCreate returns the live actor for sessionID, starting one if absent.
func (r *Registry) GetOrCreate(sessionID, learnerID, tenantID string) (*Actor, bool, error) {
	if sessionID == "" || learnerID == "" {
		return nil, false, fmt.Errorf("open session: session and learner id are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[sessionID]; ok && a.State() < StateClosing {
		if a.learnerID != learnerID {
			return nil, false, fmt.Errorf("open session %s: %w", sessionID, ErrLearnerChanged)
		}
		return a, false, nil
	}
	a := newActor(sessionID, learnerID, tenantID, r.cfg, r.deps, r.evict)
	r.actors[sessionID] = a
	r.logger.Info("session opened", zap.String("session", sessionID), zap.String("learner", learnerID))
	return a, true, nil
}

// Get returns the live actor for sessionID.
func (r *Registry) Get(sessionID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[sessionID]
	if !ok || a.State() >= StateClosing {
		return nil, false
	}
	return a, true
}

// Close closes one session and waits for it to terminate.
func (r *Registry) Close(ctx context.Context, sessionID string) (Snapshot, error) {
	r.mu.Lock()
	a, ok := r.actors[sessionID]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return a.Close(ctx)
}

// Disconnect starts the disconnect grace period for a session.
func (r *Registry) Disconnect(ctx context.Context, sessionID string) error {
	a, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	return a.Disconnect(ctx)
}

// Len returns the number of actors in the table.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Shutdown closes every actor in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range actors {
		a := a
		g.Go(func() error {
			_, err := a.Close(ctx)
			return err
		})
	}
	return g.Wait()
}

// evict removes a terminated actor, unless the id has been reused.
func (r *Registry) evict(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.actors[a.id]; ok && cur == a {
		delete(r.actors, a.id)
	}
	if r.deps.OnExit != nil {
		go r.deps.OnExit(a.id)
	}
}

// Route returns the mailbox for a session. A session that is not open is
// started when learnerID is known; otherwise ErrNotFound is returned.
func (r *Registry) Route(sessionID, learnerID, tenantID string) (signal.Receiver, error) {
	if a, ok := r.Get(sessionID); ok {
		if learnerID != "" && learnerID != a.learnerID {
			return nil, fmt.Errorf("route %s: %w", sessionID, ErrLearnerChanged)
		}
		return a, nil
	}
	if learnerID == "" {
		return nil, ErrNotFound
	}
	a, _, err := r.GetOrCreate(sessionID, learnerID, tenantID)
	if err != nil {
		return nil, err
	}
	return a, nil
}
