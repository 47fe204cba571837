package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router sends requests to a primary provider and walks an ordered
// fallback chain when the primary cannot start a reply.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	primary   string
	logger    *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register adds a provider. The first one registered becomes primary; the
// rest are tried in registration order.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID()]; !ok {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
	if r.primary == "" {
		r.primary = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()))
}

func (r *Router) SetPrimary(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = id
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

func (r *Router) ID() string { return "router" }

func (r *Router) chain() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	if p, ok := r.providers[r.primary]; ok {
		out = append(out, p)
	}
	for _, id := range r.order {
		if id != r.primary {
			out = append(out, r.providers[id])
		}
	}
	return out
}

func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var lastErr error = ErrNoProvider
	for _, p := range r.chain() {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("provider failed, trying next", zap.String("provider", p.ID()), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// ChatStream falls back only while opening the stream. Once chunks flow,
// errors are reported in the stream.
func (r *Router) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	var lastErr error = ErrNoProvider
	for _, p := range r.chain() {
		ch, err := p.ChatStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("provider stream failed, trying next", zap.String("provider", p.ID()), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}
