// Package gateway validates inbound telemetry and routes it to Session
// Actors. It never evaluates signals itself and never blocks on I/O.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/audit"
	"github.com/nidhogg/mindpulse/internal/session"
	"github.com/nidhogg/mindpulse/internal/signal"
)

// Reason explains a rejection.
type Reason string

const (
	ReasonInvalid        Reason = "invalid"
	ReasonStale          Reason = "stale"
	ReasonFuture         Reason = "future"
	ReasonUnknownSession Reason = "unknown_session"
	ReasonBackpressure   Reason = "backpressure"
)

var reasons = []Reason{ReasonInvalid, ReasonStale, ReasonFuture, ReasonUnknownSession, ReasonBackpressure}

// Verdict is the result of Ingest.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func accepted() Verdict { return Verdict{Accepted: true} }

func rejected(r Reason, detail string) Verdict {
	return Verdict{Reason: r, Detail: detail}
}

// Router resolves a session id to its actor mailbox.
type Router interface {
	Route(sessionID, learnerID, tenantID string) (signal.Receiver, error)
}

// Config tunes ingestion.
type Config struct {
	// SkewTolerance is how far behind the latest accepted timestamp of a
	// session a signal may be before it is rejected as stale.
	SkewTolerance time.Duration
	// MaxFutureSkew is how far ahead of the server clock a signal may be.
	MaxFutureSkew time.Duration
}

const (
	DefaultSkewTolerance = 2 * time.Second
	DefaultMaxFutureSkew = 5 * time.Second
)

type sessionClock struct {
	mu   sync.Mutex
	last time.Time
}

// Gateway is safe for concurrent use. Signals of one session are
// serialized so timestamp checks and routing happen in arrival order.
type Gateway struct {
	router Router
	sink   audit.Sink
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionClock

	accepted atomic.Int64
	rejected map[Reason]*atomic.Int64
}

// New creates a gateway. sink may be nil.
func New(router Router, sink audit.Sink, cfg Config, logger *zap.Logger) *Gateway {
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = DefaultSkewTolerance
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = DefaultMaxFutureSkew
	}
	if sink == nil {
		sink = audit.Discard{}
	}
	g := &Gateway{
		router:   router,
		sink:     sink,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		sessions: make(map[string]*sessionClock),
		rejected: make(map[Reason]*atomic.Int64, len(reasons)),
	}
	for _, r := range reasons {
		g.rejected[r] = new(atomic.Int64)
	}
	return g
}

// Ingest validates s and hands it to the session's actor.
func (g *Gateway) Ingest(ctx context.Context, s signal.Signal) Verdict {
	s = normalize(s)
	v := g.ingest(ctx, s)
	if v.Accepted {
		g.accepted.Add(1)
	} else {
		g.rejected[v.Reason].Add(1)
		g.logger.Debug("signal rejected",
			zap.String("session", s.SessionID),
			zap.String("reason", string(v.Reason)),
			zap.String("detail", v.Detail))
	}
	return v
}

func (g *Gateway) ingest(ctx context.Context, s signal.Signal) Verdict {
	if err := signal.Validate(s); err != nil {
		return rejected(ReasonInvalid, err.Error())
	}
	if s.Timestamp.After(g.now().Add(g.cfg.MaxFutureSkew)) {
		return rejected(ReasonFuture, "timestamp ahead of server clock")
	}

	clk := g.lockClock(s.SessionID)
	v := g.deliver(ctx, s, clk)
	if !v.Accepted && clk.last.IsZero() {
		// Nothing was ever accepted for this id, so no actor will end it.
		g.dropClock(s.SessionID, clk)
	}
	clk.mu.Unlock()
	return v
}

// deliver runs with clk locked.
func (g *Gateway) deliver(ctx context.Context, s signal.Signal, clk *sessionClock) Verdict {
	if !clk.last.IsZero() && s.Timestamp.Before(clk.last.Add(-g.cfg.SkewTolerance)) {
		return rejected(ReasonStale, "older than skew tolerance")
	}

	rcv, err := g.router.Route(s.SessionID, s.Context[signal.CtxLearnerID], s.Context[signal.CtxTenantID])
	switch {
	case errors.Is(err, session.ErrNotFound):
		return rejected(ReasonUnknownSession, "")
	case errors.Is(err, session.ErrLearnerChanged):
		return rejected(ReasonInvalid, "session belongs to another learner")
	case err != nil:
		return rejected(ReasonInvalid, err.Error())
	}

	switch err := rcv.Tell(s); {
	case errors.Is(err, session.ErrMailboxFull):
		return rejected(ReasonBackpressure, "")
	case errors.Is(err, session.ErrClosed):
		return rejected(ReasonUnknownSession, "session closed")
	case err != nil:
		return rejected(ReasonInvalid, err.Error())
	}

	if s.Timestamp.After(clk.last) {
		clk.last = s.Timestamp
	}
	if err := g.sink.Record(ctx, s); err != nil {
		g.logger.Warn("audit record failed", zap.String("session", s.SessionID), zap.Error(err))
	}
	return accepted()
}

func (g *Gateway) clock(sessionID string) *sessionClock {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.sessions[sessionID]
	if !ok {
		c = &sessionClock{}
		g.sessions[sessionID] = c
	}
	return c
}

// lockClock returns the locked clock currently registered for sessionID.
func (g *Gateway) lockClock(sessionID string) *sessionClock {
	for {
		c := g.clock(sessionID)
		c.mu.Lock()
		g.mu.Lock()
		cur := g.sessions[sessionID]
		g.mu.Unlock()
		if cur == c {
			return c
		}
		c.mu.Unlock()
	}
}

func (g *Gateway) dropClock(sessionID string, c *sessionClock) {
	g.mu.Lock()
	if g.sessions[sessionID] == c {
		delete(g.sessions, sessionID)
	}
	g.mu.Unlock()
}

// EndSession drops per-session state and closes the session's audit trail.
func (g *Gateway) EndSession(ctx context.Context, sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
	if err := g.sink.EndSession(ctx, sessionID); err != nil {
		g.logger.Warn("audit flush failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// Stats are ingestion counters since start.
type Stats struct {
	Accepted int64            `json:"accepted"`
	Rejected map[Reason]int64 `json:"rejected"`
}

func (g *Gateway) Stats() Stats {
	st := Stats{Accepted: g.accepted.Load(), Rejected: make(map[Reason]int64, len(reasons))}
	for r, n := range g.rejected {
		st.Rejected[r] = n.Load()
	}
	return st
}

func normalize(s signal.Signal) signal.Signal {
	s.SessionID = strings.TrimSpace(s.SessionID)
	s.Kind = signal.Kind(strings.ToLower(strings.TrimSpace(string(s.Kind))))
	s.Timestamp = s.Timestamp.UTC()
	if len(s.Context) > 0 {
		ctx := make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			ctx[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		s.Context = ctx
	}
	return s
}
