// Package session runs one single-threaded actor per learner session. An
// actor coalesces telemetry into batches, evaluates them against the
// cognitive engine under a latency budget, emits interventions and schedule
// entries, and persists profile deltas through compare-and-swap.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/dispatch"
	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/signal"
)

var (
	ErrClosed      = errors.New("session: closed")
	ErrMailboxFull = errors.New("session: mailbox full")
)

// State is the actor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Evaluator is the cognitive engine as seen by an actor.
type Evaluator interface {
	Evaluate(in cognitive.Input) cognitive.Result
	Fallback(in cognitive.Input) cognitive.Result
}

// Snapshot is a point-in-time view of an actor.
type Snapshot struct {
	SessionID string                    `json:"session_id"`
	LearnerID string                    `json:"learner_id"`
	State     string                    `json:"state"`
	Profile   *profile.LearnerProfile   `json:"profile"`
	Events    []cognitive.StruggleEvent `json:"events"`
	Batches   int                       `json:"batches"`
	Degraded  int                       `json:"degraded"`
	Unsent    int                       `json:"unsent"`

	// MemoryOnly is set when the profile could not be loaded from the store.
	MemoryOnly bool `json:"memory_only"`
}

type ctlKind int

const (
	ctlSync ctlKind = iota
	ctlClose
	ctlDisconnect
)

type control struct {
	kind  ctlKind
	reply chan Snapshot
}

type envelope struct {
	sig *signal.Signal
	ctl *control
}

type unsentDelta struct {
	delta profile.Delta
	done  <-chan error
}

// Deps are the collaborators shared by all actors.
type Deps struct {
	Engine     Evaluator
	Store      profile.Store
	Persister  *Persister
	Dispatcher dispatch.Dispatcher
	Logger     *zap.Logger
	// OnExit runs after a session has terminated and left the table.
	OnExit func(sessionID string)
}

// Actor processes the signals of one session. All fields below the
// mailbox are owned by the run goroutine.
type Actor struct {
	id        string
	learnerID string
	tenantID  string
	cfg       Config
	deps      Deps
	logger    *zap.Logger

	mailbox   chan envelope
	state     atomic.Int32
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	onExit    func(*Actor)

	// sealed is set under tellMu once shutdown starts draining; no signal
	// enters the mailbox after that.
	tellMu sync.Mutex
	sealed bool

	profile    *profile.LearnerProfile
	memoryOnly bool
	pending    []signal.Signal
	window     *window
	atRisk     map[string]bool
	lastEmit   map[string]time.Time
	events     []cognitive.StruggleEvent
	unsent     []unsentDelta
	batches    int
	degraded   int
}

func newActor(sessionID, learnerID, tenantID string, cfg Config, deps Deps, onExit func(*Actor)) *Actor {
	cfg = cfg.withDefaults()
	a := &Actor{
		id:        sessionID,
		learnerID: learnerID,
		tenantID:  tenantID,
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With(zap.String("session", sessionID), zap.String("learner", learnerID)),
		mailbox:   make(chan envelope, cfg.MailboxSize),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
		onExit:    onExit,
		window:    newWindow(cfg.AssessmentWindow),
		atRisk:    make(map[string]bool),
		lastEmit:  make(map[string]time.Time),
	}
	go a.run()
	return a
}

func (a *Actor) ID() string { return a.id }

func (a *Actor) LearnerID() string { return a.learnerID }

func (a *Actor) State() State { return State(a.state.Load()) }

// Done is closed once the actor has terminated.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Tell delivers a signal without blocking.
func (a *Actor) Tell(s signal.Signal) error {
	a.tellMu.Lock()
	defer a.tellMu.Unlock()
	if a.sealed || a.State() >= StateClosing {
		return ErrClosed
	}
	select {
	case <-a.closing:
		return ErrClosed
	default:
	}
	select {
	case a.mailbox <- envelope{sig: &s}:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Sync flushes buffered signals immediately and returns a snapshot.
func (a *Actor) Sync(ctx context.Context) (Snapshot, error) {
	return a.ask(ctx, ctlSync)
}

// Close flushes pending state, persists unsent deltas and terminates the
// actor. An engine evaluation in flight is abandoned in favor of the
// rule-based fallback.
func (a *Actor) Close(ctx context.Context) (Snapshot, error) {
	a.closeOnce.Do(func() { close(a.closing) })
	snap, err := a.ask(ctx, ctlClose)
	if err != nil && !errors.Is(err, ErrClosed) {
		return snap, err
	}
	select {
	case <-a.done:
		return snap, nil
	case <-ctx.Done():
		return snap, ctx.Err()
	}
}

// Disconnect closes the session after the grace period unless a new
// signal arrives first.
func (a *Actor) Disconnect(ctx context.Context) error {
	_, err := a.ask(ctx, ctlDisconnect)
	return err
}

func (a *Actor) ask(ctx context.Context, kind ctlKind) (Snapshot, error) {
	c := &control{kind: kind, reply: make(chan Snapshot, 1)}
	select {
	case a.mailbox <- envelope{ctl: c}:
	case <-a.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-c.reply:
		return snap, nil
	case <-a.done:
		select {
		case snap := <-c.reply:
			return snap, nil
		default:
			return Snapshot{}, ErrClosed
		}
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (a *Actor) run() {
	defer func() {
		a.state.Store(int32(StateTerminated))
		if a.onExit != nil {
			a.onExit(a)
		}
		close(a.done)
	}()

	a.loadProfile()

	coalesce := time.NewTimer(a.cfg.CoalesceWindow)
	coalesce.Stop()
	idle := time.NewTimer(a.cfg.IdleTimeout)
	defer idle.Stop()
	grace := time.NewTimer(a.cfg.DisconnectGrace)
	grace.Stop()
	defer coalesce.Stop()
	defer grace.Stop()

	for {
		select {
		case env := <-a.mailbox:
			if env.sig != nil {
				if a.State() == StateIdle {
					a.state.Store(int32(StateActive))
				}
				a.pending = append(a.pending, *env.sig)
				if len(a.pending) == 1 {
					coalesce.Reset(a.cfg.CoalesceWindow)
				}
				idle.Reset(a.cfg.IdleTimeout)
				grace.Stop()
				continue
			}
			switch env.ctl.kind {
			case ctlSync:
				coalesce.Stop()
				a.flush()
				env.ctl.reply <- a.snapshot()
			case ctlDisconnect:
				a.logger.Info("session disconnected, awaiting reconnect", zap.Duration("grace", a.cfg.DisconnectGrace))
				grace.Reset(a.cfg.DisconnectGrace)
				env.ctl.reply <- a.snapshot()
			case ctlClose:
				a.shutdown("close")
				env.ctl.reply <- a.snapshot()
				return
			}
		case <-coalesce.C:
			a.flush()
		case <-idle.C:
			a.shutdown("idle timeout")
			return
		case <-grace.C:
			a.shutdown("disconnect")
			return
		}
	}
}

func (a *Actor) loadProfile() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FlushTimeout)
	defer cancel()
	p, err := a.deps.Store.Load(ctx, a.learnerID)
	switch {
	case err == nil:
		a.profile = p
	case errors.Is(err, profile.ErrNotFound):
		a.profile = profile.New(a.learnerID, a.tenantID, time.Now().UTC())
	default:
		a.profile = profile.New(a.learnerID, a.tenantID, time.Now().UTC())
		a.memoryOnly = true
		a.logger.Warn("profile store unavailable, running in memory-only mode",
			zap.String("reason", "store_unavailable"), zap.Error(err))
	}
}

// shutdown drains the mailbox, flushes pending signals and persists every
// unsent delta before the actor terminates.
func (a *Actor) shutdown(reason string) {
	a.tellMu.Lock()
	a.sealed = true
	a.state.Store(int32(StateClosing))
	a.tellMu.Unlock()
	a.closeOnce.Do(func() { close(a.closing) })

	for {
		select {
		case env := <-a.mailbox:
			if env.sig != nil {
				a.pending = append(a.pending, *env.sig)
			} else if env.ctl.kind != ctlClose {
				env.ctl.reply <- a.snapshot()
			} else {
				defer func(c *control) { c.reply <- a.snapshot() }(env.ctl)
			}
			continue
		default:
		}
		break
	}

	a.flush()
	a.persistUnsent()
	a.logger.Info("session closed",
		zap.String("reason", reason),
		zap.Int("batches", a.batches),
		zap.Int("degraded", a.degraded),
		zap.Int("struggle_events", len(a.events)))
}

func (a *Actor) flush() {
	if len(a.pending) == 0 {
		return
	}
	batch := a.pending
	a.pending = nil
	a.batches++

	now := batch[0].Timestamp
	week := 0
	touched := make(map[string]bool)
	for _, s := range batch {
		if s.Timestamp.After(now) {
			now = s.Timestamp
		}
		if w, ok := s.Week(); ok {
			week = w
		}
		a.window.add(s)
		if c := s.ConceptID(); c != "" {
			touched[c] = true
		}
	}
	if week == 0 {
		week = a.profile.Week(now)
	}

	metrics := make(map[string]cognitive.Metrics, len(touched))
	for c := range touched {
		if m, n := a.window.metrics(c, now); n >= a.cfg.MinSignals {
			metrics[c] = m
		}
	}

	in := cognitive.Input{
		Profile: a.profile.Clone(),
		Batch:   batch,
		Metrics: metrics,
		Week:    week,
		Now:     now,
	}
	res := a.evaluate(in)

	if !res.Delta.Empty() && res.Delta.Apply(a.profile, now) {
		a.persist(res.Delta)
	}
	a.assess(res.Assessments, now)
	a.checkIdle(batch)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FlushTimeout)
	defer cancel()
	for _, e := range res.Schedule {
		if err := a.deps.Dispatcher.Schedule(ctx, e); err != nil {
			a.logger.Warn("schedule dispatch failed", zap.String("concept", e.ConceptID), zap.Error(err))
		}
	}
	if len(res.Due) > 0 {
		a.logger.Debug("reviews due", zap.Strings("concepts", res.Due))
	}
}

// evaluate calls the engine under the latency budget. On timeout, or once
// the actor is closing, the rule-based fallback is used instead.
func (a *Actor) evaluate(in cognitive.Input) cognitive.Result {
	select {
	case <-a.closing:
		return a.deps.Engine.Fallback(in)
	default:
	}

	out := make(chan cognitive.Result, 1)
	go func() {
		out <- a.deps.Engine.Evaluate(in)
	}()

	timer := time.NewTimer(a.cfg.EngineBudget)
	defer timer.Stop()
	select {
	case res := <-out:
		return res
	case <-timer.C:
		a.degraded++
		a.logger.Warn("cognitive engine exceeded budget, using rule-based fallback",
			zap.String("reason", "timeout"),
			zap.Duration("budget", a.cfg.EngineBudget),
			zap.Int("signals", len(in.Batch)))
	case <-a.closing:
		a.logger.Debug("evaluation abandoned on close")
	}
	return a.deps.Engine.Fallback(in)
}

// assess emits one struggle event per concept on a false to true risk
// transition, at most once per cool-down.
func (a *Actor) assess(list []cognitive.Assessment, now time.Time) {
	for _, as := range list {
		was := a.atRisk[as.ConceptID]
		a.atRisk[as.ConceptID] = as.AtRisk
		if !as.AtRisk || was {
			continue
		}
		if !a.cooledDown(as.ConceptID, now) {
			a.logger.Debug("struggle suppressed by cool-down", zap.String("concept", as.ConceptID))
			continue
		}
		ev := cognitive.StruggleEvent{
			SessionID: a.id,
			LearnerID: a.learnerID,
			ConceptID: as.ConceptID,
			Severity:  as.Severity,
			Timestamp: now,
		}
		a.events = append(a.events, ev)
		a.intervene(dispatch.NewIntervention(a.id, a.learnerID, as.ConceptID, as.Severity, dispatch.TriggerStruggle, now))
	}
}

func (a *Actor) checkIdle(batch []signal.Signal) {
	for _, s := range batch {
		if s.Kind != signal.KindIdle || s.Duration() < a.cfg.IdleInterventionAfter {
			continue
		}
		c := s.ConceptID()
		key := "idle:" + c
		if !a.cooledDown(key, s.Timestamp) {
			continue
		}
		severity := min(1, s.Duration().Seconds()/a.cfg.IdleTimeout.Seconds())
		a.intervene(dispatch.NewIntervention(a.id, a.learnerID, c, severity, dispatch.TriggerIdle, s.Timestamp))
	}
}

// cooledDown reports whether key may fire at now and, if so, records it.
func (a *Actor) cooledDown(key string, now time.Time) bool {
	if last, ok := a.lastEmit[key]; ok && now.Sub(last) < a.cfg.Cooldown {
		return false
	}
	a.lastEmit[key] = now
	return true
}

func (a *Actor) intervene(iv dispatch.Intervention) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FlushTimeout)
	defer cancel()
	if err := a.deps.Dispatcher.Intervene(ctx, iv); err != nil {
		a.logger.Warn("intervention dispatch failed", zap.String("concept", iv.ConceptID), zap.Error(err))
	}
}

// persist hands a delta to the background persister, keeping it until the
// write is confirmed.
func (a *Actor) persist(d profile.Delta) {
	if a.deps.Persister == nil {
		return
	}
	a.pruneUnsent()
	u := unsentDelta{delta: d}
	if done, ok := a.deps.Persister.Enqueue(a.learnerID, d); ok {
		u.done = done
	}
	a.unsent = append(a.unsent, u)
}

func (a *Actor) pruneUnsent() {
	kept := a.unsent[:0]
	for _, u := range a.unsent {
		if u.done == nil {
			if done, ok := a.deps.Persister.Enqueue(a.learnerID, u.delta); ok {
				u.done = done
			}
			kept = append(kept, u)
			continue
		}
		select {
		case err := <-u.done:
			if err != nil {
				// the persister gave up; retry on close
				u.done = nil
				kept = append(kept, u)
			}
		default:
			kept = append(kept, u)
		}
	}
	a.unsent = kept
}

// persistUnsent waits for queued writes and writes the rest synchronously.
// Deltas carry their batch key, so a write that lands twice is ignored.
func (a *Actor) persistUnsent() {
	if a.deps.Persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FlushTimeout)
	defer cancel()
	for _, u := range a.unsent {
		if u.done != nil {
			select {
			case err := <-u.done:
				if err == nil {
					continue
				}
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			a.logger.Error("profile flush timed out", zap.Int("remaining", len(a.unsent)))
			return
		}
		if err := a.deps.Persister.Persist(ctx, a.learnerID, u.delta); err != nil {
			a.logger.Error("profile flush failed", zap.String("batch", u.delta.Key), zap.Error(err))
		}
	}
	a.unsent = nil
}

func (a *Actor) snapshot() Snapshot {
	if a.deps.Persister != nil {
		a.pruneUnsent()
	}
	return Snapshot{
		SessionID:  a.id,
		LearnerID:  a.learnerID,
		State:      a.State().String(),
		Profile:    a.profile.Clone(),
		Events:     append([]cognitive.StruggleEvent(nil), a.events...),
		Batches:    a.batches,
		Degraded:   a.degraded,
		Unsent:     len(a.unsent),
		MemoryOnly: a.memoryOnly,
	}
}
