// Package conversation runs one actor per chat conversation. An actor
// serializes turns, assembles tutoring context from the learner profile,
// streams the inference reply back to the caller and degrades to canned
// answers when inference is unavailable.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/provider"
	"github.com/nidhogg/mindpulse/internal/ratelimit"
)

var (
	ErrClosed         = errors.New("conversation: closed")
	ErrMailboxFull    = errors.New("conversation: mailbox full")
	ErrLearnerChanged = errors.New("conversation: bound to another learner")
	ErrInvalid        = errors.New("conversation: invalid request")
)

// State is the actor lifecycle state.
type State int32

const (
	StateOpen State = iota
	StateStreaming
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Request is an inbound chat turn.
type Request struct {
	ConversationID string `json:"conversation_id"`
	LearnerID      string `json:"learner_id"`
	Message        string `json:"message"`
	PageContext    string `json:"page_context,omitempty"`
	Persona        string `json:"persona,omitempty"`
}

// Reply describes a completed assistant turn.
type Reply struct {
	TurnID    string   `json:"turn_id"`
	Content   string   `json:"content"`
	Persona   Persona  `json:"persona"`
	Tone      Tone     `json:"tone"`
	Cues      Cues     `json:"cues"`
	Rules     []string `json:"rules,omitempty"`
	TokenCost int      `json:"token_cost"`
	Fallback  bool     `json:"fallback,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Event is one element of a turn's output. Deltas arrive in order; the
// last event carries either Reply or Err, then the channel is closed.
type Event struct {
	Delta string
	Reply *Reply
	Err   error
}

// Deps are shared by all conversation actors. Provider, Profiles, Limiter
// and Turns may be nil.
type Deps struct {
	Provider provider.Provider
	Profiles profile.Store
	Engine   *cognitive.Engine
	Limiter  ratelimit.Limiter
	Turns    TurnStore
	FAQ      *FAQ
	Logger   *zap.Logger
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Engine == nil {
		d.Engine = cognitive.Default()
	}
	if d.FAQ == nil {
		d.FAQ = DefaultFAQ()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

type turnRequest struct {
	ctx     context.Context
	req     Request
	persona Persona
	events  chan Event
}

// Actor owns one conversation. history, persona and tone belong to the
// run goroutine.
type Actor struct {
	id        string
	learnerID string
	cfg       Config
	deps      Deps
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	mailbox chan *turnRequest

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	onExit func(*Actor)

	history *History
	persona Persona
	tone    Tone
}

func newActor(conversationID, learnerID string, cfg Config, deps Deps, onExit func(*Actor)) *Actor {
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		id:        conversationID,
		learnerID: learnerID,
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With(zap.String("conversation", conversationID), zap.String("learner", learnerID)),
		mailbox:   make(chan *turnRequest, cfg.MailboxSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		onExit:    onExit,
		history:   NewHistory(cfg.HistoryTurns),
		persona:   PersonaAdaptive,
		tone:      PersonaAdaptive.BaseTone(),
	}
	go a.run()
	return a
}

func (a *Actor) ID() string { return a.id }

func (a *Actor) LearnerID() string { return a.learnerID }

func (a *Actor) State() State { return State(a.state.Load()) }

// Done is closed once the actor has stopped.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Submit queues a turn. The returned channel yields the reply as it
// streams. Submit never blocks.
func (a *Actor) Submit(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalid)
	}
	var persona Persona
	if req.Persona != "" {
		p, err := ParsePersona(req.Persona)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		persona = p
	}
	tr := &turnRequest{ctx: ctx, req: req, persona: persona, events: make(chan Event, 64)}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	select {
	case a.mailbox <- tr:
		return tr.events, nil
	default:
		return nil, ErrMailboxFull
	}
}

// Close cancels any in-flight inference, discards its partial reply and
// stops the actor.
func (a *Actor) Close(ctx context.Context) error {
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) run() {
	defer func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.state.Store(int32(StateClosed))
		for drained := false; !drained; {
			select {
			case tr := <-a.mailbox:
				tr.events <- Event{Err: ErrClosed}
				close(tr.events)
			default:
				drained = true
			}
		}
		a.cancel()
		if a.onExit != nil {
			a.onExit(a)
		}
		close(a.done)
	}()

	a.restore()

	idle := time.NewTimer(a.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case tr := <-a.mailbox:
			a.handle(tr)
			idle.Reset(a.cfg.IdleTimeout)
		case <-idle.C:
			a.logger.Info("conversation idle, closing")
			return
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Actor) restore() {
	if a.deps.Turns == nil {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.StoreTimeout)
	defer cancel()
	turns, err := a.deps.Turns.RecentTurns(ctx, a.id, a.cfg.HistoryTurns)
	if err != nil {
		a.logger.Warn("load conversation history failed", zap.Error(err))
		return
	}
	for _, t := range turns {
		a.history.Append(t)
	}
}

func (a *Actor) handle(tr *turnRequest) {
	defer close(tr.events)
	now := a.deps.Now()

	if err := a.admit(tr.ctx, now); err != nil {
		a.send(tr, Event{Err: err})
		return
	}

	if tr.persona != "" && tr.persona != a.persona {
		a.persona = tr.persona
		a.tone = tr.persona.BaseTone()
	}
	prof := a.loadProfile()
	score := -1.0
	if prof != nil && prof.Personalized() {
		score = recentScore(prof)
	}
	cues := DetectCues(tr.req.Message, score)
	var fired []string
	if a.persona == PersonaAdaptive {
		a.tone, fired = Adapt(a.tone, cues)
	}

	msgs := buildMessages(promptInput{
		persona:     a.persona,
		tone:        a.tone,
		profile:     prof,
		engine:      a.deps.Engine,
		summary:     a.history.Summary(),
		recent:      a.history.Recent(),
		pageContext: tr.req.PageContext,
		message:     tr.req.Message,
		now:         now,
	})
	a.commit(Turn{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   tr.req.Message,
		TokenCost: EstimateTokens(tr.req.Message),
		CreatedAt: now,
	})

	a.state.Store(int32(StateStreaming))
	defer a.state.Store(int32(StateIdle))

	out := a.infer(tr, msgs)
	if out.canceled {
		select {
		case tr.events <- Event{Err: ErrClosed}:
		default:
		}
		return
	}

	reply := &Reply{
		TurnID:    uuid.NewString(),
		Content:   out.content,
		Persona:   a.persona,
		Tone:      a.tone,
		Cues:      cues,
		Rules:     fired,
		TokenCost: EstimateTokens(out.content),
		Fallback:  out.fallback,
		Truncated: out.truncated,
	}
	a.commit(Turn{
		ID:        reply.TurnID,
		Role:      RoleAssistant,
		Content:   out.content,
		TokenCost: reply.TokenCost,
		CreatedAt: a.deps.Now(),
		Truncated: out.truncated,
		Fallback:  out.fallback,
	})
	a.charge(promptTokens(msgs)+reply.TokenCost, now)
	a.send(tr, Event{Reply: reply})
}

// admit consults the rate limiter. A limiter that cannot be reached does
// not block the turn.
func (a *Actor) admit(ctx context.Context, now time.Time) error {
	if a.deps.Limiter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	d, err := a.deps.Limiter.Allow(ctx, a.learnerID, now)
	if err != nil {
		a.logger.Warn("rate limiter unavailable, admitting turn", zap.Error(err))
		return nil
	}
	return d.Err()
}

func (a *Actor) charge(tokens int, now time.Time) {
	if a.deps.Limiter == nil || tokens <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
	defer cancel()
	if err := a.deps.Limiter.AddTokens(ctx, a.learnerID, int64(tokens), now); err != nil {
		a.logger.Warn("charge tokens failed", zap.Int("tokens", tokens), zap.Error(err))
	}
}

func (a *Actor) loadProfile() *profile.LearnerProfile {
	if a.deps.Profiles == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.StoreTimeout)
	defer cancel()
	p, err := a.deps.Profiles.Load(ctx, a.learnerID)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			a.logger.Warn("load profile failed, replying without personalization", zap.Error(err))
		}
		return nil
	}
	return p
}

func (a *Actor) commit(t Turn) {
	t.ConversationID = a.id
	t.LearnerID = a.learnerID
	a.history.Append(t)
	if a.deps.Turns == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
	defer cancel()
	if err := a.deps.Turns.AppendTurn(ctx, t); err != nil {
		a.logger.Warn("append turn failed", zap.String("turn", t.ID), zap.Error(err))
	}
}

type inference struct {
	content   string
	fallback  bool
	truncated bool
	canceled  bool
}

// infer streams the reply under the inference timeout. Without any content
// the FAQ answer is used; a partial reply is kept and marked truncated.
func (a *Actor) infer(tr *turnRequest, msgs []provider.Message) inference {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.InferenceTimeout)
	defer cancel()
	stop := context.AfterFunc(tr.ctx, cancel)
	defer stop()

	var (
		buf    strings.Builder
		reason error
	)
	if a.deps.Provider == nil {
		reason = provider.ErrNoProvider
	} else {
		reason = a.stream(ctx, tr, msgs, &buf)
	}
	if reason == nil {
		return inference{content: buf.String()}
	}
	if a.ctx.Err() != nil {
		a.logger.Info("turn canceled by close", zap.Int("discarded_chars", buf.Len()))
		return inference{canceled: true}
	}

	if buf.Len() > 0 {
		a.logger.Warn("degraded reply", zap.String("reason", "truncated"), zap.Error(reason))
		return inference{content: buf.String(), truncated: true}
	}
	a.logger.Warn("degraded reply", zap.String("reason", "fallback"), zap.Error(reason))
	answer := a.deps.FAQ.Answer(tr.req.Message)
	a.send(tr, Event{Delta: answer})
	return inference{content: answer, fallback: true}
}

func (a *Actor) stream(ctx context.Context, tr *turnRequest, msgs []provider.Message, buf *strings.Builder) error {
	ch, err := a.deps.Provider.ChatStream(ctx, &provider.ChatRequest{
		Messages:    msgs,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		return err
	}
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			if chunk.Err != nil {
				return chunk.Err
			}
			if chunk.Content != "" {
				buf.WriteString(chunk.Content)
				a.send(tr, Event{Delta: chunk.Content})
			}
			if chunk.Done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// send delivers an event unless the caller has gone away.
func (a *Actor) send(tr *turnRequest, ev Event) {
	select {
	case tr.events <- ev:
	case <-tr.ctx.Done():
	case <-a.ctx.Done():
	}
}
