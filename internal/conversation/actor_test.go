package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/provider"
	"github.com/nidhogg/mindpulse/internal/ratelimit"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type script func(ctx context.Context, ch chan<- provider.StreamChunk)

type scriptedProvider struct {
	mu       sync.Mutex
	requests []*provider.ChatRequest
	script   script
	started  chan struct{}
}

func newScripted(s script) *scriptedProvider {
	return &scriptedProvider{script: s, started: make(chan struct{}, 16)}
}

func (p *scriptedProvider) ID() string { return "scripted" }

func (p *scriptedProvider) Chat(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	p.started <- struct{}{}
	ch := make(chan provider.StreamChunk)
	go func() {
		defer close(ch)
		p.script(ctx, ch)
	}()
	return ch, nil
}

func (p *scriptedProvider) request(i int) *provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func emit(ctx context.Context, ch chan<- provider.StreamChunk, c provider.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func words(parts ...string) script {
	return func(ctx context.Context, ch chan<- provider.StreamChunk) {
		for _, p := range parts {
			if !emit(ctx, ch, provider.StreamChunk{Content: p}) {
				return
			}
		}
		emit(ctx, ch, provider.StreamChunk{Done: true})
	}
}

func hang(ctx context.Context, _ chan<- provider.StreamChunk) {
	<-ctx.Done()
}

type result struct {
	text  string
	reply *Reply
	err   error
}

func drain(t *testing.T, ch <-chan Event) result {
	t.Helper()
	var r result
	var b strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				r.text = b.String()
				return r
			}
			b.WriteString(ev.Delta)
			if ev.Reply != nil {
				r.reply = ev.Reply
			}
			if ev.Err != nil {
				r.err = ev.Err
			}
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

func newTestRegistry(t *testing.T, cfg Config, deps Deps) *Registry {
	t.Helper()
	if deps.Now == nil {
		deps.Now = func() time.Time { return t0 }
	}
	deps.Logger = zap.NewNop()
	r := NewRegistry(cfg, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return r
}

func ask(conv, msg string) Request {
	return Request{ConversationID: conv, LearnerID: "learner-1", Message: msg}
}

func TestTurnStreamsAndPersists(t *testing.T) {
	turns := NewMemoryTurns()
	prov := newScripted(words("Spacing ", "helps ", "memory."))
	r := newTestRegistry(t, Config{}, Deps{Provider: prov, Turns: turns})

	ch, err := r.Submit(context.Background(), ask("c1", "Why space reviews?"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := drain(t, ch)
	if res.err != nil {
		t.Fatalf("turn error: %v", res.err)
	}
	if res.text != "Spacing helps memory." || res.reply.Content != res.text {
		t.Fatalf("unexpected reply %q / %+v", res.text, res.reply)
	}
	if res.reply.Fallback || res.reply.Truncated {
		t.Errorf("expected clean reply, got %+v", res.reply)
	}

	stored, _ := turns.RecentTurns(context.Background(), "c1", 0)
	if len(stored) != 2 || stored[0].Role != RoleUser || stored[1].Role != RoleAssistant {
		t.Fatalf("unexpected stored turns %+v", stored)
	}
	if stored[1].TokenCost != EstimateTokens("Spacing helps memory.") {
		t.Errorf("unexpected token cost %d", stored[1].TokenCost)
	}

	a, _ := r.Get("c1")
	if s := a.State(); s != StateIdle {
		t.Errorf("expected idle after turn, got %s", s)
	}
}

func TestTurnsAreSerialAndCarryHistory(t *testing.T) {
	prov := newScripted(words("answer"))
	r := newTestRegistry(t, Config{}, Deps{Provider: prov})
	ctx := context.Background()

	first, err := r.Submit(ctx, ask("c1", "first question"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := r.Submit(ctx, ask("c1", "second question"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, first)
	drain(t, second)

	req := prov.request(1)
	var roles []string
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	want := "system,user,assistant,user"
	if got := strings.Join(roles, ","); got != want {
		t.Fatalf("expected roles %s, got %s", want, got)
	}
	if req.Messages[1].Content != "first question" || req.Messages[3].Content != "second question" {
		t.Errorf("turns out of order: %+v", req.Messages)
	}
}

func TestRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemory(ratelimit.Limits{MessagesPerMinute: 1})
	r := newTestRegistry(t, Config{}, Deps{Provider: newScripted(words("ok")), Limiter: limiter})
	ctx := context.Background()

	ch, _ := r.Submit(ctx, ask("c1", "one"))
	if res := drain(t, ch); res.err != nil {
		t.Fatalf("first turn: %v", res.err)
	}
	ch, _ = r.Submit(ctx, ask("c1", "two"))
	res := drain(t, ch)
	var rl *ratelimit.RateLimitedError
	if !errors.As(res.err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", res.err)
	}
	if !rl.ResetAt.Equal(t0.Add(ratelimit.Window)) {
		t.Errorf("unexpected reset_at %v", rl.ResetAt)
	}
	if limiter.Usage("learner-1", t0) == 0 {
		t.Error("expected tokens charged for the first turn")
	}
}

func TestInferenceTimeoutFallsBackToFAQ(t *testing.T) {
	faq := &FAQ{Default: "default", Entries: []FAQEntry{{Keywords: []string{"quiz"}, Answer: "quiz tip"}}}
	r := newTestRegistry(t, Config{InferenceTimeout: 20 * time.Millisecond}, Deps{Provider: newScripted(hang), FAQ: faq})

	ch, _ := r.Submit(context.Background(), ask("c1", "how do I prepare for the quiz"))
	res := drain(t, ch)
	if res.err != nil {
		t.Fatalf("fallback must not fail the turn: %v", res.err)
	}
	if !res.reply.Fallback || res.text != "quiz tip" {
		t.Fatalf("expected FAQ fallback, got %q %+v", res.text, res.reply)
	}
}

func TestNoProviderUsesFallback(t *testing.T) {
	r := newTestRegistry(t, Config{}, Deps{})
	ch, _ := r.Submit(context.Background(), ask("c1", "hello"))
	res := drain(t, ch)
	if res.reply == nil || !res.reply.Fallback || res.text != defaultFallback {
		t.Fatalf("expected default fallback, got %q %+v", res.text, res.reply)
	}
}

func TestPartialReplyIsTruncated(t *testing.T) {
	prov := newScripted(func(ctx context.Context, ch chan<- provider.StreamChunk) {
		if emit(ctx, ch, provider.StreamChunk{Content: "Half an "}) {
			emit(ctx, ch, provider.StreamChunk{Err: errors.New("connection reset")})
		}
	})
	turns := NewMemoryTurns()
	r := newTestRegistry(t, Config{}, Deps{Provider: prov, Turns: turns})

	ch, _ := r.Submit(context.Background(), ask("c1", "explain"))
	res := drain(t, ch)
	if res.reply == nil || !res.reply.Truncated || res.reply.Fallback {
		t.Fatalf("expected truncated reply, got %+v", res.reply)
	}
	if res.reply.Content != "Half an " {
		t.Errorf("unexpected content %q", res.reply.Content)
	}
	stored, _ := turns.RecentTurns(context.Background(), "c1", 0)
	if len(stored) != 2 || !stored[1].Truncated {
		t.Errorf("expected truncated assistant turn stored, got %+v", stored)
	}
}

func TestCloseCancelsInFlightTurn(t *testing.T) {
	prov := newScripted(func(ctx context.Context, ch chan<- provider.StreamChunk) {
		if emit(ctx, ch, provider.StreamChunk{Content: "partial"}) {
			<-ctx.Done()
		}
	})
	turns := NewMemoryTurns()
	r := newTestRegistry(t, Config{}, Deps{Provider: prov, Turns: turns})

	ch, _ := r.Submit(context.Background(), ask("c1", "long question"))
	<-prov.started

	if err := r.Close(context.Background(), "c1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	res := drain(t, ch)
	if res.reply != nil {
		t.Fatalf("expected no reply after close, got %+v", res.reply)
	}
	stored, _ := turns.RecentTurns(context.Background(), "c1", 0)
	if len(stored) != 1 || stored[0].Role != RoleUser {
		t.Errorf("partial reply must be discarded, stored %+v", stored)
	}
	if _, ok := r.Get("c1"); ok {
		t.Error("closed conversation still routed")
	}
	if _, err := r.Submit(context.Background(), ask("c1", "again")); err != nil {
		t.Errorf("expected a fresh actor after close, got %v", err)
	}
}

func TestLearnerChanged(t *testing.T) {
	r := newTestRegistry(t, Config{}, Deps{})
	ch, _ := r.Submit(context.Background(), ask("c1", "hi"))
	drain(t, ch)

	req := ask("c1", "hi")
	req.LearnerID = "someone-else"
	if _, err := r.Submit(context.Background(), req); !errors.Is(err, ErrLearnerChanged) {
		t.Fatalf("expected ErrLearnerChanged, got %v", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	r := newTestRegistry(t, Config{}, Deps{})
	if _, err := r.Submit(context.Background(), ask("c1", "   ")); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for empty message, got %v", err)
	}
	req := ask("c1", "hi")
	req.Persona = "sarcastic"
	if _, err := r.Submit(context.Background(), req); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for unknown persona, got %v", err)
	}
}

func TestProfileContextInPrompt(t *testing.T) {
	store := profile.NewMemoryStore()
	_, err := store.CompareAndSwap(context.Background(), "learner-1", 0, profile.Delta{
		Reviews:  map[string]int64{"concept_5": 1},
		Reviewed: map[string]profile.Review{"concept_5": {At: t0.Add(-30 * 24 * time.Hour), IntervalDays: 3, Score: 0.9}},
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	prov := newScripted(words("ok"))
	r := newTestRegistry(t, Config{}, Deps{Provider: prov, Profiles: store})

	req := ask("c1", "I'm not sure I get this")
	req.PageContext = "Unit 3: recursion"
	ch, _ := r.Submit(context.Background(), req)
	res := drain(t, ch)

	sys := prov.request(0).Messages[0].Content
	if !strings.Contains(sys, "concept_5") {
		t.Errorf("expected due concept in system prompt: %s", sys)
	}
	if !strings.Contains(sys, "Unit 3: recursion") {
		t.Errorf("expected page context in system prompt: %s", sys)
	}
	if !res.reply.Cues.LowConfidence || !res.reply.Cues.HighPerformance {
		t.Errorf("expected low-confidence and high-performance cues, got %+v", res.reply.Cues)
	}
	base := PersonaAdaptive.BaseTone()
	if res.reply.Tone.Encouragement <= base.Encouragement {
		t.Errorf("expected encouragement raised, got %+v", res.reply.Tone)
	}
}

func TestExplicitPersonaIsNotAdapted(t *testing.T) {
	r := newTestRegistry(t, Config{}, Deps{Provider: newScripted(words("ok"))})
	req := ask("c1", "I'm stuck and frustrated")
	req.Persona = "Socratic"
	ch, _ := r.Submit(context.Background(), req)
	res := drain(t, ch)
	if res.reply.Persona != PersonaSocratic {
		t.Fatalf("expected socratic, got %s", res.reply.Persona)
	}
	if res.reply.Tone != PersonaSocratic.BaseTone() || len(res.reply.Rules) != 0 {
		t.Errorf("socratic tone must not drift: %+v %v", res.reply.Tone, res.reply.Rules)
	}
}

func TestHistoryRestoredFromStore(t *testing.T) {
	turns := NewMemoryTurns()
	turns.AppendTurn(context.Background(), Turn{ConversationID: "c1", Role: RoleUser, Content: "earlier question"})
	turns.AppendTurn(context.Background(), Turn{ConversationID: "c1", Role: RoleAssistant, Content: "earlier answer"})
	prov := newScripted(words("ok"))
	r := newTestRegistry(t, Config{}, Deps{Provider: prov, Turns: turns})

	ch, _ := r.Submit(context.Background(), ask("c1", "follow up"))
	drain(t, ch)
	msgs := prov.request(0).Messages
	if len(msgs) != 4 || msgs[1].Content != "earlier question" {
		t.Fatalf("expected restored history, got %+v", msgs)
	}
}
