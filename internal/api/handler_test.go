package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/conversation"
	"github.com/nidhogg/mindpulse/internal/dispatch"
	"github.com/nidhogg/mindpulse/internal/gateway"
	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/provider"
	"github.com/nidhogg/mindpulse/internal/ratelimit"
	"github.com/nidhogg/mindpulse/internal/session"
	"github.com/nidhogg/mindpulse/internal/signal"
)

// wordsProvider streams a fixed reply one word at a time.
type wordsProvider struct{ words []string }

func (p *wordsProvider) ID() string { return "words" }

func (p *wordsProvider) Chat(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (p *wordsProvider) ChatStream(ctx context.Context, _ *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	ch := make(chan provider.StreamChunk)
	go func() {
		defer close(ch)
		for _, w := range p.words {
			select {
			case ch <- provider.StreamChunk{Content: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- provider.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type testEnv struct {
	ts       *httptest.Server
	hub      *dispatch.Hub
	profiles *profile.MemoryStore
	sessions *session.Registry
}

// newTestEnv wires the handler with in-memory deps only (no Postgres/Redis).
func newTestEnv(t *testing.T, limits ratelimit.Limits) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	profiles := profile.NewMemoryStore()
	hub := dispatch.NewHub()
	sessions := session.NewRegistry(session.Config{CoalesceWindow: 10 * time.Millisecond}, session.Deps{
		Engine:     cognitive.Default(),
		Store:      profiles,
		Dispatcher: hub,
		Logger:     logger,
	})
	gw := gateway.New(sessions, nil, gateway.Config{}, logger)
	chats := conversation.NewRegistry(conversation.Config{}, conversation.Deps{
		Provider: &wordsProvider{words: []string{"Spaced ", "practice ", "helps."}},
		Profiles: profiles,
		Limiter:  ratelimit.NewMemory(limits),
		Logger:   logger,
	})

	h := NewHandler(Deps{
		Sessions:      sessions,
		Gateway:       gw,
		Conversations: chats,
		Profiles:      profiles,
		Schedule:      hub,
		Feed:          hub,
	}, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chats.Shutdown(ctx)
		sessions.Shutdown(ctx)
	})
	return &testEnv{ts: ts, hub: hub, profiles: profiles, sessions: sessions}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func hoverSignal(sessionID, learnerID string) map[string]any {
	ctx := map[string]string{signal.CtxConceptID: "fractions"}
	if learnerID != "" {
		ctx[signal.CtxLearnerID] = learnerID
	}
	return map[string]any{
		"session_id":  sessionID,
		"timestamp":   time.Now().UTC(),
		"signal_type": "hover",
		"duration_ms": 1200,
		"context":     ctx,
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})
	resp := getJSON(t, env.ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})

	resp := postJSON(t, env.ts, "/api/sessions", map[string]string{"session_id": "s1", "learner_id": "l1"})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = postJSON(t, env.ts, "/api/sessions", map[string]string{"session_id": "s1", "learner_id": "l1"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, env.ts, "/api/sessions", map[string]string{"session_id": "s1", "learner_id": "l2"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = postJSON(t, env.ts, "/api/sessions", map[string]string{"session_id": "s2"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/sessions/s1")
	expectStatus(t, resp, http.StatusOK)
	var snap session.Snapshot
	decodeJSON(t, resp, &snap)
	if snap.LearnerID != "l1" {
		t.Errorf("snapshot learner = %q", snap.LearnerID)
	}

	resp = deleteReq(t, env.ts, "/api/sessions/s1")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/sessions/s1")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = deleteReq(t, env.ts, "/api/sessions/unknown")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestIngestSignal(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})

	resp := postJSON(t, env.ts, "/api/signals", hoverSignal("s1", "l1"))
	expectStatus(t, resp, http.StatusAccepted)
	var v gateway.Verdict
	decodeJSON(t, resp, &v)
	if !v.Accepted {
		t.Fatalf("verdict = %+v", v)
	}
	if _, ok := env.sessions.Get("s1"); !ok {
		t.Error("signal with learner id should open the session")
	}

	resp = postJSON(t, env.ts, "/api/signals", hoverSignal("s9", ""))
	expectStatus(t, resp, http.StatusNotFound)
	decodeJSON(t, resp, &v)
	if v.Reason != gateway.ReasonUnknownSession {
		t.Errorf("reason = %q", v.Reason)
	}

	bad := hoverSignal("s1", "l1")
	bad["signal_type"] = "teleport"
	resp = postJSON(t, env.ts, "/api/signals", bad)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	decodeJSON(t, resp, &v)
	if v.Reason != gateway.ReasonInvalid {
		t.Errorf("reason = %q", v.Reason)
	}

	resp = getJSON(t, env.ts, "/api/gateway/stats")
	expectStatus(t, resp, http.StatusOK)
	var st gateway.Stats
	decodeJSON(t, resp, &st)
	if st.Accepted != 1 || st.Rejected[gateway.ReasonInvalid] != 1 || st.Rejected[gateway.ReasonUnknownSession] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestIngestBatch(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})
	resp := postJSON(t, env.ts, "/api/signals/batch", map[string]any{
		"signals": []any{hoverSignal("s1", "l1"), hoverSignal("s1", "l1"), hoverSignal("nope", "")},
	})
	expectStatus(t, resp, http.StatusOK)
	var body batchResponse
	decodeJSON(t, resp, &body)
	if body.Accepted != 2 || len(body.Verdicts) != 3 {
		t.Fatalf("batch = %+v", body)
	}
	if body.Verdicts[2].Reason != gateway.ReasonUnknownSession {
		t.Errorf("third verdict = %+v", body.Verdicts[2])
	}
}

func TestChatJSON(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})
	resp := postJSON(t, env.ts, "/api/chat", conversation.Request{
		ConversationID: "c1", LearnerID: "l1", Message: "How should I study fractions?",
	})
	expectStatus(t, resp, http.StatusOK)
	var reply conversation.Reply
	decodeJSON(t, resp, &reply)
	if reply.Content != "Spaced practice helps." {
		t.Errorf("content = %q", reply.Content)
	}
	if reply.TokenCost == 0 {
		t.Error("token cost not reported")
	}
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})
	b, _ := json.Marshal(conversation.Request{ConversationID: "c1", LearnerID: "l1", Message: "hi"})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/chat", bytes.NewReader(b))
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/chat: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	text := string(body)
	if n := strings.Count(text, "event: delta"); n != 3 {
		t.Errorf("delta events = %d, want 3:\n%s", n, text)
	}
	if !strings.Contains(text, "event: done") {
		t.Errorf("missing done event:\n%s", text)
	}
}

func TestChatRateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{MessagesPerMinute: 1})
	msg := conversation.Request{ConversationID: "c1", LearnerID: "l1", Message: "first"}

	resp := postJSON(t, env.ts, "/api/chat", msg)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	msg.Message = "second"
	resp = postJSON(t, env.ts, "/api/chat", msg)
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["error"] != "rate_limited" || body["reset_at"] == nil {
		t.Errorf("body = %v", body)
	}
}

func TestChatErrors(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})

	resp := postJSON(t, env.ts, "/api/chat", conversation.Request{ConversationID: "c1", LearnerID: "l1"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, env.ts, "/api/chat", conversation.Request{ConversationID: "c1", LearnerID: "l1", Message: "hi"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, env.ts, "/api/chat", conversation.Request{ConversationID: "c1", LearnerID: "l2", Message: "hi"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = deleteReq(t, env.ts, "/api/conversations/c1")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = deleteReq(t, env.ts, "/api/conversations/c1")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestProfileRetire(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})

	resp := getJSON(t, env.ts, "/api/learners/l1/profile")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = deleteReq(t, env.ts, "/api/learners/l1/profile")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	if _, err := env.profiles.CompareAndSwap(context.Background(), "l1", 0, profile.Delta{}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	resp = deleteReq(t, env.ts, "/api/learners/l1/profile")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/learners/l1/profile")
	expectStatus(t, resp, http.StatusOK)
	var p profile.LearnerProfile
	decodeJSON(t, resp, &p)
	if !p.Retired {
		t.Error("profile should be retired")
	}
	if p.Revision != 2 {
		t.Errorf("revision = %d, want 2", p.Revision)
	}
}

func TestSchedule(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})

	resp := getJSON(t, env.ts, "/api/learners/l1/schedule")
	expectStatus(t, resp, http.StatusOK)
	var entries []cognitive.ScheduleEntry
	decodeJSON(t, resp, &entries)
	if len(entries) != 0 {
		t.Fatalf("entries = %+v", entries)
	}

	now := time.Now().UTC()
	env.hub.Schedule(context.Background(), cognitive.ScheduleEntry{
		LearnerID: "l1", ConceptID: "fractions", NextReviewAt: now.Add(48 * time.Hour),
		IntervalDays: 2, LastScore: 0.9, ReviewedAt: now,
	})

	resp = getJSON(t, env.ts, "/api/learners/l1/schedule")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &entries)
	if len(entries) != 1 || entries[0].ConceptID != "fractions" || entries[0].IntervalDays != 2 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestInterventionFeed(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/learners/l1/interventions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET feed: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	iv := dispatch.NewIntervention("s1", "l1", "fractions", 0.7, dispatch.TriggerStruggle, time.Now())
	env.hub.Intervene(ctx, iv)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var got dispatch.Intervention
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if got.ID != iv.ID || got.ConceptID != "fractions" {
			t.Errorf("intervention = %+v", got)
		}
		return
	}
	t.Fatalf("feed ended without an event: %v", sc.Err())
}

func TestPlans(t *testing.T) {
	env := newTestEnv(t, ratelimit.Limits{})

	resp := postJSON(t, env.ts, "/api/plans/balance", map[string]any{
		"tasks": []cognitive.Task{
			{ID: "read", Importance: 0.9, Enjoyment: 0.5, CognitiveWeight: 0.3},
			{ID: "quiz", Importance: 0.6, Enjoyment: 0.4, CognitiveWeight: 0.2},
			{ID: "video", Importance: 0.2, Enjoyment: 0.9, CognitiveWeight: 0.1},
			{ID: "essay", Importance: 0.3, Enjoyment: 0.1, CognitiveWeight: 0.9},
		},
	})
	expectStatus(t, resp, http.StatusOK)
	var plan cognitive.Plan
	decodeJSON(t, resp, &plan)
	if len(plan.Primary) != 1 || plan.Primary[0].ID != "read" {
		t.Errorf("primary = %+v", plan.Primary)
	}
	if len(plan.Secondary)+len(plan.Deferred) != 3 {
		t.Errorf("plan = %+v", plan)
	}

	resp = postJSON(t, env.ts, "/api/plans/balance", map[string]any{"tasks": []map[string]any{{"importance": 1}}})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/api/plans/spacing?days=10&sessions=3")
	expectStatus(t, resp, http.StatusOK)
	var spacing struct {
		Offsets []float64 `json:"offsets"`
	}
	decodeJSON(t, resp, &spacing)
	if len(spacing.Offsets) != 3 {
		t.Errorf("offsets = %v", spacing.Offsets)
	}

	resp = getJSON(t, env.ts, "/api/plans/spacing?days=10&sessions=0")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
