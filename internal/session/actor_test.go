package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/dispatch"
	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/signal"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	ivs     []dispatch.Intervention
	entries []cognitive.ScheduleEntry
}

func (r *recorder) Intervene(_ context.Context, iv dispatch.Intervention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ivs = append(r.ivs, iv)
	return nil
}

func (r *recorder) Schedule(_ context.Context, e cognitive.ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recorder) byTrigger(tr dispatch.Trigger) []dispatch.Intervention {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.Intervention
	for _, iv := range r.ivs {
		if iv.Trigger == tr {
			out = append(out, iv)
		}
	}
	return out
}

type harness struct {
	store     profile.Store
	persister *Persister
	rec       *recorder
	reg       *Registry
}

// testConfig only flushes on Sync unless a test overrides CoalesceWindow.
func testConfig() Config {
	return Config{CoalesceWindow: time.Hour, EngineBudget: time.Second}
}

func newHarness(t *testing.T, cfg Config, eval Evaluator, store profile.Store) *harness {
	t.Helper()
	if eval == nil {
		eval = cognitive.Default()
	}
	if store == nil {
		store = profile.NewMemoryStore()
	}
	h := &harness{
		store:     store,
		persister: NewPersister(store, PersisterConfig{Workers: 1, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, zap.NewNop()),
		rec:       &recorder{},
	}
	h.reg = NewRegistry(cfg, Deps{
		Engine:     eval,
		Store:      store,
		Persister:  h.persister,
		Dispatcher: h.rec,
		Logger:     zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.reg.Shutdown(ctx)
		h.persister.Close()
	})
	return h
}

func sig(kind signal.Kind, at time.Time, concept string, dur time.Duration) signal.Signal {
	return signal.Signal{
		SessionID:  "s1",
		Timestamp:  at,
		Kind:       kind,
		DurationMS: dur.Milliseconds(),
		Context:    map[string]string{signal.CtxConceptID: concept, signal.CtxWeek: "3"},
	}
}

func tell(t *testing.T, a *Actor, sigs ...signal.Signal) Snapshot {
	t.Helper()
	for _, s := range sigs {
		if err := a.Tell(s); err != nil {
			t.Fatalf("tell: %v", err)
		}
	}
	snap, err := a.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	return snap
}

func TestStruggleEmittedOncePerCooldown(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	a, err := h.reg.Open("s1", "l1", "")
	if err != nil {
		t.Fatal(err)
	}
	const c = "concept_5"
	long := 35 * time.Second

	tell(t, a,
		sig(signal.KindClick, t0, c, 0),
		sig(signal.KindClick, t0.Add(time.Second), c, 0),
		sig(signal.KindClick, t0.Add(2*time.Second), c, 0),
		sig(signal.KindClick, t0.Add(3*time.Second), c, 0),
	)
	// Three long hovers push engagement to 4/7.
	tell(t, a, sig(signal.KindHover, t0.Add(1*time.Minute), c, long))
	tell(t, a, sig(signal.KindHover, t0.Add(2*time.Minute), c, long))
	snap := tell(t, a, sig(signal.KindHover, t0.Add(3*time.Minute), c, long))
	if len(snap.Events) != 1 {
		t.Fatalf("events after third hover = %d, want 1", len(snap.Events))
	}
	ev := snap.Events[0]
	if ev.ConceptID != c || ev.Severity <= 0 || !ev.Timestamp.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("unexpected event %+v", ev)
	}

	// Still at risk: no new edge.
	tell(t, a, sig(signal.KindHover, t0.Add(4*time.Minute), c, long))
	// Recover to 6/10, then drop again inside the cool-down.
	tell(t, a, sig(signal.KindClick, t0.Add(4*time.Minute+10*time.Second), c, 0))
	tell(t, a, sig(signal.KindClick, t0.Add(4*time.Minute+20*time.Second), c, 0))
	snap = tell(t, a, sig(signal.KindHover, t0.Add(4*time.Minute+30*time.Second), c, long))

	if len(snap.Events) != 1 {
		t.Errorf("events = %d, want exactly 1 within the cool-down", len(snap.Events))
	}
	if got := h.rec.byTrigger(dispatch.TriggerStruggle); len(got) != 1 || got[0].LearnerID != "l1" {
		t.Errorf("struggle interventions = %+v", got)
	}
}

func TestStruggleFiresAgainAfterCooldown(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	a, _ := h.reg.Open("s1", "l1", "")
	idle := func(at time.Time) signal.Signal { return sig(signal.KindIdle, at, "c", time.Second) }
	click := func(at time.Time) signal.Signal { return sig(signal.KindClick, at, "c", 0) }

	tell(t, a, idle(t0), idle(t0.Add(time.Second)), idle(t0.Add(2*time.Second)))
	// Window is 10 minutes; at t0+11m the idles have aged out.
	tell(t, a, click(t0.Add(11*time.Minute)), click(t0.Add(11*time.Minute+time.Second)), click(t0.Add(11*time.Minute+2*time.Second)))
	snap := tell(t, a, idle(t0.Add(22*time.Minute)), idle(t0.Add(22*time.Minute+time.Second)), idle(t0.Add(22*time.Minute+2*time.Second)))

	if len(snap.Events) != 2 {
		t.Errorf("events = %d, want 2 across separate cool-down windows", len(snap.Events))
	}
}

// slowEngine sleeps past the budget on every evaluation.
type slowEngine struct {
	*cognitive.Engine
	delay time.Duration
	calls atomic.Int32
}

func (s *slowEngine) Evaluate(in cognitive.Input) cognitive.Result {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return s.Engine.Evaluate(in)
}

func TestEngineTimeoutFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.EngineBudget = 20 * time.Millisecond
	eng := &slowEngine{Engine: cognitive.Default(), delay: 80 * time.Millisecond}
	h := newHarness(t, cfg, eng, nil)
	a, _ := h.reg.Open("s1", "l1", "")

	start := time.Now()
	snap := tell(t, a, sig(signal.KindQuiz, t0, "c", 0))
	if elapsed := time.Since(start); elapsed > 70*time.Millisecond {
		t.Errorf("sync took %v, engine budget was not enforced", elapsed)
	}
	if snap.Degraded != 1 {
		t.Errorf("degraded = %d, want 1", snap.Degraded)
	}
	if snap.State != StateActive.String() || a.State() != StateActive {
		t.Fatalf("state = %s, want active", snap.State)
	}

	// The mailbox keeps working.
	snap = tell(t, a, sig(signal.KindClick, t0.Add(time.Second), "c", 0))
	if snap.Batches != 2 || snap.Profile.SignalTotals["click"] != 1 || snap.Profile.SignalTotals["quiz_interaction"] != 1 {
		t.Errorf("fallback should still record counters: %+v", snap)
	}
	h.rec.mu.Lock()
	scheduled := len(h.rec.entries)
	h.rec.mu.Unlock()
	if scheduled != 0 {
		t.Error("fallback must not schedule reviews")
	}
	time.Sleep(2 * eng.delay) // let abandoned evaluations finish
}

func TestReplayedBatchLeavesSameProfile(t *testing.T) {
	store := profile.NewMemoryStore()
	h := newHarness(t, testConfig(), nil, store)
	ctx := context.Background()
	batch := []signal.Signal{
		sig(signal.KindHover, t0, "c1", 2*time.Second),
		quizScore(t0.Add(time.Second), "c1", "0.9"),
		sig(signal.KindScroll, t0.Add(2*time.Second), "c2", time.Second),
	}

	run := func() *profile.LearnerProfile {
		a, err := h.reg.Open("s1", "l1", "t1")
		if err != nil {
			t.Fatal(err)
		}
		tell(t, a, batch...)
		if _, err := a.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
		p, err := store.Load(ctx, "l1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return p
	}

	first := run()
	second := run()
	first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
	first.Revision, second.Revision = 0, 0
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay changed profile:\n%+v\n%+v", first, second)
	}
	if first.SignalTotals["hover"] != 1 || first.Concepts["c1"].IntervalDays != 1 {
		t.Errorf("unexpected profile %+v", first)
	}
}

func quizScore(at time.Time, concept, score string) signal.Signal {
	s := sig(signal.KindQuiz, at, concept, 0)
	s.Context[signal.CtxScore] = score
	return s
}

func TestCloseFlushesAndEvicts(t *testing.T) {
	store := profile.NewMemoryStore()
	h := newHarness(t, testConfig(), nil, store)
	a, _ := h.reg.Open("s1", "l1", "")

	a.Tell(sig(signal.KindClick, t0, "c", 0))
	a.Tell(sig(signal.KindClick, t0.Add(time.Millisecond), "c", 0))
	snap, err := h.reg.Close(context.Background(), "s1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if snap.Batches != 1 || snap.Unsent != 0 {
		t.Errorf("snapshot = %+v, want one flushed batch and nothing unsent", snap)
	}
	if a.State() != StateTerminated {
		t.Errorf("state = %s", a.State())
	}
	if h.reg.Len() != 0 {
		t.Error("terminated actor should be evicted")
	}
	p, err := store.Load(context.Background(), "l1")
	if err != nil || p.SignalTotals["click"] != 2 {
		t.Fatalf("profile not persisted on close: %+v %v", p, err)
	}
	if err := a.Tell(sig(signal.KindClick, t0, "c", 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("tell after close: %v", err)
	}
}

func TestAcceptedSignalsSurviveConcurrentClose(t *testing.T) {
	store := profile.NewMemoryStore()
	h := newHarness(t, testConfig(), nil, store)
	a, _ := h.reg.Open("s1", "l1", "")

	var accepted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start
			for i := 0; i < 50; i++ {
				at := t0.Add(time.Duration(g*50+i) * time.Millisecond)
				if a.Tell(sig(signal.KindClick, at, "c", 0)) == nil {
					accepted.Add(1)
				}
			}
		}(g)
	}
	close(start)
	if _, err := h.reg.Close(context.Background(), "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	p, err := store.Load(context.Background(), "l1")
	if n := accepted.Load(); n == 0 {
		return
	} else if err != nil || p.SignalTotals["click"] != n {
		t.Fatalf("accepted %d signals, profile has %+v (%v)", n, p, err)
	}
}

func TestCoalescingWindowBatchesSignals(t *testing.T) {
	cfg := testConfig()
	cfg.CoalesceWindow = 30 * time.Millisecond
	eng := &countingEngine{Engine: cognitive.Default()}
	h := newHarness(t, cfg, eng, nil)
	a, _ := h.reg.Open("s1", "l1", "")

	for i := 0; i < 3; i++ {
		a.Tell(sig(signal.KindScroll, t0.Add(time.Duration(i)*time.Millisecond), "c", 0))
	}
	deadline := time.Now().Add(2 * time.Second)
	for eng.batches() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := eng.sizes(); len(got) != 1 || got[0] != 3 {
		t.Errorf("batch sizes = %v, want [3]", got)
	}
}

type countingEngine struct {
	*cognitive.Engine
	mu  sync.Mutex
	got []int
}

func (c *countingEngine) Evaluate(in cognitive.Input) cognitive.Result {
	c.mu.Lock()
	c.got = append(c.got, len(in.Batch))
	c.mu.Unlock()
	return c.Engine.Evaluate(in)
}

func (c *countingEngine) batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *countingEngine) sizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.got...)
}

func TestIdleIntervention(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	a, _ := h.reg.Open("s1", "l1", "")

	tell(t, a, sig(signal.KindIdle, t0, "c9", 3*time.Minute))
	tell(t, a, sig(signal.KindIdle, t0.Add(time.Minute), "c9", 3*time.Minute))
	tell(t, a, sig(signal.KindIdle, t0.Add(2*time.Minute), "c9", 30*time.Second))

	got := h.rec.byTrigger(dispatch.TriggerIdle)
	if len(got) != 1 || got[0].ConceptID != "c9" {
		t.Errorf("idle interventions = %+v, want one for c9", got)
	}
}

func TestDisconnectGrace(t *testing.T) {
	cfg := testConfig()
	cfg.DisconnectGrace = 30 * time.Millisecond
	h := newHarness(t, cfg, nil, nil)
	a, _ := h.reg.Open("s1", "l1", "")

	if err := h.reg.Disconnect(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after the grace period")
	}
	if _, ok := h.reg.Get("s1"); ok {
		t.Error("closed session still routable")
	}
}

func TestReconnectCancelsGrace(t *testing.T) {
	cfg := testConfig()
	cfg.DisconnectGrace = 60 * time.Millisecond
	h := newHarness(t, cfg, nil, nil)
	a, _ := h.reg.Open("s1", "l1", "")

	a.Disconnect(context.Background())
	tell(t, a, sig(signal.KindClick, t0, "c", 0))
	time.Sleep(150 * time.Millisecond)
	if a.State() != StateActive {
		t.Errorf("state = %s, want active after reconnect", a.State())
	}
}

func TestIdleTimeoutCloses(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, nil, nil)
	a, _ := h.reg.Open("s1", "l1", "")
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not closed")
	}
	if h.reg.Len() != 0 {
		t.Error("idle session not evicted")
	}
}

// flakyStore is unavailable until up is set.
type flakyStore struct {
	*profile.MemoryStore
	up atomic.Bool
}

func (f *flakyStore) Load(ctx context.Context, id string) (*profile.LearnerProfile, error) {
	if !f.up.Load() {
		return nil, profile.ErrStoreUnavailable
	}
	return f.MemoryStore.Load(ctx, id)
}

func (f *flakyStore) CompareAndSwap(ctx context.Context, id string, rev int64, d profile.Delta) (int64, error) {
	if !f.up.Load() {
		return 0, profile.ErrStoreUnavailable
	}
	return f.MemoryStore.CompareAndSwap(ctx, id, rev, d)
}

func TestMemoryOnlyModeRetriesWrites(t *testing.T) {
	store := &flakyStore{MemoryStore: profile.NewMemoryStore()}
	h := newHarness(t, testConfig(), nil, store)
	a, _ := h.reg.Open("s1", "l1", "")

	snap := tell(t, a, sig(signal.KindClick, t0, "c", 0))
	if !snap.MemoryOnly {
		t.Error("actor should report memory-only mode")
	}
	if snap.Profile.SignalTotals["click"] != 1 {
		t.Error("signals must still be processed in memory-only mode")
	}

	store.up.Store(true)
	if _, err := a.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, err := store.Load(context.Background(), "l1")
	if err != nil || p.SignalTotals["click"] != 1 {
		t.Fatalf("queued write not retried: %+v %v", p, err)
	}
}

func TestRegistryRouting(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil)
	a, err := h.reg.Open("s1", "l1", "")
	if err != nil {
		t.Fatal(err)
	}
	again, created, err := h.reg.GetOrCreate("s1", "l1", "")
	if err != nil || created || again != a {
		t.Error("open session should be reused")
	}
	if _, err := h.reg.Open("s1", "l2", ""); !errors.Is(err, ErrLearnerChanged) {
		t.Errorf("expected ErrLearnerChanged, got %v", err)
	}
	if _, err := h.reg.Close(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if a.State() != StateIdle {
		t.Errorf("new session state = %s, want idle", a.State())
	}
}
