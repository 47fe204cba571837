package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/mindpulse/internal/cognitive"
)

// Subscriber streams interventions for one learner until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, learnerID string) <-chan Intervention
}

// Hub is an in-process Dispatcher that fans interventions out to live
// subscribers and keeps the latest schedule entry per (learner, concept).
// Slow subscribers miss events rather than block the sender.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[chan Intervention]struct{}
	schedule map[string]cognitive.ScheduleEntry
	reminded map[string]time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]map[chan Intervention]struct{}),
		schedule: make(map[string]cognitive.ScheduleEntry),
		reminded: make(map[string]time.Time),
	}
}

func scheduleKey(learnerID, conceptID string) string {
	return learnerID + "/" + conceptID
}

func (h *Hub) Intervene(_ context.Context, iv Intervention) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[iv.LearnerID] {
		select {
		case ch <- iv:
		default:
		}
	}
	return nil
}

// Schedule supersedes the current entry unless it was reviewed later.
func (h *Hub) Schedule(_ context.Context, e cognitive.ScheduleEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := scheduleKey(e.LearnerID, e.ConceptID)
	if cur, ok := h.schedule[k]; ok && cur.ReviewedAt.After(e.ReviewedAt) {
		return nil
	}
	h.schedule[k] = e
	return nil
}

// Entries returns the active schedule entries of a learner ordered by
// next review.
func (h *Hub) Entries(_ context.Context, learnerID string) ([]cognitive.ScheduleEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []cognitive.ScheduleEntry
	for _, e := range h.schedule {
		if e.LearnerID == learnerID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// Due returns entries whose review time has passed and that have not been
// reminded for that review time.
func (h *Hub) Due(_ context.Context, now time.Time, limit int) ([]cognitive.ScheduleEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []cognitive.ScheduleEntry
	for k, e := range h.schedule {
		if e.NextReviewAt.After(now) {
			continue
		}
		if at, ok := h.reminded[k]; ok && at.Equal(e.NextReviewAt) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *Hub) MarkReminded(_ context.Context, e cognitive.ScheduleEntry, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reminded[scheduleKey(e.LearnerID, e.ConceptID)] = e.NextReviewAt
	return nil
}

func sortEntries(es []cognitive.ScheduleEntry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].NextReviewAt.Equal(es[j].NextReviewAt) {
			return es[i].NextReviewAt.Before(es[j].NextReviewAt)
		}
		if es[i].LearnerID != es[j].LearnerID {
			return es[i].LearnerID < es[j].LearnerID
		}
		return es[i].ConceptID < es[j].ConceptID
	})
}

func (h *Hub) Subscribe(ctx context.Context, learnerID string) <-chan Intervention {
	ch := make(chan Intervention, 16)
	h.mu.Lock()
	if h.subs[learnerID] == nil {
		h.subs[learnerID] = make(map[chan Intervention]struct{})
	}
	h.subs[learnerID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[learnerID], ch)
		if len(h.subs[learnerID]) == 0 {
			delete(h.subs, learnerID)
		}
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}
