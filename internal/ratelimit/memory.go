package ratelimit

import (
	"context"
	"sync"
	"time"
)

type learnerState struct {
	stamps []time.Time
	day    string
	tokens int64
}

// Memory is an in-process Limiter.
type Memory struct {
	limits Limits
	mu     sync.Mutex
	state  map[string]*learnerState
}

// NewMemory creates an in-process limiter.
func NewMemory(limits Limits) *Memory {
	return &Memory{limits: limits, state: make(map[string]*learnerState)}
}

func (m *Memory) Allow(_ context.Context, learnerID string, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(learnerID, now)
	if m.limits.DailyTokens > 0 && st.tokens >= m.limits.DailyTokens {
		return Decision{ResetAt: NextMidnight(now), Reason: ReasonTokens}, nil
	}

	cutoff := now.Add(-Window)
	i := 0
	for i < len(st.stamps) && !st.stamps[i].After(cutoff) {
		i++
	}
	st.stamps = st.stamps[i:]

	if m.limits.MessagesPerMinute > 0 && len(st.stamps) >= m.limits.MessagesPerMinute {
		return Decision{ResetAt: st.stamps[0].Add(Window), Reason: ReasonMessages}, nil
	}
	st.stamps = append(st.stamps, now)
	return Decision{Allowed: true}, nil
}

func (m *Memory) AddTokens(_ context.Context, learnerID string, n int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(learnerID, now).tokens += n
	return nil
}

// Usage returns tokens used today by the learner.
func (m *Memory) Usage(learnerID string, now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(learnerID, now).tokens
}

// must hold lock
func (m *Memory) get(learnerID string, now time.Time) *learnerState {
	st, ok := m.state[learnerID]
	if !ok {
		st = &learnerState{day: dayKey(now)}
		m.state[learnerID] = st
	}
	if d := dayKey(now); d != st.day {
		st.day = d
		st.tokens = 0
	}
	return st
}
