// Package ratelimit enforces per-learner chat limits: a sliding one-minute
// message window and a daily token budget that resets at UTC midnight.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Window is the length of the message-count sliding window.
const Window = time.Minute

// Limits configures a Limiter. A zero limit disables that check.
type Limits struct {
	MessagesPerMinute int   `json:"messages_per_minute" yaml:"messages_per_minute"`
	DailyTokens       int64 `json:"daily_tokens" yaml:"daily_tokens"`
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed bool
	ResetAt time.Time
	Reason  string
}

// Reasons reported on denied decisions.
const (
	ReasonMessages = "messages_per_minute"
	ReasonTokens   = "daily_tokens"
)

// Limiter admits or rejects chat turns for a learner. Counters are
// independent of any actor lifecycle.
type Limiter interface {
	// Allow records one message at now if it is within limits.
	Allow(ctx context.Context, learnerID string, now time.Time) (Decision, error)
	// AddTokens charges n tokens against the learner's daily budget.
	AddTokens(ctx context.Context, learnerID string, n int64, now time.Time) error
}

// RateLimitedError is returned to callers whose turn was rejected.
type RateLimitedError struct {
	ResetAt time.Time
	Reason  string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s) until %s", e.Reason, e.ResetAt.UTC().Format(time.RFC3339))
}

// Err converts a denied decision into a *RateLimitedError; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitedError{ResetAt: d.ResetAt, Reason: d.Reason}
}

// NextMidnight returns the start of the next UTC day after now.
func NextMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func dayKey(now time.Time) string {
	return now.UTC().Format("20060102")
}
