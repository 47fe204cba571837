package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "mindpulse:rl:"

// allowScript checks the daily budget, trims the sliding window and admits
// the message in one round trip. Returns {allowed, reset_ms}; reset_ms of
// -1 means the daily budget is exhausted.
var allowScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[2]) or '0')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local budget = tonumber(ARGV[4])
if budget > 0 and used >= budget then
  return {0, -1}
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if limit > 0 and redis.call('ZCARD', KEYS[1]) >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, tonumber(oldest[2]) + window}
end
redis.call('ZADD', KEYS[1], now, ARGV[5])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0}
`)

// Redis is a Limiter shared across processes. Message timestamps live in a
// sorted set per learner; token usage in one counter per learner per UTC day.
type Redis struct {
	rdb    redis.UniversalClient
	limits Limits
	logger *zap.Logger
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(rdb redis.UniversalClient, limits Limits, logger *zap.Logger) *Redis {
	return &Redis{rdb: rdb, limits: limits, logger: logger}
}

func msgKey(learnerID string) string { return keyPrefix + "msg:" + learnerID }

func tokKey(learnerID string, now time.Time) string {
	return keyPrefix + "tok:" + learnerID + ":" + dayKey(now)
}

func (r *Redis) Allow(ctx context.Context, learnerID string, now time.Time) (Decision, error) {
	res, err := allowScript.Run(ctx, r.rdb,
		[]string{msgKey(learnerID), tokKey(learnerID, now)},
		now.UnixMilli(), Window.Milliseconds(), r.limits.MessagesPerMinute, r.limits.DailyTokens, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", learnerID, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", learnerID, res)
	}
	switch {
	case res[0] == 1:
		return Decision{Allowed: true}, nil
	case res[1] < 0:
		return Decision{ResetAt: NextMidnight(now), Reason: ReasonTokens}, nil
	default:
		return Decision{ResetAt: time.UnixMilli(res[1]).UTC(), Reason: ReasonMessages}, nil
	}
}

func (r *Redis) AddTokens(ctx context.Context, learnerID string, n int64, now time.Time) error {
	key := tokKey(learnerID, now)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.IncrBy(ctx, key, n)
		p.ExpireAt(ctx, key, NextMidnight(now).Add(time.Hour))
		return nil
	})
	if err != nil {
		return fmt.Errorf("add tokens %s: %w", learnerID, err)
	}
	r.logger.Debug("tokens charged", zap.String("learner", learnerID), zap.Int64("tokens", n))
	return nil
}
