package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
)

const (
	streamPrefix       = "mindpulse:"
	interventionStream = streamPrefix + "interventions"
	scheduleStream     = streamPrefix + "schedule"
	// approximate cap on stream length
	streamMaxLen = 100000
)

// Stream publishes events to Redis Streams for external consumers (UI
// presenters, reminder services). Interventions go to a shared stream and
// to a per-learner stream that Subscribe reads.
type Stream struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewStream wraps an existing client.
func NewStream(rdb redis.UniversalClient, logger *zap.Logger) *Stream {
	return &Stream{rdb: rdb, logger: logger}
}

// DialStream parses a redis URL and verifies the connection.
func DialStream(ctx context.Context, redisURL string, logger *zap.Logger) (*Stream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Stream{rdb: rdb, logger: logger}, nil
}

// Client exposes the underlying connection for components sharing it.
func (s *Stream) Client() redis.UniversalClient { return s.rdb }

func learnerStream(learnerID string) string {
	return streamPrefix + "learner:" + learnerID
}

func (s *Stream) Intervene(ctx context.Context, iv Intervention) error {
	data, err := json.Marshal(iv)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, stream := range []string{interventionStream, learnerStream(iv.LearnerID)} {
			p.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{"data": string(data)},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish intervention %s: %w", iv.ID, err)
	}
	s.logger.Debug("published intervention",
		zap.String("learner", iv.LearnerID),
		zap.String("concept", iv.ConceptID),
		zap.String("trigger", string(iv.Trigger)))
	return nil
}

func (s *Stream) Schedule(ctx context.Context, e cognitive.ScheduleEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: scheduleStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish schedule %s/%s: %w", e.LearnerID, e.ConceptID, err)
	}
	return nil
}

// Subscribe reads new interventions for a learner. Cancel ctx to stop.
func (s *Stream) Subscribe(ctx context.Context, learnerID string) <-chan Intervention {
	ch := make(chan Intervention, 16)
	stream := learnerStream(learnerID)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					s.logger.Debug("stream read failed", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var iv Intervention
					if json.Unmarshal([]byte(data), &iv) != nil {
						continue
					}
					select {
					case ch <- iv:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (s *Stream) Close() error {
	return s.rdb.Close()
}
