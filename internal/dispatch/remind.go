package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
)

const reminderStream = streamPrefix + "reminders"

// Reminder delivers a review reminder for an entry that has come due.
type Reminder interface {
	Remind(ctx context.Context, e cognitive.ScheduleEntry) error
}

func (l *Log) Remind(_ context.Context, e cognitive.ScheduleEntry) error {
	l.logger.Info("review due",
		zap.String("learner", e.LearnerID),
		zap.String("concept", e.ConceptID),
		zap.Time("next_review_at", e.NextReviewAt))
	return nil
}

func (s *Stream) Remind(ctx context.Context, e cognitive.ScheduleEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: reminderStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish reminder %s/%s: %w", e.LearnerID, e.ConceptID, err)
	}
	return nil
}

// Reminders sends every reminder to all targets.
type Reminders []Reminder

func (r Reminders) Remind(ctx context.Context, e cognitive.ScheduleEntry) error {
	var errs []error
	for _, t := range r {
		if err := t.Remind(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
