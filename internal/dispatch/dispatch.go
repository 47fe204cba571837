// Package dispatch is the outbound boundary for intervention and schedule
// events. Delivery to learners, instructors and reminder systems happens
// behind the Dispatcher interface.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
)

// Trigger names what caused an intervention.
type Trigger string

const (
	TriggerStruggle Trigger = "struggle"
	TriggerIdle     Trigger = "idle"
)

// Intervention is the outbound intervention event.
type Intervention struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	LearnerID string    `json:"learner_id"`
	ConceptID string    `json:"concept_id"`
	Severity  float64   `json:"severity"`
	Trigger   Trigger   `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

// NewIntervention fills in an event id.
func NewIntervention(sessionID, learnerID, conceptID string, severity float64, trigger Trigger, at time.Time) Intervention {
	return Intervention{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		LearnerID: learnerID,
		ConceptID: conceptID,
		Severity:  severity,
		Trigger:   trigger,
		Timestamp: at,
	}
}

// Dispatcher delivers outbound events.
type Dispatcher interface {
	Intervene(ctx context.Context, iv Intervention) error
	Schedule(ctx context.Context, entry cognitive.ScheduleEntry) error
}

// Log writes events to the structured log. Used when no transport is
// configured.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Intervene(_ context.Context, iv Intervention) error {
	l.logger.Info("intervention",
		zap.String("id", iv.ID),
		zap.String("session", iv.SessionID),
		zap.String("learner", iv.LearnerID),
		zap.String("concept", iv.ConceptID),
		zap.Float64("severity", iv.Severity),
		zap.String("trigger", string(iv.Trigger)))
	return nil
}

func (l *Log) Schedule(_ context.Context, e cognitive.ScheduleEntry) error {
	l.logger.Info("schedule entry",
		zap.String("learner", e.LearnerID),
		zap.String("concept", e.ConceptID),
		zap.Time("next_review_at", e.NextReviewAt),
		zap.Int("interval_days", e.IntervalDays))
	return nil
}

// Fanout sends every event to all dispatchers and joins their errors.
type Fanout []Dispatcher

func (f Fanout) Intervene(ctx context.Context, iv Intervention) error {
	var errs []error
	for _, d := range f {
		if err := d.Intervene(ctx, iv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Schedule(ctx context.Context, e cognitive.ScheduleEntry) error {
	var errs []error
	for _, d := range f {
		if err := d.Schedule(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
