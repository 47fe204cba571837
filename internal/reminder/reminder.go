// Package reminder sweeps the schedule for reviews that have come due and
// hands each one to the outbound reminder boundary exactly once.
package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/dispatch"
)

const (
	DefaultSpec      = "@every 1m"
	DefaultBatchSize = 500
)

// Source lists due schedule entries and records delivered reminders.
type Source interface {
	Due(ctx context.Context, now time.Time, limit int) ([]cognitive.ScheduleEntry, error)
	MarkReminded(ctx context.Context, e cognitive.ScheduleEntry, at time.Time) error
}

type Config struct {
	Spec      string        `json:"spec" yaml:"spec"`
	BatchSize int           `json:"batch_size" yaml:"batch_size"`
	Timeout   time.Duration `json:"-" yaml:"-"`
}

// Sweeper runs Sweep on a cron schedule. Overlapping runs are skipped.
type Sweeper struct {
	source Source
	target dispatch.Reminder
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(source Source, target dispatch.Reminder, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Sweeper{source: source, target: target, cfg: cfg, now: time.Now, logger: logger}
}

// Start schedules the sweep. It returns an error for an invalid spec.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, s.run); err != nil {
		return fmt.Errorf("schedule reminder sweep %q: %w", s.cfg.Spec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("reminder sweeper started", zap.String("spec", s.cfg.Spec))
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("reminder sweep failed", zap.Int("sent", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("reminders sent", zap.Int("count", n))
	}
}

// Sweep sends one reminder per due entry and marks it. An entry whose
// delivery fails is left for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.source.Due(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due reviews: %w", err)
	}
	sent := 0
	for _, e := range due {
		if err := s.target.Remind(ctx, e); err != nil {
			s.logger.Warn("remind failed",
				zap.String("learner", e.LearnerID),
				zap.String("concept", e.ConceptID),
				zap.Error(err))
			continue
		}
		if err := s.source.MarkReminded(ctx, e, now); err != nil {
			return sent, fmt.Errorf("mark reminded %s/%s: %w", e.LearnerID, e.ConceptID, err)
		}
		sent++
	}
	return sent, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
