package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/profile"
)

// PersisterConfig tunes background profile writes.
type PersisterConfig struct {
	Workers        int
	QueueSize      int
	MaxCASRetries  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxElapsed bounds how long one delta is retried while the store is
	// unavailable before it is dropped.
	MaxElapsed time.Duration
}

func (c PersisterConfig) withDefaults() PersisterConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxCASRetries <= 0 {
		c.MaxCASRetries = profile.DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 2 * time.Minute
	}
	return c
}

type writeJob struct {
	learnerID string
	delta     profile.Delta
	done      chan error
}

// Persister applies profile deltas off the hot path. Conflicts are retried
// through profile.Update; a busy or unavailable store is retried with
// exponential backoff.
type Persister struct {
	store  profile.Store
	cfg    PersisterConfig
	queue  chan writeJob
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPersister starts the write workers.
func NewPersister(store profile.Store, cfg PersisterConfig, logger *zap.Logger) *Persister {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Persister{
		store:  store,
		cfg:    cfg,
		queue:  make(chan writeJob, cfg.QueueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue queues d for background persistence. The returned channel
// receives the final outcome. ok is false when the queue is full; the
// caller keeps the delta and tries again later.
func (p *Persister) Enqueue(learnerID string, d profile.Delta) (done <-chan error, ok bool) {
	job := writeJob{learnerID: learnerID, delta: d, done: make(chan error, 1)}
	select {
	case <-p.ctx.Done():
		return nil, false
	default:
	}
	select {
	case p.queue <- job:
		return job.done, true
	default:
		return nil, false
	}
}

// Persist writes d synchronously with the same retry policy, bounded by ctx.
func (p *Persister) Persist(ctx context.Context, learnerID string, d profile.Delta) error {
	return p.write(ctx, learnerID, d)
}

func (p *Persister) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.queue:
			job.done <- p.write(p.ctx, job.learnerID, job.delta)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Persister) write(ctx context.Context, learnerID string, d profile.Delta) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = p.cfg.MaxElapsed

	op := func() error {
		_, err := profile.Update(ctx, p.store, learnerID, d, p.cfg.MaxCASRetries)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, profile.ErrBusy), errors.Is(err, profile.ErrStoreUnavailable):
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("profile write deferred",
			zap.String("learner", learnerID),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil {
		p.logger.Error("profile write dropped",
			zap.String("learner", learnerID),
			zap.String("batch", d.Key),
			zap.Error(err))
	}
	return err
}

// Close stops the workers. Jobs still queued are not written; actors flush
// their own deltas synchronously before closing.
func (p *Persister) Close() {
	p.cancel()
	p.wg.Wait()
}
