package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
)

// DefaultQueueSize bounds pending outbound events.
const DefaultQueueSize = 256

// Async decouples callers from a slow Dispatcher. Events are queued and
// delivered by a single worker; when the queue is full the event is dropped
// and logged so the caller never blocks.
type Async struct {
	next    Dispatcher
	queue   chan func(context.Context) error
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
	done    chan struct{}

	// closed is guarded by mu so no event is queued after the drain.
	mu     sync.Mutex
	closed bool
}

// NewAsync starts the delivery worker. timeout bounds each delivery.
func NewAsync(next Dispatcher, size int, timeout time.Duration, logger *zap.Logger) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		queue:   make(chan func(context.Context) error, size),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Intervene(_ context.Context, iv Intervention) error {
	return a.enqueue("intervention", func(ctx context.Context) error {
		return a.next.Intervene(ctx, iv)
	})
}

func (a *Async) Schedule(_ context.Context, e cognitive.ScheduleEntry) error {
	return a.enqueue("schedule", func(ctx context.Context) error {
		return a.next.Schedule(ctx, e)
	})
}

var (
	// ErrQueueFull is returned when an event was dropped.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrClosed is returned for events offered after Close.
	ErrClosed = errors.New("dispatch: closed")
)

func (a *Async) enqueue(kind string, fn func(context.Context) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("dispatch %s: %w", kind, ErrClosed)
	}
	select {
	case a.queue <- fn:
		return nil
	default:
		a.logger.Warn("dispatch queue full, dropping event", zap.String("kind", kind))
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		select {
		case fn := <-a.queue:
			a.deliver(fn)
		case <-a.done:
			// drain what is already queued
			for {
				select {
				case fn := <-a.queue:
					a.deliver(fn)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in dispatcher", zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		a.logger.Warn("dispatch failed", zap.Error(err))
	}
}

// Close stops accepting events, delivers what is queued and waits.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.done)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
