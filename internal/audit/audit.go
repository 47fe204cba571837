// Package audit records accepted telemetry. Signals are not retained
// anywhere else once a Session Actor has consumed them.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/signal"
)

// Sink receives accepted signals. Record must not block on I/O.
type Sink interface {
	Record(ctx context.Context, s signal.Signal) error
	// EndSession is called once a session has terminated.
	EndSession(ctx context.Context, sessionID string) error
}

// LogSink writes accepted signals to the structured log at debug level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Record(_ context.Context, s signal.Signal) error {
	l.logger.Debug("signal accepted",
		zap.String("session", s.SessionID),
		zap.String("kind", string(s.Kind)),
		zap.Time("timestamp", s.Timestamp),
		zap.Int64("duration_ms", s.DurationMS))
	return nil
}

func (l *LogSink) EndSession(context.Context, string) error { return nil }

// Discard drops everything.
type Discard struct{}

func (Discard) Record(context.Context, signal.Signal) error { return nil }

func (Discard) EndSession(context.Context, string) error { return nil }
