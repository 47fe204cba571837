package signal

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalid is returned for malformed signals. Invalid signals are rejected
// and never retried.
var ErrInvalid = errors.New("signal: invalid")

// maxDurationMS bounds a single dwell report to one day.
const maxDurationMS = 24 * 60 * 60 * 1000

// Validate checks the schema of a single signal.
func Validate(s Signal) error {
	if s.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalid)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown signal_type %q", ErrInvalid, s.Kind)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalid)
	}
	if s.DurationMS < 0 || s.DurationMS > maxDurationMS {
		return fmt.Errorf("%w: duration_ms %d out of range", ErrInvalid, s.DurationMS)
	}
	if raw, ok := s.Context[CtxScore]; ok {
		if _, err := parseScore(raw); err != nil {
			return fmt.Errorf("%w: score %q must be a number in [0,1]", ErrInvalid, raw)
		}
	}
	if raw, ok := s.Context[CtxCorrect]; ok {
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("%w: correct %q must be a boolean", ErrInvalid, raw)
		}
	}
	return nil
}
