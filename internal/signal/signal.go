package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind is the type of behavioral event reported by a client.
type Kind string

const (
	KindHover  Kind = "hover"
	KindScroll Kind = "scroll"
	KindIdle   Kind = "idle"
	KindClick  Kind = "click"
	KindQuiz   Kind = "quiz_interaction"
)

// Valid reports whether k is one of the known signal kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindHover, KindScroll, KindIdle, KindClick, KindQuiz:
		return true
	}
	return false
}

// Well-known context keys.
const (
	CtxLearnerID = "learner_id"
	CtxTenantID  = "tenant_id"
	CtxConceptID = "concept_id"
	CtxElementID = "element_id"
	CtxCorrect   = "correct"
	CtxScore     = "score"
	CtxWeek      = "week"
)

// Signal is an immutable behavioral telemetry event for one session.
type Signal struct {
	SessionID  string            `json:"session_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       Kind              `json:"signal_type"`
	DurationMS int64             `json:"duration_ms"`
	Context    map[string]string `json:"context,omitempty"`
}

// Duration returns the reported dwell time.
func (s Signal) Duration() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

// ConceptID returns the concept the signal refers to, falling back to the
// page element id. Empty when the signal is not tied to content.
func (s Signal) ConceptID() string {
	if v := s.Context[CtxConceptID]; v != "" {
		return v
	}
	return s.Context[CtxElementID]
}

// Score returns the performance score in [0,1] carried by quiz signals.
func (s Signal) Score() (float64, bool) {
	raw, ok := s.Context[CtxScore]
	if !ok {
		return 0, false
	}
	v, err := parseScore(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseScore parses a finite number in [0,1].
func parseScore(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return 0, fmt.Errorf("score %v out of range", v)
	}
	return v, nil
}

// Correct returns the outcome of a quiz interaction. A score is used when no
// explicit outcome is present.
func (s Signal) Correct() (bool, bool) {
	if raw, ok := s.Context[CtxCorrect]; ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return false, false
		}
		return v, true
	}
	if score, ok := s.Score(); ok {
		return score >= 0.5, true
	}
	return false, false
}

// Week returns an explicit course week, if the client supplied one.
func (s Signal) Week() (int, bool) {
	raw, ok := s.Context[CtxWeek]
	if !ok {
		return 0, false
	}
	w, err := strconv.Atoi(raw)
	if err != nil || w < 1 {
		return 0, false
	}
	return w, true
}

// BatchKey derives a stable content key for a batch of signals. Two batches
// with the same signals in the same order share a key.
func BatchKey(batch []Signal) string {
	h := sha256.New()
	for _, s := range batch {
		fmt.Fprintf(h, "%s|%d|%s|%d|", s.SessionID, s.Timestamp.UnixNano(), s.Kind, s.DurationMS)
		keys := make([]string, 0, len(s.Context))
		for k := range s.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k + "=" + s.Context[k] + ";"))
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (s Signal) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%s %s %dms", s.SessionID, s.Timestamp.Format(time.RFC3339Nano), s.Kind, s.DurationMS)
	if c := s.ConceptID(); c != "" {
		b.WriteString(" concept=" + c)
	}
	return b.String()
}

// Receiver accepts signals for one session without blocking.
type Receiver interface {
	Tell(s Signal) error
}
