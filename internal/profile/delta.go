package profile

import (
	"time"
)

// Delta is a commutative change set produced by the cognitive engine.
// Counters are additive, timestamps merge with max-of, stability and velocity
// changes are multiplicative factors, and difficulty/modality changes are
// additive shifts clamped on application. Applying deltas in any order yields
// the same profile away from the clamp bounds, so CAS retries are safe.
type Delta struct {
	// Key identifies the signal batch the delta was derived from. A profile
	// ignores a delta whose key it has already applied.
	Key      string `json:"key,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`

	SignalCounts    map[string]int64     `json:"signal_counts,omitempty"`
	Exposures       map[string]int64     `json:"exposures,omitempty"`
	Reviews         map[string]int64     `json:"reviews,omitempty"`
	LastSeen        map[string]time.Time `json:"last_seen,omitempty"`
	Reviewed        map[string]Review    `json:"reviewed,omitempty"`
	StabilityFactor map[string]float64   `json:"stability_factor,omitempty"`
	DifficultyShift map[string]float64   `json:"difficulty_shift,omitempty"`
	ModalityShift   map[string]float64   `json:"modality_shift,omitempty"`
	VelocityFactor  float64              `json:"velocity_factor,omitempty"`

	// Retire soft-retires the profile on consent withdrawal.
	Retire bool `json:"retire,omitempty"`
}

// Review is a last-writer-wins register for a concept's schedule state.
// The review with the later timestamp wins; equal timestamps keep the
// longer interval.
type Review struct {
	At           time.Time `json:"at"`
	IntervalDays int       `json:"interval_days"`
	Score        float64   `json:"score"`
}

// Empty reports whether applying d would change nothing.
func (d Delta) Empty() bool {
	return !d.Retire && d.VelocityFactor == 0 &&
		len(d.SignalCounts) == 0 && len(d.Exposures) == 0 && len(d.Reviews) == 0 &&
		len(d.LastSeen) == 0 && len(d.Reviewed) == 0 &&
		len(d.StabilityFactor) == 0 && len(d.DifficultyShift) == 0 && len(d.ModalityShift) == 0
}

// Apply mutates p in place. It returns false when the delta was skipped
// because the profile is retired or the batch was already applied.
func (d Delta) Apply(p *LearnerProfile, now time.Time) bool {
	if p.Retired {
		return false
	}
	if d.Key != "" && p.hasBatch(d.Key) {
		return false
	}
	if d.Retire {
		retire(p, now)
		return true
	}
	ensureMaps(p)

	for kind, n := range d.SignalCounts {
		p.SignalTotals[kind] += n
	}
	for c, n := range d.Exposures {
		cs := p.Concepts[c]
		cs.Exposures += n
		p.Concepts[c] = cs
	}
	for c, n := range d.Reviews {
		cs := p.Concepts[c]
		cs.Reviews += n
		p.Concepts[c] = cs
	}
	for c, t := range d.LastSeen {
		cs := p.Concepts[c]
		if t.After(cs.LastSeenAt) {
			cs.LastSeenAt = t
		}
		p.Concepts[c] = cs
	}
	for c, r := range d.Reviewed {
		cs := p.Concepts[c]
		if r.At.After(cs.LastReviewedAt) || (r.At.Equal(cs.LastReviewedAt) && r.IntervalDays > cs.IntervalDays) {
			cs.LastReviewedAt = r.At
			cs.IntervalDays = r.IntervalDays
			cs.LastScore = r.Score
		}
		p.Concepts[c] = cs
	}
	for c, f := range d.StabilityFactor {
		if f <= 0 {
			continue
		}
		p.Stability[c] = clamp(p.StabilityOf(c)*f, MinStability, MaxStability)
	}
	for dom, s := range d.DifficultyShift {
		p.Difficulty[dom] = clamp(p.DifficultyOf(dom)+s, 0, 1)
	}
	for m, s := range d.ModalityShift {
		w, ok := p.MemoryArchitecture[m]
		if !ok {
			w = DefaultModality
		}
		p.MemoryArchitecture[m] = clamp(w+s, 0, 1)
	}
	if d.VelocityFactor > 0 {
		v := p.LearningVelocity
		if v <= 0 {
			v = DefaultVelocity
		}
		p.LearningVelocity = clamp(v*d.VelocityFactor, MinVelocity, MaxVelocity)
	}

	if d.Key != "" {
		p.AppliedBatches = append(p.AppliedBatches, d.Key)
		if n := len(p.AppliedBatches); n > appliedBatchWindow {
			p.AppliedBatches = append([]string(nil), p.AppliedBatches[n-appliedBatchWindow:]...)
		}
	}
	p.UpdatedAt = now
	return true
}

// retire clears per-concept learning state and sets both opt-outs. Identity
// and enrolment are kept; the profile is never deleted.
func retire(p *LearnerProfile, now time.Time) {
	p.Retired = true
	t := now
	p.RetiredAt = &t
	p.Privacy = PrivacyFlags{AnalyticsOptOut: true, PersonalizationOptOut: true}
	p.Stability = make(map[string]float64)
	p.Difficulty = make(map[string]float64)
	p.Concepts = make(map[string]ConceptState)
	p.SignalTotals = make(map[string]int64)
	p.AppliedBatches = nil
	p.UpdatedAt = now
}

func ensureMaps(p *LearnerProfile) {
	if p.MemoryArchitecture == nil {
		p.MemoryArchitecture = make(map[string]float64)
	}
	if p.Stability == nil {
		p.Stability = make(map[string]float64)
	}
	if p.Difficulty == nil {
		p.Difficulty = make(map[string]float64)
	}
	if p.Concepts == nil {
		p.Concepts = make(map[string]ConceptState)
	}
	if p.SignalTotals == nil {
		p.SignalTotals = make(map[string]int64)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
