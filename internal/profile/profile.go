package profile

import (
	"time"
)

// Defaults for a freshly created profile.
const (
	DefaultStability  = 3.0 // days
	DefaultDifficulty = 0.5
	DefaultVelocity   = 1.0
	DefaultModality   = 0.5

	MinStability = 0.1
	MaxStability = 3650.0
	MinVelocity  = 0.1
	MaxVelocity  = 10.0

	// appliedBatchWindow bounds how many batch keys are remembered for replay detection.
	appliedBatchWindow = 64
)

// Modalities tracked in the memory architecture.
var Modalities = []string{"visual", "auditory", "reading", "kinesthetic"}

// PrivacyFlags carry the learner's consent choices.
type PrivacyFlags struct {
	AnalyticsOptOut       bool `json:"analytics_opt_out"`
	PersonalizationOptOut bool `json:"personalization_opt_out"`
}

// ConceptState is the per-concept exposure record used by the retention model.
type ConceptState struct {
	Exposures      int64     `json:"exposures"`
	Reviews        int64     `json:"reviews"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	LastReviewedAt time.Time `json:"last_reviewed_at"`
	IntervalDays   int       `json:"interval_days"`
	LastScore      float64   `json:"last_score"`
}

// LearnerProfile is the durable, versioned cognitive profile of one learner.
// It is only mutated by applying a Delta.
type LearnerProfile struct {
	LearnerID          string                  `json:"learner_id"`
	TenantID           string                  `json:"tenant_id"`
	Revision           int64                   `json:"revision"`
	MemoryArchitecture map[string]float64      `json:"memory_architecture"`
	LearningVelocity   float64                 `json:"learning_velocity"`
	Stability          map[string]float64      `json:"stability"`
	Difficulty         map[string]float64      `json:"difficulty"`
	Concepts           map[string]ConceptState `json:"concepts"`
	SignalTotals       map[string]int64        `json:"signal_totals"`
	Privacy            PrivacyFlags            `json:"privacy"`
	EnrolledAt         time.Time               `json:"enrolled_at"`
	Retired            bool                    `json:"retired"`
	RetiredAt          *time.Time              `json:"retired_at,omitempty"`
	AppliedBatches     []string                `json:"applied_batches,omitempty"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

// New returns a revision-0 profile with default weights.
func New(learnerID, tenantID string, now time.Time) *LearnerProfile {
	p := &LearnerProfile{
		LearnerID:          learnerID,
		TenantID:           tenantID,
		MemoryArchitecture: make(map[string]float64, len(Modalities)),
		LearningVelocity:   DefaultVelocity,
		Stability:          make(map[string]float64),
		Difficulty:         make(map[string]float64),
		Concepts:           make(map[string]ConceptState),
		SignalTotals:       make(map[string]int64),
		EnrolledAt:         now,
		UpdatedAt:          now,
	}
	for _, m := range Modalities {
		p.MemoryArchitecture[m] = DefaultModality
	}
	return p
}

// StabilityOf returns the stability coefficient for a concept. Always > 0.
func (p *LearnerProfile) StabilityOf(conceptID string) float64 {
	if s, ok := p.Stability[conceptID]; ok && s > 0 {
		return s
	}
	return DefaultStability
}

// DifficultyOf returns the difficulty state for a skill domain in [0,1].
func (p *LearnerProfile) DifficultyOf(domain string) float64 {
	if d, ok := p.Difficulty[domain]; ok {
		return d
	}
	return DefaultDifficulty
}

// Week returns the 1-based course week of now relative to enrolment.
func (p *LearnerProfile) Week(now time.Time) int {
	if p.EnrolledAt.IsZero() || now.Before(p.EnrolledAt) {
		return 1
	}
	return int(now.Sub(p.EnrolledAt)/(7*24*time.Hour)) + 1
}

// Personalized reports whether adaptive behavior may use this profile.
func (p *LearnerProfile) Personalized() bool {
	return !p.Retired && !p.Privacy.PersonalizationOptOut
}

// Clone returns a deep copy.
func (p *LearnerProfile) Clone() *LearnerProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.MemoryArchitecture = cloneMap(p.MemoryArchitecture)
	c.Stability = cloneMap(p.Stability)
	c.Difficulty = cloneMap(p.Difficulty)
	c.SignalTotals = cloneMap(p.SignalTotals)
	c.Concepts = cloneMap(p.Concepts)
	if p.RetiredAt != nil {
		t := *p.RetiredAt
		c.RetiredAt = &t
	}
	c.AppliedBatches = append([]string(nil), p.AppliedBatches...)
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (p *LearnerProfile) hasBatch(key string) bool {
	for _, k := range p.AppliedBatches {
		if k == key {
			return true
		}
	}
	return false
}
