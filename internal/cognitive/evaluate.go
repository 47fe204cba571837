package cognitive

import (
	"sort"
	"time"

	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/signal"
)

// Metrics are the windowed engagement and success ratios for one concept,
// maintained by the caller across batches.
type Metrics struct {
	Engagement float64 `json:"engagement"`
	Success    float64 `json:"success"`
	Attempts   int     `json:"attempts"`
}

// Input is one evaluation request.
type Input struct {
	Profile *profile.LearnerProfile
	Batch   []signal.Signal
	Metrics map[string]Metrics
	Week    int
	Now     time.Time
}

// Assessment is the at-risk verdict for one concept.
type Assessment struct {
	ConceptID  string  `json:"concept_id"`
	Engagement float64 `json:"engagement"`
	Success    float64 `json:"success"`
	AtRisk     bool    `json:"at_risk"`
	Severity   float64 `json:"severity"`
}

// ScheduleEntry is the active review schedule for one (learner, concept).
type ScheduleEntry struct {
	LearnerID    string    `json:"learner_id"`
	ConceptID    string    `json:"concept_id"`
	NextReviewAt time.Time `json:"next_review_at"`
	IntervalDays int       `json:"interval_days"`
	LastScore    float64   `json:"last_score"`
	ReviewedAt   time.Time `json:"reviewed_at"`
}

// StruggleEvent records a detected at-risk condition on a concept.
type StruggleEvent struct {
	SessionID string    `json:"session_id"`
	LearnerID string    `json:"learner_id"`
	ConceptID string    `json:"concept_id"`
	Severity  float64   `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the outcome of one evaluation.
type Result struct {
	Delta       profile.Delta   `json:"delta"`
	Assessments []Assessment    `json:"assessments"`
	Schedule    []ScheduleEntry `json:"schedule,omitempty"`

	// Due lists concepts in the batch whose predicted retention is below
	// the review threshold.
	Due []string `json:"due,omitempty"`

	// Degraded is set when the result came from the rule-based fallback.
	Degraded bool `json:"degraded,omitempty"`
}

var kindModality = map[signal.Kind]string{
	signal.KindHover:  "visual",
	signal.KindScroll: "reading",
	signal.KindClick:  "kinesthetic",
	signal.KindQuiz:   "kinesthetic",
}

// Evaluate turns a profile snapshot and a signal batch into a profile delta
// and decisions. It is deterministic: the same input yields the same result.
func (e *Engine) Evaluate(in Input) Result {
	res := e.observe(in)
	p := in.Profile
	if p == nil {
		p = profile.New("", "", in.Now)
	}
	adaptive := p.Personalized()
	d := &res.Delta

	// Quiz reviews in arrival order, chaining intervals within the batch.
	intervals := make(map[string]int)
	var correct, attempts int
	for _, s := range in.Batch {
		if s.Kind != signal.KindQuiz {
			continue
		}
		c := s.ConceptID()
		perf, ok := performance(s)
		if c == "" || !ok {
			continue
		}
		attempts++
		if perf >= e.cfg.SuccessThreshold {
			correct++
		}
		prev, seen := intervals[c]
		if !seen {
			prev = p.Concepts[c].IntervalDays
		}
		next := e.NextInterval(perf, prev)
		intervals[c] = next

		mult := e.cfg.FailureMultiplier
		if perf >= e.cfg.SuccessThreshold {
			mult = e.cfg.SuccessMultiplier
		}
		if d.StabilityFactor == nil {
			d.StabilityFactor = make(map[string]float64)
			d.Reviews = make(map[string]int64)
			d.Reviewed = make(map[string]profile.Review)
		}
		f, ok := d.StabilityFactor[c]
		if !ok {
			f = 1
		}
		d.StabilityFactor[c] = f * mult
		d.Reviews[c]++
		d.Reviewed[c] = profile.Review{At: s.Timestamp, IntervalDays: next, Score: perf}

		res.Schedule = append(res.Schedule, ScheduleEntry{
			LearnerID:    p.LearnerID,
			ConceptID:    c,
			NextReviewAt: s.Timestamp.Add(time.Duration(next) * 24 * time.Hour),
			IntervalDays: next,
			LastScore:    perf,
			ReviewedAt:   s.Timestamp,
		})
	}
	res.Schedule = latestPerConcept(res.Schedule)

	if !adaptive {
		return res
	}

	for _, c := range sortedKeys(in.Metrics) {
		m := in.Metrics[c]
		if m.Attempts == 0 {
			continue
		}
		cur := p.DifficultyOf(c)
		if next := e.AdjustDifficulty(cur, m.Success); next != cur {
			if d.DifficultyShift == nil {
				d.DifficultyShift = make(map[string]float64)
			}
			d.DifficultyShift[c] = next - cur
		}
	}

	for _, s := range in.Batch {
		if !engaged(s) {
			continue
		}
		m, ok := kindModality[s.Kind]
		if !ok {
			continue
		}
		if d.ModalityShift == nil {
			d.ModalityShift = make(map[string]float64)
		}
		d.ModalityShift[m] = min(d.ModalityShift[m]+e.cfg.ModalityStep, 5*e.cfg.ModalityStep)
	}

	if attempts > 0 {
		rate := float64(correct) / float64(attempts)
		switch {
		case rate > e.cfg.TargetSuccess+e.cfg.DeadBand+epsilon:
			d.VelocityFactor = e.cfg.VelocityFactor
		case rate < e.cfg.TargetSuccess-e.cfg.DeadBand-epsilon:
			d.VelocityFactor = 1 / e.cfg.VelocityFactor
		}
	}
	return res
}

// Fallback is the rule-based decision used when Evaluate cannot finish in
// time. It records counters and applies the fixed at-risk thresholds, but
// does not learn: no stability, difficulty, modality or velocity changes
// and no schedule updates.
func (e *Engine) Fallback(in Input) Result {
	res := e.observe(in)
	res.Degraded = true
	return res
}

// observe builds the parts shared by Evaluate and Fallback: signal
// counters, exposures, last-seen timestamps, assessments and due reviews.
func (e *Engine) observe(in Input) Result {
	var res Result
	d := &res.Delta
	d.Key = signal.BatchKey(in.Batch)
	if in.Profile != nil {
		d.TenantID = in.Profile.TenantID
	}

	for _, s := range in.Batch {
		if d.SignalCounts == nil {
			d.SignalCounts = make(map[string]int64)
		}
		d.SignalCounts[string(s.Kind)]++
		c := s.ConceptID()
		if c == "" {
			continue
		}
		if d.Exposures == nil {
			d.Exposures = make(map[string]int64)
			d.LastSeen = make(map[string]time.Time)
		}
		d.Exposures[c]++
		if s.Timestamp.After(d.LastSeen[c]) {
			d.LastSeen[c] = s.Timestamp
		}
	}

	week := in.Week
	if week <= 0 && in.Profile != nil {
		week = in.Profile.Week(in.Now)
	}
	for _, c := range sortedKeys(in.Metrics) {
		m := in.Metrics[c]
		res.Assessments = append(res.Assessments, Assessment{
			ConceptID:  c,
			Engagement: m.Engagement,
			Success:    m.Success,
			AtRisk:     e.AtRisk(m.Engagement, m.Success, week),
			Severity:   e.Severity(m.Engagement, m.Success, week),
		})
	}

	if in.Profile != nil {
		for _, c := range sortedKeys(d.Exposures) {
			cs, ok := in.Profile.Concepts[c]
			if !ok || cs.LastReviewedAt.IsZero() {
				continue
			}
			days := in.Now.Sub(cs.LastReviewedAt).Hours() / 24
			if e.ReviewDue(days, in.Profile.StabilityOf(c)) {
				res.Due = append(res.Due, c)
			}
		}
	}
	return res
}

// performance maps a quiz signal to a score in [0, 1].
func performance(s signal.Signal) (float64, bool) {
	if v, ok := s.Score(); ok {
		return v, true
	}
	if c, ok := s.Correct(); ok {
		if c {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// engaged reports whether a signal counts as active engagement. Idle
// signals and hovers longer than LongHover do not.
func engaged(s signal.Signal) bool {
	switch {
	case s.Kind == signal.KindIdle:
		return false
	case s.Kind == signal.KindHover && s.Duration() > LongHover:
		return false
	}
	return true
}

// Engaged is the exported form of the engagement rule used by windowed
// metrics.
func Engaged(s signal.Signal) bool { return engaged(s) }

// LongHover is the hover duration past which the learner is treated as
// stuck rather than reading.
const LongHover = 30 * time.Second

func latestPerConcept(entries []ScheduleEntry) []ScheduleEntry {
	if len(entries) < 2 {
		return entries
	}
	idx := make(map[string]int, len(entries))
	var out []ScheduleEntry
	for _, en := range entries {
		if i, ok := idx[en.ConceptID]; ok {
			out[i] = en
			continue
		}
		idx[en.ConceptID] = len(out)
		out = append(out, en)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
