package cognitive

import (
	"math"
)

// Engine evaluates the model with a fixed Config. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg (after defaults) and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Default returns an Engine with DefaultConfig.
func Default() *Engine {
	return &Engine{cfg: DefaultConfig()}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// NextInterval returns the next review interval in days. The previous
// interval is multiplied by the success or failure multiplier
// (performance at the threshold counts as success), rounded half away
// from zero, then clamped to [MinIntervalDays, MaxIntervalDays].
func (e *Engine) NextInterval(performance float64, previousDays int) int {
	mult := e.cfg.FailureMultiplier
	if performance >= e.cfg.SuccessThreshold {
		mult = e.cfg.SuccessMultiplier
	}
	next := int(math.Round(float64(previousDays) * mult))
	return clampInt(next, e.cfg.MinIntervalDays, e.cfg.MaxIntervalDays)
}

// Retention predicts recall probability after daysSince days for the
// given stability: exp(-daysSince/stability).
func (e *Engine) Retention(daysSince, stability float64) float64 {
	if daysSince <= 0 {
		return 1
	}
	if stability <= 0 {
		return 0
	}
	return math.Exp(-daysSince / stability)
}

// ReviewDue reports whether predicted retention has dropped below the
// retention threshold.
func (e *Engine) ReviewDue(daysSince, stability float64) bool {
	return e.Retention(daysSince, stability) < e.cfg.RetentionThreshold
}

// DaysUntilDue is the elapsed time at which retention reaches the
// threshold.
func (e *Engine) DaysUntilDue(stability float64) float64 {
	if stability <= 0 {
		return 0
	}
	return -stability * math.Log(e.cfg.RetentionThreshold)
}

// AdjustDifficulty applies one step of the hysteresis controller. Inside
// the dead-band (inclusive) the difficulty is returned unchanged; above it
// difficulty rises by one step, below it falls by one step. The result is
// clamped to [0, 1].
func (e *Engine) AdjustDifficulty(difficulty, accuracy float64) float64 {
	diff := accuracy - e.cfg.TargetSuccess
	if math.Abs(diff) <= e.cfg.DeadBand+epsilon {
		return difficulty
	}
	if diff > 0 {
		return clamp(difficulty+e.cfg.DifficultyStep, 0, 1)
	}
	return clamp(difficulty-e.cfg.DifficultyStep, 0, 1)
}

// AtRisk applies the week-dependent struggle thresholds. Values exactly at
// a threshold are not at risk.
func (e *Engine) AtRisk(engagement, success float64, week int) bool {
	eT, sT := e.thresholds(week)
	return engagement < eT || success < sT
}

// Severity scores how far below the thresholds a learner is, in [0, 1].
func (e *Engine) Severity(engagement, success float64, week int) float64 {
	eT, sT := e.thresholds(week)
	return clamp(1-math.Min(engagement/eT, success/sT), 0, 1)
}

func (e *Engine) thresholds(week int) (engagement, success float64) {
	if week <= e.cfg.EarlyWeeks {
		return e.cfg.EarlyEngagement, e.cfg.EarlySuccess
	}
	return e.cfg.LateEngagement, e.cfg.LateSuccess
}

// OptimalSpacing returns the gap in days before each of sessions study
// sessions ahead of a deadline: days/sessions * growth^i, capped at days-1
// and floored at 0.
func (e *Engine) OptimalSpacing(days float64, sessions int) []float64 {
	if sessions <= 0 || days <= 0 {
		return nil
	}
	base := days / float64(sessions)
	out := make([]float64, sessions)
	for i := range out {
		out[i] = math.Max(0, math.Min(base*math.Pow(e.cfg.SpacingGrowth, float64(i)), days-1))
	}
	return out
}

const epsilon = 1e-9

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
