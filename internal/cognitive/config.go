package cognitive

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("cognitive: invalid config")

// Config holds every tunable of the model. A zero field means "use the
// default" and is replaced from DefaultConfig, so a tunable cannot be set
// to exactly zero: a dead band, weight or step that should vanish needs a
// small positive value such as 1e-9 instead. The multipliers, thresholds
// and interval bounds must be positive anyway (see Validate).
type Config struct {
	// Spaced repetition.
	SuccessThreshold  float64 `json:"success_threshold" yaml:"success_threshold"`
	SuccessMultiplier float64 `json:"success_multiplier" yaml:"success_multiplier"`
	FailureMultiplier float64 `json:"failure_multiplier" yaml:"failure_multiplier"`
	MinIntervalDays   int     `json:"min_interval_days" yaml:"min_interval_days"`
	MaxIntervalDays   int     `json:"max_interval_days" yaml:"max_interval_days"`

	// Forgetting curve.
	RetentionThreshold float64 `json:"retention_threshold" yaml:"retention_threshold"`

	// Difficulty controller.
	TargetSuccess  float64 `json:"target_success" yaml:"target_success"`
	DeadBand       float64 `json:"dead_band" yaml:"dead_band"`
	DifficultyStep float64 `json:"difficulty_step" yaml:"difficulty_step"`

	// At-risk detector.
	EarlyWeeks      int     `json:"early_weeks" yaml:"early_weeks"`
	EarlyEngagement float64 `json:"early_engagement" yaml:"early_engagement"`
	EarlySuccess    float64 `json:"early_success" yaml:"early_success"`
	LateEngagement  float64 `json:"late_engagement" yaml:"late_engagement"`
	LateSuccess     float64 `json:"late_success" yaml:"late_success"`

	// Load balancer.
	ImportanceWeight float64 `json:"importance_weight" yaml:"importance_weight"`
	EnjoymentWeight  float64 `json:"enjoyment_weight" yaml:"enjoyment_weight"`
	LoadWeight       float64 `json:"load_weight" yaml:"load_weight"`
	PrimarySlots     int     `json:"primary_slots" yaml:"primary_slots"`
	SecondarySlots   int     `json:"secondary_slots" yaml:"secondary_slots"`

	// Multi-session spacing.
	SpacingGrowth float64 `json:"spacing_growth" yaml:"spacing_growth"`

	// Profile adaptation per batch.
	ModalityStep   float64 `json:"modality_step" yaml:"modality_step"`
	VelocityFactor float64 `json:"velocity_factor" yaml:"velocity_factor"`
}

// DefaultConfig returns the stock model constants.
func DefaultConfig() Config {
	return Config{
		SuccessThreshold:   0.8,
		SuccessMultiplier:  1.3,
		FailureMultiplier:  0.6,
		MinIntervalDays:    1,
		MaxIntervalDays:    90,
		RetentionThreshold: 0.85,
		TargetSuccess:      0.75,
		DeadBand:           0.05,
		DifficultyStep:     0.05,
		EarlyWeeks:         6,
		EarlyEngagement:    0.6,
		EarlySuccess:       0.7,
		LateEngagement:     0.5,
		LateSuccess:        0.65,
		ImportanceWeight:   0.5,
		EnjoymentWeight:    0.3,
		LoadWeight:         0.2,
		PrimarySlots:       1,
		SecondarySlots:     2,
		SpacingGrowth:      1.15,
		ModalityStep:       0.01,
		VelocityFactor:     1.05,
	}
}

// WithDefaults replaces every zero field with its DefaultConfig value.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	setF := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	setI := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setF(&c.SuccessThreshold, d.SuccessThreshold)
	setF(&c.SuccessMultiplier, d.SuccessMultiplier)
	setF(&c.FailureMultiplier, d.FailureMultiplier)
	setI(&c.MinIntervalDays, d.MinIntervalDays)
	setI(&c.MaxIntervalDays, d.MaxIntervalDays)
	setF(&c.RetentionThreshold, d.RetentionThreshold)
	setF(&c.TargetSuccess, d.TargetSuccess)
	setF(&c.DeadBand, d.DeadBand)
	setF(&c.DifficultyStep, d.DifficultyStep)
	setI(&c.EarlyWeeks, d.EarlyWeeks)
	setF(&c.EarlyEngagement, d.EarlyEngagement)
	setF(&c.EarlySuccess, d.EarlySuccess)
	setF(&c.LateEngagement, d.LateEngagement)
	setF(&c.LateSuccess, d.LateSuccess)
	setF(&c.ImportanceWeight, d.ImportanceWeight)
	setF(&c.EnjoymentWeight, d.EnjoymentWeight)
	setF(&c.LoadWeight, d.LoadWeight)
	setI(&c.PrimarySlots, d.PrimarySlots)
	setI(&c.SecondarySlots, d.SecondarySlots)
	setF(&c.SpacingGrowth, d.SpacingGrowth)
	setF(&c.ModalityStep, d.ModalityStep)
	setF(&c.VelocityFactor, d.VelocityFactor)
	return c
}

// Validate checks ranges after defaults have been applied.
func (c Config) Validate() error {
	switch {
	case c.MinIntervalDays < 1 || c.MaxIntervalDays < c.MinIntervalDays:
		return fmt.Errorf("%w: interval bounds [%d, %d]", ErrInvalidConfig, c.MinIntervalDays, c.MaxIntervalDays)
	case c.SuccessMultiplier <= 0 || c.FailureMultiplier <= 0:
		return fmt.Errorf("%w: interval multipliers must be positive", ErrInvalidConfig)
	case c.RetentionThreshold <= 0 || c.RetentionThreshold >= 1:
		return fmt.Errorf("%w: retention threshold %f out of range (0, 1)", ErrInvalidConfig, c.RetentionThreshold)
	case c.TargetSuccess < 0 || c.TargetSuccess > 1 || c.DeadBand < 0:
		return fmt.Errorf("%w: target success %f ± %f", ErrInvalidConfig, c.TargetSuccess, c.DeadBand)
	case c.DifficultyStep <= 0 || c.DifficultyStep > 1:
		return fmt.Errorf("%w: difficulty step %f", ErrInvalidConfig, c.DifficultyStep)
	case c.SpacingGrowth < 1:
		return fmt.Errorf("%w: spacing growth %f below 1", ErrInvalidConfig, c.SpacingGrowth)
	case c.PrimarySlots < 0 || c.SecondarySlots < 0:
		return fmt.Errorf("%w: negative plan slots", ErrInvalidConfig)
	}
	return nil
}
