package session

import (
	"time"
)

// Config tunes Session Actors. Zero fields take the defaults below.
type Config struct {
	CoalesceWindow        time.Duration
	IdleTimeout           time.Duration
	EngineBudget          time.Duration
	Cooldown              time.Duration
	DisconnectGrace       time.Duration
	IdleInterventionAfter time.Duration
	AssessmentWindow      time.Duration
	FlushTimeout          time.Duration
	MailboxSize           int

	// MinSignals is how many signals a concept needs in the assessment
	// window before it is assessed for risk.
	MinSignals int
}

const (
	DefaultCoalesceWindow        = 50 * time.Millisecond
	DefaultIdleTimeout           = 30 * time.Minute
	DefaultEngineBudget          = 40 * time.Millisecond
	DefaultCooldown              = 5 * time.Minute
	DefaultDisconnectGrace       = 60 * time.Second
	DefaultIdleInterventionAfter = 2 * time.Minute
	DefaultAssessmentWindow      = 10 * time.Minute
	DefaultFlushTimeout          = 5 * time.Second
	DefaultMailboxSize           = 256
	DefaultMinSignals            = 3
)

func (c Config) withDefaults() Config {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = DefaultCoalesceWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.EngineBudget <= 0 {
		c.EngineBudget = DefaultEngineBudget
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.IdleInterventionAfter <= 0 {
		c.IdleInterventionAfter = DefaultIdleInterventionAfter
	}
	if c.AssessmentWindow <= 0 {
		c.AssessmentWindow = DefaultAssessmentWindow
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.MinSignals <= 0 {
		c.MinSignals = DefaultMinSignals
	}
	return c
}
