package conversation

import "time"

const (
	DefaultHistoryTurns     = 10
	DefaultInferenceTimeout = 15 * time.Second
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultMailboxSize      = 16
	DefaultMaxTokens        = 512
	DefaultStoreTimeout     = 2 * time.Second
)

// Config tunes Conversation Actors.
type Config struct {
	HistoryTurns     int           `json:"history_turns"`
	InferenceTimeout time.Duration `json:"-"`
	IdleTimeout      time.Duration `json:"-"`
	MailboxSize      int           `json:"mailbox_size"`
	MaxTokens        int           `json:"max_tokens"`
	Temperature      float64       `json:"temperature"`
	StoreTimeout     time.Duration `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = DefaultInferenceTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}
