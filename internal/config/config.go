package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/mindpulse/internal/audit"
	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/conversation"
	"github.com/nidhogg/mindpulse/internal/gateway"
	"github.com/nidhogg/mindpulse/internal/provider"
	"github.com/nidhogg/mindpulse/internal/ratelimit"
	"github.com/nidhogg/mindpulse/internal/reminder"
	"github.com/nidhogg/mindpulse/internal/session"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Gateway      GatewayConfig      `json:"gateway" yaml:"gateway"`
	Session      SessionConfig      `json:"session" yaml:"session"`
	Persister    PersisterConfig    `json:"persister" yaml:"persister"`
	Profile      ProfileConfig      `json:"profile" yaml:"profile"`
	Cognitive    cognitive.Config   `json:"cognitive" yaml:"cognitive"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	RateLimit    ratelimit.Limits   `json:"rate_limit" yaml:"rate_limit"`
	Providers    []ProviderConfig   `json:"providers" yaml:"providers"`
	Dispatch     DispatchConfig     `json:"dispatch" yaml:"dispatch"`
	Reminder     ReminderConfig     `json:"reminder" yaml:"reminder"`
	Audit        AuditConfig        `json:"audit" yaml:"audit"`
}

type ServerConfig struct {
	Port            int      `json:"port" yaml:"port"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn" yaml:"dsn"`
	Migrations string `json:"migrations" yaml:"migrations"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

type GatewayConfig struct {
	SkewTolerance Duration `json:"skew_tolerance" yaml:"skew_tolerance"`
	MaxFutureSkew Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type SessionConfig struct {
	CoalesceWindow        Duration `json:"coalesce_window" yaml:"coalesce_window"`
	IdleTimeout           Duration `json:"idle_timeout" yaml:"idle_timeout"`
	EngineBudget          Duration `json:"engine_budget" yaml:"engine_budget"`
	Cooldown              Duration `json:"cooldown" yaml:"cooldown"`
	DisconnectGrace       Duration `json:"disconnect_grace" yaml:"disconnect_grace"`
	IdleInterventionAfter Duration `json:"idle_intervention_after" yaml:"idle_intervention_after"`
	AssessmentWindow      Duration `json:"assessment_window" yaml:"assessment_window"`
	FlushTimeout          Duration `json:"flush_timeout" yaml:"flush_timeout"`
	MailboxSize           int      `json:"mailbox_size" yaml:"mailbox_size"`
	MinSignals            int      `json:"min_signals" yaml:"min_signals"`
}

type PersisterConfig struct {
	Workers        int      `json:"workers" yaml:"workers"`
	QueueSize      int      `json:"queue_size" yaml:"queue_size"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
	MaxElapsed     Duration `json:"max_elapsed" yaml:"max_elapsed"`
}

type ProfileConfig struct {
	CacheTTL      Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MaxCASRetries int      `json:"max_cas_retries" yaml:"max_cas_retries"`
}

type ConversationConfig struct {
	HistoryTurns     int      `json:"history_turns" yaml:"history_turns"`
	InferenceTimeout Duration `json:"inference_timeout" yaml:"inference_timeout"`
	IdleTimeout      Duration `json:"idle_timeout" yaml:"idle_timeout"`
	MailboxSize      int      `json:"mailbox_size" yaml:"mailbox_size"`
	MaxTokens        int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature      float64  `json:"temperature" yaml:"temperature"`
	FAQPath          string   `json:"faq_path" yaml:"faq_path"`
}

type ProviderConfig struct {
	ID       string   `json:"id" yaml:"id"`
	Type     string   `json:"type" yaml:"type"`
	Endpoint string   `json:"endpoint" yaml:"endpoint"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Model    string   `json:"model" yaml:"model"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

type DispatchConfig struct {
	QueueSize   int            `json:"queue_size" yaml:"queue_size"`
	Timeout     Duration       `json:"timeout" yaml:"timeout"`
	MinSeverity float64        `json:"min_severity" yaml:"min_severity"`
	Slack       NotifierConfig `json:"slack" yaml:"slack"`
	Discord     NotifierConfig `json:"discord" yaml:"discord"`
}

type NotifierConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

type ReminderConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Spec      string   `json:"spec" yaml:"spec"`
	BatchSize int      `json:"batch_size" yaml:"batch_size"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// AuditConfig selects where accepted signals are recorded. Sink is "log"
// (the default), "object" or "none".
type AuditConfig struct {
	Sink   string             `json:"sink" yaml:"sink"`
	Object audit.ObjectConfig `json:"object" yaml:"object"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(resolved), &cfg)
	default:
		err = json.Unmarshal([]byte(resolved), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. Actor-level tunables left at zero take
// the defaults of their packages.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Gateway.SkewTolerance == 0 {
		c.Gateway.SkewTolerance = Duration(gateway.DefaultSkewTolerance)
	}
	if c.Gateway.MaxFutureSkew == 0 {
		c.Gateway.MaxFutureSkew = Duration(gateway.DefaultMaxFutureSkew)
	}
	if c.Session.CoalesceWindow == 0 {
		c.Session.CoalesceWindow = Duration(session.DefaultCoalesceWindow)
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = Duration(session.DefaultIdleTimeout)
	}
	if c.Session.EngineBudget == 0 {
		c.Session.EngineBudget = Duration(session.DefaultEngineBudget)
	}
	if c.Session.Cooldown == 0 {
		c.Session.Cooldown = Duration(session.DefaultCooldown)
	}
	if c.Profile.CacheTTL == 0 {
		c.Profile.CacheTTL = Duration(5 * time.Second)
	}
	if c.Profile.MaxCASRetries == 0 {
		c.Profile.MaxCASRetries = 3
	}
	c.Cognitive = c.Cognitive.WithDefaults()
	if c.Conversation.HistoryTurns == 0 {
		c.Conversation.HistoryTurns = conversation.DefaultHistoryTurns
	}
	if c.Conversation.InferenceTimeout == 0 {
		c.Conversation.InferenceTimeout = Duration(conversation.DefaultInferenceTimeout)
	}
	if c.RateLimit.MessagesPerMinute == 0 {
		c.RateLimit.MessagesPerMinute = 20
	}
	if c.RateLimit.DailyTokens == 0 {
		c.RateLimit.DailyTokens = 200000
	}
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 1024
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = Duration(5 * time.Second)
	}
	if c.Dispatch.MinSeverity == 0 {
		c.Dispatch.MinSeverity = 0.5
	}
	if c.Audit.Sink == "" {
		c.Audit.Sink = "log"
	}
	if c.Reminder.Spec == "" {
		c.Reminder.Spec = reminder.DefaultSpec
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q must be debug, info, warn or error", c.Server.LogLevel)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if err := c.Cognitive.Validate(); err != nil {
		return err
	}
	if c.Dispatch.MinSeverity < 0 || c.Dispatch.MinSeverity > 1 {
		return fmt.Errorf("dispatch.min_severity %v must be in [0,1]", c.Dispatch.MinSeverity)
	}
	switch c.Audit.Sink {
	case "log", "none":
	case "object":
		if c.Audit.Object.Endpoint == "" || c.Audit.Object.Bucket == "" {
			return fmt.Errorf("audit.object needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("audit.sink %q must be log, object or none", c.Audit.Sink)
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		id := p.ID
		switch p.Type {
		case "openai", "anthropic":
		case "":
			p.Type = "openai"
		default:
			return fmt.Errorf("providers[%d]: unknown type %q", i, p.Type)
		}
		if id == "" {
			id = p.Type
		}
		if seen[id] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	return nil
}

func (c SessionConfig) Actor() session.Config {
	return session.Config{
		CoalesceWindow:        c.CoalesceWindow.Std(),
		IdleTimeout:           c.IdleTimeout.Std(),
		EngineBudget:          c.EngineBudget.Std(),
		Cooldown:              c.Cooldown.Std(),
		DisconnectGrace:       c.DisconnectGrace.Std(),
		IdleInterventionAfter: c.IdleInterventionAfter.Std(),
		AssessmentWindow:      c.AssessmentWindow.Std(),
		FlushTimeout:          c.FlushTimeout.Std(),
		MailboxSize:           c.MailboxSize,
		MinSignals:            c.MinSignals,
	}
}

func (c Config) PersisterConfig() session.PersisterConfig {
	return session.PersisterConfig{
		Workers:        c.Persister.Workers,
		QueueSize:      c.Persister.QueueSize,
		MaxCASRetries:  c.Profile.MaxCASRetries,
		InitialBackoff: c.Persister.InitialBackoff.Std(),
		MaxBackoff:     c.Persister.MaxBackoff.Std(),
		MaxElapsed:     c.Persister.MaxElapsed.Std(),
	}
}

func (c GatewayConfig) Ingest() gateway.Config {
	return gateway.Config{
		SkewTolerance: c.SkewTolerance.Std(),
		MaxFutureSkew: c.MaxFutureSkew.Std(),
	}
}

func (c ConversationConfig) Actor() conversation.Config {
	return conversation.Config{
		HistoryTurns:     c.HistoryTurns,
		InferenceTimeout: c.InferenceTimeout.Std(),
		IdleTimeout:      c.IdleTimeout.Std(),
		MailboxSize:      c.MailboxSize,
		MaxTokens:        c.MaxTokens,
		Temperature:      c.Temperature,
	}
}

func (c ProviderConfig) Provider() provider.Config {
	return provider.Config{
		ID:       c.ID,
		Type:     c.Type,
		Endpoint: c.Endpoint,
		APIKey:   c.APIKey,
		Model:    c.Model,
		Timeout:  c.Timeout.Std(),
	}
}

func (c ReminderConfig) Sweeper() reminder.Config {
	return reminder.Config{
		Spec:      c.Spec,
		BatchSize: c.BatchSize,
		Timeout:   c.Timeout.Std(),
	}
}
