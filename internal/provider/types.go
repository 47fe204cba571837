// Package provider talks to external inference services over HTTP.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrNoProvider = errors.New("provider: none available")

// Provider is an external inference collaborator.
type Provider interface {
	ID() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatStream returns a channel that is closed when the reply ends. A
	// chunk with Err set is always the last one sent.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// StreamChunk is one increment of a streamed reply.
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
	Err          error
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config describes one provider instance.
type Config struct {
	ID       string        `json:"id" yaml:"id"`
	Type     string        `json:"type" yaml:"type"` // openai|anthropic
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	APIKey   string        `json:"api_key" yaml:"api_key"`
	Model    string        `json:"model" yaml:"model"`
	Timeout  time.Duration `json:"-" yaml:"-"`
}

// New builds a provider from its config.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

func withDefaultModel(req *ChatRequest, model string) *ChatRequest {
	if req.Model != "" || model == "" {
		return req
	}
	out := *req
	out.Model = model
	return &out
}
