package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Messages API.
type AnthropicProvider struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

func NewAnthropicProvider(cfg Config, logger *zap.Logger) *AnthropicProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	if cfg.ID == "" {
		cfg.ID = "anthropic"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string { return p.config.ID }

type anthropicRequest struct {
	Model       string         `json:"model"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// convert moves system messages into the top-level system prompt.
func (p *AnthropicProvider) convert(req *ChatRequest, stream bool) *anthropicRequest {
	req = withDefaultModel(req, p.config.Model)
	ar := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 1024
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	ar.System = strings.Join(system, "\n\n")
	return ar
}

func (p *AnthropicProvider) send(ctx context.Context, ar *anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.send(ctx, p.convert(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      text.String(),
		FinishReason: out.StopReason,
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resp, err := p.send(ctx, p.convert(req, true))
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 64)
	go readSSE(ctx, resp.Body, ch, decodeAnthropicEvent)
	return ch, nil
}

func decodeAnthropicEvent(data string) (StreamChunk, bool, bool) {
	var ev struct {
		Type  string `json:"type"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(data), &ev) != nil {
		return StreamChunk{}, false, false
	}
	switch ev.Type {
	case "content_block_delta":
		return StreamChunk{Content: ev.Delta.Text}, true, false
	case "message_delta":
		return StreamChunk{FinishReason: ev.Delta.StopReason}, ev.Delta.StopReason != "", false
	case "message_stop":
		return StreamChunk{Done: true}, true, true
	case "error":
		return StreamChunk{Err: fmt.Errorf("stream error: %s", ev.Error.Message)}, true, true
	}
	return StreamChunk{}, false, false
}
