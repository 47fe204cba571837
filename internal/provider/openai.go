package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OpenAIProvider speaks the chat completions API of OpenAI-compatible services.
type OpenAIProvider struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

func NewOpenAIProvider(cfg Config, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.ID == "" {
		cfg.ID = "openai"
	}
	// The per-turn deadline comes from the caller's context; the client
	// timeout only bounds runaway connections.
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string { return p.config.ID }

func (p *OpenAIProvider) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	return req, nil
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends a non-streaming request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	req = withDefaultModel(req, p.config.Model)
	httpReq, err := p.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("empty response from provider")
	}
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        out.Usage,
	}, nil
}

// ChatStream sends a streaming request.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	req = withDefaultModel(req, p.config.Model)
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	httpReq, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	ch := make(chan StreamChunk, 64)
	go readSSE(ctx, resp.Body, ch, decodeOpenAIEvent)
	return ch, nil
}

func decodeOpenAIEvent(data string) (StreamChunk, bool, bool) {
	if data == "[DONE]" {
		return StreamChunk{Done: true}, true, true
	}
	var ev struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if json.Unmarshal([]byte(data), &ev) != nil || len(ev.Choices) == 0 {
		return StreamChunk{}, false, false
	}
	c := ev.Choices[0]
	return StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}, true, false
}
