// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/httpclient"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

type AnthropicProvider struct {
	cfg        *config.LLMEndpoint
	httpClient *httpclient.Client
	baseURL    string
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicTool carries the structured-output schema. Anthropic has no
// response_format; forcing a single tool call is the reliable way to get
// schema-conforming JSON back.
type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicProvider(ep *config.LLMEndpoint, cfg *config.LLMConfig) *AnthropicProvider {
	baseURL := ep.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicProvider{
		cfg:        ep,
		httpClient: createHTTPClient(cfg),
		baseURL:    baseURL,
	}
}

func (p *AnthropicProvider) Model() string { return p.cfg.Model }

func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) AskStructured(ctx context.Context, prompt string, schema json.RawMessage) (map[string]any, error) {
	req := &anthropicRequest{
		Model:     p.cfg.Model,
		MaxTokens: p.maxTokens(),
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		Tools: []anthropicTool{{
			Name:        "respond",
			Description: "Return the structured response.",
			InputSchema: schema,
		}},
		ToolChoice:  &anthropicToolChoice{Type: "tool", Name: "respond"},
		Temperature: p.cfg.Temperature,
	}

	resp, err := p.send(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, block := range resp.Content {
		if block.Type == "tool_use" && len(block.Input) > 0 {
			var result map[string]any
			if err := json.Unmarshal(block.Input, &result); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			return result, nil
		}
	}

	// Some models answer in text despite a forced tool choice.
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			return extractJSON(block.Text)
		}
	}
	return nil, fmt.Errorf("Anthropic API returned no usable content")
}

func (p *AnthropicProvider) Ask(ctx context.Context, prompt string) (string, error) {
	req := &anthropicRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.maxTokens(),
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		Temperature: p.cfg.Temperature,
	}

	resp, err := p.send(ctx, req)
	if err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("Anthropic API returned no text content")
}

func (p *AnthropicProvider) maxTokens() int {
	if p.cfg.MaxTokens > 0 {
		return p.cfg.MaxTokens
	}
	return 1024
}

func (p *AnthropicProvider) send(ctx context.Context, reqBody *anthropicRequest) (*anthropicResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Anthropic API error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("Anthropic API error: %s", apiResp.Error.Message)
	}
	return &apiResp, nil
}
