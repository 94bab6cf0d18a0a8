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

const defaultOllamaBaseURL = "http://localhost:11434"

type OllamaProvider struct {
	cfg        *config.LLMEndpoint
	httpClient *httpclient.Client
	baseURL    string
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	// Format accepts a JSON Schema document; the model is constrained to it.
	Format  json.RawMessage `json:"format,omitempty"`
	Options map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error,omitempty"`
}

func NewOllamaProvider(ep *config.LLMEndpoint, cfg *config.LLMConfig) *OllamaProvider {
	baseURL := ep.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaProvider{
		cfg:        ep,
		httpClient: createHTTPClient(cfg),
		baseURL:    baseURL,
	}
}

func (p *OllamaProvider) Model() string { return p.cfg.Model }

func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) AskStructured(ctx context.Context, prompt string, schema json.RawMessage) (map[string]any, error) {
	content, err := p.chat(ctx, prompt, schema)
	if err != nil {
		return nil, err
	}
	return extractJSON(content)
}

func (p *OllamaProvider) Ask(ctx context.Context, prompt string) (string, error) {
	return p.chat(ctx, prompt, nil)
}

func (p *OllamaProvider) chat(ctx context.Context, prompt string, format json.RawMessage) (string, error) {
	reqBody := &ollamaRequest{
		Model:    p.cfg.Model,
		Messages: []ollamaMessage{{Role: "user", Content: prompt}},
		Stream:   false,
		Format:   format,
	}
	if p.cfg.Temperature > 0 {
		reqBody.Options = map[string]any{"temperature": p.cfg.Temperature}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp ollamaResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != "" {
		return "", fmt.Errorf("Ollama API error: %s", apiResp.Error)
	}
	return apiResp.Message.Content, nil
}
