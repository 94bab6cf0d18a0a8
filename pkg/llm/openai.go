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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct {
	cfg        *config.LLMEndpoint
	httpClient *httpclient.Client
	baseURL    string
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func NewOpenAIProvider(ep *config.LLMEndpoint, cfg *config.LLMConfig) *OpenAIProvider {
	baseURL := ep.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		cfg:        ep,
		httpClient: createHTTPClient(cfg),
		baseURL:    baseURL,
	}
}

func (p *OpenAIProvider) Model() string { return p.cfg.Model }

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) AskStructured(ctx context.Context, prompt string, schema json.RawMessage) (map[string]any, error) {
	req := p.newRequest(prompt)
	req.ResponseFormat = &openAIResponseFormat{
		Type: "json_schema",
		JSONSchema: &openAIJSONSchema{
			Name:   "response",
			Strict: false,
			Schema: schema,
		},
	}

	content, err := p.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return extractJSON(content)
}

func (p *OpenAIProvider) Ask(ctx context.Context, prompt string) (string, error) {
	return p.complete(ctx, p.newRequest(prompt))
}

func (p *OpenAIProvider) newRequest(prompt string) *openAIRequest {
	req := &openAIRequest{
		Model:       p.cfg.Model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: p.cfg.Temperature,
	}
	if p.cfg.MaxTokens > 0 {
		maxTokens := p.cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}
	return req
}

func (p *OpenAIProvider) complete(ctx context.Context, reqBody *openAIRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

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
		return "", fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("OpenAI API error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI API returned no choices")
	}
	return apiResp.Choices[0].Message.Content, nil
}
