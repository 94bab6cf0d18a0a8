// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package embedder

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

type OllamaEmbedder struct {
	cfg        *config.EmbeddingConfig
	httpClient *httpclient.Client
	baseURL    string
}

type ollamaEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbeddingResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func NewOllamaEmbedder(cfg *config.EmbeddingConfig) *OllamaEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaEmbedder{
		cfg:        cfg,
		httpClient: createHTTPClient(cfg),
		baseURL:    baseURL,
	}
}

func (e *OllamaEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *OllamaEmbedder) Close() error { return nil }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(&ollamaEmbeddingRequest{
		Model: e.cfg.Model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp ollamaEmbeddingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != "" {
		return nil, fmt.Errorf("Ollama API error: %s", apiResp.Error)
	}
	if len(apiResp.Embeddings) == 0 {
		return nil, fmt.Errorf("Ollama API returned no embedding")
	}
	return apiResp.Embeddings[0], nil
}
