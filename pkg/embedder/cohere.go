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

const defaultCohereBaseURL = "https://api.cohere.com"

type CohereEmbedder struct {
	cfg        *config.EmbeddingConfig
	httpClient *httpclient.Client
	baseURL    string
}

type cohereEmbeddingRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type cohereEmbeddingResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
	Message string `json:"message,omitempty"`
}

func NewCohereEmbedder(cfg *config.EmbeddingConfig) *CohereEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultCohereBaseURL
	}
	return &CohereEmbedder{
		cfg:        cfg,
		httpClient: createHTTPClient(cfg),
		baseURL:    baseURL,
	}
}

func (e *CohereEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *CohereEmbedder) Close() error { return nil }

func (e *CohereEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(&cohereEmbeddingRequest{
		Model:          e.cfg.Model,
		Texts:          []string{text},
		InputType:      "search_query",
		EmbeddingTypes: []string{"float"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v2/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

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
		return nil, fmt.Errorf("Cohere API error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp cohereEmbeddingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(apiResp.Embeddings.Float) == 0 {
		if apiResp.Message != "" {
			return nil, fmt.Errorf("Cohere API error: %s", apiResp.Message)
		}
		return nil, fmt.Errorf("Cohere API returned no embedding")
	}
	return apiResp.Embeddings.Float[0], nil
}
