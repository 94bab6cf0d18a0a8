// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package embedder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/httpclient"
)

// Provider turns text into a vector. Backends call it once per query before
// fanning out; ingestion calls it per document.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Close() error
}

// NewProviderFromConfig creates the configured embedding provider.
func NewProviderFromConfig(cfg *config.EmbeddingConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedding config cannot be nil")
	}
	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg), nil
	case "ollama":
		return NewOllamaEmbedder(cfg), nil
	case "cohere":
		return NewCohereEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported embedding type: %s (supported: openai, ollama, cohere)", cfg.Type)
	}
}

func createHTTPClient(cfg *config.EmbeddingConfig) *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(2),
		httpclient.WithBaseDelay(time.Second),
	)
}
