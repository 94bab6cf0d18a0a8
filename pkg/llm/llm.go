// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/httpclient"
	"github.com/nlweb-go/nlweb/pkg/observability"
)

// Level selects the model tier for a call. Pre-checks and per-item scoring
// run on the low tier; synthesis, comparison and ensemble composition run on
// the high tier.
type Level string

const (
	LevelHigh Level = "high"
	LevelLow  Level = "low"
)

// Provider is one model endpoint capable of structured output.
type Provider interface {
	// AskStructured sends prompt and returns a JSON object conforming to
	// schema (a JSON Schema document).
	AskStructured(ctx context.Context, prompt string, schema json.RawMessage) (map[string]any, error)

	// Ask sends prompt and returns free text.
	Ask(ctx context.Context, prompt string) (string, error)

	Model() string

	Close() error
}

// Client exposes the two configured tiers behind one Ask operation.
type Client struct {
	high    Provider
	low     Provider
	metrics *observability.Metrics
	timeout time.Duration
}

// NewClient builds both tiers from config.
func NewClient(cfg *config.LLMConfig, metrics *observability.Metrics) (*Client, error) {
	high, err := NewProviderFromConfig(&cfg.High, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create high-tier LLM provider: %w", err)
	}
	low, err := NewProviderFromConfig(&cfg.Low, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create low-tier LLM provider: %w", err)
	}
	return &Client{
		high:    high,
		low:     low,
		metrics: metrics,
		timeout: time.Duration(cfg.Timeout) * time.Second,
	}, nil
}

// NewClientFromProviders wires pre-built providers, used by tests.
func NewClientFromProviders(high, low Provider, metrics *observability.Metrics) *Client {
	if metrics == nil {
		metrics = &observability.Metrics{}
	}
	return &Client{high: high, low: low, metrics: metrics, timeout: 30 * time.Second}
}

// NewProviderFromConfig creates one provider for the endpoint.
func NewProviderFromConfig(ep *config.LLMEndpoint, cfg *config.LLMConfig) (Provider, error) {
	if ep == nil {
		return nil, fmt.Errorf("LLM endpoint config cannot be nil")
	}
	switch ep.Type {
	case "openai":
		return NewOpenAIProvider(ep, cfg), nil
	case "anthropic":
		return NewAnthropicProvider(ep, cfg), nil
	case "ollama":
		return NewOllamaProvider(ep, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic, ollama)", ep.Type)
	}
}

// Ask performs one bounded structured call against the selected tier.
// Timeouts and provider failures surface as errors; callers treat them as
// per-item failures, never batch aborts.
func (c *Client) Ask(ctx context.Context, prompt string, schema json.RawMessage, level Level) (map[string]any, error) {
	provider := c.low
	if level == LevelHigh {
		provider = c.high
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := provider.AskStructured(callCtx, prompt, schema)
	if c.metrics != nil {
		c.metrics.RecordLLMCall(ctx, err != nil)
	}
	if err != nil {
		return nil, fmt.Errorf("LLM call failed (%s): %w", provider.Model(), err)
	}
	return result, nil
}

// AskText performs one bounded free-text call against the selected tier.
func (c *Client) AskText(ctx context.Context, prompt string, level Level) (string, error) {
	provider := c.low
	if level == LevelHigh {
		provider = c.high
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := provider.Ask(callCtx, prompt)
	if c.metrics != nil {
		c.metrics.RecordLLMCall(ctx, err != nil)
	}
	if err != nil {
		return "", fmt.Errorf("LLM call failed (%s): %w", provider.Model(), err)
	}
	return text, nil
}

func (c *Client) Close() error {
	if err := c.high.Close(); err != nil {
		return err
	}
	return c.low.Close()
}

func createHTTPClient(cfg *config.LLMConfig) *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
	)
}
