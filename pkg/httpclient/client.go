// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// RetryStrategy decides how a failed attempt is retried.
type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

// RateLimitInfo carries provider rate-limit hints parsed from response headers.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	RequestsRemaining int
}

type RateLimitHeaderParser func(http.Header) RateLimitInfo

type RetryStrategyFunc func(statusCode int) RetryStrategy

// Client is a retrying HTTP client shared by all REST drivers (LLM
// providers, embedders, vector-store backends). Safe for concurrent use.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	strategyFunc RetryStrategyFunc
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func WithTLSConfig(cfg *TLSConfig) Option {
	return func(c *Client) {
		transport, err := ConfigureTLS(cfg)
		if err != nil {
			slog.Warn("Failed to configure TLS, using default transport", "error", err)
			return
		}
		c.client.Transport = transport
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseDelay:    2 * time.Second,
		headerParser: DefaultHeaderParser,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// DefaultHeaderParser understands the standard Retry-After header.
func DefaultHeaderParser(h http.Header) RateLimitInfo {
	info := RateLimitInfo{RequestsRemaining: -1}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = n
		}
	}
	return info
}

// Do executes the request, retrying retryable failures with exponential
// backoff. The request must have GetBody set for bodies to survive retries
// (http.NewRequest does this for common body types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastResp, lastErr = nil, err
			if attempt < c.maxRetries {
				delay := c.backoff(ConservativeRetry, attempt, RateLimitInfo{})
				slog.Debug("HTTP request failed, retrying", "attempt", attempt, "delay", delay, "error", err)
				time.Sleep(delay)
				continue
			}
			break
		}

		strategy := c.strategyFunc(resp.StatusCode)
		if strategy == NoRetry {
			return resp, nil
		}

		info := c.headerParser(resp.Header)
		lastResp = resp
		lastErr = fmt.Errorf("server returned status %d", resp.StatusCode)

		if attempt < c.maxRetries {
			resp.Body.Close()
			delay := c.backoff(strategy, attempt, info)
			slog.Debug("Retryable HTTP status, backing off",
				"status", resp.StatusCode, "attempt", attempt, "delay", delay)
			time.Sleep(delay)
		}
	}

	if lastResp != nil {
		return lastResp, &RetryableError{
			StatusCode: lastResp.StatusCode,
			Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
			Err:        lastErr,
		}
	}
	return nil, &RetryableError{
		Message: fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
		Err:     lastErr,
	}
}

func (c *Client) backoff(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	if strategy == SmartRetry && info.RetryAfter > 0 {
		return info.RetryAfter
	}
	return time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt)))
}
