// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

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

// restClient is the shared plumbing for backends driven over a JSON REST
// API (Elasticsearch, OpenSearch, Azure AI Search, Milvus, Snowflake).
type restClient struct {
	baseURL string
	headers map[string]string
	client  *httpclient.Client
}

func newRESTClient(cfg *config.RetrievalEndpoint, defaultPort int, headers map[string]string) *restClient {
	scheme := "http"
	if config.BoolValue(cfg.EnableTLS, false) {
		scheme = "https"
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	var opts []httpclient.Option
	if scheme == "https" && (config.BoolValue(cfg.InsecureSkipVerify, false) || cfg.CACertificate != "") {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: config.BoolValue(cfg.InsecureSkipVerify, false),
			CACertificate:      cfg.CACertificate,
		}))
	}

	return &restClient{
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port),
		headers: headers,
		client:  httpclient.New(opts...),
	}
}

// doJSON posts a JSON payload and decodes the JSON response into out.
// A nil payload sends no body; a nil out discards the response.
func (c *restClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("request failed: status %d, body: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
