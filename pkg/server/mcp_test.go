// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcResponse struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// mcpCall posts one JSON-RPC request to /mcp, carrying the session id across
// calls and tolerating both JSON and SSE response framing.
func mcpCall(t *testing.T, ts *httptest.Server, sessionID *string, method string, params map[string]any) rpcResponse {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if *sessionID != "" {
		req.Header.Set("Mcp-Session-Id", *sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		*sessionID = sid
	}

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	payload := raw
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		payload = nil
		for _, line := range strings.Split(string(raw), "\n") {
			if strings.HasPrefix(line, "data: ") {
				payload = []byte(strings.TrimPrefix(line, "data: "))
			}
		}
		require.NotNil(t, payload, "no data frame in SSE response")
	}

	var parsed rpcResponse
	require.NoError(t, json.Unmarshal(payload, &parsed))
	return parsed
}

func TestMCPInitializeListAndCall(t *testing.T) {
	ts := testServer(t, &fakeRunner{}, &fakeRetriever{
		sites: []string{"recipes.example", "movies.example"},
	}, nil)

	var sessionID string
	initResp := mcpCall(t, ts, &sessionID, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "nlweb-test", "version": "0.1"},
		"capabilities":    map[string]any{},
	})
	require.Nil(t, initResp.Error)
	serverInfo, ok := initResp.Result["serverInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nlweb", serverInfo["name"])

	listResp := mcpCall(t, ts, &sessionID, "tools/list", map[string]any{})
	require.Nil(t, listResp.Error)
	toolsRaw, ok := listResp.Result["tools"].([]any)
	require.True(t, ok)

	var names []string
	for _, raw := range toolsRaw {
		tool, ok := raw.(map[string]any)
		require.True(t, ok)
		names = append(names, tool["name"].(string))
	}
	assert.Contains(t, names, "ask_nlweb")
	assert.Contains(t, names, "list_sites")

	callResp := mcpCall(t, ts, &sessionID, "tools/call", map[string]any{
		"name":      "list_sites",
		"arguments": map[string]any{},
	})
	require.Nil(t, callResp.Error)
	content, ok := callResp.Result["content"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, content)
	first, ok := content[0].(map[string]any)
	require.True(t, ok)
	text, _ := first["text"].(string)
	assert.Contains(t, text, "movies.example")
	assert.Contains(t, text, "recipes.example")
}
