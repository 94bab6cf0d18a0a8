// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
)

// mcpHandler exposes the gateway over the Model Context Protocol: one tool
// to ask a question, one to enumerate sites. Responses are the accumulated
// message map serialised as JSON text content.
func (s *Server) mcpHandler() http.Handler {
	mcpServer := server.NewMCPServer("nlweb", core.APIVersion,
		server.WithToolCapabilities(false),
	)

	askTool := mcp.NewTool("ask_nlweb",
		mcp.WithDescription("Ask a natural-language question over the configured content sites and get ranked schema.org results"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The natural-language question"),
		),
		mcp.WithString("site",
			mcp.Description("Restrict the search to one site"),
		),
		mcp.WithString("generate_mode",
			mcp.Description("One of list, summarize or generate; defaults to list"),
		),
	)
	mcpServer.AddTool(askTool, s.mcpAsk)

	sitesTool := mcp.NewTool("list_sites",
		mcp.WithDescription("List the sites available for querying"),
	)
	mcpServer.AddTool(sitesTool, s.mcpListSites)

	return server.NewStreamableHTTPServer(mcpServer)
}

func (s *Server) mcpAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := &core.Request{
		Query: query,
		Mode:  config.GenerateMode(request.GetString("generate_mode", "")),
	}
	if site := request.GetString("site", ""); site != "" {
		req.Sites = []string{site}
	}

	accumulated, err := s.runner.Run(ctx, req, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	data, err := json.Marshal(accumulated)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) mcpListSites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sites, err := s.retriever.GetSites(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sites: %v", err)), nil
	}
	sort.Strings(sites)

	data, err := json.Marshal(map[string]any{"sites": sites})
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
