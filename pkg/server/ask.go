// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
)

// askPayload is the POST body shape of /ask. Every field mirrors a query
// parameter of the GET form.
type askPayload struct {
	Query            string   `json:"query"`
	Prev             []string `json:"prev,omitempty"`
	Site             []string `json:"site,omitempty"`
	ContextURL       string   `json:"context_url,omitempty"`
	Streaming        *bool    `json:"streaming,omitempty"`
	GenerateMode     string   `json:"generate_mode,omitempty"`
	QueryID          string   `json:"query_id,omitempty"`
	ThreadID         string   `json:"thread_id,omitempty"`
	UserID           string   `json:"user_id,omitempty"`
	Decontextualized string   `json:"decontextualized_query,omitempty"`
	DB               string   `json:"db,omitempty"`
}

// handleAsk serves the query endpoint. Streaming requests get one SSE frame
// per message; non-streaming requests get the accumulated map as JSON.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseAskRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if req.Streaming {
		s.streamAsk(w, r, req)
		return
	}

	accumulated, err := s.runner.Run(r.Context(), req, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, accumulated)
}

func (s *Server) streamAsk(w http.ResponseWriter, r *http.Request, req *core.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		// No flush support: degrade to the accumulated JSON response.
		req.Streaming = false
		accumulated, err := s.runner.Run(r.Context(), req, nil)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, accumulated)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(msg core.Message) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := s.runner.Run(r.Context(), req, emit); err != nil {
		// Headers already went out; the only honest signal left is a frame.
		if !errors.Is(err, core.ErrConnectionLost) {
			slog.Warn("Streaming query failed", "error", err)
			_ = emit(core.Message{
				"message_type": core.MsgError,
				"error":        err.Error(),
			})
		}
	}
}

// parseAskRequest merges the query string and, for POST, the JSON body into
// one request. Body fields win over query parameters.
func (s *Server) parseAskRequest(r *http.Request) (*core.Request, error) {
	params := r.URL.Query()

	req := &core.Request{
		Query:            unescapeQuery(params.Get("query")),
		PrevQueries:      splitMulti(params["prev"]),
		Sites:            splitMulti(params["site"]),
		ContextURL:       params.Get("context_url"),
		Streaming:        parseBool(params.Get("streaming"), true),
		Mode:             config.GenerateMode(params.Get("generate_mode")),
		QueryID:          params.Get("query_id"),
		ThreadID:         params.Get("thread_id"),
		UserID:           params.Get("user_id"),
		Decontextualized: params.Get("decontextualized_query"),
	}
	s.applyBackendOverride(req, params.Get("db"))

	if r.Method == http.MethodPost && strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var body askPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, core.InvalidInputf("malformed request body: %v", err)
		}
		if body.Query != "" {
			req.Query = body.Query
		}
		if len(body.Prev) > 0 {
			req.PrevQueries = body.Prev
		}
		if len(body.Site) > 0 {
			req.Sites = body.Site
		}
		if body.ContextURL != "" {
			req.ContextURL = body.ContextURL
		}
		if body.Streaming != nil {
			req.Streaming = *body.Streaming
		}
		if body.GenerateMode != "" {
			req.Mode = config.GenerateMode(body.GenerateMode)
		}
		if body.QueryID != "" {
			req.QueryID = body.QueryID
		}
		if body.ThreadID != "" {
			req.ThreadID = body.ThreadID
		}
		if body.UserID != "" {
			req.UserID = body.UserID
		}
		if body.Decontextualized != "" {
			req.Decontextualized = body.Decontextualized
		}
		s.applyBackendOverride(req, body.DB)
	}

	if strings.TrimSpace(req.Query) == "" {
		return nil, core.InvalidInputf("query parameter is required")
	}
	switch req.Mode {
	case "", config.GenerateModeNone, config.GenerateModeList,
		config.GenerateModeSummarize, config.GenerateModeGenerate:
	default:
		return nil, core.InvalidInputf("unknown generate_mode %q", req.Mode)
	}

	return req, nil
}

// applyBackendOverride honours the db parameter in dev mode only.
func (s *Server) applyBackendOverride(req *core.Request, db string) {
	if db == "" {
		return
	}
	if !s.cfg.Server.DevMode {
		slog.Debug("Ignoring db override outside dev mode", "db", db)
		return
	}
	req.Backend = db
}

// splitMulti accepts both repeated parameters and comma-separated values.
func splitMulti(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseBool(value string, def bool) bool {
	switch strings.ToLower(value) {
	case "":
		return def
	case "false", "0", "no":
		return false
	default:
		return true
	}
}

// unescapeQuery tolerates clients that double-encode the query parameter.
func unescapeQuery(q string) string {
	if !strings.Contains(q, "%") {
		return q
	}
	unescaped, err := url.QueryUnescape(q)
	if err != nil {
		return q
	}
	return unescaped
}
