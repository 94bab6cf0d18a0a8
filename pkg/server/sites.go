// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/nlweb-go/nlweb/pkg/retriever"
)

// handleSites lists the distinct sites across all enabled backends, as one
// JSON object or as a single SSE frame when streaming is requested.
func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.retriever.GetSites(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list sites",
		})
		return
	}
	sort.Strings(sites)

	payload := map[string]any{
		"message_type": "sites",
		"sites":        sites,
	}

	if parseBool(r.URL.Query().Get("streaming"), false) {
		writeSSE(w, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// whoCandidates is how many results the site-affinity probe retrieves.
const whoCandidates = 30

// handleWho answers "which sites can answer this" by retrieving across all
// sites and aggregating hit counts per site.
func (s *Server) handleWho(w http.ResponseWriter, r *http.Request) {
	query := unescapeQuery(r.URL.Query().Get("query"))
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "query parameter is required",
		})
		return
	}

	items, err := s.retriever.Search(r.Context(), query, nil, whoCandidates, retriever.SearchOptions{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "retrieval failed",
		})
		return
	}

	counts := make(map[string]int)
	for _, item := range items {
		if item.Site != "" {
			counts[item.Site]++
		}
	}

	type siteHits struct {
		Site string `json:"site"`
		Hits int    `json:"hits"`
	}
	ranked := make([]siteHits, 0, len(counts))
	for site, hits := range counts {
		ranked = append(ranked, siteHits{Site: site, Hits: hits})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Hits != ranked[j].Hits {
			return ranked[i].Hits > ranked[j].Hits
		}
		return ranked[i].Site < ranked[j].Site
	})

	payload := map[string]any{
		"message_type": "who",
		"query":        query,
		"sites":        ranked,
	}
	if parseBool(r.URL.Query().Get("streaming"), false) {
		writeSSE(w, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// writeSSE sends one frame and closes the stream.
func writeSSE(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encoding failed"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
