// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nlweb-go/nlweb/pkg/retriever"
)

// Ingester is the write surface of the retrieval layer. Registered only when
// the configured retriever supports writes.
type Ingester interface {
	UploadDocuments(ctx context.Context, docs []retriever.Document) error
	DeleteDocumentsBySite(ctx context.Context, site string) error
}

// uploadPayload is the PUT /documents body.
type uploadPayload struct {
	Documents []retriever.Document `json:"documents"`
}

func (s *Server) handleUploadDocuments(ing Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload uploadPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(payload.Documents) == 0 {
			http.Error(w, "documents must not be empty", http.StatusBadRequest)
			return
		}
		for _, doc := range payload.Documents {
			if doc.URL == "" {
				http.Error(w, "every document needs a url", http.StatusBadRequest)
				return
			}
		}

		if err := ing.UploadDocuments(r.Context(), payload.Documents); err != nil {
			slog.Error("Document upload failed", "count", len(payload.Documents), "error", err)
			http.Error(w, "ingestion failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"count":  len(payload.Documents),
		})
	}
}

func (s *Server) handleDeleteDocuments(ing Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site := r.URL.Query().Get("site")
		if site == "" {
			http.Error(w, "site parameter is required", http.StatusBadRequest)
			return
		}

		if err := ing.DeleteDocumentsBySite(r.Context(), site); err != nil {
			slog.Error("Document delete failed", "site", site, "error", err)
			http.Error(w, "deletion failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"site":   site,
		})
	}
}
