// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"encoding/json"
	"errors"
)

// Item is one retrieved document: a URL, its schema.org JSON-LD, a display
// name and the site it was indexed under. URLs are unique within a single
// backend; the unified retriever merges duplicates across backends.
type Item struct {
	URL    string          `json:"url"`
	Schema json.RawMessage `json:"schema_object"`
	Name   string          `json:"name"`
	Site   string          `json:"site"`
}

// Document is one record for ingestion writes.
type Document struct {
	URL       string          `json:"url"`
	Schema    json.RawMessage `json:"schema_json"`
	Name      string          `json:"name"`
	Site      string          `json:"site"`
	Embedding []float32       `json:"-"`
}

// Backend is the uniform capability set a vector-store driver implements.
// GetSites, Upload and DeleteSite are optional capabilities expressed by
// SiteLister and Writer.
type Backend interface {
	// Search runs vector-similarity search restricted to sites. An empty
	// or ["all"] site list means no filter.
	Search(ctx context.Context, query string, sites []string, k int) ([]Item, error)

	// SearchAllSites runs vector-similarity search with no site filter.
	SearchAllSites(ctx context.Context, query string, k int) ([]Item, error)

	// SearchByURL looks up one document by exact URL. Returns nil when the
	// URL is unknown.
	SearchByURL(ctx context.Context, url string) (*Item, error)

	Close() error
}

// SiteLister is implemented by backends that can enumerate their sites.
// Absence means "always consider this backend" during endpoint gating.
type SiteLister interface {
	GetSites(ctx context.Context) ([]string, error)
}

// Writer is implemented by backends that accept ingestion writes.
type Writer interface {
	Upload(ctx context.Context, docs []Document) error
	DeleteSite(ctx context.Context, site string) error
}

// ErrRetrievalFailed reports that every selected backend failed for a
// search. It is the only retrieval error surfaced to the caller.
var ErrRetrievalFailed = errors.New("all retrieval backends failed")

// ErrNoWriteEndpoint reports a write with no configured write endpoint.
var ErrNoWriteEndpoint = errors.New("no write endpoint configured")

// AllSites is the wildcard site scope.
const AllSites = "all"

// IsAllSites reports whether the scope disables site filtering.
func IsAllSites(sites []string) bool {
	if len(sites) == 0 {
		return true
	}
	for _, s := range sites {
		if s == AllSites {
			return true
		}
	}
	return false
}
