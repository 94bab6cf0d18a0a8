// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/embedder"
	"github.com/nlweb-go/nlweb/pkg/observability"
	"github.com/nlweb-go/nlweb/pkg/registry"
	"github.com/nlweb-go/nlweb/pkg/schemaorg"
)

// UnifiedRetriever fans a search out to every eligible backend in parallel
// and merges the results. Backend clients are created lazily and cached for
// the process lifetime; site sets are cached per endpoint on first use.
type UnifiedRetriever struct {
	cfg      *config.RetrievalConfig
	embedder embedder.Provider
	metrics  *observability.Metrics

	clients *registry.BaseRegistry[Backend]

	siteMu    sync.Mutex
	siteCache map[string][]string // endpoint name -> known sites; nil entry = unsupported
}

// NewUnifiedRetriever composes the configured endpoints.
func NewUnifiedRetriever(cfg *config.RetrievalConfig, emb embedder.Provider, metrics *observability.Metrics) *UnifiedRetriever {
	if metrics == nil {
		metrics = &observability.Metrics{}
	}
	return &UnifiedRetriever{
		cfg:       cfg,
		embedder:  emb,
		metrics:   metrics,
		clients:   registry.NewBaseRegistry[Backend](),
		siteCache: make(map[string][]string),
	}
}

// client returns the cached driver for an endpoint, creating it on first use.
func (r *UnifiedRetriever) client(name string) (Backend, error) {
	ep, ok := r.cfg.Endpoints[name]
	if !ok {
		return nil, fmt.Errorf("retrieval endpoint '%s' not found", name)
	}
	return r.clients.GetOrCreate(name, func() (Backend, error) {
		return NewBackendFromConfig(ep, r.embedder)
	})
}

// enabledEndpoints returns endpoint names in a stable order. When override
// is non-empty (dev-mode db parameter) only that endpoint is considered.
func (r *UnifiedRetriever) enabledEndpoints(override string) []string {
	var names []string
	for name, ep := range r.cfg.Endpoints {
		if !ep.IsEnabled() {
			continue
		}
		if override != "" && name != override {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sitesFor returns the cached site set for an endpoint. The first call asks
// the backend; a backend without the GetSites capability caches nil, which
// means "always consider". A transient GetSites failure is not cached, so
// the next search retries the enumeration.
func (r *UnifiedRetriever) sitesFor(ctx context.Context, name string, backend Backend) []string {
	r.siteMu.Lock()
	if sites, ok := r.siteCache[name]; ok {
		r.siteMu.Unlock()
		return sites
	}
	r.siteMu.Unlock()

	var sites []string
	if lister, ok := backend.(SiteLister); ok {
		listed, err := lister.GetSites(ctx)
		if err != nil {
			slog.Debug("GetSites failed, treating endpoint as unrestricted", "endpoint", name, "error", err)
			return nil
		}
		sites = listed
	}

	r.siteMu.Lock()
	r.siteCache[name] = sites
	r.siteMu.Unlock()
	return sites
}

// eligible reports whether an endpoint should receive a search for the given
// site scope: unknown site set, wildcard scope, or at least one overlap.
func eligible(cachedSites []string, sites []string) bool {
	if cachedSites == nil || IsAllSites(sites) {
		return true
	}
	known := make(map[string]bool, len(cachedSites))
	for _, s := range cachedSites {
		known[s] = true
	}
	for _, s := range sites {
		if known[s] {
			return true
		}
	}
	return false
}

// SearchOptions tweak a unified search.
type SearchOptions struct {
	// EndpointOverride restricts the fan-out to one endpoint (dev mode).
	EndpointOverride string
}

// Search fans out to every eligible backend and merges results. Individual
// backend failures are logged and dropped; only total failure surfaces, as
// ErrRetrievalFailed.
func (r *UnifiedRetriever) Search(ctx context.Context, query string, sites []string, k int, opts SearchOptions) ([]Item, error) {
	names := r.enabledEndpoints(opts.EndpointOverride)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no enabled endpoints", ErrRetrievalFailed)
	}

	timeout := time.Duration(r.cfg.Timeout) * time.Second

	type backendResult struct {
		name  string
		items []Item
	}

	resultsMu := sync.Mutex{}
	var results []backendResult
	attempted := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		backend, err := r.client(name)
		if err != nil {
			slog.Warn("Failed to create retrieval client", "endpoint", name, "error", err)
			continue
		}
		if !eligible(r.sitesFor(ctx, name, backend), sites) {
			continue
		}
		attempted++

		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			var items []Item
			var searchErr error
			if IsAllSites(sites) {
				items, searchErr = backend.SearchAllSites(callCtx, query, k)
			} else {
				items, searchErr = backend.Search(callCtx, query, sites, k)
			}
			r.metrics.RecordBackendSearch(ctx, searchErr != nil)
			if searchErr != nil {
				// Partial failure: drop this backend, keep the rest.
				slog.Warn("Backend search failed", "endpoint", name, "error", searchErr)
				return nil
			}

			resultsMu.Lock()
			results = append(results, backendResult{name: name, items: items})
			resultsMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if attempted == 0 {
		return nil, fmt.Errorf("%w: no endpoint serves sites %v", ErrRetrievalFailed, sites)
	}
	if len(results) == 0 {
		return nil, ErrRetrievalFailed
	}

	// Stable order so interleaving is deterministic per configuration.
	sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })

	lists := make([][]Item, len(results))
	for i, res := range results {
		lists[i] = res.items
	}
	return mergeRanked(lists, k), nil
}

// mergeRanked interleaves per-backend result lists in rank order and
// deduplicates by URL, coalescing duplicate schema documents into a JSON
// array. The output is truncated to k.
func mergeRanked(lists [][]Item, k int) []Item {
	var merged []Item
	index := make(map[string]int)

	maxLen := 0
	for _, list := range lists {
		if len(list) > maxLen {
			maxLen = len(list)
		}
	}

	for pos := 0; pos < maxLen; pos++ {
		for _, list := range lists {
			if pos >= len(list) {
				continue
			}
			item := list[pos]
			if at, seen := index[item.URL]; seen {
				combined, err := schemaorg.MergeDocuments(merged[at].Schema, item.Schema)
				if err != nil {
					slog.Debug("Failed to merge duplicate documents", "url", item.URL, "error", err)
					continue
				}
				merged[at].Schema = combined
				if merged[at].Name == "" {
					merged[at].Name = item.Name
				}
				continue
			}
			index[item.URL] = len(merged)
			merged = append(merged, item)
		}
	}

	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

// SearchByURL asks every enabled backend for the exact URL and returns the
// first hit.
func (r *UnifiedRetriever) SearchByURL(ctx context.Context, url string) (*Item, error) {
	names := r.enabledEndpoints("")

	for _, name := range names {
		backend, err := r.client(name)
		if err != nil {
			continue
		}
		item, err := backend.SearchByURL(ctx, url)
		if err != nil {
			slog.Debug("SearchByURL failed", "endpoint", name, "error", err)
			continue
		}
		if item != nil {
			return item, nil
		}
	}
	return nil, nil
}

// GetSites returns the union of site sets across enabled endpoints.
// Endpoints without the capability contribute nothing.
func (r *UnifiedRetriever) GetSites(ctx context.Context) ([]string, error) {
	set := make(map[string]bool)
	for _, name := range r.enabledEndpoints("") {
		backend, err := r.client(name)
		if err != nil {
			continue
		}
		for _, site := range r.sitesFor(ctx, name, backend) {
			set[site] = true
		}
	}

	sites := make([]string, 0, len(set))
	for site := range set {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites, nil
}

// UploadDocuments writes documents to the designated write endpoint.
func (r *UnifiedRetriever) UploadDocuments(ctx context.Context, docs []Document) error {
	writer, err := r.writer()
	if err != nil {
		return err
	}
	return writer.Upload(ctx, docs)
}

// DeleteDocumentsBySite removes every document of a site from the write
// endpoint.
func (r *UnifiedRetriever) DeleteDocumentsBySite(ctx context.Context, site string) error {
	writer, err := r.writer()
	if err != nil {
		return err
	}
	return writer.DeleteSite(ctx, site)
}

func (r *UnifiedRetriever) writer() (Writer, error) {
	if r.cfg.WriteEndpoint == "" {
		return nil, ErrNoWriteEndpoint
	}
	backend, err := r.client(r.cfg.WriteEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create write endpoint client: %w", err)
	}
	writer, ok := backend.(Writer)
	if !ok {
		return nil, fmt.Errorf("write endpoint %s does not support writes", r.cfg.WriteEndpoint)
	}
	return writer, nil
}

// Close shuts down every cached client.
func (r *UnifiedRetriever) Close() error {
	var firstErr error
	for _, name := range r.clients.Names() {
		if backend, ok := r.clients.Get(name); ok {
			if err := backend.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
