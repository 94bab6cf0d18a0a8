// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/embedder"
)

const azureSearchAPIVersion = "2024-07-01"

// azureSearchBackend drives Azure AI Search vector queries. Host is the full
// service hostname (e.g. myservice.search.windows.net); TLS is mandatory.
type azureSearchBackend struct {
	rest     *restClient
	embedder embedder.Provider
	index    string
}

func NewAzureSearchBackend(cfg *config.RetrievalEndpoint, emb embedder.Provider) (Backend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for Azure AI Search")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for Azure AI Search")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("index is required for Azure AI Search")
	}

	tlsOn := true
	azCfg := *cfg
	azCfg.EnableTLS = &tlsOn

	return &azureSearchBackend{
		rest:     newRESTClient(&azCfg, 443, map[string]string{"api-key": cfg.APIKey}),
		embedder: emb,
		index:    cfg.Index,
	}, nil
}

type azureSearchResponse struct {
	Value []struct {
		URL        string `json:"url"`
		Name       string `json:"name"`
		Site       string `json:"site"`
		SchemaJSON string `json:"schema_json"`
	} `json:"value"`
	Facets map[string][]struct {
		Value string `json:"value"`
	} `json:"@search.facets"`
}

func (b *azureSearchBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	return b.search(ctx, query, azureSiteFilter(sites), k)
}

func (b *azureSearchBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	return b.search(ctx, query, "", k)
}

func (b *azureSearchBackend) search(ctx context.Context, query string, filter string, k int) ([]Item, error) {
	vector, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	body := map[string]any{
		"select": "url,name,site,schema_json",
		"top":    k,
		"vectorQueries": []map[string]any{
			{
				"kind":   "vector",
				"vector": vector,
				"fields": "embedding",
				"k":      k,
			},
		},
	}
	if filter != "" {
		body["filter"] = filter
	}

	var resp azureSearchResponse
	if err := b.rest.doJSON(ctx, http.MethodPost, b.searchPath(), body, &resp); err != nil {
		return nil, err
	}
	return itemsFromAzureResponse(resp), nil
}

func (b *azureSearchBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	body := map[string]any{
		"search": "*",
		"select": "url,name,site,schema_json",
		"filter": fmt.Sprintf("url eq '%s'", escapeOData(url)),
		"top":    1,
	}
	var resp azureSearchResponse
	if err := b.rest.doJSON(ctx, http.MethodPost, b.searchPath(), body, &resp); err != nil {
		return nil, err
	}
	items := itemsFromAzureResponse(resp)
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// GetSites enumerates sites via a facet query.
func (b *azureSearchBackend) GetSites(ctx context.Context) ([]string, error) {
	body := map[string]any{
		"search": "*",
		"facets": []string{"site,count:1000"},
		"top":    0,
	}
	var resp azureSearchResponse
	if err := b.rest.doJSON(ctx, http.MethodPost, b.searchPath(), body, &resp); err != nil {
		return nil, err
	}

	buckets := resp.Facets["site"]
	sites := make([]string, 0, len(buckets))
	for _, bucket := range buckets {
		sites = append(sites, bucket.Value)
	}
	return sites, nil
}

func (b *azureSearchBackend) Close() error {
	return nil
}

func (b *azureSearchBackend) searchPath() string {
	return fmt.Sprintf("/indexes/%s/docs/search?api-version=%s", b.index, azureSearchAPIVersion)
}

func azureSiteFilter(sites []string) string {
	if IsAllSites(sites) {
		return ""
	}
	escaped := make([]string, len(sites))
	for i, site := range sites {
		escaped[i] = escapeOData(site)
	}
	return fmt.Sprintf("search.in(site, '%s', '|')", strings.Join(escaped, "|"))
}

func escapeOData(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func itemsFromAzureResponse(resp azureSearchResponse) []Item {
	items := make([]Item, 0, len(resp.Value))
	for _, doc := range resp.Value {
		items = append(items, Item{
			URL:    doc.URL,
			Name:   doc.Name,
			Site:   doc.Site,
			Schema: json.RawMessage(doc.SchemaJSON),
		})
	}
	return items
}
