// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nlweb-go/nlweb/pkg/config"
)

// snowflakeBackend drives Snowflake Cortex Search. The service embeds and
// ranks server-side, so this driver takes no embedder.
type snowflakeBackend struct {
	rest      *restClient
	queryPath string
}

func NewSnowflakeBackend(cfg *config.RetrievalEndpoint) (Backend, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("account is required for Snowflake Cortex Search")
	}
	if cfg.Database == "" || cfg.Schema == "" || cfg.Service == "" {
		return nil, fmt.Errorf("database, schema and service are required for Snowflake Cortex Search")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for Snowflake Cortex Search")
	}

	tlsOn := true
	sfCfg := *cfg
	sfCfg.EnableTLS = &tlsOn
	if sfCfg.Host == "" {
		sfCfg.Host = cfg.Account + ".snowflakecomputing.com"
	}

	headers := map[string]string{
		"Authorization":                       "Bearer " + cfg.APIKey,
		"X-Snowflake-Authorization-Token-Type": "PROGRAMMATIC_ACCESS_TOKEN",
	}

	return &snowflakeBackend{
		rest: newRESTClient(&sfCfg, 443, headers),
		queryPath: fmt.Sprintf("/api/v2/databases/%s/schemas/%s/cortex-search-services/%s:query",
			cfg.Database, cfg.Schema, cfg.Service),
	}, nil
}

type snowflakeResponse struct {
	Results []struct {
		URL        string `json:"url"`
		Name       string `json:"name"`
		Site       string `json:"site"`
		SchemaJSON string `json:"schema_json"`
	} `json:"results"`
}

func (b *snowflakeBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	return b.search(ctx, query, snowflakeSiteFilter(sites), k)
}

func (b *snowflakeBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	return b.search(ctx, query, nil, k)
}

func (b *snowflakeBackend) search(ctx context.Context, query string, filter map[string]any, k int) ([]Item, error) {
	payload := map[string]any{
		"query":   query,
		"columns": []string{"url", "name", "site", "schema_json"},
		"limit":   k,
	}
	if filter != nil {
		payload["filter"] = filter
	}

	var resp snowflakeResponse
	if err := b.rest.doJSON(ctx, http.MethodPost, b.queryPath, payload, &resp); err != nil {
		return nil, fmt.Errorf("cortex search failed: %w", err)
	}
	return itemsFromSnowflakeResponse(resp), nil
}

func (b *snowflakeBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	payload := map[string]any{
		"query":   url,
		"columns": []string{"url", "name", "site", "schema_json"},
		"filter":  map[string]any{"@eq": map[string]any{"url": url}},
		"limit":   1,
	}

	var resp snowflakeResponse
	if err := b.rest.doJSON(ctx, http.MethodPost, b.queryPath, payload, &resp); err != nil {
		return nil, fmt.Errorf("cortex search failed: %w", err)
	}
	items := itemsFromSnowflakeResponse(resp)
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (b *snowflakeBackend) Close() error {
	return nil
}

func snowflakeSiteFilter(sites []string) map[string]any {
	if IsAllSites(sites) {
		return nil
	}
	if len(sites) == 1 {
		return map[string]any{"@eq": map[string]any{"site": sites[0]}}
	}
	clauses := make([]map[string]any, len(sites))
	for i, site := range sites {
		clauses[i] = map[string]any{"@eq": map[string]any{"site": site}}
	}
	return map[string]any{"@or": clauses}
}

func itemsFromSnowflakeResponse(resp snowflakeResponse) []Item {
	items := make([]Item, 0, len(resp.Results))
	for _, row := range resp.Results {
		items = append(items, Item{
			URL:    row.URL,
			Name:   row.Name,
			Site:   row.Site,
			Schema: json.RawMessage(row.SchemaJSON),
		})
	}
	return items
}
