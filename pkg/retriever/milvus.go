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

// milvusBackend drives Milvus over its HTTP API.
type milvusBackend struct {
	rest       *restClient
	embedder   embedder.Provider
	collection string
}

func NewMilvusBackend(cfg *config.RetrievalEndpoint, emb embedder.Provider) (Backend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for Milvus")
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}

	collection := cfg.Index
	if collection == "" {
		collection = "nlweb_documents"
	}

	return &milvusBackend{
		rest:       newRESTClient(cfg, 19530, headers),
		embedder:   emb,
		collection: collection,
	}, nil
}

func (b *milvusBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	return b.search(ctx, query, milvusSiteExpr(sites), k)
}

func (b *milvusBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	return b.search(ctx, query, "", k)
}

func (b *milvusBackend) search(ctx context.Context, query string, expr string, k int) ([]Item, error) {
	vector, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	payload := map[string]any{
		"collection_name": b.collection,
		"vector":          vector,
		"top_k":           k,
		"metric_type":     "COSINE",
		"output_fields":   []string{"url", "name", "site", "schema_json"},
	}
	if expr != "" {
		payload["expr"] = expr
	}

	var resp struct {
		Results []map[string]any `json:"results"`
	}
	if err := b.rest.doJSON(ctx, http.MethodPost, "/api/v1/search", payload, &resp); err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	return itemsFromMilvusRows(resp.Results), nil
}

func (b *milvusBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	payload := map[string]any{
		"collection_name": b.collection,
		"expr":            fmt.Sprintf(`url == "%s"`, escapeMilvus(url)),
		"output_fields":   []string{"url", "name", "site", "schema_json"},
		"limit":           1,
	}

	var resp struct {
		Data []map[string]any `json:"data"`
	}
	if err := b.rest.doJSON(ctx, http.MethodPost, "/api/v1/query", payload, &resp); err != nil {
		return nil, fmt.Errorf("milvus query failed: %w", err)
	}

	items := itemsFromMilvusRows(resp.Data)
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (b *milvusBackend) Close() error {
	return nil
}

func milvusSiteExpr(sites []string) string {
	if IsAllSites(sites) {
		return ""
	}
	quoted := make([]string, len(sites))
	for i, site := range sites {
		quoted[i] = fmt.Sprintf(`"%s"`, escapeMilvus(site))
	}
	return fmt.Sprintf("site in [%s]", strings.Join(quoted, ", "))
}

func escapeMilvus(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func itemsFromMilvusRows(rows []map[string]any) []Item {
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item := Item{
			URL:  stringField(row, "url"),
			Name: stringField(row, "name"),
			Site: stringField(row, "site"),
		}
		if schema := stringField(row, "schema_json"); schema != "" {
			item.Schema = json.RawMessage(schema)
		}
		if item.URL == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

func stringField(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}
