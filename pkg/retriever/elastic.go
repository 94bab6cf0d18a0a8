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
	"github.com/nlweb-go/nlweb/pkg/embedder"
)

type elasticFlavor int

const (
	flavorElasticsearch elasticFlavor = iota
	flavorOpenSearch
)

// elasticBackend drives Elasticsearch and OpenSearch over their REST APIs.
// The two differ only in kNN query shape and auth scheme.
type elasticBackend struct {
	rest     *restClient
	embedder embedder.Provider
	index    string
	flavor   elasticFlavor
}

func NewElasticBackend(cfg *config.RetrievalEndpoint, emb embedder.Provider, flavor elasticFlavor) (Backend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for Elasticsearch/OpenSearch")
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		if flavor == flavorElasticsearch {
			headers["Authorization"] = "ApiKey " + cfg.APIKey
		} else {
			headers["Authorization"] = "Bearer " + cfg.APIKey
		}
	}

	index := cfg.Index
	if index == "" {
		index = "nlweb_documents"
	}

	return &elasticBackend{
		rest:     newRESTClient(cfg, 9200, headers),
		embedder: emb,
		index:    index,
		flavor:   flavor,
	}, nil
}

type elasticHits struct {
	Hits struct {
		Hits []struct {
			Source elasticDoc `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations struct {
		Sites struct {
			Buckets []struct {
				Key string `json:"key"`
			} `json:"buckets"`
		} `json:"sites"`
	} `json:"aggregations"`
}

type elasticDoc struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	Site       string `json:"site"`
	SchemaJSON string `json:"schema_json"`
}

func (b *elasticBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	var filter map[string]any
	if !IsAllSites(sites) {
		filter = map[string]any{"terms": map[string]any{"site": sites}}
	}
	return b.knnSearch(ctx, query, filter, k)
}

func (b *elasticBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	return b.knnSearch(ctx, query, nil, k)
}

func (b *elasticBackend) knnSearch(ctx context.Context, query string, filter map[string]any, k int) ([]Item, error) {
	vector, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var body map[string]any
	if b.flavor == flavorElasticsearch {
		knn := map[string]any{
			"field":          "embedding",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": k * 4,
		}
		if filter != nil {
			knn["filter"] = filter
		}
		body = map[string]any{"knn": knn, "size": k}
	} else {
		knnQuery := map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{"vector": vector, "k": k},
			},
		}
		if filter != nil {
			knnQuery = map[string]any{
				"bool": map[string]any{
					"must":   knnQuery,
					"filter": filter,
				},
			}
		}
		body = map[string]any{"query": knnQuery, "size": k}
	}

	var resp elasticHits
	if err := b.rest.doJSON(ctx, http.MethodPost, "/"+b.index+"/_search", body, &resp); err != nil {
		return nil, err
	}
	return itemsFromElasticHits(resp), nil
}

func (b *elasticBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	body := map[string]any{
		"query": map[string]any{"term": map[string]any{"url": url}},
		"size":  1,
	}
	var resp elasticHits
	if err := b.rest.doJSON(ctx, http.MethodPost, "/"+b.index+"/_search", body, &resp); err != nil {
		return nil, err
	}
	items := itemsFromElasticHits(resp)
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// GetSites enumerates sites via a terms aggregation.
func (b *elasticBackend) GetSites(ctx context.Context) ([]string, error) {
	body := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"sites": map[string]any{
				"terms": map[string]any{"field": "site", "size": 1000},
			},
		},
	}
	var resp elasticHits
	if err := b.rest.doJSON(ctx, http.MethodPost, "/"+b.index+"/_search", body, &resp); err != nil {
		return nil, err
	}

	sites := make([]string, 0, len(resp.Aggregations.Sites.Buckets))
	for _, bucket := range resp.Aggregations.Sites.Buckets {
		sites = append(sites, bucket.Key)
	}
	return sites, nil
}

func (b *elasticBackend) Close() error {
	return nil
}

func itemsFromElasticHits(resp elasticHits) []Item {
	items := make([]Item, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		items = append(items, Item{
			URL:    hit.Source.URL,
			Name:   hit.Source.Name,
			Site:   hit.Source.Site,
			Schema: json.RawMessage(hit.Source.SchemaJSON),
		})
	}
	return items
}
