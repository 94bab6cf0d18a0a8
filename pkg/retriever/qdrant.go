// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/embedder"
)

type qdrantBackend struct {
	client     *qdrant.Client
	embedder   embedder.Provider
	collection string
	cfg        *config.RetrievalEndpoint
}

// NewQdrantBackend connects to a Qdrant instance over gRPC.
func NewQdrantBackend(cfg *config.RetrievalEndpoint, emb embedder.Provider) (Backend, error) {
	useTLS := config.BoolValue(cfg.EnableTLS, false)

	port := cfg.Port
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	collection := cfg.Index
	if collection == "" {
		collection = "nlweb_documents"
	}

	return &qdrantBackend{
		client:     client,
		embedder:   emb,
		collection: collection,
		cfg:        cfg,
	}, nil
}

func (b *qdrantBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	return b.search(ctx, query, siteFilter(sites), k)
}

func (b *qdrantBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	return b.search(ctx, query, nil, k)
}

func (b *qdrantBackend) search(ctx context.Context, query string, filter *qdrant.Filter, k int) ([]Item, error) {
	vector, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: b.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	}

	pointsClient := b.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	items := make([]Item, 0, len(searchResult.Result))
	for _, point := range searchResult.Result {
		items = append(items, itemFromPayload(point.Payload))
	}
	return items, nil
}

func (b *qdrantBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	scroll := &qdrant.ScrollPoints{
		CollectionName: b.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("url", url)},
		},
		Limit:       qdrant.PtrOf(uint32(1)),
		WithPayload: qdrant.NewWithPayload(true),
	}

	points, err := b.client.Scroll(ctx, scroll)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll points: %w", err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	item := itemFromPayload(points[0].Payload)
	return &item, nil
}

func (b *qdrantBackend) Upload(ctx context.Context, docs []Document) error {
	if err := b.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, doc := range docs {
		vector := doc.Embedding
		if vector == nil {
			embedded, err := b.embedder.Embed(ctx, string(doc.Schema))
			if err != nil {
				return fmt.Errorf("failed to embed document %s: %w", doc.URL, err)
			}
			vector = embedded
		}

		// Deterministic IDs keep re-ingestion idempotent per URL.
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(doc.URL)).String()

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"url":         doc.URL,
				"name":        doc.Name,
				"site":        doc.Site,
				"schema_json": string(doc.Schema),
			}),
		})
	}

	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (b *qdrantBackend) DeleteSite(ctx context.Context, site string) error {
	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch("site", site)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points for site %s: %w", site, err)
	}
	return nil
}

func (b *qdrantBackend) ensureCollection(ctx context.Context) error {
	exists, err := b.client.CollectionExists(ctx, b.collection)
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}
	if exists {
		return nil
	}

	dim := b.cfg.VectorDim
	if dim == 0 {
		dim = b.embedder.Dimensions()
	}

	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (b *qdrantBackend) Close() error {
	return b.client.Close()
}

// siteFilter builds an OR filter over the requested sites.
func siteFilter(sites []string) *qdrant.Filter {
	if IsAllSites(sites) {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(sites))
	for _, site := range sites {
		conditions = append(conditions, qdrant.NewMatch("site", site))
	}
	return &qdrant.Filter{Should: conditions}
}

func itemFromPayload(payload map[string]*qdrant.Value) Item {
	var item Item
	if v, ok := payload["url"]; ok {
		item.URL = v.GetStringValue()
	}
	if v, ok := payload["name"]; ok {
		item.Name = v.GetStringValue()
	}
	if v, ok := payload["site"]; ok {
		item.Site = v.GetStringValue()
	}
	if v, ok := payload["schema_json"]; ok {
		item.Schema = json.RawMessage(v.GetStringValue())
	}
	return item
}
