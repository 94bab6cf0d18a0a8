// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/embedder"
)

type pineconeBackend struct {
	conn     *pinecone.IndexConnection
	embedder embedder.Provider
}

// NewPineconeBackend resolves the index host and opens a connection to it.
// The endpoint Host field is ignored; Pinecone routes by index name.
func NewPineconeBackend(cfg *config.RetrievalEndpoint, emb embedder.Provider) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for Pinecone")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("index is required for Pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	idx, err := client.DescribeIndex(context.Background(), cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to describe Pinecone index %s: %w", cfg.Index, err)
	}

	conn, err := client.Index(pinecone.NewIndexConnParams{Host: idx.Host})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pinecone index: %w", err)
	}

	return &pineconeBackend{conn: conn, embedder: emb}, nil
}

func (b *pineconeBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	filter, err := pineconeSiteFilter(sites)
	if err != nil {
		return nil, err
	}
	return b.search(ctx, query, filter, k)
}

func (b *pineconeBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	return b.search(ctx, query, nil, k)
}

func (b *pineconeBackend) search(ctx context.Context, query string, filter *pinecone.MetadataFilter, k int) ([]Item, error) {
	vector, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	resp, err := b.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(k),
		MetadataFilter:  filter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone query failed: %w", err)
	}

	items := make([]Item, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}
		items = append(items, itemFromPineconeMetadata(match.Vector.Id, match.Vector.Metadata))
	}
	return items, nil
}

func (b *pineconeBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	// Documents are stored with their URL as vector ID.
	resp, err := b.conn.FetchVectors(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("pinecone fetch failed: %w", err)
	}
	vec, ok := resp.Vectors[url]
	if !ok || vec == nil {
		return nil, nil
	}
	item := itemFromPineconeMetadata(vec.Id, vec.Metadata)
	return &item, nil
}

func (b *pineconeBackend) Upload(ctx context.Context, docs []Document) error {
	vectors := make([]*pinecone.Vector, 0, len(docs))
	for _, doc := range docs {
		values := doc.Embedding
		if values == nil {
			embedded, err := b.embedder.Embed(ctx, string(doc.Schema))
			if err != nil {
				return fmt.Errorf("failed to embed document %s: %w", doc.URL, err)
			}
			values = embedded
		}

		metadata, err := structpb.NewStruct(map[string]any{
			"url":         doc.URL,
			"name":        doc.Name,
			"site":        doc.Site,
			"schema_json": string(doc.Schema),
		})
		if err != nil {
			return fmt.Errorf("failed to build metadata for %s: %w", doc.URL, err)
		}

		vectors = append(vectors, &pinecone.Vector{
			Id:       doc.URL,
			Values:   values,
			Metadata: metadata,
		})
	}

	if _, err := b.conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("pinecone upsert failed: %w", err)
	}
	return nil
}

func (b *pineconeBackend) DeleteSite(ctx context.Context, site string) error {
	filter, err := structpb.NewStruct(map[string]any{
		"site": map[string]any{"$eq": site},
	})
	if err != nil {
		return fmt.Errorf("failed to build delete filter: %w", err)
	}
	if err := b.conn.DeleteVectorsByFilter(ctx, filter); err != nil {
		return fmt.Errorf("pinecone delete failed: %w", err)
	}
	return nil
}

func (b *pineconeBackend) Close() error {
	return b.conn.Close()
}

func pineconeSiteFilter(sites []string) (*pinecone.MetadataFilter, error) {
	if IsAllSites(sites) {
		return nil, nil
	}
	values := make([]any, len(sites))
	for i, site := range sites {
		values[i] = site
	}
	filter, err := structpb.NewStruct(map[string]any{
		"site": map[string]any{"$in": values},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build site filter: %w", err)
	}
	return filter, nil
}

func itemFromPineconeMetadata(id string, metadata *pinecone.Metadata) Item {
	item := Item{URL: id}
	if metadata == nil {
		return item
	}
	fields := metadata.GetFields()
	if v, ok := fields["url"]; ok && v.GetStringValue() != "" {
		item.URL = v.GetStringValue()
	}
	if v, ok := fields["name"]; ok {
		item.Name = v.GetStringValue()
	}
	if v, ok := fields["site"]; ok {
		item.Site = v.GetStringValue()
	}
	if v, ok := fields["schema_json"]; ok {
		item.Schema = json.RawMessage(v.GetStringValue())
	}
	return item
}
