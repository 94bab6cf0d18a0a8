// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/philippgille/chromem-go"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/embedder"
)

// chromemBackend is the embedded vector store: no server, optional
// persistence to disk. Useful for dev mode and tests.
type chromemBackend struct {
	collection *chromem.Collection
}

func NewChromemBackend(cfg *config.RetrievalEndpoint, emb embedder.Provider) (Backend, error) {
	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	name := cfg.Index
	if name == "" {
		name = "nlweb_documents"
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return emb.Embed(ctx, text)
	}

	collection, err := db.GetOrCreateCollection(name, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to open chromem collection: %w", err)
	}

	return &chromemBackend{collection: collection}, nil
}

func (b *chromemBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	if IsAllSites(sites) {
		return b.SearchAllSites(ctx, query, k)
	}

	// chromem filters are single-value equality, so an OR over sites is one
	// query per site merged by similarity.
	var hits []chromem.Result
	for _, site := range sites {
		results, err := b.query(ctx, query, map[string]string{"site": site}, k)
		if err != nil {
			return nil, err
		}
		hits = append(hits, results...)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return itemsFromResults(hits), nil
}

func (b *chromemBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	hits, err := b.query(ctx, query, nil, k)
	if err != nil {
		return nil, err
	}
	return itemsFromResults(hits), nil
}

func (b *chromemBackend) query(ctx context.Context, query string, where map[string]string, k int) ([]chromem.Result, error) {
	// chromem rejects nResults larger than the collection.
	count := b.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := b.collection.Query(ctx, query, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query failed: %w", err)
	}
	return results, nil
}

func (b *chromemBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	doc, err := b.collection.GetByID(ctx, url)
	if err != nil {
		return nil, nil // not found
	}
	item := Item{
		URL:    doc.Metadata["url"],
		Name:   doc.Metadata["name"],
		Site:   doc.Metadata["site"],
		Schema: json.RawMessage(doc.Content),
	}
	if item.URL == "" {
		item.URL = doc.ID
	}
	return &item, nil
}

func (b *chromemBackend) Upload(ctx context.Context, docs []Document) error {
	for _, doc := range docs {
		err := b.collection.AddDocument(ctx, chromem.Document{
			ID: doc.URL,
			Metadata: map[string]string{
				"url":  doc.URL,
				"name": doc.Name,
				"site": doc.Site,
			},
			Embedding: doc.Embedding,
			Content:   string(doc.Schema),
		})
		if err != nil {
			return fmt.Errorf("failed to add document %s: %w", doc.URL, err)
		}
	}
	return nil
}

func (b *chromemBackend) DeleteSite(ctx context.Context, site string) error {
	if err := b.collection.Delete(ctx, map[string]string{"site": site}, nil); err != nil {
		return fmt.Errorf("failed to delete site %s: %w", site, err)
	}
	return nil
}

func (b *chromemBackend) Close() error {
	return nil
}

func itemsFromResults(results []chromem.Result) []Item {
	items := make([]Item, 0, len(results))
	for _, res := range results {
		item := Item{
			URL:    res.Metadata["url"],
			Name:   res.Metadata["name"],
			Site:   res.Metadata["site"],
			Schema: json.RawMessage(res.Content),
		}
		if item.URL == "" {
			item.URL = res.ID
		}
		items = append(items, item)
	}
	return items
}
