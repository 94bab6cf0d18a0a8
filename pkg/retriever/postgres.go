// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/embedder"
)

// postgresBackend drives a pgvector-enabled Postgres. The table holds one
// row per document: url (primary key), name, site, schema_json, embedding.
type postgresBackend struct {
	db       *sql.DB
	embedder embedder.Provider
	table    string
}

func NewPostgresBackend(cfg *config.RetrievalEndpoint, emb embedder.Provider) (Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required for Postgres")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	table := cfg.Index
	if table == "" {
		table = "documents"
	}

	return &postgresBackend{
		db:       db,
		embedder: emb,
		table:    pq.QuoteIdentifier(table),
	}, nil
}

func (b *postgresBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	if IsAllSites(sites) {
		return b.SearchAllSites(ctx, query, k)
	}

	vector, err := b.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf(`SELECT url, name, site, schema_json FROM %s
		WHERE site = ANY($2)
		ORDER BY embedding <=> $1::vector LIMIT $3`, b.table)
	rows, err := b.db.QueryContext(ctx, stmt, vector, pq.Array(sites), k)
	if err != nil {
		return nil, fmt.Errorf("postgres search failed: %w", err)
	}
	return scanItems(rows)
}

func (b *postgresBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	vector, err := b.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf(`SELECT url, name, site, schema_json FROM %s
		ORDER BY embedding <=> $1::vector LIMIT $2`, b.table)
	rows, err := b.db.QueryContext(ctx, stmt, vector, k)
	if err != nil {
		return nil, fmt.Errorf("postgres search failed: %w", err)
	}
	return scanItems(rows)
}

func (b *postgresBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	stmt := fmt.Sprintf(`SELECT url, name, site, schema_json FROM %s WHERE url = $1`, b.table)

	var item Item
	var schema []byte
	err := b.db.QueryRowContext(ctx, stmt, url).Scan(&item.URL, &item.Name, &item.Site, &schema)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres lookup failed: %w", err)
	}
	item.Schema = json.RawMessage(schema)
	return &item, nil
}

// GetSites enumerates the distinct sites in the table.
func (b *postgresBackend) GetSites(ctx context.Context) ([]string, error) {
	stmt := fmt.Sprintf(`SELECT DISTINCT site FROM %s ORDER BY site`, b.table)
	rows, err := b.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (b *postgresBackend) Upload(ctx context.Context, docs []Document) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (url, name, site, schema_json, embedding)
		VALUES ($1, $2, $3, $4, $5::vector)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			site = EXCLUDED.site,
			schema_json = EXCLUDED.schema_json,
			embedding = EXCLUDED.embedding`, b.table)

	for _, doc := range docs {
		vector := doc.Embedding
		if vector == nil {
			embedded, err := b.embedder.Embed(ctx, string(doc.Schema))
			if err != nil {
				return fmt.Errorf("failed to embed document %s: %w", doc.URL, err)
			}
			vector = embedded
		}
		_, err := b.db.ExecContext(ctx, stmt, doc.URL, doc.Name, doc.Site, string(doc.Schema), vectorLiteral(vector))
		if err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", doc.URL, err)
		}
	}
	return nil
}

func (b *postgresBackend) DeleteSite(ctx context.Context, site string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE site = $1`, b.table)
	if _, err := b.db.ExecContext(ctx, stmt, site); err != nil {
		return fmt.Errorf("failed to delete site %s: %w", site, err)
	}
	return nil
}

func (b *postgresBackend) Close() error {
	return b.db.Close()
}

func (b *postgresBackend) embedQuery(ctx context.Context, query string) (string, error) {
	vector, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to embed query: %w", err)
	}
	return vectorLiteral(vector), nil
}

// vectorLiteral renders a pgvector input literal: [0.1,0.2,...].
func vectorLiteral(vector []float32) string {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var schema []byte
		if err := rows.Scan(&item.URL, &item.Name, &item.Site, &schema); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		item.Schema = json.RawMessage(schema)
		items = append(items, item)
	}
	return items, rows.Err()
}
