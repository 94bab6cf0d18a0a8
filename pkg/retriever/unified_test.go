// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlweb-go/nlweb/pkg/config"
)

// fakeBackend is a scripted in-memory backend.
type fakeBackend struct {
	items   []Item
	sites   []string
	err     error
	calls   int
	uploads []Document
}

func (f *fakeBackend) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) > k {
		return f.items[:k], nil
	}
	return f.items, nil
}

func (f *fakeBackend) SearchAllSites(ctx context.Context, query string, k int) ([]Item, error) {
	return f.Search(ctx, query, nil, k)
}

func (f *fakeBackend) SearchByURL(ctx context.Context, url string) (*Item, error) {
	for _, item := range f.items {
		if item.URL == url {
			return &item, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) GetSites(ctx context.Context) ([]string, error) {
	if f.sites == nil {
		return nil, errors.New("not supported")
	}
	return f.sites, nil
}

func (f *fakeBackend) Upload(ctx context.Context, docs []Document) error {
	f.uploads = append(f.uploads, docs...)
	return nil
}

func (f *fakeBackend) DeleteSite(ctx context.Context, site string) error { return nil }

func (f *fakeBackend) Close() error { return nil }

func item(url, name string) Item {
	return Item{
		URL:    url,
		Name:   name,
		Site:   "example.com",
		Schema: json.RawMessage(fmt.Sprintf(`{"@type":"Thing","name":"%s"}`, name)),
	}
}

func testRetriever(t *testing.T, backends map[string]Backend) *UnifiedRetriever {
	t.Helper()

	endpoints := make(map[string]*config.RetrievalEndpoint, len(backends))
	for name := range backends {
		endpoints[name] = &config.RetrievalEndpoint{Type: "qdrant", Host: "localhost"}
	}
	cfg := &config.RetrievalConfig{Endpoints: endpoints, Timeout: 5}

	r := NewUnifiedRetriever(cfg, nil, nil)
	for name, backend := range backends {
		require.NoError(t, r.RegisterBackend(name, backend))
	}
	return r
}

// flakySiteBackend fails site enumeration a scripted number of times before
// succeeding.
type flakySiteBackend struct {
	fakeBackend
	failures  int
	siteCalls int
}

func (f *flakySiteBackend) GetSites(ctx context.Context) ([]string, error) {
	f.siteCalls++
	if f.siteCalls <= f.failures {
		return nil, errors.New("temporarily unavailable")
	}
	return f.sites, nil
}

func TestSitesForRetriesAfterTransientError(t *testing.T) {
	backend := &flakySiteBackend{
		fakeBackend: fakeBackend{sites: []string{"recipes.example"}},
		failures:    1,
	}
	r := testRetriever(t, map[string]Backend{"a": backend})

	// The failed enumeration is not cached; the endpoint stays unrestricted
	// for this search only.
	assert.Nil(t, r.sitesFor(context.Background(), "a", backend))

	assert.Equal(t, []string{"recipes.example"}, r.sitesFor(context.Background(), "a", backend))

	// The successful result is cached.
	assert.Equal(t, []string{"recipes.example"}, r.sitesFor(context.Background(), "a", backend))
	assert.Equal(t, 2, backend.siteCalls)
}

func TestSearchMergesAcrossBackends(t *testing.T) {
	r := testRetriever(t, map[string]Backend{
		"a": &fakeBackend{items: []Item{item("u1", "one"), item("u2", "two")}},
		"b": &fakeBackend{items: []Item{item("u3", "three"), item("u1", "one")}},
	})

	items, err := r.Search(context.Background(), "query", nil, 10, SearchOptions{})
	require.NoError(t, err)

	urls := make([]string, len(items))
	for i, it := range items {
		urls[i] = it.URL
	}
	// Rank-position interleave with a/b ordered by name, u1 deduplicated.
	assert.Equal(t, []string{"u1", "u3", "u2"}, urls)
}

func TestSearchCoalescesDuplicateSchemas(t *testing.T) {
	r := testRetriever(t, map[string]Backend{
		"a": &fakeBackend{items: []Item{item("u1", "one")}},
		"b": &fakeBackend{items: []Item{item("u1", "one")}},
	})

	items, err := r.Search(context.Background(), "query", nil, 10, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)

	var merged []json.RawMessage
	require.NoError(t, json.Unmarshal(items[0].Schema, &merged))
	assert.Len(t, merged, 2)
}

func TestSearchDropsFailedBackends(t *testing.T) {
	r := testRetriever(t, map[string]Backend{
		"good": &fakeBackend{items: []Item{item("u1", "one")}},
		"bad":  &fakeBackend{err: errors.New("connection refused")},
	})

	items, err := r.Search(context.Background(), "query", nil, 10, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "u1", items[0].URL)
}

func TestSearchFailsWhenAllBackendsFail(t *testing.T) {
	r := testRetriever(t, map[string]Backend{
		"a": &fakeBackend{err: errors.New("down")},
		"b": &fakeBackend{err: errors.New("down")},
	})

	_, err := r.Search(context.Background(), "query", nil, 10, SearchOptions{})
	assert.ErrorIs(t, err, ErrRetrievalFailed)
}

func TestSearchSkipsIneligibleEndpoints(t *testing.T) {
	eligible := &fakeBackend{items: []Item{item("u1", "one")}, sites: []string{"example.com"}}
	other := &fakeBackend{items: []Item{item("u2", "two")}, sites: []string{"other.org"}}
	r := testRetriever(t, map[string]Backend{"a": eligible, "b": other})

	items, err := r.Search(context.Background(), "query", []string{"example.com"}, 10, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "u1", items[0].URL)
	assert.Equal(t, 0, other.calls)
}

func TestSearchEndpointOverride(t *testing.T) {
	a := &fakeBackend{items: []Item{item("u1", "one")}}
	b := &fakeBackend{items: []Item{item("u2", "two")}}
	r := testRetriever(t, map[string]Backend{"a": a, "b": b})

	items, err := r.Search(context.Background(), "query", nil, 10, SearchOptions{EndpointOverride: "b"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "u2", items[0].URL)
	assert.Equal(t, 0, a.calls)
}

func TestSearchTruncatesToK(t *testing.T) {
	r := testRetriever(t, map[string]Backend{
		"a": &fakeBackend{items: []Item{item("u1", "one"), item("u2", "two"), item("u3", "three")}},
	})

	items, err := r.Search(context.Background(), "query", nil, 2, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestMergeRanked(t *testing.T) {
	tests := []struct {
		name  string
		lists [][]Item
		k     int
		want  []string
	}{
		{
			name:  "single list",
			lists: [][]Item{{item("u1", "one"), item("u2", "two")}},
			k:     10,
			want:  []string{"u1", "u2"},
		},
		{
			name: "interleave by rank",
			lists: [][]Item{
				{item("a1", "x"), item("a2", "x")},
				{item("b1", "x"), item("b2", "x")},
			},
			k:    10,
			want: []string{"a1", "b1", "a2", "b2"},
		},
		{
			name: "uneven lists",
			lists: [][]Item{
				{item("a1", "x")},
				{item("b1", "x"), item("b2", "x"), item("b3", "x")},
			},
			k:    10,
			want: []string{"a1", "b1", "b2", "b3"},
		},
		{
			name:  "empty input",
			lists: nil,
			k:     10,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := mergeRanked(tt.lists, tt.k)
			urls := make([]string, 0, len(merged))
			for _, it := range merged {
				urls = append(urls, it.URL)
			}
			assert.Equal(t, tt.want, urls)
		})
	}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name        string
		cachedSites []string
		sites       []string
		want        bool
	}{
		{"unknown site set", nil, []string{"example.com"}, true},
		{"wildcard scope", []string{"other.org"}, []string{"all"}, true},
		{"empty scope", []string{"other.org"}, nil, true},
		{"overlap", []string{"example.com", "other.org"}, []string{"example.com"}, true},
		{"no overlap", []string{"other.org"}, []string{"example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eligible(tt.cachedSites, tt.sites))
		})
	}
}

func TestGetSitesUnion(t *testing.T) {
	r := testRetriever(t, map[string]Backend{
		"a": &fakeBackend{sites: []string{"example.com", "shared.net"}},
		"b": &fakeBackend{sites: []string{"other.org", "shared.net"}},
		"c": &fakeBackend{}, // no GetSites support
	})

	sites, err := r.GetSites(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "other.org", "shared.net"}, sites)
}

func TestSearchByURLFirstHit(t *testing.T) {
	r := testRetriever(t, map[string]Backend{
		"a": &fakeBackend{items: []Item{item("u1", "one")}},
		"b": &fakeBackend{items: []Item{item("u2", "two")}},
	})

	found, err := r.SearchByURL(context.Background(), "u2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "two", found.Name)

	missing, err := r.SearchByURL(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUploadRequiresWriteEndpoint(t *testing.T) {
	r := testRetriever(t, map[string]Backend{"a": &fakeBackend{}})

	err := r.UploadDocuments(context.Background(), []Document{{URL: "u1"}})
	assert.ErrorIs(t, err, ErrNoWriteEndpoint)
}

func TestUploadRoutesToWriteEndpoint(t *testing.T) {
	writer := &fakeBackend{}
	r := testRetriever(t, map[string]Backend{"a": &fakeBackend{}, "w": writer})
	r.cfg.WriteEndpoint = "w"

	err := r.UploadDocuments(context.Background(), []Document{{URL: "u1"}, {URL: "u2"}})
	require.NoError(t, err)
	assert.Len(t, writer.uploads, 2)
}

func TestIsAllSites(t *testing.T) {
	assert.True(t, IsAllSites(nil))
	assert.True(t, IsAllSites([]string{}))
	assert.True(t, IsAllSites([]string{"example.com", "all"}))
	assert.False(t, IsAllSites([]string{"example.com"}))
}
