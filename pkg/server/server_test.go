// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/retriever"
)

// fakeRunner records the request and replays scripted messages.
type fakeRunner struct {
	lastReq  *core.Request
	messages []core.Message
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, req *core.Request, emit core.EmitFunc) (map[string][]core.Message, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}

	accumulated := make(map[string][]core.Message)
	for _, msg := range f.messages {
		msg["query_id"] = req.QueryID
		accumulated[msg.Type()] = append(accumulated[msg.Type()], msg)
		if emit != nil {
			if err := emit(msg); err != nil {
				return accumulated, nil
			}
		}
	}
	return accumulated, nil
}

type fakeRetriever struct {
	items    []retriever.Item
	sites    []string
	sitesErr error

	uploaded    []retriever.Document
	deletedSite string
	writeErr    error
}

func (f *fakeRetriever) Search(ctx context.Context, query string, sites []string, k int, opts retriever.SearchOptions) ([]retriever.Item, error) {
	return f.items, nil
}

func (f *fakeRetriever) SearchByURL(ctx context.Context, url string) (*retriever.Item, error) {
	return nil, nil
}

func (f *fakeRetriever) GetSites(ctx context.Context) ([]string, error) {
	return f.sites, f.sitesErr
}

func (f *fakeRetriever) UploadDocuments(ctx context.Context, docs []retriever.Document) error {
	f.uploaded = append(f.uploaded, docs...)
	return f.writeErr
}

func (f *fakeRetriever) DeleteDocumentsBySite(ctx context.Context, site string) error {
	f.deletedSite = site
	return f.writeErr
}

func testServer(t *testing.T, runner *fakeRunner, ret *fakeRetriever, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	srv := New(cfg, runner, ret)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts
}

func resultFrames(t *testing.T, body string) []core.Message {
	t.Helper()
	var frames []core.Message
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg core.Message
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
		frames = append(frames, msg)
	}
	return frames
}

func TestAskStreamsSSEFrames(t *testing.T) {
	runner := &fakeRunner{messages: []core.Message{
		{"message_type": core.MsgAPIVersion, "api_version": core.APIVersion},
		{"message_type": core.MsgResultBatch, "results": []any{}},
		{"message_type": core.MsgComplete},
	}}
	ts := testServer(t, runner, &fakeRetriever{}, nil)

	resp, err := http.Get(ts.URL + "/ask?query=spicy+snacks&query_id=q-7")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	frames := resultFrames(t, string(body))
	require.Len(t, frames, 3)
	assert.Equal(t, core.MsgAPIVersion, frames[0].Type())
	assert.Equal(t, core.MsgComplete, frames[2].Type())
	assert.Equal(t, "q-7", frames[0]["query_id"])

	require.NotNil(t, runner.lastReq)
	assert.Equal(t, "spicy snacks", runner.lastReq.Query)
	assert.True(t, runner.lastReq.Streaming)
}

func TestAskNonStreamingReturnsAccumulated(t *testing.T) {
	runner := &fakeRunner{messages: []core.Message{
		{"message_type": core.MsgComplete},
	}}
	ts := testServer(t, runner, &fakeRetriever{}, nil)

	resp, err := http.Get(ts.URL + "/ask?query=soup&streaming=false")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var accumulated map[string][]core.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accumulated))
	assert.Len(t, accumulated[core.MsgComplete], 1)
	assert.False(t, runner.lastReq.Streaming)
}

func TestAskRejectsMissingQuery(t *testing.T) {
	ts := testServer(t, &fakeRunner{}, &fakeRetriever{}, nil)

	resp, err := http.Get(ts.URL + "/ask")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAskRejectsUnknownGenerateMode(t *testing.T) {
	ts := testServer(t, &fakeRunner{}, &fakeRetriever{}, nil)

	resp, err := http.Get(ts.URL + "/ask?query=x&generate_mode=haiku")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAskPostBodyOverridesParams(t *testing.T) {
	runner := &fakeRunner{messages: []core.Message{{"message_type": core.MsgComplete}}}
	ts := testServer(t, runner, &fakeRetriever{}, nil)

	body := `{"query":"pasta night ideas","site":["recipes.example"],"streaming":false,"generate_mode":"summarize","prev":["dinner plans"]}`
	resp, err := http.Post(ts.URL+"/ask?query=ignored", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, runner.lastReq)
	assert.Equal(t, "pasta night ideas", runner.lastReq.Query)
	assert.Equal(t, []string{"recipes.example"}, runner.lastReq.Sites)
	assert.Equal(t, config.GenerateModeSummarize, runner.lastReq.Mode)
	assert.Equal(t, []string{"dinner plans"}, runner.lastReq.PrevQueries)
	assert.False(t, runner.lastReq.Streaming)
}

func TestAskBackendOverrideRequiresDevMode(t *testing.T) {
	runner := &fakeRunner{messages: []core.Message{{"message_type": core.MsgComplete}}}
	ts := testServer(t, runner, &fakeRetriever{}, nil)

	resp, err := http.Get(ts.URL + "/ask?query=x&streaming=false&db=qdrant_local")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, runner.lastReq.Backend)

	devRunner := &fakeRunner{messages: []core.Message{{"message_type": core.MsgComplete}}}
	devTS := testServer(t, devRunner, &fakeRetriever{}, func(cfg *config.Config) {
		cfg.Server.DevMode = true
	})
	resp, err = http.Get(devTS.URL + "/ask?query=x&streaming=false&db=qdrant_local")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "qdrant_local", devRunner.lastReq.Backend)
}

func TestSitesEndpoint(t *testing.T) {
	ts := testServer(t, &fakeRunner{}, &fakeRetriever{
		sites: []string{"recipes.example", "movies.example"},
	}, nil)

	resp, err := http.Get(ts.URL + "/sites")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		MessageType string   `json:"message_type"`
		Sites       []string `json:"sites"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "sites", payload.MessageType)
	assert.Equal(t, []string{"movies.example", "recipes.example"}, payload.Sites)
}

func TestWhoRanksSitesByHits(t *testing.T) {
	ts := testServer(t, &fakeRunner{}, &fakeRetriever{
		items: []retriever.Item{
			{URL: "a", Site: "recipes.example"},
			{URL: "b", Site: "recipes.example"},
			{URL: "c", Site: "movies.example"},
		},
	}, nil)

	resp, err := http.Get(ts.URL + "/who?query=dinner")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Sites []struct {
			Site string `json:"site"`
			Hits int    `json:"hits"`
		} `json:"sites"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Sites, 2)
	assert.Equal(t, "recipes.example", payload.Sites[0].Site)
	assert.Equal(t, 2, payload.Sites[0].Hits)
}

func TestDocumentsUploadAndDelete(t *testing.T) {
	ret := &fakeRetriever{}
	ts := testServer(t, &fakeRunner{}, ret, nil)

	body := `{"documents":[{"url":"https://recipes.example/pho","site":"recipes.example","name":"Pho"}]}`
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/documents", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, ret.uploaded, 1)
	assert.Equal(t, "https://recipes.example/pho", ret.uploaded[0].URL)

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/documents?site=recipes.example", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recipes.example", ret.deletedSite)
}

func TestDocumentsUploadRejectsEmptyBatch(t *testing.T) {
	ts := testServer(t, &fakeRunner{}, &fakeRetriever{}, nil)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/documents", strings.NewReader(`{"documents":[]}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	ts := testServer(t, &fakeRunner{}, &fakeRetriever{sites: []string{"a"}}, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := testServer(t, &fakeRunner{}, &fakeRetriever{sitesErr: errors.New("backends down")}, nil)
	resp, err = http.Get(down.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
