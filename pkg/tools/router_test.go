// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
)

// markerLLM scores a routing prompt by marker substring and can attach
// extracted arguments.
type markerLLM struct {
	responses map[string]map[string]any // marker -> structured response
}

func (m *markerLLM) AskStructured(ctx context.Context, prompt string, schema json.RawMessage) (map[string]any, error) {
	for marker, response := range m.responses {
		if strings.Contains(prompt, marker) {
			return response, nil
		}
	}
	return map[string]any{"score": float64(0)}, nil
}

func (m *markerLLM) Ask(ctx context.Context, prompt string) (string, error) { return "", nil }
func (m *markerLLM) Model() string                                          { return "marker" }
func (m *markerLLM) Close() error                                           { return nil }

const routerCatalogXML = `<ToolCatalog>
  <SchemaType name="Thing">
    <Tool name="search" handler="search">
      <Prompt>MARKER_SEARCH {query}</Prompt>
    </Tool>
    <Tool name="compare_items" handler="compare_items">
      <Prompt>MARKER_COMPARE {query}</Prompt>
    </Tool>
  </SchemaType>
</ToolCatalog>`

func testRouter(t *testing.T, responses map[string]map[string]any) *Router {
	t.Helper()
	catalog, err := parseCatalog([]byte(routerCatalogXML))
	require.NoError(t, err)

	cfg := &config.ToolsConfig{}
	cfg.SetDefaults()
	provider := &markerLLM{responses: responses}
	return NewRouter(catalog, llm.NewClientFromProviders(provider, provider, nil), cfg)
}

func routerState(query string) (*core.State, *core.Sender, *[]core.Message) {
	state := core.NewState(&core.Request{Query: query, QueryID: "q-1", Streaming: true})
	var emitted []core.Message
	var mu sync.Mutex
	sender := core.NewSender("q-1", state.ConnLost, core.WithEmitter(func(msg core.Message) error {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, msg)
		return nil
	}))
	return state, sender, &emitted
}

func toolSelection(emitted []core.Message) core.Message {
	for _, msg := range emitted {
		if msg.Type() == core.MsgToolSelection {
			return msg
		}
	}
	return nil
}

func TestRouteSelectsHighestScorer(t *testing.T) {
	router := testRouter(t, map[string]map[string]any{
		"MARKER_SEARCH":  {"score": float64(72)},
		"MARKER_COMPARE": {"score": float64(88), "item1_name": "Dune", "item2_name": "Foundation"},
	})
	state, sender, emitted := routerState("compare Dune and Foundation")

	selected, err := router.Route(context.Background(), state, sender)
	require.NoError(t, err)
	require.NotEmpty(t, selected)
	assert.Equal(t, "compare_items", selected[0].Name)
	assert.Equal(t, 88, selected[0].Score)
	assert.Equal(t, "Dune", selected[0].Args["item1_name"])

	// Non-search winner aborts the fast track.
	assert.True(t, state.AbortFastTrack.IsSet())

	msg := toolSelection(*emitted)
	require.NotNil(t, msg)
	assert.Equal(t, "compare_items", msg["tool"])
}

func TestRouteSearchWinnerKeepsFastTrack(t *testing.T) {
	router := testRouter(t, map[string]map[string]any{
		"MARKER_SEARCH":  {"score": float64(90)},
		"MARKER_COMPARE": {"score": float64(10)},
	})
	state, sender, _ := routerState("spicy snacks")

	selected, err := router.Route(context.Background(), state, sender)
	require.NoError(t, err)
	assert.Equal(t, "search", selected[0].Name)
	assert.False(t, state.AbortFastTrack.IsSet())
}

func TestRouteToleratesStringScores(t *testing.T) {
	// Models occasionally return the score as a JSON string; routing still
	// parses it and missing scores count as zero.
	router := testRouter(t, map[string]map[string]any{
		"MARKER_SEARCH":  {"score": "41"},
		"MARKER_COMPARE": {"score": "88", "item1_name": "Dune", "item2_name": "Foundation"},
	})
	state, sender, _ := routerState("compare Dune and Foundation")

	selected, err := router.Route(context.Background(), state, sender)
	require.NoError(t, err)
	require.NotEmpty(t, selected)
	assert.Equal(t, "compare_items", selected[0].Name)
	assert.Equal(t, 88, selected[0].Score)
	assert.Equal(t, "Dune", selected[0].Args["item1_name"])
}

func TestRouteFallsBackToSearch(t *testing.T) {
	// Nothing clears the threshold.
	router := testRouter(t, map[string]map[string]any{
		"MARKER_SEARCH":  {"score": float64(30)},
		"MARKER_COMPARE": {"score": float64(20)},
	})
	state, sender, _ := routerState("something vague")

	selected, err := router.Route(context.Background(), state, sender)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "search", selected[0].Name)
	assert.Equal(t, 0, selected[0].Score)
	assert.False(t, state.AbortFastTrack.IsSet())
}

func TestRouteClampsScores(t *testing.T) {
	router := testRouter(t, map[string]map[string]any{
		"MARKER_SEARCH":  {"score": float64(250)},
		"MARKER_COMPARE": {"score": float64(-40)},
	})
	state, sender, _ := routerState("anything")

	selected, err := router.Route(context.Background(), state, sender)
	require.NoError(t, err)
	require.NotEmpty(t, selected)
	assert.Equal(t, 100, selected[0].Score)
	for _, candidate := range selected {
		assert.GreaterOrEqual(t, candidate.Score, 0)
		assert.LessOrEqual(t, candidate.Score, 100)
	}
}

func TestRouteStoresShortList(t *testing.T) {
	router := testRouter(t, map[string]map[string]any{
		"MARKER_SEARCH":  {"score": float64(80)},
		"MARKER_COMPARE": {"score": float64(75)},
	})
	state, sender, _ := routerState("anything")

	_, err := router.Route(context.Background(), state, sender)
	require.NoError(t, err)

	routing := state.ToolRouting()
	require.Len(t, routing, 2)
	assert.Equal(t, "search", routing[0].Name)
	assert.Equal(t, "compare_items", routing[1].Name)
}

func TestFillPrompt(t *testing.T) {
	state := core.NewState(&core.Request{
		Query:       "what about desserts",
		PrevQueries: []string{"italian dinner ideas"},
	})
	state.SetItemType("Recipe")
	state.SetDecontextualizedQuery("italian dessert recipes")

	filled := FillPrompt("q={query} t={item_type} p={prev_queries}", state)
	assert.Equal(t, "q=italian dessert recipes t=Recipe p=italian dinner ideas", filled)
}
