// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/ranking"
	"github.com/nlweb-go/nlweb/pkg/retriever"
)

// funcLLM delegates structured calls to a test-provided function.
type funcLLM struct {
	fn func(prompt string) (map[string]any, error)
}

func (f *funcLLM) AskStructured(ctx context.Context, prompt string, schema json.RawMessage) (map[string]any, error) {
	return f.fn(prompt)
}
func (f *funcLLM) Ask(ctx context.Context, prompt string) (string, error) { return "", nil }
func (f *funcLLM) Model() string                                          { return "func" }
func (f *funcLLM) Close() error                                           { return nil }

// fakeSearcher serves scripted items per query substring.
type fakeSearcher struct {
	byQuery map[string][]retriever.Item
	all     []retriever.Item
}

func (f *fakeSearcher) Search(ctx context.Context, query string, sites []string, k int, opts retriever.SearchOptions) ([]retriever.Item, error) {
	for marker, items := range f.byQuery {
		if strings.Contains(query, marker) {
			return items, nil
		}
	}
	return f.all, nil
}

func (f *fakeSearcher) SearchByURL(ctx context.Context, url string) (*retriever.Item, error) {
	for _, item := range f.all {
		if item.URL == url {
			return &item, nil
		}
	}
	return nil, nil
}

func doc(name string) retriever.Item {
	return retriever.Item{
		URL:    "https://example.com/" + strings.ReplaceAll(strings.ToLower(name), " ", "-"),
		Name:   name,
		Site:   "example.com",
		Schema: json.RawMessage(fmt.Sprintf(`{"@type":"Thing","name":"%s"}`, name)),
	}
}

func handlerContext(t *testing.T, searcher Searcher, fn func(prompt string) (map[string]any, error)) (*HandlerContext, *[]core.Message) {
	t.Helper()

	state := core.NewState(&core.Request{Query: "test", QueryID: "q-1", Streaming: true})
	var emitted []core.Message
	var mu sync.Mutex
	sender := core.NewSender("q-1", state.ConnLost, core.WithEmitter(func(msg core.Message) error {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, msg)
		return nil
	}))

	provider := &funcLLM{fn: fn}
	client := llm.NewClientFromProviders(provider, provider, nil)

	rankCfg := &config.RankingConfig{}
	rankCfg.SetDefaults()

	return &HandlerContext{
		State:     state,
		Sender:    sender,
		LLM:       client,
		Retriever: searcher,
		Ranker:    ranking.NewEngine(client, rankCfg, nil),
	}, &emitted
}

func messagesOfType(emitted []core.Message, msgType string) []core.Message {
	var out []core.Message
	for _, msg := range emitted {
		if msg.Type() == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func TestSearchHandlerStreamsResults(t *testing.T) {
	searcher := &fakeSearcher{all: []retriever.Item{doc("Spicy Ramen"), doc("Mild Soup")}}
	h, emitted := handlerContext(t, searcher, func(prompt string) (map[string]any, error) {
		score := 20
		if strings.Contains(prompt, "Spicy Ramen") {
			score = 90
		}
		return map[string]any{"score": float64(score), "description": "d"}, nil
	})

	err := (&SearchHandler{}).Do(context.Background(), h, nil)
	require.NoError(t, err)

	assert.True(t, h.State.RetrievalDone.IsSet())
	batches := messagesOfType(*emitted, core.MsgResultBatch)
	require.Len(t, batches, 1)
	assert.Len(t, h.State.SentAnswers(), 1)
}

func TestItemDetailsEmitsOnStrongMatch(t *testing.T) {
	searcher := &fakeSearcher{all: []retriever.Item{doc("Barista Express"), doc("Other Machine")}}
	h, emitted := handlerContext(t, searcher, func(prompt string) (map[string]any, error) {
		if strings.Contains(prompt, "Barista Express\"}") {
			return map[string]any{"score": float64(92), "details": "rated 4.7 out of 5"}, nil
		}
		return map[string]any{"score": float64(15), "details": ""}, nil
	})

	err := (&ItemDetailsHandler{}).Do(context.Background(), h, map[string]any{
		"item_name":         "Barista Express",
		"details_requested": "rating",
	})
	require.NoError(t, err)

	details := messagesOfType(*emitted, core.MsgItemDetails)
	require.Len(t, details, 1)
	assert.Equal(t, "rated 4.7 out of 5", details[0]["details"])
	assert.Equal(t, "https://example.com/barista-express", details[0]["url"])
}

func TestItemDetailsNoMatch(t *testing.T) {
	searcher := &fakeSearcher{all: []retriever.Item{doc("Unrelated")}}
	h, emitted := handlerContext(t, searcher, func(prompt string) (map[string]any, error) {
		return map[string]any{"score": float64(30), "details": ""}, nil
	})

	err := (&ItemDetailsHandler{}).Do(context.Background(), h, map[string]any{"item_name": "Ghost Item"})
	require.NoError(t, err)

	assert.Empty(t, messagesOfType(*emitted, core.MsgItemDetails))
	notices := messagesOfType(*emitted, core.MsgIntermediate)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0]["message"], "Ghost Item")
}

func TestCompareItemsEndToEnd(t *testing.T) {
	searcher := &fakeSearcher{
		byQuery: map[string][]retriever.Item{
			"Dune":       {doc("Dune")},
			"Foundation": {doc("Foundation")},
		},
	}
	h, emitted := handlerContext(t, searcher, func(prompt string) (map[string]any, error) {
		switch {
		case strings.Contains(prompt, "Compare the two items"):
			return map[string]any{
				"summary": "Both are classics",
				"aspects": []any{map[string]any{"name": "scope", "item1": "epic", "item2": "galactic"}},
			}, nil
		case strings.Contains(prompt, "describes that exact item"):
			return map[string]any{"score": float64(90), "details": ""}, nil
		}
		return nil, fmt.Errorf("unexpected prompt")
	})

	err := (&CompareItemsHandler{}).Do(context.Background(), h, map[string]any{
		"item1_name": "Dune",
		"item2_name": "Foundation",
	})
	require.NoError(t, err)

	compares := messagesOfType(*emitted, core.MsgCompareItems)
	require.Len(t, compares, 1)
	assert.Equal(t, "Both are classics", compares[0]["summary"])
	assert.True(t, h.State.IsQueryDone())
}

func TestCompareItemsMissingItem(t *testing.T) {
	searcher := &fakeSearcher{byQuery: map[string][]retriever.Item{"Dune": {doc("Dune")}}}
	h, emitted := handlerContext(t, searcher, func(prompt string) (map[string]any, error) {
		if strings.Contains(prompt, "Dune") {
			return map[string]any{"score": float64(90), "details": ""}, nil
		}
		return map[string]any{"score": float64(10), "details": ""}, nil
	})

	err := (&CompareItemsHandler{}).Do(context.Background(), h, map[string]any{
		"item1_name": "Dune",
		"item2_name": "Nonexistent",
	})
	require.NoError(t, err)

	assert.Empty(t, messagesOfType(*emitted, core.MsgCompareItems))
	require.Len(t, messagesOfType(*emitted, core.MsgIntermediate), 1)
}

func TestEnsembleComposesThreeCourses(t *testing.T) {
	searcher := &fakeSearcher{
		byQuery: map[string][]retriever.Item{
			"appetiser": {doc("Bruschetta")},
			"main":      {doc("Osso Buco")},
			"dessert":   {doc("Tiramisu")},
		},
	}
	h, emitted := handlerContext(t, searcher, func(prompt string) (map[string]any, error) {
		if strings.Contains(prompt, "Compose a cohesive recommendation") {
			return map[string]any{
				"theme": "A classic Italian dinner",
				"items": []any{
					map[string]any{"category": "appetiser", "name": "Bruschetta", "url": "https://example.com/bruschetta", "description": "d", "why_recommended": "w"},
					map[string]any{"category": "main", "name": "Osso Buco", "url": "https://example.com/osso-buco", "description": "d", "why_recommended": "w"},
					map[string]any{"category": "dessert", "name": "Tiramisu", "url": "https://example.com/tiramisu", "description": "d", "why_recommended": "w"},
				},
			}, nil
		}
		return map[string]any{"score": float64(80), "description": "d"}, nil
	})

	err := (&EnsembleHandler{}).Do(context.Background(), h, map[string]any{
		"queries":       []any{"Italian appetiser", "Italian main", "Italian dessert"},
		"ensemble_type": "meal_planning",
	})
	require.NoError(t, err)

	results := messagesOfType(*emitted, core.MsgEnsembleResult)
	require.Len(t, results, 1)
	items, ok := results[0]["items"].([]core.Message)
	require.True(t, ok)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.NotEmpty(t, item["name"])
		assert.NotNil(t, item["schema_object"], "item %v missing source object", item["name"])
	}
	assert.True(t, h.State.IsQueryDone())
}

func TestEnsembleRanksCandidatesPerSubQuery(t *testing.T) {
	searcher := &fakeSearcher{
		byQuery: map[string][]retriever.Item{
			"main":    {doc("Osso Buco")},
			"dessert": {doc("Tiramisu")},
		},
	}

	var mu sync.Mutex
	var scoringPrompts []string
	h, _ := handlerContext(t, searcher, func(prompt string) (map[string]any, error) {
		if strings.Contains(prompt, "Compose a cohesive recommendation") {
			return map[string]any{
				"theme": "Dinner",
				"items": []any{
					map[string]any{"category": "dessert", "name": "Tiramisu", "url": "https://example.com/tiramisu", "description": "d", "why_recommended": "w"},
				},
			}, nil
		}
		mu.Lock()
		scoringPrompts = append(scoringPrompts, prompt)
		mu.Unlock()
		return map[string]any{"score": float64(80), "description": "d"}, nil
	})

	err := (&EnsembleHandler{}).Do(context.Background(), h, map[string]any{
		"queries": []any{"Italian main", "Italian dessert"},
	})
	require.NoError(t, err)

	// Each candidate is scored against its own sub-query, not the
	// request-level query.
	require.Len(t, scoringPrompts, 2)
	for _, prompt := range scoringPrompts {
		if strings.Contains(prompt, "Tiramisu") {
			assert.Contains(t, prompt, "User question: Italian dessert")
		} else {
			assert.Contains(t, prompt, "User question: Italian main")
		}
		assert.NotContains(t, prompt, "User question: test")
	}
}

func TestGenerateAnswerEmitsNLWS(t *testing.T) {
	searcher := &fakeSearcher{all: []retriever.Item{doc("Espresso Guide"), doc("Noise")}}
	h, emitted := handlerContext(t, searcher, func(prompt string) (map[string]any, error) {
		switch {
		case strings.Contains(prompt, "Answer the user's question"):
			return map[string]any{
				"answer": "The Espresso Guide covers it.",
				"urls":   []any{"https://example.com/espresso-guide"},
			}, nil
		case strings.Contains(prompt, "say what the following source contributes"):
			return map[string]any{"description": "explains espresso basics"}, nil
		}
		score := 20
		if strings.Contains(prompt, "Espresso Guide") {
			score = 85
		}
		return map[string]any{"score": float64(score), "description": "d"}, nil
	})

	err := (&GenerateAnswerHandler{}).Do(context.Background(), h, nil)
	require.NoError(t, err)

	nlws := messagesOfType(*emitted, core.MsgNLWS)
	require.Len(t, nlws, 1)
	assert.Equal(t, "The Espresso Guide covers it.", nlws[0]["answer"])
	items, ok := nlws[0]["items"].([]core.Message)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "explains espresso basics", items[0]["description"])
	assert.True(t, h.State.IsQueryDone())
}

func TestCitedAnswers(t *testing.T) {
	a := &core.RankedAnswer{URL: "u1"}
	b := &core.RankedAnswer{URL: "u2"}
	answers := []*core.RankedAnswer{a, b}

	assert.Equal(t, answers, citedAnswers(nil, answers))
	assert.Equal(t, []*core.RankedAnswer{b}, citedAnswers([]string{"u2"}, answers))
	// Unknown citations fall back to the full set.
	assert.Equal(t, answers, citedAnswers([]string{"u9"}, answers))
}

func TestMatchSource(t *testing.T) {
	candidates := []*core.RankedAnswer{
		{URL: "u1", Name: "Classic Tiramisu"},
		{URL: "u2", Name: "Osso Buco"},
	}

	assert.Equal(t, candidates[1], matchSource("u2", "anything", candidates))
	assert.Equal(t, candidates[0], matchSource("", "Classic Tiramisu", candidates))
	assert.Equal(t, candidates[0], matchSource("", "Tiramisu", candidates))
	assert.Nil(t, matchSource("", "Pizza", candidates))
}

func TestDispatchWrapsHandlerErrors(t *testing.T) {
	handlers := NewHandlers()
	h, _ := handlerContext(t, &fakeSearcher{}, func(string) (map[string]any, error) {
		return map[string]any{"score": float64(0)}, nil
	})

	err := handlers.Dispatch(context.Background(), "compare_items", h, nil)
	var toolErr *core.ToolHandlerError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "compare_items", toolErr.Tool)
}
