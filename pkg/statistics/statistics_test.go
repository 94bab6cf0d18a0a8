// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package statistics

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

type funcLLM struct {
	fn func(prompt string) (map[string]any, error)
}

func (f *funcLLM) AskStructured(ctx context.Context, prompt string, schema json.RawMessage) (map[string]any, error) {
	return f.fn(prompt)
}
func (f *funcLLM) Ask(ctx context.Context, prompt string) (string, error) { return "", nil }
func (f *funcLLM) Model() string                                          { return "func" }
func (f *funcLLM) Close() error                                           { return nil }

func statsContext(t *testing.T, fn func(prompt string) (map[string]any, error)) (*tools.HandlerContext, *[]core.Message) {
	t.Helper()

	state := core.NewState(&core.Request{Query: "stats", QueryID: "q-1", Streaming: true})
	var emitted []core.Message
	var mu sync.Mutex
	sender := core.NewSender("q-1", state.ConnLost, core.WithEmitter(func(msg core.Message) error {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, msg)
		return nil
	}))

	provider := &funcLLM{fn: fn}
	return &tools.HandlerContext{
		State:  state,
		Sender: sender,
		LLM:    llm.NewClientFromProviders(provider, provider, nil),
	}, &emitted
}

func testHandler(t *testing.T, client *llm.Client) *Handler {
	t.Helper()
	templates, err := LoadTemplates("")
	require.NoError(t, err)
	mapper, err := NewDCIDMapper("", client)
	require.NoError(t, err)
	return NewHandler(templates, mapper)
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

func TestStatisticsEmitsChartForRankQuery(t *testing.T) {
	h, emitted := statsContext(t, func(prompt string) (map[string]any, error) {
		if strings.Contains(prompt, "rank highest or lowest") {
			return map[string]any{
				"score":     float64(90),
				"variables": []any{"median income"},
				"places":    []any{"California"},
			}, nil
		}
		return map[string]any{"score": float64(10)}, nil
	})
	h.State.SetDecontextualizedQuery("California counties with the highest median income")

	handler := testHandler(t, h.LLM)
	require.NoError(t, handler.Do(context.Background(), h, nil))

	stats := messagesOfType(*emitted, core.MsgStatisticsResult)
	require.Len(t, stats, 1)
	assert.Equal(t, "ranking", stats[0]["visualization"])
	assert.Equal(t, []string{"Median_Income_Household"}, stats[0]["variable_dcids"])
	assert.Equal(t, []string{"geoId/06"}, stats[0]["place_dcids"])

	charts := messagesOfType(*emitted, core.MsgChartResult)
	require.Len(t, charts, 1)
	html, _ := charts[0]["html"].(string)
	assert.Contains(t, html, "<datacommons-ranking")
	assert.Contains(t, html, "geoId/06")
	assert.True(t, h.State.IsQueryDone())
}

func TestStatisticsNoTemplateMatch(t *testing.T) {
	h, emitted := statsContext(t, func(prompt string) (map[string]any, error) {
		return map[string]any{"score": float64(5)}, nil
	})

	handler := testHandler(t, h.LLM)
	require.NoError(t, handler.Do(context.Background(), h, nil))

	assert.Empty(t, messagesOfType(*emitted, core.MsgStatisticsResult))
	require.Len(t, messagesOfType(*emitted, core.MsgIntermediate), 1)
	assert.True(t, h.State.IsQueryDone())
}

func TestDCIDMapperStaticAndFallback(t *testing.T) {
	provider := &funcLLM{fn: func(prompt string) (map[string]any, error) {
		if strings.Contains(prompt, "Narnia") {
			return map[string]any{"dcid": ""}, nil
		}
		return map[string]any{"dcid": "geoId/99"}, nil
	}}
	mapper, err := NewDCIDMapper("", llm.NewClientFromProviders(provider, provider, nil))
	require.NoError(t, err)

	ctx := context.Background()
	// Static hit, case-insensitive.
	assert.Equal(t, []string{"geoId/48"}, mapper.MapPlaces(ctx, []string{"Texas"}))
	// LLM fallback.
	assert.Equal(t, []string{"geoId/99"}, mapper.MapPlaces(ctx, []string{"Springfield"}))
	// Unknown everywhere: dropped.
	assert.Empty(t, mapper.MapPlaces(ctx, []string{"Narnia"}))
}

func TestChooseVisualization(t *testing.T) {
	tests := []struct {
		queryType string
		vars      int
		places    int
		want      string
	}{
		{"trend", 1, 1, "line"},
		{"rank", 1, 1, "ranking"},
		{"correlate", 2, 10, "scatter"},
		{"compare", 1, 2, "bar"},
		{"compare", 1, 5, "map"},
		{"value", 2, 1, "scatter"},
		{"value", 1, 2, "bar"},
		{"value", 1, 1, "highlight"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, chooseVisualization(tt.queryType, tt.vars, tt.places),
			"queryType=%s vars=%d places=%d", tt.queryType, tt.vars, tt.places)
	}
}
