// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
)

// SearchToolName is the default tool; routing falls back to it and selecting
// anything else aborts the fast track.
const SearchToolName = "search"

// maxCandidates caps the routing short list.
const maxCandidates = 3

// Router scores the candidate tools of a schema type against the query and
// selects at most one.
type Router struct {
	catalog *Catalog
	client  *llm.Client
	cfg     *config.ToolsConfig
}

func NewRouter(catalog *Catalog, client *llm.Client, cfg *config.ToolsConfig) *Router {
	return &Router{catalog: catalog, client: client, cfg: cfg}
}

// Route evaluates every candidate tool in parallel, stores the short list on
// the state, emits a tool_selection message, and aborts the fast track when
// the winner is not plain search. A single tool's scoring failure drops that
// tool only.
func (r *Router) Route(ctx context.Context, state *core.State, sender *core.Sender) ([]core.ToolCandidate, error) {
	schemaType := state.ItemType()
	if schemaType == "" {
		schemaType = rootType
	}
	candidates := r.catalog.ToolsFor(schemaType)

	var mu sync.Mutex
	var scored []core.ToolCandidate

	g, gctx := errgroup.WithContext(ctx)
	for _, tool := range candidates {
		g.Go(func() error {
			candidate, err := r.scoreTool(gctx, state, tool)
			if err != nil {
				slog.Warn("Tool scoring failed, dropping candidate",
					"tool", tool.Name, "error", err)
				return nil
			}
			mu.Lock()
			scored = append(scored, candidate)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	selected := make([]core.ToolCandidate, 0, maxCandidates)
	for _, candidate := range scored {
		if candidate.Score < r.cfg.MinScore {
			break
		}
		selected = append(selected, candidate)
		if len(selected) == maxCandidates {
			break
		}
	}

	// Nothing passed: fall back to plain search with a synthetic zero-score
	// entry. If search is absent from the toolset, selection stays empty.
	if len(selected) == 0 {
		if _, ok := r.catalog.Lookup(schemaType, SearchToolName); ok {
			selected = append(selected, core.ToolCandidate{Name: SearchToolName, Score: 0})
		}
	}

	state.SetToolRouting(selected)

	if len(selected) > 0 {
		top := selected[0]
		msg := core.NewMessage(core.MsgToolSelection)
		msg["tool"] = top.Name
		msg["score"] = top.Score
		if len(top.Args) > 0 {
			msg["args"] = top.Args
		}
		if err := sender.Send(msg); err != nil {
			return selected, err
		}

		if top.Name != SearchToolName {
			state.AbortFastTrack.Set()
		}
	}
	return selected, nil
}

// scoreTool runs one tool's scoring prompt. The tool's declared return
// schema carries a numeric score plus any extracted arguments.
func (r *Router) scoreTool(ctx context.Context, state *core.State, tool *Tool) (core.ToolCandidate, error) {
	prompt := FillPrompt(tool.ScoringPrompt, state)
	if len(tool.Examples) > 0 {
		prompt += "\nExample requests for this tool: " + strings.Join(tool.Examples, "; ")
	}

	schema := tool.ReturnSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{"score":{"type":"integer","minimum":0,"maximum":100}},"required":["score"],"additionalProperties":false}`)
	}

	raw, err := r.client.Ask(ctx, prompt, schema, llm.LevelLow)
	if err != nil {
		return core.ToolCandidate{}, err
	}

	scoreVal, _ := llm.Float(raw, "score")
	score := clampScore(int(scoreVal))

	args := make(map[string]any, len(raw))
	for key, value := range raw {
		if key == "score" {
			continue
		}
		args[key] = value
	}

	return core.ToolCandidate{Name: tool.Name, Score: score, Args: args}, nil
}

// FillPrompt interpolates the request into a catalogue prompt. Placeholders:
// {query}, {item_type}, {prev_queries}.
func FillPrompt(prompt string, state *core.State) string {
	replacer := strings.NewReplacer(
		"{query}", state.DecontextualizedQuery(),
		"{item_type}", state.ItemType(),
		"{prev_queries}", strings.Join(state.Request.PrevQueries, "; "),
	)
	return replacer.Replace(prompt)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
