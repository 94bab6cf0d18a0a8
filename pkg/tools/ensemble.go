// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/schemaorg"
)

// totalItemBudget bounds the candidate set handed to the composition prompt.
const totalItemBudget = 9

type ensembleItem struct {
	Category       string `json:"category" jsonschema:"description=Which component of the ensemble this item fills"`
	Name           string `json:"name" jsonschema:"description=The item name, copied from the candidate list"`
	URL            string `json:"url" jsonschema:"description=The chosen candidate's URL, copied verbatim"`
	Description    string `json:"description" jsonschema:"description=One sentence describing the item"`
	WhyRecommended string `json:"why_recommended" jsonschema:"description=Why this item fits the overall request"`
}

type ensembleComposition struct {
	Theme string         `json:"theme" jsonschema:"description=One sentence tying the ensemble together"`
	Items []ensembleItem `json:"items"`
}

var ensembleCompositionSchema = llm.SchemaFor[ensembleComposition]()

// EnsembleHandler composes complementary items ("a three-course meal") from
// one retrieval+ranking pass per sub-query and a final high-tier composition
// call.
type EnsembleHandler struct{}

func (t *EnsembleHandler) Do(ctx context.Context, h *HandlerContext, args map[string]any) error {
	queries := llm.StringSlice(args, "queries")
	if len(queries) == 0 {
		return fmt.Errorf("ensemble requires sub-queries")
	}
	ensembleType := llm.Str(args, "ensemble_type")

	n := len(queries)
	perQueryK := 60 / n
	if perQueryK < 10 {
		perQueryK = 10
	}
	perQueryPick := totalItemBudget / n
	if perQueryPick < 1 {
		perQueryPick = 1
	}

	// One retrieval+ranking pass per sub-query, in parallel.
	picked := make([][]*core.RankedAnswer, n)
	g, gctx := errgroup.WithContext(ctx)
	for i, query := range queries {
		g.Go(func() error {
			items, err := h.Retriever.Search(gctx, query, h.State.Request.Sites, perQueryK, h.SearchOptions())
			if err != nil {
				slog.Warn("Ensemble sub-query retrieval failed", "query", query, "error", err)
				return nil
			}

			scored, err := h.Ranker.Gather(gctx, h.State, query, items, 0)
			if err != nil {
				return err
			}

			// Dedupe within the sub-query, then keep the top picks.
			seen := make(map[string]bool)
			var kept []*core.RankedAnswer
			for _, answer := range scored {
				id := schemaorg.Identifier(answer.URL, answer.Schema)
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				kept = append(kept, answer)
				if len(kept) == perQueryPick {
					break
				}
			}
			picked[i] = kept
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Global dedupe across sub-queries.
	seen := make(map[string]bool)
	var candidates []*core.RankedAnswer
	for _, list := range picked {
		for _, answer := range list {
			id := schemaorg.Identifier(answer.URL, answer.Schema)
			if seen[id] {
				continue
			}
			seen[id] = true
			candidates = append(candidates, answer)
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no candidates for ensemble", core.ErrAllBackendsFailed)
	}

	composition, err := t.compose(ctx, h, ensembleType, candidates)
	if err != nil {
		return err
	}

	items := make([]core.Message, 0, len(composition.Items))
	for _, item := range composition.Items {
		entry := core.Message{
			"category":        item.Category,
			"name":            item.Name,
			"description":     item.Description,
			"why_recommended": item.WhyRecommended,
		}
		if source := matchSource(item.URL, item.Name, candidates); source != nil {
			entry["url"] = source.URL
			entry["site"] = source.Site
			entry["schema_object"] = source.Schema
		}
		items = append(items, entry)
	}

	msg := core.NewMessage(core.MsgEnsembleResult)
	msg["theme"] = composition.Theme
	msg["ensemble_type"] = ensembleType
	msg["items"] = items
	if err := h.Sender.Send(msg); err != nil {
		return err
	}

	h.State.SetQueryDone()
	return nil
}

func (t *EnsembleHandler) compose(ctx context.Context, h *HandlerContext, ensembleType string, candidates []*core.RankedAnswer) (*ensembleComposition, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "The user asked: \"%s\".", h.State.DecontextualizedQuery())
	if ensembleType != "" {
		fmt.Fprintf(&b, " They want a %s.", strings.ReplaceAll(ensembleType, "_", " "))
	}
	b.WriteString(" Compose a cohesive recommendation from the candidate items below, picking one item per component. Copy the candidate names and URLs verbatim.\n")
	for i, candidate := range candidates {
		fmt.Fprintf(&b, "\nCandidate %d (%s, %s):\n%s\n", i+1, candidate.Name, candidate.URL, schemaorg.Trim(candidate.Schema, 400))
	}

	raw, err := h.LLM.Ask(ctx, b.String(), ensembleCompositionSchema, llm.LevelHigh)
	if err != nil {
		return nil, err
	}
	var composition ensembleComposition
	if err := llm.Decode(raw, &composition); err != nil {
		return nil, fmt.Errorf("failed to decode ensemble composition: %w", err)
	}
	if len(composition.Items) == 0 {
		return nil, fmt.Errorf("ensemble composition returned no items")
	}
	return &composition, nil
}

// matchSource re-attaches the source document for a recommended item: URL
// first, then exact name, then case-insensitive substring either way.
func matchSource(url, name string, candidates []*core.RankedAnswer) *core.RankedAnswer {
	if url != "" {
		for _, candidate := range candidates {
			if candidate.URL == url {
				return candidate
			}
		}
	}
	for _, candidate := range candidates {
		if candidate.Name == name {
			return candidate
		}
	}
	lower := strings.ToLower(name)
	for _, candidate := range candidates {
		cand := strings.ToLower(candidate.Name)
		if cand == "" {
			continue
		}
		if strings.Contains(cand, lower) || strings.Contains(lower, cand) {
			return candidate
		}
	}
	return nil
}
