// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/retriever"
	"github.com/nlweb-go/nlweb/pkg/schemaorg"
)

const (
	compareResolveScore = 75
	compareCandidates   = 10
)

type compareResult struct {
	Summary string `json:"summary" jsonschema:"description=A short prose comparison of the two items"`
	Aspects []struct {
		Name  string `json:"name" jsonschema:"description=The aspect being compared"`
		Item1 string `json:"item1" jsonschema:"description=How the first item fares on this aspect"`
		Item2 string `json:"item2" jsonschema:"description=How the second item fares on this aspect"`
	} `json:"aspects"`
}

var compareResultSchema = llm.SchemaFor[compareResult]()

// CompareItemsHandler resolves two named items to their best-matching
// documents in parallel and produces a structured comparison.
type CompareItemsHandler struct{}

func (t *CompareItemsHandler) Do(ctx context.Context, h *HandlerContext, args map[string]any) error {
	name1 := llm.Str(args, "item1_name")
	name2 := llm.Str(args, "item2_name")
	if name1 == "" || name2 == "" {
		return fmt.Errorf("compare_items requires two item names")
	}

	var item1, item2 *retriever.Item
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		item1, err = t.resolve(gctx, h, name1)
		return err
	})
	g.Go(func() error {
		var err error
		item2, err = t.resolve(gctx, h, name2)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if item1 == nil || item2 == nil {
		missing := name1
		if item1 != nil {
			missing = name2
		}
		msg := core.NewMessage(core.MsgIntermediate)
		msg["message"] = fmt.Sprintf("No items found matching '%s'", missing)
		if err := h.Sender.Send(msg); err != nil {
			return err
		}
		h.State.SetQueryDone()
		return nil
	}

	prompt := fmt.Sprintf(
		"The user asked: \"%s\". Compare the two items below aspect by aspect and summarise which suits the request better.\n\nItem 1 (%s):\n%s\n\nItem 2 (%s):\n%s",
		h.State.DecontextualizedQuery(),
		item1.Name, schemaorg.Trim(item1.Schema, 1200),
		item2.Name, schemaorg.Trim(item2.Schema, 1200))

	raw, err := h.LLM.Ask(ctx, prompt, compareResultSchema, llm.LevelHigh)
	if err != nil {
		return err
	}
	var result compareResult
	if err := llm.Decode(raw, &result); err != nil {
		return fmt.Errorf("failed to decode comparison: %w", err)
	}

	msg := core.NewMessage(core.MsgCompareItems)
	msg["summary"] = result.Summary
	msg["aspects"] = result.Aspects
	msg["item1"] = map[string]any{"url": item1.URL, "name": item1.Name, "schema_object": item1.Schema}
	msg["item2"] = map[string]any{"url": item2.URL, "name": item2.Name, "schema_object": item2.Schema}
	if err := h.Sender.Send(msg); err != nil {
		return err
	}

	h.State.SetQueryDone()
	return nil
}

// resolve finds the best-matching document for one item name. Returns nil
// when nothing clears the resolve threshold.
func (t *CompareItemsHandler) resolve(ctx context.Context, h *HandlerContext, name string) (*retriever.Item, error) {
	candidates, err := h.Retriever.Search(ctx, name, h.State.Request.Sites, compareCandidates, h.SearchOptions())
	if err != nil {
		return nil, err
	}

	scorer := &ItemDetailsHandler{}
	var best *retriever.Item
	bestScore := 0
	for _, candidate := range candidates {
		match, err := scorer.scoreCandidate(ctx, h, candidate, name, "")
		if err != nil {
			slog.Warn("Candidate scoring failed", "url", candidate.URL, "error", err)
			continue
		}
		if match.Score > bestScore {
			bestScore = match.Score
			best = &candidate
		}
		if bestScore >= 95 {
			break
		}
	}

	if bestScore < compareResolveScore {
		return nil, nil
	}
	return best, nil
}
