// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/retriever"
	"github.com/nlweb-go/nlweb/pkg/schemaorg"
)

const (
	// detailsAcceptScore emits immediately on the first candidate at or
	// above it; detailsFloorScore is the bar below which nothing matches.
	detailsAcceptScore = 75
	detailsFloorScore  = 60

	detailsCandidates = 20
)

// detailsMatch is the per-candidate scoring result: how well the candidate
// matches the asked-about item, plus the extracted details.
type detailsMatch struct {
	Score   int    `json:"score" jsonschema:"minimum=0,maximum=100,description=How well this candidate matches the item the user asked about"`
	Details string `json:"details" jsonschema:"description=The requested details extracted from the candidate document"`
}

var detailsMatchSchema = llm.SchemaFor[detailsMatch]()

// ItemDetailsHandler answers "what is the rating of X" style queries: find
// the named item, extract the requested details from its document.
type ItemDetailsHandler struct{}

func (t *ItemDetailsHandler) Do(ctx context.Context, h *HandlerContext, args map[string]any) error {
	itemName := llm.Str(args, "item_name")
	if itemName == "" {
		itemName = h.State.DecontextualizedQuery()
	}
	detailsRequested := llm.Str(args, "details_requested")

	candidates, err := h.Retriever.Search(ctx, itemName, h.State.Request.Sites, detailsCandidates, h.SearchOptions())
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var emitted bool
	bestScore := 0
	var best *retriever.Item
	var bestDetails string

	g, gctx := errgroup.WithContext(ctx)
	for _, candidate := range candidates {
		g.Go(func() error {
			match, err := t.scoreCandidate(gctx, h, candidate, itemName, detailsRequested)
			if err != nil {
				slog.Warn("Candidate scoring failed", "url", candidate.URL, "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if match.Score > bestScore {
				bestScore = match.Score
				best = &candidate
				bestDetails = match.Details
			}
			// First acceptable candidate wins; the emitted flag keeps a
			// racing second winner silent.
			if match.Score >= detailsAcceptScore && !emitted {
				emitted = true
				return t.emit(h, &candidate, match.Details, itemName)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if emitted {
		return nil
	}
	if bestScore >= detailsFloorScore && best != nil {
		return t.emit(h, best, bestDetails, itemName)
	}

	msg := core.NewMessage(core.MsgIntermediate)
	msg["message"] = fmt.Sprintf("No items found matching '%s'", itemName)
	return h.Sender.Send(msg)
}

func (t *ItemDetailsHandler) scoreCandidate(ctx context.Context, h *HandlerContext, candidate retriever.Item, itemName, detailsRequested string) (*detailsMatch, error) {
	prompt := fmt.Sprintf(
		"The user is asking about an item called \"%s\".", itemName)
	if detailsRequested != "" {
		prompt += fmt.Sprintf(" They want to know: %s.", detailsRequested)
	}
	prompt += "\nScore from 0 to 100 whether the following document describes that exact item, and if it does, extract the requested details from it.\n\n"
	prompt += schemaorg.Trim(candidate.Schema, 1000)

	raw, err := h.LLM.Ask(ctx, prompt, detailsMatchSchema, llm.LevelLow)
	if err != nil {
		return nil, err
	}
	var match detailsMatch
	if err := llm.Decode(raw, &match); err != nil {
		return nil, err
	}
	match.Score = clampScore(match.Score)
	return &match, nil
}

func (t *ItemDetailsHandler) emit(h *HandlerContext, item *retriever.Item, details, itemName string) error {
	msg := core.NewMessage(core.MsgItemDetails)
	msg["item_name"] = itemName
	msg["details"] = details
	msg["url"] = item.URL
	msg["name"] = item.Name
	msg["site"] = item.Site
	msg["schema_object"] = item.Schema
	return h.Sender.Send(msg)
}
