// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/schemaorg"
)

type synthesis struct {
	Answer string   `json:"answer" jsonschema:"description=A prose answer to the user's question grounded in the provided documents"`
	URLs   []string `json:"urls" jsonschema:"description=The URLs of the documents the answer draws on, copied verbatim"`
}

var synthesisSchema = llm.SchemaFor[synthesis]()

type itemDescription struct {
	Description string `json:"description" jsonschema:"description=One sentence on what this source contributes to the answer"`
}

var itemDescriptionSchema = llm.SchemaFor[itemDescription]()

// GenerateAnswerHandler is the RAG path: retrieve, gather everything above
// the ranking threshold, synthesise prose with citations, then enrich each
// cited source with a per-item description.
type GenerateAnswerHandler struct{}

func (t *GenerateAnswerHandler) Do(ctx context.Context, h *HandlerContext, args map[string]any) error {
	state := h.State

	items, err := h.Retriever.Search(ctx, state.DecontextualizedQuery(), state.Request.Sites, retrieveLimit, h.SearchOptions())
	if err != nil {
		return err
	}
	state.SetRetrievedItems(items)
	state.RetrievalDone.Set()

	gathered, err := h.Ranker.Gather(ctx, state, state.DecontextualizedQuery(), items, t.gatherThreshold(h))
	if err != nil {
		return err
	}
	return t.GenerateFromAnswers(ctx, h, gathered)
}

// GenerateFromAnswers synthesises over an already-scored answer set. Also
// the post-ranking entry point for generateMode=generate.
func (t *GenerateAnswerHandler) GenerateFromAnswers(ctx context.Context, h *HandlerContext, answers []*core.RankedAnswer) error {
	if len(answers) == 0 {
		msg := core.NewMessage(core.MsgIntermediate)
		msg["message"] = "No relevant items found to answer from"
		if err := h.Sender.Send(msg); err != nil {
			return err
		}
		h.State.SetQueryDone()
		return nil
	}

	result, err := t.synthesise(ctx, h, answers)
	if err != nil {
		return err
	}

	cited := citedAnswers(result.URLs, answers)

	// Enrich each cited source with a per-item description, in parallel.
	// A single enrichment failure leaves that item without a description.
	descriptions := make([]string, len(cited))
	var wg sync.WaitGroup
	for i, answer := range cited {
		wg.Add(1)
		go func(i int, answer *core.RankedAnswer) {
			defer wg.Done()
			desc, err := t.describe(ctx, h, answer)
			if err != nil {
				slog.Warn("Item description failed", "url", answer.URL, "error", err)
				return
			}
			descriptions[i] = desc
		}(i, answer)
	}
	wg.Wait()

	enriched := make([]core.Message, 0, len(cited))
	for i, answer := range cited {
		description := descriptions[i]
		if description == "" {
			description = answer.Description
		}
		enriched = append(enriched, core.Message{
			"url":           answer.URL,
			"name":          answer.Name,
			"site":          answer.Site,
			"description":   description,
			"schema_object": answer.Schema,
		})
	}

	msg := core.NewMessage(core.MsgNLWS)
	msg["answer"] = result.Answer
	msg["items"] = enriched
	if err := h.Sender.Send(msg); err != nil {
		return err
	}

	h.State.SetQueryDone()
	return nil
}

func (t *GenerateAnswerHandler) synthesise(ctx context.Context, h *HandlerContext, answers []*core.RankedAnswer) (*synthesis, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Answer the user's question: \"%s\" using only the documents below. Cite the URLs of the documents you draw on.\n", h.State.DecontextualizedQuery())
	for i, answer := range answers {
		fmt.Fprintf(&b, "\nDocument %d (%s):\n%s\n", i+1, answer.URL, schemaorg.Trim(answer.Schema, 600))
	}

	raw, err := h.LLM.Ask(ctx, b.String(), synthesisSchema, llm.LevelHigh)
	if err != nil {
		return nil, err
	}
	var result synthesis
	if err := llm.Decode(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode synthesis: %w", err)
	}
	if result.Answer == "" {
		return nil, fmt.Errorf("synthesis returned an empty answer")
	}
	return &result, nil
}

func (t *GenerateAnswerHandler) describe(ctx context.Context, h *HandlerContext, answer *core.RankedAnswer) (string, error) {
	prompt := fmt.Sprintf(
		"The user asked: \"%s\". In one sentence, say what the following source contributes to the answer.\n\n%s",
		h.State.DecontextualizedQuery(), schemaorg.Trim(answer.Schema, 600))

	raw, err := h.LLM.Ask(ctx, prompt, itemDescriptionSchema, llm.LevelLow)
	if err != nil {
		return "", err
	}
	var desc itemDescription
	if err := llm.Decode(raw, &desc); err != nil {
		return "", err
	}
	return desc.Description, nil
}

func (t *GenerateAnswerHandler) gatherThreshold(h *HandlerContext) int {
	if h.Config != nil && h.Config.Ranking.RegularThreshold > 0 {
		return h.Config.Ranking.RegularThreshold
	}
	return 51
}

// citedAnswers keeps the answers whose URL the synthesis cited, in citation
// order. An empty citation list keeps everything.
func citedAnswers(urls []string, answers []*core.RankedAnswer) []*core.RankedAnswer {
	if len(urls) == 0 {
		return answers
	}
	byURL := make(map[string]*core.RankedAnswer, len(answers))
	for _, answer := range answers {
		byURL[answer.URL] = answer
	}
	var cited []*core.RankedAnswer
	seen := make(map[string]bool)
	for _, url := range urls {
		if answer, ok := byURL[url]; ok && !seen[url] {
			seen[url] = true
			cited = append(cited, answer)
		}
	}
	if len(cited) == 0 {
		return answers
	}
	return cited
}
