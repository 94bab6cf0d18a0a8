// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/schemaorg"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

type rankedSummary struct {
	Summary string `json:"summary" jsonschema:"description=A short prose summary of how the results answer the question"`
}

var summarySchema = llm.SchemaFor[rankedSummary]()

// postRank runs the generate-mode stage over the ranked answers. List mode
// has nothing to add; the answers already streamed.
func (q *QueryHandler) postRank(ctx context.Context, h *tools.HandlerContext) {
	switch h.State.Request.Mode {
	case config.GenerateModeSummarize:
		if err := q.summarize(ctx, h); err != nil {
			slog.Warn("Summary generation failed",
				"query_id", h.State.Request.QueryID, "error", err)
		}
	case config.GenerateModeGenerate:
		// The generate handler normally closes the query itself; reaching
		// here means it fell back to search, so synthesise over what search
		// ranked.
		generate := &tools.GenerateAnswerHandler{}
		if err := generate.GenerateFromAnswers(ctx, h, h.State.RankedAnswers()); err != nil {
			slog.Warn("Answer generation failed",
				"query_id", h.State.Request.QueryID, "error", err)
		}
	}
}

// summarize produces one prose summary over the answers that went out.
func (q *QueryHandler) summarize(ctx context.Context, h *tools.HandlerContext) error {
	answers := h.State.SentAnswers()
	if len(answers) == 0 {
		answers = h.State.RankedAnswers()
	}
	if len(answers) == 0 {
		msg := core.NewMessage(core.MsgIntermediate)
		msg["message"] = "No relevant results to summarize"
		return h.Sender.Send(msg)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summarize in a short paragraph how the following results answer the question \"%s\".\n",
		h.State.DecontextualizedQuery())
	for i, answer := range answers {
		fmt.Fprintf(&b, "\nResult %d: %s\n%s\n", i+1, answer.Name, schemaorg.Trim(answer.Schema, 300))
	}

	raw, err := q.llm.Ask(ctx, b.String(), summarySchema, llm.LevelHigh)
	if err != nil {
		return err
	}
	var result rankedSummary
	if err := llm.Decode(raw, &result); err != nil {
		return fmt.Errorf("failed to decode summary: %w", err)
	}

	msg := core.NewMessage(core.MsgSummary)
	msg["summary"] = result.Summary
	return h.Sender.Send(msg)
}
