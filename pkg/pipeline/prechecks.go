// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/retriever"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

type relevanceVerdict struct {
	Relevant bool   `json:"relevant" jsonschema:"description=Whether the question can be answered by searching the content corpus"`
	Reason   string `json:"reason" jsonschema:"description=A short user-facing explanation when the question cannot be answered"`
}

var relevanceSchema = llm.SchemaFor[relevanceVerdict]()

type queryAnalysis struct {
	Kind      string `json:"kind" jsonschema:"enum=question,enum=keyword,enum=command,description=The grammatical shape of the query"`
	MultiType bool   `json:"multi_type" jsonschema:"description=Whether the query asks for several kinds of items at once"`
}

var queryAnalysisSchema = llm.SchemaFor[queryAnalysis]()

type memoryVerdict struct {
	IsMemoryRequest bool   `json:"is_memory_request" jsonschema:"description=Whether the query asks to remember a preference or fact"`
	Item            string `json:"item" jsonschema:"description=The preference or fact to remember, when present"`
}

var memorySchema = llm.SchemaFor[memoryVerdict]()

type requiredInfoVerdict struct {
	Found    bool   `json:"found" jsonschema:"description=Whether the query already contains the required information"`
	Question string `json:"question" jsonschema:"description=A question asking the user for the missing information"`
}

var requiredInfoSchema = llm.SchemaFor[requiredInfoVerdict]()

// runPreChecks fans out the pre-retrieval analysis tasks and signals
// PreChecksDone when the last one lands. A task's failure is logged and the
// query proceeds on defaults; no task aborts its siblings.
func (q *QueryHandler) runPreChecks(ctx context.Context, h *tools.HandlerContext, decontextDone *core.Event) {
	state := h.State
	defer state.PreChecksDone.Set()

	// Item type is a config lookup; routing and decontextualisation read it.
	state.SetItemType(q.cfg.Sites.ItemType(state.Request.Sites))

	var wg sync.WaitGroup
	run := func(name string, task func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := task(ctx); err != nil {
				slog.Warn("Pre-check failed, proceeding on defaults",
					"check", name, "query_id", state.Request.QueryID, "error", err)
			}
		}()
	}

	run("decontextualize", func(ctx context.Context) error {
		defer decontextDone.Set()
		return q.decontextualize(ctx, h)
	})
	run("relevance", func(ctx context.Context) error {
		return q.detectRelevance(ctx, state)
	})
	run("query_analysis", func(ctx context.Context) error {
		return q.analyzeQuery(ctx, state)
	})
	if q.cfg.Features.Memory() {
		run("memory", func(ctx context.Context) error {
			return q.detectMemoryRequest(ctx, h)
		})
	}
	if q.cfg.Features.RequiredInfo() {
		run("required_info", func(ctx context.Context) error {
			return q.checkRequiredInfo(ctx, state)
		})
	}
	if q.toolSelectionApplies(state.Request) {
		run("tool_selection", func(ctx context.Context) error {
			// Routing scores against the effective query, so it waits for
			// the rewrite.
			if err := decontextDone.Wait(ctx); err != nil {
				return err
			}
			_, err := q.router.Route(ctx, state, h.Sender)
			if err == nil && state.AbortFastTrack.IsSet() {
				q.metrics.RecordFastTrackAborted(ctx)
			}
			return err
		})
	}
	wg.Wait()
}

func (q *QueryHandler) toolSelectionApplies(req *core.Request) bool {
	if !q.cfg.Features.ToolSelection() {
		return false
	}
	switch req.Mode {
	case config.GenerateModeSummarize, config.GenerateModeGenerate:
		return false
	}
	return true
}

// decontextualize rewrites the query against conversation and page context,
// announcing the rewrite to the client when one happens.
func (q *QueryHandler) decontextualize(ctx context.Context, h *tools.HandlerContext) error {
	state := h.State
	d := selectDecontextualizer(state.Request, q.llm, q.retriever, q.cfg.Features.Decontextualize())

	rewritten, err := d.decontextualize(ctx, state)
	if err != nil {
		// Keep the raw query; retrieval still works, just less precisely.
		return err
	}
	if rewritten == "" || rewritten == state.Request.Query {
		return nil
	}

	state.SetDecontextualizedQuery(rewritten)

	msg := core.NewMessage(core.MsgDecontextualized)
	msg["query"] = state.Request.Query
	msg["decontextualized_query"] = rewritten
	return h.Sender.Send(msg)
}

// detectRelevance asks whether the corpus can answer the question at all.
func (q *QueryHandler) detectRelevance(ctx context.Context, state *core.State) error {
	scope := "a collection of websites"
	if sites := q.cfg.Sites.Allowed; len(sites) > 0 && !retriever.IsAllSites(state.Request.Sites) {
		scope = "the sites " + strings.Join(sites, ", ")
	}
	prompt := fmt.Sprintf(
		"The user asked: \"%s\". Can this be answered by searching the content of %s? Questions about the weather, simple arithmetic, or the assistant itself cannot. If not, explain briefly what the user should ask instead.",
		state.Request.Query, scope)

	raw, err := q.llm.Ask(ctx, prompt, relevanceSchema, llm.LevelLow)
	if err != nil {
		return err
	}
	var verdict relevanceVerdict
	if err := llm.Decode(raw, &verdict); err != nil {
		return err
	}
	if !verdict.Relevant {
		reason := verdict.Reason
		if reason == "" {
			reason = "This question cannot be answered from the available content"
		}
		state.SetQueryIrrelevant(reason)
	}
	return nil
}

// analyzeQuery classifies the query shape for downstream prompts.
func (q *QueryHandler) analyzeQuery(ctx context.Context, state *core.State) error {
	prompt := fmt.Sprintf(
		"Classify the query \"%s\": is it a question, a keyword search, or a command? Does it ask for several kinds of items at once (for example a restaurant and a hotel)?",
		state.Request.Query)

	raw, err := q.llm.Ask(ctx, prompt, queryAnalysisSchema, llm.LevelLow)
	if err != nil {
		return err
	}
	var analysis queryAnalysis
	if err := llm.Decode(raw, &analysis); err != nil {
		return err
	}
	state.SetQueryKind(analysis.Kind)
	state.SetMultiTypeQuery(analysis.MultiType)
	return nil
}

// detectMemoryRequest spots "remember that ..." style queries and
// acknowledges them. Long-term storage is the embedder's corpus; here the
// item is only surfaced back to the caller.
func (q *QueryHandler) detectMemoryRequest(ctx context.Context, h *tools.HandlerContext) error {
	prompt := fmt.Sprintf(
		"Does the query \"%s\" ask to remember a preference or fact for later (for example \"remember that I am vegetarian\")? If so, state the item to remember.",
		h.State.Request.Query)

	raw, err := q.llm.Ask(ctx, prompt, memorySchema, llm.LevelLow)
	if err != nil {
		return err
	}
	var verdict memoryVerdict
	if err := llm.Decode(raw, &verdict); err != nil {
		return err
	}
	if !verdict.IsMemoryRequest || verdict.Item == "" {
		return nil
	}

	slog.Info("Memory request detected",
		"query_id", h.State.Request.QueryID, "item", verdict.Item)
	msg := core.NewMessage(core.MsgIntermediate)
	msg["message"] = "I'll remember that: " + verdict.Item
	return h.Sender.Send(msg)
}

// checkRequiredInfo verifies that the query carries the input a site
// declares as required, and prepares the question to ask when it does not.
func (q *QueryHandler) checkRequiredInfo(ctx context.Context, state *core.State) error {
	var required []string
	for _, site := range state.Request.Sites {
		if info, ok := q.cfg.Sites.RequiredInfo[site]; ok {
			required = append(required, info)
		}
	}
	if len(required) == 0 {
		return nil
	}

	prompt := fmt.Sprintf(
		"Answering on this site requires knowing: %s. Does the query \"%s\" (earlier questions: %s) provide it? If not, write a short question asking the user for it.",
		strings.Join(required, "; "), state.Request.Query,
		strings.Join(state.Request.PrevQueries, "; "))

	raw, err := q.llm.Ask(ctx, prompt, requiredInfoSchema, llm.LevelLow)
	if err != nil {
		return err
	}
	var verdict requiredInfoVerdict
	if err := llm.Decode(raw, &verdict); err != nil {
		return err
	}
	if !verdict.Found {
		question := verdict.Question
		if question == "" {
			question = required[0]
		}
		state.SetRequiredInfoMissing(question)
	}
	return nil
}
