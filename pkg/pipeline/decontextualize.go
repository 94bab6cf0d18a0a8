// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/schemaorg"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

// rewrite is the structured result of a decontextualisation prompt.
type rewrite struct {
	Query string `json:"query" jsonschema:"description=The user's question rewritten to stand alone, or the original when it already does"`
}

var rewriteSchema = llm.SchemaFor[rewrite]()

// decontextualizer rewrites a follow-up query into a standalone one.
// Exactly one strategy applies per request.
type decontextualizer interface {
	decontextualize(ctx context.Context, state *core.State) (string, error)
}

// selectDecontextualizer picks the strategy from the request shape.
func selectDecontextualizer(req *core.Request, client *llm.Client, searcher tools.Searcher, enabled bool) decontextualizer {
	switch {
	case req.Decontextualized != "":
		return callerSupplied{}
	case !enabled:
		return noOp{}
	case len(req.PrevQueries) == 0 && req.ContextURL == "":
		return noOp{}
	case req.ContextURL == "" && len(req.PrevQueries) > 0:
		return historyRewrite{client: client}
	case req.ContextURL != "" && len(req.PrevQueries) == 0:
		return pageRewrite{client: client, searcher: searcher}
	default:
		return fullRewrite{client: client, searcher: searcher}
	}
}

// noOp keeps the raw query.
type noOp struct{}

func (noOp) decontextualize(ctx context.Context, state *core.State) (string, error) {
	return state.Request.Query, nil
}

// callerSupplied trusts the rewrite the caller sent.
type callerSupplied struct{}

func (callerSupplied) decontextualize(ctx context.Context, state *core.State) (string, error) {
	return state.Request.Decontextualized, nil
}

// historyRewrite uses prior turns only.
type historyRewrite struct {
	client *llm.Client
}

func (d historyRewrite) decontextualize(ctx context.Context, state *core.State) (string, error) {
	prompt := fmt.Sprintf(
		"Earlier questions in this conversation: %s\nLatest question: \"%s\"\nRewrite the latest question so it stands alone without the conversation. Keep it unchanged if it already stands alone.",
		strings.Join(state.Request.PrevQueries, "; "), state.Request.Query)
	return askRewrite(ctx, d.client, prompt)
}

// pageRewrite uses the page the user is looking at, fetched through the
// retriever's URL lookup.
type pageRewrite struct {
	client   *llm.Client
	searcher tools.Searcher
}

func (d pageRewrite) decontextualize(ctx context.Context, state *core.State) (string, error) {
	summary := pageSummary(ctx, d.searcher, state.Request.ContextURL)
	if summary == "" {
		return state.Request.Query, nil
	}
	prompt := fmt.Sprintf(
		"The user is looking at a page described by:\n%s\nTheir question: \"%s\"\nRewrite the question so it stands alone without the page. Keep it unchanged if it already stands alone.",
		summary, state.Request.Query)
	return askRewrite(ctx, d.client, prompt)
}

// fullRewrite uses both prior turns and the context page.
type fullRewrite struct {
	client   *llm.Client
	searcher tools.Searcher
}

func (d fullRewrite) decontextualize(ctx context.Context, state *core.State) (string, error) {
	prompt := fmt.Sprintf(
		"Earlier questions in this conversation: %s\nLatest question: \"%s\"\n",
		strings.Join(state.Request.PrevQueries, "; "), state.Request.Query)
	if summary := pageSummary(ctx, d.searcher, state.Request.ContextURL); summary != "" {
		prompt += "The user is looking at a page described by:\n" + summary + "\n"
	}
	prompt += "Rewrite the latest question so it stands alone without the conversation or the page. Keep it unchanged if it already stands alone."
	return askRewrite(ctx, d.client, prompt)
}

func pageSummary(ctx context.Context, searcher tools.Searcher, url string) string {
	if searcher == nil || url == "" {
		return ""
	}
	item, err := searcher.SearchByURL(ctx, url)
	if err != nil || item == nil {
		return ""
	}
	return schemaorg.Trim(item.Schema, 400)
}

func askRewrite(ctx context.Context, client *llm.Client, prompt string) (string, error) {
	raw, err := client.Ask(ctx, prompt, rewriteSchema, llm.LevelLow)
	if err != nil {
		return "", err
	}
	var result rewrite
	if err := llm.Decode(raw, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Query), nil
}
