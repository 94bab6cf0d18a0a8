// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"
	"fmt"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/ranking"
	"github.com/nlweb-go/nlweb/pkg/registry"
	"github.com/nlweb-go/nlweb/pkg/retriever"
)

// retrieveLimit is how many candidates a handler pulls per retrieval.
const retrieveLimit = 50

// Searcher is the retrieval surface handlers depend on.
type Searcher interface {
	Search(ctx context.Context, query string, sites []string, k int, opts retriever.SearchOptions) ([]retriever.Item, error)
	SearchByURL(ctx context.Context, url string) (*retriever.Item, error)
}

// HandlerContext bundles the per-request collaborators a handler consumes.
type HandlerContext struct {
	State     *core.State
	Sender    *core.Sender
	LLM       *llm.Client
	Retriever Searcher
	Ranker    *ranking.Engine
	Config    *config.Config
}

// SearchOptions applies the dev-mode backend override from the request.
func (h *HandlerContext) SearchOptions() retriever.SearchOptions {
	opts := retriever.SearchOptions{}
	if h.Config != nil && h.Config.Server.DevMode {
		opts.EndpointOverride = h.State.Request.Backend
	}
	return opts
}

// Handler executes one routed tool.
type Handler interface {
	// Do consumes the router's extracted arguments and emits the tool's
	// messages through the shared sender.
	Do(ctx context.Context, h *HandlerContext, args map[string]any) error
}

// Handlers is the process-wide handler registry, keyed by the catalogue's
// handler reference.
type Handlers struct {
	reg *registry.BaseRegistry[Handler]
}

// NewHandlers registers the built-in handlers. Statistics is registered by
// the caller since it carries its own catalogue.
func NewHandlers() *Handlers {
	h := &Handlers{reg: registry.NewBaseRegistry[Handler]()}
	h.Register("search", &SearchHandler{})
	h.Register("item_details", &ItemDetailsHandler{})
	h.Register("compare_items", &CompareItemsHandler{})
	h.Register("ensemble", &EnsembleHandler{})
	h.Register("generate_answer", &GenerateAnswerHandler{})
	return h
}

func (h *Handlers) Register(name string, handler Handler) {
	if err := h.reg.Register(name, handler); err != nil {
		// Duplicate registration is a programming error.
		panic(fmt.Sprintf("tools: %v", err))
	}
}

func (h *Handlers) Get(name string) (Handler, bool) {
	return h.reg.Get(name)
}

// Dispatch runs the named handler, wrapping failures as ToolHandlerError so
// the query handler can fall back to plain search.
func (h *Handlers) Dispatch(ctx context.Context, name string, hctx *HandlerContext, args map[string]any) error {
	handler, ok := h.Get(name)
	if !ok {
		return &core.ToolHandlerError{Tool: name, Err: fmt.Errorf("unknown handler")}
	}
	if err := handler.Do(ctx, hctx, args); err != nil {
		return &core.ToolHandlerError{Tool: name, Err: err}
	}
	return nil
}
