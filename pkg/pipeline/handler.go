// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/observability"
	"github.com/nlweb-go/nlweb/pkg/ranking"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

// QueryHandler orchestrates one query: parallel pre-checks, a speculative
// fast-track retrieval, tool dispatch, and post-ranking, all sharing one
// Sender and one State.
type QueryHandler struct {
	cfg       *config.Config
	llm       *llm.Client
	retriever tools.Searcher
	ranker    *ranking.Engine
	router    *tools.Router
	handlers  *tools.Handlers
	metrics   *observability.Metrics
}

func NewQueryHandler(cfg *config.Config, client *llm.Client, searcher tools.Searcher,
	ranker *ranking.Engine, router *tools.Router, handlers *tools.Handlers,
	metrics *observability.Metrics) *QueryHandler {
	if metrics == nil {
		metrics = &observability.Metrics{}
	}
	return &QueryHandler{
		cfg:       cfg,
		llm:       client,
		retriever: searcher,
		ranker:    ranker,
		router:    router,
		handlers:  handlers,
		metrics:   metrics,
	}
}

// Run executes one query to completion and returns the emitted messages
// grouped by type. emit is the streaming write path; nil means the caller
// wants the accumulated map only.
//
// A lost connection is not an error: emission drains silently and Run still
// returns the accumulated messages.
func (q *QueryHandler) Run(ctx context.Context, req *core.Request, emit core.EmitFunc) (map[string][]core.Message, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, core.InvalidInputf("query must not be empty")
	}
	if req.QueryID == "" {
		req.QueryID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = config.GenerateModeList
	}

	ctx, span := otel.Tracer("nlweb/pipeline").Start(ctx, "query",
		trace.WithAttributes(attribute.String("query.id", req.QueryID)))
	defer span.End()

	start := time.Now()
	defer func() { q.metrics.RecordQuery(ctx, time.Since(start).Seconds()) }()

	state := core.NewState(req)
	opts := []core.SenderOption{
		core.WithHeaders(q.cfg.Server.Headers),
		core.WithAPIKeys(q.cfg.Server.APIKeys),
	}
	if emit != nil {
		opts = append(opts, core.WithEmitter(emit))
	}
	sender := core.NewSender(req.QueryID, state.ConnLost, opts...)

	hctx := &tools.HandlerContext{
		State:     state,
		Sender:    sender,
		LLM:       q.llm,
		Retriever: q.retriever,
		Ranker:    q.ranker,
		Config:    q.cfg,
	}

	decontextDone := core.NewEvent()

	fastTrackDone := make(chan struct{})
	go func() {
		defer close(fastTrackDone)
		q.runFastTrack(ctx, hctx, decontextDone)
	}()

	go q.runPreChecks(ctx, hctx, decontextDone)

	if err := state.PreChecksDone.Wait(ctx); err != nil {
		state.AbortFastTrack.Set()
		return sender.Accumulated(), err
	}

	if done, err := q.applyGates(hctx); done || err != nil {
		state.AbortFastTrack.Set()
		<-fastTrackDone
		q.finish(sender)
		return sender.Accumulated(), err
	}

	toolName, args := q.selectDispatch(state)

	// The fast track either finished streaming or drained after an abort;
	// settle it before deciding whether plain search still needs to run.
	select {
	case <-fastTrackDone:
	case <-ctx.Done():
		state.AbortFastTrack.Set()
		return sender.Accumulated(), ctx.Err()
	}

	skipDispatch := toolName == tools.SearchToolName && state.FastTrackWorked()
	if !skipDispatch {
		if err := q.dispatch(ctx, hctx, toolName, args); err != nil {
			q.sendError(sender, err)
		}
	}

	if !state.IsQueryDone() {
		q.postRank(ctx, hctx)
	}

	q.finish(sender)
	return sender.Accumulated(), nil
}

// applyGates enforces the pre-check verdicts that terminate a query before
// any tool runs. Reports done=true when a gate closed the query.
func (q *QueryHandler) applyGates(h *tools.HandlerContext) (bool, error) {
	if irrelevant, reason := h.State.QueryIsIrrelevant(); irrelevant {
		msg := core.NewMessage(core.MsgIntermediate)
		msg["message"] = reason
		if err := h.Sender.Send(msg); err != nil {
			return true, nil
		}
		return true, nil
	}

	if found, question := h.State.RequiredInfoFound(); !found {
		msg := core.NewMessage(core.MsgAskUser)
		msg["message"] = question
		if err := h.Sender.Send(msg); err != nil {
			return true, nil
		}
		return true, nil
	}
	return false, nil
}

// selectDispatch picks the handler to run from the routing verdict and the
// generate mode. Summarise and generate modes bypass routing.
func (q *QueryHandler) selectDispatch(state *core.State) (string, map[string]any) {
	switch state.Request.Mode {
	case config.GenerateModeGenerate:
		return "generate_answer", nil
	case config.GenerateModeSummarize:
		return tools.SearchToolName, nil
	}

	if candidate, ok := state.SelectedTool(); ok {
		return candidate.Name, candidate.Args
	}
	return tools.SearchToolName, nil
}

// dispatch runs the selected handler. A non-search handler failure falls
// back to plain search; a search failure surfaces.
func (q *QueryHandler) dispatch(ctx context.Context, h *tools.HandlerContext, toolName string, args map[string]any) error {
	err := q.handlers.Dispatch(ctx, toolName, h, args)
	if err == nil {
		return nil
	}

	var toolErr *core.ToolHandlerError
	if errors.As(err, &toolErr) && toolName != tools.SearchToolName {
		slog.Warn("Tool handler failed, falling back to search",
			"tool", toolName, "query_id", h.State.Request.QueryID, "error", err)
		return q.handlers.Dispatch(ctx, tools.SearchToolName, h, nil)
	}
	return err
}

// sendError surfaces a terminal failure as an error frame. Connection loss
// is drained, not reported.
func (q *QueryHandler) sendError(sender *core.Sender, err error) {
	if errors.Is(err, core.ErrConnectionLost) {
		return
	}
	slog.Error("Query failed", "error", err)

	msg := core.NewMessage(core.MsgError)
	if errors.Is(err, core.ErrAllBackendsFailed) {
		msg["error"] = "retrieval is unavailable"
	} else {
		msg["error"] = "query processing failed"
	}
	_ = sender.Send(msg)
}

// finish emits the terminal complete frame.
func (q *QueryHandler) finish(sender *core.Sender) {
	_ = sender.Send(core.NewMessage(core.MsgComplete))
}
