// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/ranking"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

// decontextWait bounds how long the fast track waits for the query rewrite
// before retrieving on the raw query.
const decontextWait = 250 * time.Millisecond

// fastTrackLimit is how many candidates the speculative retrieval pulls.
const fastTrackLimit = 50

// runFastTrack retrieves and ranks speculatively, before routing decides
// whether plain search is even the right tool. It checks the abort event at
// every suspension point; routing a non-search tool cancels it and any
// answers it was about to stream.
func (q *QueryHandler) runFastTrack(ctx context.Context, h *tools.HandlerContext, decontextDone *core.Event) {
	state := h.State
	req := state.Request

	// Only a streaming list query benefits from speculative results.
	if !req.Streaming || req.Mode != config.GenerateModeList {
		return
	}

	// Give the rewrite a brief head start; a stale query still retrieves
	// something useful.
	select {
	case <-decontextDone.Done():
	case <-time.After(decontextWait):
	case <-ctx.Done():
		return
	case <-state.AbortFastTrack.Done():
		return
	}

	if state.AbortFastTrack.IsSet() {
		return
	}

	items, err := q.retriever.Search(ctx, state.DecontextualizedQuery(), req.Sites, fastTrackLimit, h.SearchOptions())
	if err != nil {
		slog.Warn("Fast-track retrieval failed",
			"query_id", req.QueryID, "error", err)
		return
	}

	if state.AbortFastTrack.IsSet() {
		return
	}
	state.SetRetrievedItems(items)
	state.RetrievalDone.Set()

	if _, err := q.ranker.Rank(ctx, state, h.Sender, items, ranking.TrackFast); err != nil {
		slog.Warn("Fast-track ranking failed",
			"query_id", req.QueryID, "error", err)
		return
	}
	if state.AbortFastTrack.IsSet() {
		return
	}
	state.SetFastTrackWorked()
}
