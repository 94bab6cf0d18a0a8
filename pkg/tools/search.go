// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"context"

	"github.com/nlweb-go/nlweb/pkg/ranking"
)

// SearchHandler is the default tool: retrieve on the decontextualised query,
// rank on the regular track.
type SearchHandler struct{}

func (t *SearchHandler) Do(ctx context.Context, h *HandlerContext, args map[string]any) error {
	state := h.State

	items, err := h.Retriever.Search(ctx, state.DecontextualizedQuery(), state.Request.Sites, retrieveLimit, h.SearchOptions())
	if err != nil {
		return err
	}
	state.SetRetrievedItems(items)
	state.RetrievalDone.Set()

	_, err = h.Ranker.Rank(ctx, state, h.Sender, items, ranking.TrackRegular)
	return err
}
