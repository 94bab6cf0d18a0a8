// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/observability"
	"github.com/nlweb-go/nlweb/pkg/retriever"
	"github.com/nlweb-go/nlweb/pkg/schemaorg"
)

// Track selects the threshold and emission policy for one ranking run.
type Track int

const (
	TrackRegular Track = iota
	TrackFast
)

// itemTokenBudget caps the trimmed schema document in a ranking prompt.
const itemTokenBudget = 1000

// itemScore is the fixed return schema of one per-item scoring call.
type itemScore struct {
	Score       int    `json:"score" jsonschema:"minimum=0,maximum=100,description=Relevance of the item to the query from 0 to 100"`
	Description string `json:"description" jsonschema:"description=One sentence on why the item matches"`
}

var itemScoreSchema = llm.SchemaFor[itemScore]()

// Engine scores retrieved items against the query with bounded parallelism
// and streams good answers as they arrive.
type Engine struct {
	client  *llm.Client
	cfg     *config.RankingConfig
	metrics *observability.Metrics
}

func NewEngine(client *llm.Client, cfg *config.RankingConfig, metrics *observability.Metrics) *Engine {
	if metrics == nil {
		metrics = &observability.Metrics{}
	}
	return &Engine{client: client, cfg: cfg, metrics: metrics}
}

func (e *Engine) threshold(track Track) int {
	if track == TrackFast {
		return e.cfg.FastThreshold
	}
	return e.cfg.RegularThreshold
}

// Rank scores every item concurrently and returns the good answers sorted by
// score descending. In streaming mode good answers are emitted individually
// as scoring completes; otherwise one result_batch carries the top answers at
// the end. A single item's failure drops that item only.
func (e *Engine) Rank(ctx context.Context, state *core.State, sender *core.Sender, items []retriever.Item, track Track) ([]*core.RankedAnswer, error) {
	start := time.Now()
	defer func() { e.metrics.RecordRanking(ctx, time.Since(start).Seconds()) }()

	threshold := e.threshold(track)
	streaming := state.Request.Streaming
	query := state.DecontextualizedQuery()

	sem := semaphore.NewWeighted(int64(e.cfg.Workers))
	results := make(chan *core.RankedAnswer, len(items))

	// Launched goroutines always deliver into the buffered channel, so a
	// mid-batch cancellation drains exactly `launched` results and returns;
	// the channel is never closed.
	launched := 0
	var acquireErr error
	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = err
			break
		}
		launched++
		go func(item retriever.Item) {
			defer sem.Release(1)

			answer, err := e.scoreItem(ctx, state, query, item)
			if err != nil {
				slog.Warn("Item scoring failed, dropping item",
					"url", item.URL, "error", err)
				results <- nil
				return
			}

			if answer.Score >= threshold {
				state.AppendRankedAnswer(answer)
				if streaming {
					e.emitAnswer(state, sender, answer)
				}
			}
			results <- answer
		}(item)
	}

	scored := make([]*core.RankedAnswer, 0, launched)
	for i := 0; i < launched; i++ {
		if answer := <-results; answer != nil {
			scored = append(scored, answer)
		}
	}
	if acquireErr != nil {
		return nil, acquireErr
	}

	if state.AbortFastTrack.IsSet() && track == TrackFast {
		return nil, nil
	}

	good := make([]*core.RankedAnswer, 0, len(scored))
	for _, answer := range scored {
		if answer.Score >= threshold {
			good = append(good, answer)
		}
	}
	sortByScore(good)

	if !streaming {
		e.emitBatch(state, sender, capAnswers(good, e.cfg.MaxResults))
	} else {
		e.emitFallback(state, sender, scored, threshold)
	}
	return good, nil
}

// Gather scores items against query without emitting or touching
// rankedAnswers, returning the answers at or above threshold sorted by score
// descending. Used by the synthesis paths that consume scored items instead
// of streaming them; sub-query callers pass their own query so candidates are
// scored against it rather than the request-level one. An empty query falls
// back to the request's.
func (e *Engine) Gather(ctx context.Context, state *core.State, query string, items []retriever.Item, threshold int) ([]*core.RankedAnswer, error) {
	if query == "" {
		query = state.DecontextualizedQuery()
	}

	sem := semaphore.NewWeighted(int64(e.cfg.Workers))
	results := make(chan *core.RankedAnswer, len(items))

	launched := 0
	var acquireErr error
	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = err
			break
		}
		launched++
		go func(item retriever.Item) {
			defer sem.Release(1)
			answer, err := e.scoreItem(ctx, state, query, item)
			if err != nil {
				slog.Warn("Item scoring failed, dropping item",
					"url", item.URL, "error", err)
				results <- nil
				return
			}
			results <- answer
		}(item)
	}

	gathered := make([]*core.RankedAnswer, 0, launched)
	for i := 0; i < launched; i++ {
		if answer := <-results; answer != nil && answer.Score >= threshold {
			gathered = append(gathered, answer)
		}
	}
	if acquireErr != nil {
		return nil, acquireErr
	}
	sortByScore(gathered)
	return gathered, nil
}

// scoreItem runs one per-item LLM scoring call on the low tier.
func (e *Engine) scoreItem(ctx context.Context, state *core.State, query string, item retriever.Item) (*core.RankedAnswer, error) {
	prompt := buildRankingPrompt(state, query, item)

	raw, err := e.client.Ask(ctx, prompt, itemScoreSchema, llm.LevelLow)
	if err != nil {
		return nil, err
	}

	var result itemScore
	if err := llm.Decode(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode ranking result: %w", err)
	}

	name := item.Name
	if name == "" {
		name = schemaorg.Name(item.Schema)
	}

	return &core.RankedAnswer{
		URL:         item.URL,
		Site:        item.Site,
		Name:        name,
		Schema:      item.Schema,
		Score:       clampScore(result.Score),
		Description: result.Description,
	}, nil
}

// emitAnswer streams one good answer, unless the fast-track abort landed
// first. The abort check and the write share the send mutex, so an abort
// never races an in-flight emission.
func (e *Engine) emitAnswer(state *core.State, sender *core.Sender, answer *core.RankedAnswer) {
	msg := core.NewMessage(core.MsgResultBatch)
	msg["results"] = []*core.RankedAnswer{answer}

	sent, err := sender.SendChecked(state.AbortFastTrack, msg)
	if err != nil {
		return
	}
	if sent {
		state.MarkSent(answer)
		e.metrics.RecordAnswerEmitted(context.Background())
	}
}

// emitBatch sends the non-streaming single batch.
func (e *Engine) emitBatch(state *core.State, sender *core.Sender, answers []*core.RankedAnswer) {
	if len(answers) == 0 {
		return
	}
	msg := core.NewMessage(core.MsgResultBatch)
	msg["results"] = answers

	sent, err := sender.SendChecked(state.AbortFastTrack, msg)
	if err != nil || !sent {
		return
	}
	for _, answer := range answers {
		state.MarkSent(answer)
		e.metrics.RecordAnswerEmitted(context.Background())
	}
}

// emitFallback re-emits top results at a lowered threshold when streaming
// produced fewer good answers than the configured floor.
func (e *Engine) emitFallback(state *core.State, sender *core.Sender, scored []*core.RankedAnswer, threshold int) {
	emitted := len(state.SentAnswers())
	if emitted >= e.cfg.FallbackFloor {
		return
	}

	lowered := threshold - e.cfg.FallbackDelta
	sortByScore(scored)

	for _, answer := range scored {
		if emitted >= e.cfg.FallbackFloor {
			return
		}
		if answer.Sent || answer.Score < lowered {
			continue
		}
		if answer.Score < threshold {
			// Below-threshold answers join rankedAnswers only when the
			// fallback actually promotes them.
			state.AppendRankedAnswer(answer)
		}

		msg := core.NewMessage(core.MsgResultBatch)
		msg["results"] = []*core.RankedAnswer{answer}
		sent, err := sender.SendChecked(state.AbortFastTrack, msg)
		if err != nil || !sent {
			return
		}
		state.MarkSent(answer)
		e.metrics.RecordAnswerEmitted(context.Background())
		emitted++
	}
}

func buildRankingPrompt(state *core.State, query string, item retriever.Item) string {
	var b strings.Builder
	b.WriteString("Assign a relevance score from 0 to 100 to the following item for the user's question, and write a one-sentence description of the item tailored to the question.\n\n")
	fmt.Fprintf(&b, "User question: %s\n", query)
	if prev := state.Request.PrevQueries; len(prev) > 0 {
		fmt.Fprintf(&b, "Earlier questions in this conversation: %s\n", strings.Join(prev, "; "))
	}
	b.WriteString("\nThe item is described by the following schema.org document. It may be a single object or an array of objects describing the same item from several sources.\n")
	b.WriteString(schemaorg.Trim(item.Schema, itemTokenBudget))
	return b.String()
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func capAnswers(answers []*core.RankedAnswer, max int) []*core.RankedAnswer {
	if max > 0 && len(answers) > max {
		return answers[:max]
	}
	return answers
}

func sortByScore(answers []*core.RankedAnswer) {
	sort.SliceStable(answers, func(i, j int) bool { return answers[i].Score > answers[j].Score })
}
