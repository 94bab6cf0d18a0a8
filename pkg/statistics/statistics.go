// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package statistics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nlweb-go/nlweb/pkg/core"
	"github.com/nlweb-go/nlweb/pkg/llm"
	"github.com/nlweb-go/nlweb/pkg/tools"
)

// templateThreshold is the minimum score for a template to count as a match.
const templateThreshold = 60

// templateMatch is the scoring schema for one template: relevance plus the
// extracted slot values.
type templateMatch struct {
	Score     int      `json:"score" jsonschema:"minimum=0,maximum=100,description=How well the query fits this template"`
	Variables []string `json:"variables" jsonschema:"description=The statistical variables named in the query"`
	Places    []string `json:"places" jsonschema:"description=The places named in the query"`
}

var templateMatchSchema = llm.SchemaFor[templateMatch]()

type scoredTemplate struct {
	Template  Template
	Score     int
	Variables []string
	Places    []string
}

// Handler maps a query onto statistical-query templates and emits a
// ready-to-embed chart for the best match.
type Handler struct {
	templates []Template
	mapper    *DCIDMapper
}

func NewHandler(templates []Template, mapper *DCIDMapper) *Handler {
	return &Handler{templates: templates, mapper: mapper}
}

func (t *Handler) Do(ctx context.Context, h *tools.HandlerContext, args map[string]any) error {
	query := h.State.DecontextualizedQuery()

	matches := t.scoreTemplates(ctx, h, query)
	if len(matches) == 0 {
		msg := core.NewMessage(core.MsgIntermediate)
		msg["message"] = "Could not map the question to a statistical query"
		if err := h.Sender.Send(msg); err != nil {
			return err
		}
		h.State.SetQueryDone()
		return nil
	}

	best := matches[0]
	variableDCIDs := t.mapper.MapVariables(ctx, best.Variables)
	placeDCIDs := t.mapper.MapPlaces(ctx, best.Places)

	component := chooseVisualization(best.Template.QueryType, len(variableDCIDs), len(placeDCIDs))

	templateList := make([]core.Message, 0, len(matches))
	for _, match := range matches {
		templateList = append(templateList, core.Message{
			"id":        match.Template.ID,
			"title":     match.Template.Title,
			"score":     match.Score,
			"variables": match.Variables,
			"places":    match.Places,
		})
	}

	statsMsg := core.NewMessage(core.MsgStatisticsResult)
	statsMsg["templates"] = templateList
	statsMsg["variable_dcids"] = variableDCIDs
	statsMsg["place_dcids"] = placeDCIDs
	statsMsg["visualization"] = component
	if err := h.Sender.Send(statsMsg); err != nil {
		return err
	}

	if len(variableDCIDs) > 0 && len(placeDCIDs) > 0 {
		chartMsg := core.NewMessage(core.MsgChartResult)
		chartMsg["component"] = component
		chartMsg["html"] = chartMarkup(component, query, variableDCIDs, placeDCIDs)
		if err := h.Sender.Send(chartMsg); err != nil {
			return err
		}
	}

	h.State.SetQueryDone()
	return nil
}

// scoreTemplates evaluates every template in parallel and returns the ones
// above threshold, best first. A single template's failure drops it only.
func (t *Handler) scoreTemplates(ctx context.Context, h *tools.HandlerContext, query string) []scoredTemplate {
	var mu sync.Mutex
	var matches []scoredTemplate

	g, gctx := errgroup.WithContext(ctx)
	for _, tmpl := range t.templates {
		g.Go(func() error {
			prompt := fmt.Sprintf(
				"Template: %s\nThe user asked: \"%s\". Score from 0 to 100 how well the question fits the template, and extract the variable and place names it mentions.",
				tmpl.Description, query)

			raw, err := h.LLM.Ask(gctx, prompt, templateMatchSchema, llm.LevelLow)
			if err != nil {
				slog.Warn("Template scoring failed", "template", tmpl.ID, "error", err)
				return nil
			}
			var match templateMatch
			if err := llm.Decode(raw, &match); err != nil {
				slog.Warn("Template result decode failed", "template", tmpl.ID, "error", err)
				return nil
			}
			if match.Score < templateThreshold {
				return nil
			}

			mu.Lock()
			matches = append(matches, scoredTemplate{
				Template:  tmpl,
				Score:     match.Score,
				Variables: match.Variables,
				Places:    match.Places,
			})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// chooseVisualization picks the chart component from the template's query
// type and the slot counts.
func chooseVisualization(queryType string, numVariables, numPlaces int) string {
	switch queryType {
	case "trend":
		return "line"
	case "rank":
		return "ranking"
	case "correlate":
		return "scatter"
	case "compare":
		if numPlaces > 3 {
			return "map"
		}
		return "bar"
	}
	if numVariables > 1 {
		return "scatter"
	}
	if numPlaces > 1 {
		return "bar"
	}
	return "highlight"
}

// chartMarkup renders a Data Commons web-component tag for the selection.
func chartMarkup(component, title string, variableDCIDs, placeDCIDs []string) string {
	return fmt.Sprintf(`<datacommons-%s header=%q places=%q variables=%q></datacommons-%s>`,
		component,
		title,
		strings.Join(placeDCIDs, " "),
		strings.Join(variableDCIDs, " "),
		component)
}
