// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the gateway's instruments. A zero Metrics (disabled config)
// is safe to use; all record methods become no-ops.
type Metrics struct {
	enabled bool

	queries          metric.Int64Counter
	queryDuration    metric.Float64Histogram
	llmCalls         metric.Int64Counter
	llmErrors        metric.Int64Counter
	backendSearches  metric.Int64Counter
	backendFailures  metric.Int64Counter
	rankingDuration  metric.Float64Histogram
	answersEmitted   metric.Int64Counter
	fastTrackAborted metric.Int64Counter
}

// InitMetrics wires an OTel meter backed by the Prometheus exporter.
func InitMetrics(ctx context.Context, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("nlweb")

	m := &Metrics{enabled: true}

	m.queries, err = meter.Int64Counter(
		"nlweb_queries_total",
		metric.WithDescription("Total queries handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	m.queryDuration, err = meter.Float64Histogram(
		"nlweb_query_duration_seconds",
		metric.WithDescription("End-to-end query duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	m.llmCalls, err = meter.Int64Counter(
		"nlweb_llm_calls_total",
		metric.WithDescription("Total LLM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm calls counter: %w", err)
	}

	m.llmErrors, err = meter.Int64Counter(
		"nlweb_llm_errors_total",
		metric.WithDescription("Total failed LLM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	m.backendSearches, err = meter.Int64Counter(
		"nlweb_backend_searches_total",
		metric.WithDescription("Total per-backend search calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend searches counter: %w", err)
	}

	m.backendFailures, err = meter.Int64Counter(
		"nlweb_backend_failures_total",
		metric.WithDescription("Total per-backend search failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend failures counter: %w", err)
	}

	m.rankingDuration, err = meter.Float64Histogram(
		"nlweb_ranking_duration_seconds",
		metric.WithDescription("Ranking batch duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ranking duration histogram: %w", err)
	}

	m.answersEmitted, err = meter.Int64Counter(
		"nlweb_answers_emitted_total",
		metric.WithDescription("Total result items emitted to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create answers counter: %w", err)
	}

	m.fastTrackAborted, err = meter.Int64Counter(
		"nlweb_fast_track_aborted_total",
		metric.WithDescription("Total fast-track branches aborted by routing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fast-track counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordQuery(ctx context.Context, seconds float64) {
	if !m.enabled {
		return
	}
	m.queries.Add(ctx, 1)
	m.queryDuration.Record(ctx, seconds)
}

func (m *Metrics) RecordLLMCall(ctx context.Context, failed bool) {
	if !m.enabled {
		return
	}
	m.llmCalls.Add(ctx, 1)
	if failed {
		m.llmErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordBackendSearch(ctx context.Context, failed bool) {
	if !m.enabled {
		return
	}
	m.backendSearches.Add(ctx, 1)
	if failed {
		m.backendFailures.Add(ctx, 1)
	}
}

func (m *Metrics) RecordRanking(ctx context.Context, seconds float64) {
	if !m.enabled {
		return
	}
	m.rankingDuration.Record(ctx, seconds)
}

func (m *Metrics) RecordAnswerEmitted(ctx context.Context) {
	if !m.enabled {
		return
	}
	m.answersEmitted.Add(ctx, 1)
}

func (m *Metrics) RecordFastTrackAborted(ctx context.Context) {
	if !m.enabled {
		return
	}
	m.fastTrackAborted.Add(ctx, 1)
}

// Handler exposes the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Enabled reports whether metrics are being recorded.
func (m *Metrics) Enabled() bool { return m.enabled }
