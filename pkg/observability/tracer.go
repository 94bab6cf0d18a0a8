// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracer installs the global tracer provider and returns its shutdown
// hook. Without an exporter configured the spans stay in-process; they still
// give request-scoped span contexts that child spans can attach to.
func InitTracer(ctx context.Context) (func(context.Context) error, error) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
