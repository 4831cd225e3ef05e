// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "aleutian.ordering"

// Tracer creates spans for ordering operations.
//
// # Description
//
// When disabled every Start method returns a noop span, so callers never
// branch on whether tracing is on.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer. logger defaults to slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartMove starts a span for a Move API call.
//
// # Inputs
//
//   - ctx: Parent context.
//   - table: Table being reordered.
//   - kind: before, after, start, end, between or set.
//   - pks: Records being moved.
//
// # Outputs
//
//   - context.Context: Context carrying the span.
//   - trace.Span: Pass to EndMove.
func (t *Tracer) StartMove(ctx context.Context, table, kind string, pks ...string) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "ordering.move",
		trace.WithAttributes(
			attribute.String("ordering.table", table),
			attribute.String("ordering.move_kind", kind),
			attribute.Int("ordering.records", len(pks)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	if len(pks) == 1 {
		span.SetAttributes(attribute.String("ordering.pk", pks[0]))
	}

	t.logger.DebugContext(ctx, "moving records",
		slog.String("table", table),
		slog.String("kind", kind),
		slog.Int("records", len(pks)),
	)
	return ctx, span
}

// EndMove completes a move span.
func (t *Tracer) EndMove(span trace.Span, err error) {
	end(span, err)
}

// StartRenumber starts a span for a renumbering pass over one group.
func (t *Tracer) StartRenumber(ctx context.Context, table, groupKey string) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "ordering.renumber",
		trace.WithAttributes(
			attribute.String("ordering.table", table),
			attribute.String("ordering.group", groupKey),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRenumber completes a renumber span with the number of rewritten rows.
func (t *Tracer) EndRenumber(span trace.Span, rewritten int, err error) {
	if span == nil {
		return
	}
	if err == nil {
		span.SetAttributes(attribute.Int("ordering.rows_rewritten", rewritten))
	}
	end(span, err)
}

// StartDeferred starts a span covering a deferred bulk region.
func (t *Tracer) StartDeferred(ctx context.Context, table, operation string) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "ordering.deferred",
		trace.WithAttributes(
			attribute.String("ordering.table", table),
			attribute.String("ordering.operation", operation),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndDeferred completes a deferred span with the number of reconciled groups.
func (t *Tracer) EndDeferred(span trace.Span, groups int, err error) {
	if span == nil {
		return
	}
	if err == nil {
		span.SetAttributes(attribute.Int("ordering.groups", groups))
	}
	end(span, err)
}

func end(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// LoggerWithTrace returns logger annotated with the trace and span ids of
// ctx, if any.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
