// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the OpenTelemetry metrics and spans emitted
// by the ordering engine and store.
//
// Instruments are created lazily against the global MeterProvider, so the
// binary must call telemetry.Init before the first operation for metrics to
// be exported. Without it the global noop provider swallows them.
package observability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "aleutian.ordering"

// Metric instruments for ordering operations.
var (
	renumberTotal         metric.Int64Counter
	rowsRenumbered        metric.Int64Counter
	moveTotal             metric.Int64Counter
	moveDuration          metric.Float64Histogram
	conflictTotal         metric.Int64Counter
	notificationTotal     metric.Int64Counter
	txnRetryTotal         metric.Int64Counter
	deferredGroupsTouched metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics creates all instruments once.
func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)
		var err error

		if renumberTotal, err = meter.Int64Counter(
			"ordering_renumber_total",
			metric.WithDescription("Total number of renumbering passes"),
		); err != nil {
			metricsErr = err
			return
		}

		if rowsRenumbered, err = meter.Int64Counter(
			"ordering_rows_renumbered_total",
			metric.WithDescription("Total number of rows whose order key was rewritten by a renumbering pass"),
		); err != nil {
			metricsErr = err
			return
		}

		if moveTotal, err = meter.Int64Counter(
			"ordering_move_total",
			metric.WithDescription("Total number of move operations"),
		); err != nil {
			metricsErr = err
			return
		}

		if moveDuration, err = meter.Float64Histogram(
			"ordering_move_duration_seconds",
			metric.WithDescription("Duration of move operations in seconds"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}

		if conflictTotal, err = meter.Int64Counter(
			"ordering_conflict_total",
			metric.WithDescription("Total number of order conflicts returned to callers"),
		); err != nil {
			metricsErr = err
			return
		}

		if notificationTotal, err = meter.Int64Counter(
			"ordering_notification_total",
			metric.WithDescription("Total number of reorder notifications published"),
		); err != nil {
			metricsErr = err
			return
		}

		if txnRetryTotal, err = meter.Int64Counter(
			"ordering_txn_retry_total",
			metric.WithDescription("Total number of transactions re-run after a serialization conflict"),
		); err != nil {
			metricsErr = err
			return
		}

		if deferredGroupsTouched, err = meter.Int64Histogram(
			"ordering_deferred_groups",
			metric.WithDescription("Number of groups reconciled when a deferred region exits"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func ready() bool {
	return metricsEnabled.Load() && initMetrics() == nil
}

func statusOf(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRenumber records one renumbering pass over a group.
func RecordRenumber(ctx context.Context, table string, rewritten int) {
	if !ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("table", table))
	renumberTotal.Add(ctx, 1, attrs)
	rowsRenumbered.Add(ctx, int64(rewritten), attrs)
}

// RecordMove records a move operation.
//
// # Inputs
//
//   - kind: before, after, start, end, between or set.
//   - duration: Wall time including conflict retries.
//   - success: Whether the move committed.
func RecordMove(ctx context.Context, table, kind string, duration time.Duration, success bool) {
	if !ready() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("kind", kind),
		attribute.String("status", statusOf(success)),
	)
	moveTotal.Add(ctx, 1, attrs)
	moveDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordConflict records an order conflict. reason must come from a
// bounded set.
func RecordConflict(ctx context.Context, table, reason string) {
	if !ready() {
		return
	}
	conflictTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("reason", reason),
	))
}

// RecordNotification records a published notification.
func RecordNotification(ctx context.Context, table, operation string, success bool) {
	if !ready() {
		return
	}
	notificationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("operation", operation),
		attribute.String("status", statusOf(success)),
	))
}

// RecordTxnRetry records a transaction re-run after badger.ErrConflict.
func RecordTxnRetry(ctx context.Context, attempt int) {
	if !ready() {
		return
	}
	txnRetryTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordDeferredExit records how many groups a deferred region reconciled.
func RecordDeferredExit(ctx context.Context, table string, groups int) {
	if !ready() {
		return
	}
	deferredGroupsTouched.Record(ctx, int64(groups), metric.WithAttributes(attribute.String("table", table)))
}
