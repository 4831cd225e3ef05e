// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/notify"
	"github.com/AleutianAI/AleutianOrder/services/ordering/observability"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// DeferredFunc is the body of a deferred region.
type DeferredFunc func(ctx context.Context, tx *store.Tx) error

// DeferredOption configures a deferred region.
type DeferredOption func(*deferredOptions)

type deferredOptions struct {
	allGroups bool
}

// AllGroups reconciles and notifies every non-empty group of the table on
// exit, not just the groups written in the region. Use it when rows were
// changed by means the enforcer cannot observe.
func AllGroups() DeferredOption {
	return func(o *deferredOptions) {
		o.allGroups = true
	}
}

// Deferred runs fn in a new transaction with enforcement on table deferred
// to the end of the region.
//
// # Description
//
// Inside the region, statements on table still get allocated keys but are
// neither renumbered nor notified. When fn returns nil, every group touched
// in the region is renumbered once and receives exactly one notification
// carrying op, whether or not its keys ended up changing. When fn fails the
// transaction rolls back and nothing is published.
//
// # Inputs
//
//   - ctx: Context for the transaction.
//   - table: Registered table name.
//   - op: Operation reported in the notifications. INSERT, UPDATE or DELETE.
//   - fn: Region body. May run more than once on storage conflicts.
//
// # Outputs
//
//   - error: ErrInvalidOperation, fn's error, or a storage failure.
func (e *Engine) Deferred(ctx context.Context, table string, op model.Operation, fn DeferredFunc, opts ...DeferredOption) error {
	if !op.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	return e.store.Update(ctx, func(tx *store.Tx) error {
		return e.DeferredTx(ctx, tx, table, op, fn, opts...)
	})
}

// DeferredTx opens a deferred region on table inside an existing
// transaction. Nested regions on the same table join the outermost one,
// whose op and options win; only the outermost exit reconciles.
func (e *Engine) DeferredTx(ctx context.Context, tx *store.Tx, table string, op model.Operation, fn DeferredFunc, opts ...DeferredOption) (err error) {
	if !op.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	t, err := e.registry.Table(table)
	if err != nil {
		return err
	}
	var o deferredOptions
	for _, opt := range opts {
		opt(&o)
	}

	groups := 0
	ctx, span := e.tracer.StartDeferred(ctx, table, string(op))
	defer func() {
		e.tracer.EndDeferred(span, groups, err)
	}()

	tx.EnterDeferred(table, op)
	if err := fn(ctx, tx); err != nil {
		tx.ExitDeferred(table)
		return err
	}
	scope, outermost := tx.ExitDeferred(table)
	if !outermost {
		return nil
	}

	if o.allGroups {
		all, err := tx.Groups(t)
		if err != nil {
			return err
		}
		for _, g := range all {
			scope.Touch(g.Key, g.Group)
		}
	}

	touched := scope.Groups()
	guard := e.guardName(t)
	tx.Suppress(guard)
	defer tx.Release(guard)

	for _, g := range touched {
		if _, err := e.renumber(ctx, tx, t, g.Key); err != nil {
			return err
		}
		tx.Notify(t.NotifyChannel, notify.New(ctx, scope.Op, t.Name, g.Group))
	}
	groups = len(touched)
	observability.RecordDeferredExit(ctx, table, groups)

	e.logger.DebugContext(ctx, "deferred region reconciled",
		slog.String("table", table),
		slog.String("operation", string(scope.Op)),
		slog.Int("groups", groups),
	)
	return nil
}
