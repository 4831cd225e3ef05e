// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine maintains dense, unique order keys for registered tables.
//
// The Engine installs an Enforcer on the store so every write statement,
// whether it comes from the Move API, a bulk update or a deferred region,
// leaves each affected group with keys 2, 4, 6, ... in (key, pk) order and
// queues one notification per group.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/observability"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// guardSuffix names the enforcer hook of each table.
const guardSuffix = "order"

// Engine is the entry point for ordered writes and moves.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent writers of the same group are
// serialized by the store.
type Engine struct {
	store    *store.Store
	registry *schema.Registry
	tracer   *observability.Tracer
	logger   *slog.Logger

	guardMu sync.RWMutex
	guards  map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer. Without one, spans are noops.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// New creates an Engine over st and installs its Enforcer as st's hook.
func New(st *store.Store, registry *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: registry,
		logger:   slog.Default().With("component", "engine.Engine"),
		guards:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = observability.NewTracer(e.logger, false)
	}
	st.SetHook(&Enforcer{engine: e})
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Registry returns the table registry.
func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// Table returns the registered table, for callers that issue statements on
// a store.Tx directly.
func (e *Engine) Table(name string) (*schema.Table, error) {
	return e.registry.Table(name)
}

// guardName returns the hook name used as the table's recursion guard.
func (e *Engine) guardName(table *schema.Table) string {
	e.guardMu.RLock()
	name, ok := e.guards[table.Name]
	e.guardMu.RUnlock()
	if ok {
		return name
	}

	name, err := schema.HookName(table.Name, guardSuffix)
	if err != nil {
		// guardSuffix is a constant well within the limit.
		panic(err)
	}
	e.guardMu.Lock()
	e.guards[table.Name] = name
	e.guardMu.Unlock()
	return name
}

// =============================================================================
// Writes
// =============================================================================

// Insert writes drafts as one statement. Drafts without a key are appended
// to the end of their group in the given order.
func (e *Engine) Insert(ctx context.Context, table string, drafts ...model.Draft) ([]model.Record, error) {
	t, err := e.registry.Table(table)
	if err != nil {
		return nil, err
	}

	var out []model.Record
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		recs, err := tx.Insert(ctx, t, drafts...)
		if err != nil {
			return err
		}
		out = recs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update writes full records, keys and groups included, as one statement.
// Every affected group is renumbered once.
func (e *Engine) Update(ctx context.Context, table string, recs ...model.Record) error {
	t, err := e.registry.Table(table)
	if err != nil {
		return err
	}
	return e.store.Update(ctx, func(tx *store.Tx) error {
		return tx.Update(ctx, t, recs...)
	})
}

// SaveOption configures Save.
type SaveOption func(*saveOptions)

type saveOptions struct {
	withKey bool
}

// WithOrderKey makes Save write rec.Key instead of keeping the stored key.
func WithOrderKey() SaveOption {
	return func(o *saveOptions) {
		o.withKey = true
	}
}

// Save writes the fields and group of one record.
//
// # Description
//
// The stored order key is kept unless WithOrderKey is given, so a record
// loaded long ago can be saved without clobbering moves made since. A save
// that changes neither key nor group triggers no renumbering and no
// notification.
//
// # Outputs
//
//   - model.Record: The record as stored after enforcement.
//   - error: ErrNotFound when the record no longer exists.
func (e *Engine) Save(ctx context.Context, table string, rec model.Record, opts ...SaveOption) (model.Record, error) {
	t, err := e.registry.Table(table)
	if err != nil {
		return model.Record{}, err
	}
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	var saved model.Record
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		current, err := tx.Get(t, rec.PK)
		if err != nil {
			return err
		}
		next := rec.Clone()
		if !o.withKey {
			next.Key = current.Key
		}
		if err := tx.Update(ctx, t, next); err != nil {
			return err
		}
		saved, err = tx.Get(t, rec.PK)
		return err
	})
	if err != nil {
		return model.Record{}, err
	}
	return saved, nil
}

// Delete removes records as one statement. Their groups are renumbered
// and notified with DELETE.
func (e *Engine) Delete(ctx context.Context, table string, pks ...string) error {
	t, err := e.registry.Table(table)
	if err != nil {
		return err
	}
	return e.store.Update(ctx, func(tx *store.Tx) error {
		return tx.Delete(ctx, t, pks...)
	})
}

// =============================================================================
// Reads
// =============================================================================

// Get returns one record.
func (e *Engine) Get(ctx context.Context, table, pk string) (model.Record, error) {
	t, err := e.registry.Table(table)
	if err != nil {
		return model.Record{}, err
	}
	var rec model.Record
	err = e.store.View(ctx, func(tx *store.Tx) error {
		rec, err = tx.Get(t, pk)
		return err
	})
	return rec, err
}

// List returns the records of one group in order.
func (e *Engine) List(ctx context.Context, table string, group model.Group) ([]model.Record, error) {
	t, err := e.registry.Table(table)
	if err != nil {
		return nil, err
	}
	gk, err := t.GroupKey(group)
	if err != nil {
		return nil, err
	}
	var out []model.Record
	err = e.store.View(ctx, func(tx *store.Tx) error {
		out, err = tx.Records(t, gk)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	return out, nil
}

// Groups returns the non-empty groups of table.
func (e *Engine) Groups(ctx context.Context, table string) ([]store.GroupInfo, error) {
	t, err := e.registry.Table(table)
	if err != nil {
		return nil, err
	}
	var out []store.GroupInfo
	err = e.store.View(ctx, func(tx *store.Tx) error {
		out, err = tx.Groups(t)
		return err
	})
	return out, err
}
