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
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// renumber rewrites the group so the record at rank r (from 1, in (key, pk)
// order) has key 2*r. Only rows whose key changes are written, as a single
// statement with the enforcer suppressed.
//
// The pass is idempotent: a dense group is left untouched.
func (e *Engine) renumber(ctx context.Context, tx *store.Tx, table *schema.Table, groupKey string) (rewritten int, err error) {
	ctx, span := e.tracer.StartRenumber(ctx, table.Name, groupKey)
	defer func() {
		e.tracer.EndRenumber(span, rewritten, err)
	}()

	entries, err := tx.Scan(table, groupKey)
	if err != nil {
		return 0, fmt.Errorf("scan %s group %s: %w", table.Name, groupKey, err)
	}

	var changed []model.Record
	for i, entry := range entries {
		want := keyStep * int64(i+1)
		if entry.Key == want {
			continue
		}
		rec, err := tx.Get(table, entry.PK)
		if err != nil {
			return 0, err
		}
		rec.Key = want
		changed = append(changed, rec)
	}
	if len(changed) == 0 {
		observability.RecordRenumber(ctx, table.Name, 0)
		return 0, nil
	}

	guard := e.guardName(table)
	tx.Suppress(guard)
	defer tx.Release(guard)

	if err := tx.Update(ctx, table, changed...); err != nil {
		return 0, fmt.Errorf("renumber %s: %w", table.Name, err)
	}
	observability.RecordRenumber(ctx, table.Name, len(changed))
	return len(changed), nil
}

// Renumber densifies one group of table in its own transaction and
// notifies the group's channel when any key changed.
//
// # Inputs
//
//   - ctx: Context for the transaction.
//   - table: Registered table name.
//   - group: Grouping values. Nil for ungrouped tables.
//
// # Outputs
//
//   - int: Number of rows rewritten.
//   - error: Non-nil on unknown table or storage failure.
func (e *Engine) Renumber(ctx context.Context, table string, group model.Group) (int, error) {
	t, err := e.registry.Table(table)
	if err != nil {
		return 0, err
	}
	gk, err := t.GroupKey(group)
	if err != nil {
		return 0, err
	}

	var rewritten int
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.LockGroup(t, gk, group); err != nil {
			return err
		}
		n, err := e.renumber(ctx, tx, t, gk)
		if err != nil {
			return err
		}
		rewritten = n
		if n > 0 {
			tx.Notify(t.NotifyChannel, notify.New(ctx, model.OpUpdate, t.Name, group))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rewritten, nil
}

// RenumberAll densifies every group of table, one transaction per group.
func (e *Engine) RenumberAll(ctx context.Context, table string) (int, error) {
	groups, err := e.Groups(ctx, table)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, g := range groups {
		n, err := e.Renumber(ctx, table, g.Group)
		if err != nil {
			return total, fmt.Errorf("group %s: %w", g.Key, err)
		}
		total += n
	}
	e.logger.InfoContext(ctx, "renumbered table",
		slog.String("table", table),
		slog.Int("groups", len(groups)),
		slog.Int("rewritten", total),
	)
	return total, nil
}

// Violation describes a group whose keys are not in dense form.
type Violation struct {
	Group      string `json:"group"`
	Records    int    `json:"records"`
	Duplicates int    `json:"duplicates"`
	Sparse     bool   `json:"sparse"`
}

// Check reports every group of table with duplicate keys or keys that
// differ from 2*rank. Duplicates break the uniqueness invariant; sparse
// groups are merely pending a renumber.
func (e *Engine) Check(ctx context.Context, table string) ([]Violation, error) {
	t, err := e.registry.Table(table)
	if err != nil {
		return nil, err
	}

	var out []Violation
	err = e.store.View(ctx, func(tx *store.Tx) error {
		out = nil
		groups, err := tx.Groups(t)
		if err != nil {
			return err
		}
		for _, g := range groups {
			entries, err := tx.Scan(t, g.Key)
			if err != nil {
				return err
			}
			v := Violation{Group: g.Key, Records: len(entries)}
			for i, entry := range entries {
				if i > 0 && entries[i-1].Key == entry.Key {
					v.Duplicates++
				}
				if entry.Key != keyStep*int64(i+1) {
					v.Sparse = true
				}
			}
			if v.Duplicates > 0 || v.Sparse {
				out = append(out, v)
			}
		}
		return nil
	})
	return out, err
}
