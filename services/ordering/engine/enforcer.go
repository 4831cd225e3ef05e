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
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// Enforcer is the store.Hook that keeps every group dense and unique.
//
// # Description
//
// BeforeInsert allocates keys for drafts without one. AfterStatement
// collects the groups a statement affected, renumbers each once and queues
// one notification per group. Its own renumbering writes re-enter the hook
// and are ignored through the transaction's guard for the table.
//
// Inside a deferred region on the table, AfterStatement only records the
// affected groups; the region's exit does the work.
//
// # Thread Safety
//
// Stateless apart from the engine it belongs to. All per-call state lives
// on the store.Tx.
type Enforcer struct {
	engine *Engine
}

var _ store.Hook = (*Enforcer)(nil)

// affectedGroup is a group a statement must reconcile.
type affectedGroup struct {
	key      string
	group    model.Group
	renumber bool
}

// BeforeInsert assigns the next key at the end of the group unless the
// caller supplied one. Allocation happens even inside deferred regions.
// A group whose maximum key leaves no room is renumbered first.
func (f *Enforcer) BeforeInsert(ctx context.Context, tx *store.Tx, table *schema.Table, rec *model.Record, explicit bool) error {
	if explicit {
		return nil
	}
	gk, err := table.GroupKey(rec.Group)
	if err != nil {
		return err
	}
	for densified := false; ; densified = true {
		key, ok, err := NextKey(tx, table, gk)
		if err != nil {
			return err
		}
		if ok {
			rec.Key = key
			return nil
		}
		if densified {
			return fmt.Errorf("%s: no free key after renumbering group %s", table.Name, gk)
		}
		if _, err := f.engine.renumber(ctx, tx, table, gk); err != nil {
			return err
		}
	}
}

// AfterStatement reconciles the groups touched by stmt.
func (f *Enforcer) AfterStatement(ctx context.Context, tx *store.Tx, table *schema.Table, stmt store.Statement) error {
	e := f.engine
	guard := e.guardName(table)
	if tx.Suppressed(guard) {
		return nil
	}

	groups, err := affectedGroups(table, stmt)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	if scope := tx.Deferred(table.Name); scope != nil {
		for _, g := range groups {
			scope.Touch(g.key, g.group)
		}
		return nil
	}

	tx.Suppress(guard)
	defer tx.Release(guard)

	for _, g := range groups {
		if g.renumber {
			if _, err := e.renumber(ctx, tx, table, g.key); err != nil {
				return err
			}
		}
		tx.Notify(table.NotifyChannel, notify.New(ctx, stmt.Op, table.Name, g.group))
	}

	e.logger.DebugContext(ctx, "statement reconciled",
		slog.String("hook", guard),
		slog.String("operation", string(stmt.Op)),
		slog.Int("rows", len(stmt.Changes)),
		slog.Int("groups", len(groups)),
	)
	return nil
}

// affectedGroups returns the distinct groups of stmt in first-seen order.
// For a change that moves a row between groups the old group comes first.
// Updates that change neither key nor group contribute nothing.
func affectedGroups(table *schema.Table, stmt store.Statement) ([]affectedGroup, error) {
	var out []affectedGroup
	index := make(map[string]int)
	add := func(key string, group model.Group, renumber bool) {
		if i, ok := index[key]; ok {
			out[i].renumber = out[i].renumber || renumber
			return
		}
		index[key] = len(out)
		out = append(out, affectedGroup{key: key, group: group.Clone(), renumber: renumber})
	}

	for _, ch := range stmt.Changes {
		c, err := Classify(table, ch)
		if err != nil {
			return nil, err
		}
		switch {
		case ch.Old == nil:
			// Allocated keys already sit past the group's maximum.
			add(c.NewGroup, ch.New.Group, !stmt.Allocated[ch.New.PK])
		case ch.New == nil:
			add(c.OldGroup, ch.Old.Group, true)
		case c.NoOp():
		case c.GroupChanged:
			add(c.OldGroup, ch.Old.Group, true)
			add(c.NewGroup, ch.New.Group, true)
		default:
			add(c.NewGroup, ch.New.Group, true)
		}
	}
	return out, nil
}
