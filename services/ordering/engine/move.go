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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/observability"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// Move kinds, used as span and metric labels.
const (
	MoveKindBefore  = "before"
	MoveKindAfter   = "after"
	MoveKindStart   = "start"
	MoveKindEnd     = "end"
	MoveKindBetween = "between"
	MoveKindSet     = "set"
)

// move runs fn in a transaction with tracing and metrics around it.
func (e *Engine) move(ctx context.Context, table, kind string, pks []string, fn func(ctx context.Context, tx *store.Tx, t *schema.Table) error) (err error) {
	t, err := e.registry.Table(table)
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, span := e.tracer.StartMove(ctx, table, kind, pks...)
	defer func() {
		e.tracer.EndMove(span, err)
		observability.RecordMove(ctx, table, kind, time.Since(start), err == nil)

		var oc *OrderConflictError
		if errors.As(err, &oc) {
			observability.RecordConflict(ctx, table, string(oc.Reason))
			e.logger.InfoContext(ctx, "move rejected",
				slog.String("table", table),
				slog.String("kind", kind),
				slog.String("reason", string(oc.Reason)),
				slog.String("detail", oc.Message),
			)
		}
	}()

	return e.store.Update(ctx, func(tx *store.Tx) error {
		return fn(ctx, tx, t)
	})
}

// MoveBefore places pk immediately before relativeTo, adopting
// relativeTo's group.
func (e *Engine) MoveBefore(ctx context.Context, table, pk, relativeTo string) error {
	return e.moveRelative(ctx, table, MoveKindBefore, pk, relativeTo, 0)
}

// MoveAfter places pk immediately after relativeTo, adopting relativeTo's
// group.
func (e *Engine) MoveAfter(ctx context.Context, table, pk, relativeTo string) error {
	return e.moveRelative(ctx, table, MoveKindAfter, pk, relativeTo, 1)
}

func (e *Engine) moveRelative(ctx context.Context, table, kind, pk, relativeTo string, offset int) error {
	if pk == relativeTo {
		return fmt.Errorf("%w: cannot move an item relative to itself", ErrInvalidMove)
	}
	return e.move(ctx, table, kind, []string{pk}, func(ctx context.Context, tx *store.Tx, t *schema.Table) error {
		if _, err := tx.Get(t, pk); err != nil {
			return err
		}
		rel, err := tx.Get(t, relativeTo)
		if err != nil {
			return err
		}
		gk, err := t.GroupKey(rel.Group)
		if err != nil {
			return err
		}

		key, err := e.slot(ctx, tx, t, gk, rel.Group, pk, func(others []model.Entry) int {
			return indexOf(others, relativeTo) + offset
		})
		if err != nil {
			return err
		}
		return e.place(ctx, tx, t, pk, key, rel.Group)
	})
}

// MoveStart places pk first in its own group.
func (e *Engine) MoveStart(ctx context.Context, table, pk string) error {
	return e.moveEdge(ctx, table, MoveKindStart, pk, func([]model.Entry) int { return 0 })
}

// MoveEnd places pk last in its own group.
func (e *Engine) MoveEnd(ctx context.Context, table, pk string) error {
	return e.moveEdge(ctx, table, MoveKindEnd, pk, func(others []model.Entry) int { return len(others) })
}

func (e *Engine) moveEdge(ctx context.Context, table, kind, pk string, locate func([]model.Entry) int) error {
	return e.move(ctx, table, kind, []string{pk}, func(ctx context.Context, tx *store.Tx, t *schema.Table) error {
		self, err := tx.Get(t, pk)
		if err != nil {
			return err
		}
		gk, err := t.GroupKey(self.Group)
		if err != nil {
			return err
		}
		key, err := e.slot(ctx, tx, t, gk, self.Group, pk, locate)
		if err != nil {
			return err
		}
		return e.place(ctx, tx, t, pk, key, self.Group)
	})
}

// MoveBetween places self between before and after, either of which may be
// empty but not both.
//
// # Description
//
// The move is rejected with an *OrderConflictError when the stored order
// no longer matches what the caller observed:
//
//   - self.Key differs from the stored key
//   - a neighbour no longer exists
//   - both neighbours are given and sit in different groups
//   - only before is given and it is no longer last
//   - only after is given and it is no longer first
//   - both are given and no longer adjacent
//
// self is excluded when checking positions, so moving a record to where
// it already is succeeds. On success self adopts the neighbours' group.
//
// # Inputs
//
//   - self: The record as the caller last observed it. Key must be the
//     observed order key.
//   - before, after: PKs of the intended neighbours, or "".
//
// # Outputs
//
//   - error: ErrInvalidMove, ErrNotFound, *OrderConflictError, or a
//     storage failure. Nothing is written on error.
func (e *Engine) MoveBetween(ctx context.Context, table string, self model.Record, before, after string) error {
	switch {
	case before == "" && after == "":
		return fmt.Errorf("%w: before or after is required", ErrInvalidMove)
	case before == self.PK || after == self.PK:
		return fmt.Errorf("%w: cannot move an item relative to itself", ErrInvalidMove)
	case before == after:
		return fmt.Errorf("%w: before and after are the same record", ErrInvalidMove)
	}

	return e.move(ctx, table, MoveKindBetween, []string{self.PK}, func(ctx context.Context, tx *store.Tx, t *schema.Table) error {
		current, err := tx.Get(t, self.PK)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("item no longer exists: %w", err)
		}
		if err != nil {
			return err
		}
		if current.Key != self.Key {
			return conflict(t.Name, self.PK, ReasonOrderChanged, "item order has changed")
		}

		nb, err := getNeighbours(tx, t, self.PK, before, after)
		if err != nil {
			return err
		}
		anchor := nb.anchor()
		gk, err := t.GroupKey(anchor.Group)
		if err != nil {
			return err
		}
		if err := nb.sameGroup(t); err != nil {
			return err
		}

		if err := tx.LockGroup(t, gk, anchor.Group); err != nil {
			return err
		}
		entries, err := tx.Scan(t, gk)
		if err != nil {
			return err
		}
		others := without(entries, self.PK)
		if err := checkWindow(t, self.PK, others, before, after); err != nil {
			return err
		}

		key, err := e.slot(ctx, tx, t, gk, anchor.Group, self.PK, func(others []model.Entry) int {
			if before == "" {
				return 0
			}
			return indexOf(others, before) + 1
		})
		if err != nil {
			return err
		}
		return e.place(ctx, tx, t, self.PK, key, anchor.Group)
	})
}

// =============================================================================
// Helpers
// =============================================================================

// neighbours are the re-read before/after records of a between move.
type neighbours struct {
	before, after *model.Record
}

func (n neighbours) anchor() model.Record {
	if n.before != nil {
		return *n.before
	}
	return *n.after
}

func (n neighbours) sameGroup(t *schema.Table) error {
	if n.before == nil || n.after == nil {
		return nil
	}
	bk, err := t.GroupKey(n.before.Group)
	if err != nil {
		return err
	}
	ak, err := t.GroupKey(n.after.Group)
	if err != nil {
		return err
	}
	if bk != ak {
		return conflict(t.Name, n.before.PK, ReasonDifferentGroups,
			"%s and %s are no longer adjacent (different %s values)",
			n.before.PK, n.after.PK, t.DescribeGroupColumns())
	}
	return nil
}

// getNeighbours re-reads before and after. A missing neighbour is a
// conflict, not a not-found: the caller's view is stale.
func getNeighbours(tx *store.Tx, t *schema.Table, pk, before, after string) (neighbours, error) {
	var n neighbours
	for _, ref := range []struct {
		pk  string
		dst **model.Record
	}{{before, &n.before}, {after, &n.after}} {
		if ref.pk == "" {
			continue
		}
		rec, err := tx.Get(t, ref.pk)
		if errors.Is(err, store.ErrNotFound) {
			return n, conflict(t.Name, pk, ReasonNeighborMissing,
				"before %q / after %q records not found", before, after)
		}
		if err != nil {
			return n, err
		}
		*ref.dst = &rec
	}
	return n, nil
}

// checkWindow verifies that before and after still bracket the target
// position in others, the target group without the moved records.
func checkWindow(t *schema.Table, pk string, others []model.Entry, before, after string) error {
	switch {
	case after == "":
		if len(others) == 0 || others[len(others)-1].PK != before {
			return conflict(t.Name, pk, ReasonNotLast, "%s is no longer at the end of the list", before)
		}
	case before == "":
		if len(others) == 0 || others[0].PK != after {
			return conflict(t.Name, pk, ReasonNotFirst, "%s is no longer at the start of the list", after)
		}
	default:
		i := indexOf(others, before)
		if i < 0 || i+1 >= len(others) || others[i+1].PK != after {
			return conflict(t.Name, pk, ReasonNotAdjacent, "%s and %s are no longer adjacent", before, after)
		}
	}
	return nil
}

// slot returns a free key for pk at the position locate picks in the
// group without pk. When the neighbours at that position have no integer
// between them the group is renumbered once and the position recomputed.
func (e *Engine) slot(ctx context.Context, tx *store.Tx, t *schema.Table, gk string, group model.Group, pk string, locate func(others []model.Entry) int) (int64, error) {
	if err := tx.LockGroup(t, gk, group); err != nil {
		return 0, err
	}
	for densified := false; ; densified = true {
		entries, err := tx.Scan(t, gk)
		if err != nil {
			return 0, err
		}
		others := without(entries, pk)
		pos := locate(others)
		if pos < 0 || pos > len(others) {
			return 0, fmt.Errorf("%s: position %d out of range", t.Name, pos)
		}
		if key, ok := keyAt(others, pos); ok {
			return key, nil
		}
		if densified {
			return 0, fmt.Errorf("%s: no free key after renumbering group %s", t.Name, gk)
		}
		if _, err := e.renumber(ctx, tx, t, gk); err != nil {
			return 0, err
		}
	}
}

// keyAt returns a key strictly between others[pos-1] and others[pos].
func keyAt(others []model.Entry, pos int) (int64, bool) {
	switch {
	case len(others) == 0:
		return FirstKey, true
	case pos == 0:
		first := others[0].Key
		switch {
		case first == math.MinInt64:
			return 0, false
		case first <= 0:
			return first - 1, true
		}
		return 0, true
	case pos == len(others):
		last := others[pos-1].Key
		if last == math.MaxInt64 {
			return 0, false
		}
		return last + 1, true
	}
	lo, hi := others[pos-1].Key, others[pos].Key
	if hi-lo < 2 {
		return 0, false
	}
	return lo + 1, true
}

// place writes the new key and group of pk as one statement. The enforcer
// then renumbers the old and new groups.
func (e *Engine) place(ctx context.Context, tx *store.Tx, t *schema.Table, pk string, key int64, group model.Group) error {
	// Densifying may have rewritten the record since it was first read.
	current, err := tx.Get(t, pk)
	if err != nil {
		return err
	}
	current.Key = key
	current.Group = group.Clone()
	return tx.Update(ctx, t, current)
}

func indexOf(entries []model.Entry, pk string) int {
	return slices.IndexFunc(entries, func(e model.Entry) bool { return e.PK == pk })
}

func without(entries []model.Entry, pks ...string) []model.Entry {
	return slices.DeleteFunc(slices.Clone(entries), func(e model.Entry) bool {
		return slices.Contains(pks, e.PK)
	})
}
