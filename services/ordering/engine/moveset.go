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
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// MoveSetBetween moves several records as one contiguous block between
// before and after, keeping their relative order.
//
// # Description
//
// The target group is the neighbours' group. Positions are checked against
// that group with the moved records removed, with the same conflicts as
// MoveBetween. The block then takes keys lowest+1+rank, where lowest is
// before's key (or just below after's when before is empty), and every
// remaining record of the group above lowest is shifted past the block.
// All rows are written as one statement so the group is renumbered and
// notified once per affected group.
//
// # Inputs
//
//   - pks: Records to move. Duplicates are ignored.
//   - before, after: PKs of the intended neighbours, or "". At least one
//     is required and neither may be in pks.
//
// # Outputs
//
//   - error: ErrInvalidMove, ErrNotFound, *OrderConflictError, or a
//     storage failure. Nothing is written on error.
func (e *Engine) MoveSetBetween(ctx context.Context, table string, pks []string, before, after string) error {
	pks = slices.Compact(slices.Sorted(slices.Values(pks)))
	switch {
	case len(pks) == 0:
		return fmt.Errorf("%w: no records to move", ErrInvalidMove)
	case before == "" && after == "":
		return fmt.Errorf("%w: before or after is required", ErrInvalidMove)
	case slices.Contains(pks, before) || slices.Contains(pks, after):
		return fmt.Errorf("%w: cannot move an item relative to itself", ErrInvalidMove)
	case before == after:
		return fmt.Errorf("%w: before and after are the same record", ErrInvalidMove)
	}

	return e.move(ctx, table, MoveKindSet, pks, func(ctx context.Context, tx *store.Tx, t *schema.Table) error {
		moved := make([]model.Record, 0, len(pks))
		for _, pk := range pks {
			rec, err := tx.Get(t, pk)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("item no longer exists: %w", err)
			}
			if err != nil {
				return err
			}
			moved = append(moved, rec)
		}
		slices.SortFunc(moved, func(a, b model.Record) int {
			return cmp.Or(cmp.Compare(a.Key, b.Key), cmp.Compare(a.PK, b.PK))
		})

		nb, err := getNeighbours(tx, t, pks[0], before, after)
		if err != nil {
			return err
		}
		if err := nb.sameGroup(t); err != nil {
			return err
		}
		anchor := nb.anchor()
		gk, err := t.GroupKey(anchor.Group)
		if err != nil {
			return err
		}
		if err := tx.LockGroup(t, gk, anchor.Group); err != nil {
			return err
		}

		var (
			others []model.Entry
			lowest int64
		)
		for densified := false; ; densified = true {
			entries, err := tx.Scan(t, gk)
			if err != nil {
				return err
			}
			others = without(entries, pks...)
			if err := checkWindow(t, pks[0], others, before, after); err != nil {
				return err
			}

			// The block and the rows after it need len(moved)+len(others)+1
			// keys above lowest.
			span := int64(len(moved) + len(others) + 1)
			var fits bool
			if nb.before != nil {
				lowest = others[indexOf(others, before)].Key
				fits = lowest <= math.MaxInt64-span
			} else if first := others[0].Key; first > math.MinInt64 {
				lowest = min(0, first-1)
				fits = lowest <= math.MaxInt64-span
			}
			if fits {
				break
			}
			if densified {
				return fmt.Errorf("%s: no room for %d keys after renumbering group %s", t.Name, len(moved), gk)
			}
			if _, err := e.renumber(ctx, tx, t, gk); err != nil {
				return err
			}
		}
		target := lowest
		if nb.before != nil {
			target = lowest + 1
		}

		updates := make([]model.Record, 0, len(moved)+len(others))
		rank := int64(1)
		for _, rec := range moved {
			rec.Key = target + rank
			rec.Group = anchor.Group.Clone()
			updates = append(updates, rec)
			rank++
		}
		for _, entry := range others {
			if entry.Key <= lowest {
				continue
			}
			key := target + rank
			rank++
			if entry.Key == key {
				continue
			}
			rec, err := tx.Get(t, entry.PK)
			if err != nil {
				return err
			}
			rec.Key = key
			updates = append(updates, rec)
		}
		return tx.Update(ctx, t, updates...)
	})
}
