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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// reverseInRegion writes keys 0..n-1 to the group in reverse order, one
// statement per row, inside a deferred region.
func reverseInRegion(t *testing.T, e *Engine, pks []string, opts ...DeferredOption) error {
	t.Helper()
	tbl, err := e.Table("shops")
	require.NoError(t, err)

	return e.Deferred(context.Background(), "shops", model.OpUpdate, func(ctx context.Context, tx *store.Tx) error {
		for i := range pks {
			rec, err := tx.Get(tbl, pks[len(pks)-1-i])
			if err != nil {
				return err
			}
			rec.Key = int64(i)
			if err := tx.Update(ctx, tbl, rec); err != nil {
				return err
			}
		}
		return nil
	}, opts...)
}

func TestDeferred_OneNotificationPerTouchedGroup(t *testing.T) {
	e, rec := setupEngine(t)
	p1 := seedShops(t, e, "p1", "P1", 5)
	seedShops(t, e, "p2", "P2", 5)
	rec.drain()

	require.NoError(t, reverseInRegion(t, e, p1))

	assert.Equal(t, []string{"P1-4:2", "P1-3:4", "P1-2:6", "P1-1:8", "P1-0:10"}, layout(t, e, "shops", plaza("p1")))
	assert.Equal(t, denseP2, layout(t, e, "shops", plaza("p2")))

	sent := rec.drain()
	require.Len(t, sent, 1)
	assert.Equal(t, model.OpUpdate, sent[0].Operation)
	assert.Equal(t, map[string]any{"plaza": "p1"}, sent[0].OrderWithRespectTo)
}

func TestDeferred_AllGroups(t *testing.T) {
	e, rec := setupEngine(t)
	p1 := seedShops(t, e, "p1", "P1", 5)
	seedShops(t, e, "p2", "P2", 5)
	rec.drain()

	require.NoError(t, reverseInRegion(t, e, p1, AllGroups()))

	assert.Equal(t, []string{"P1-4:2", "P1-3:4", "P1-2:6", "P1-1:8", "P1-0:10"}, layout(t, e, "shops", plaza("p1")))
	assert.Equal(t, denseP2, layout(t, e, "shops", plaza("p2")))

	// p2 is notified although nothing in it changed.
	sent := rec.drain()
	require.Len(t, sent, 2)
	assert.Equal(t, map[string]any{"plaza": "p1"}, sent[0].OrderWithRespectTo)
	assert.Equal(t, map[string]any{"plaza": "p2"}, sent[1].OrderWithRespectTo)
}

func TestDeferred_MatchesBulkStatement(t *testing.T) {
	deferred, _ := setupEngine(t)
	bulk, _ := setupEngine(t)
	ctx := context.Background()

	// Interleaved per-row writes in a deferred region, compared against the
	// same target keys written as one statement.
	targets := map[string]int64{"P1-0": 7, "P1-1": 3, "P1-2": 11, "P1-3": 1, "P1-4": 5, "P1-5": 9}
	order := []string{"P1-2", "P1-5", "P1-0", "P1-4", "P1-1", "P1-3"}

	seedShops(t, deferred, "p1", "P1", 6)
	seedShops(t, bulk, "p1", "P1", 6)

	tbl, err := deferred.Table("shops")
	require.NoError(t, err)
	err = deferred.Deferred(ctx, "shops", model.OpUpdate, func(ctx context.Context, tx *store.Tx) error {
		for _, pk := range order {
			rec, err := tx.Get(tbl, pk)
			if err != nil {
				return err
			}
			rec.Key = targets[pk]
			if err := tx.Update(ctx, tbl, rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var recs []model.Record
	for _, pk := range order {
		r := get(t, bulk, "shops", pk)
		r.Key = targets[pk]
		recs = append(recs, r)
	}
	require.NoError(t, bulk.Update(ctx, "shops", recs...))

	want := []string{"P1-3:2", "P1-1:4", "P1-4:6", "P1-0:8", "P1-5:10", "P1-2:12"}
	assert.Equal(t, want, layout(t, deferred, "shops", plaza("p1")))
	assert.Equal(t, want, layout(t, bulk, "shops", plaza("p1")))
}

func TestDeferred_InsertsStillAllocate(t *testing.T) {
	e, rec := setupEngine(t)
	seedShops(t, e, "p1", "P1", 2)
	rec.drain()
	tbl, err := e.Table("shops")
	require.NoError(t, err)

	err = e.Deferred(context.Background(), "shops", model.OpInsert, func(ctx context.Context, tx *store.Tx) error {
		for _, pk := range []string{"P1-2", "P1-3"} {
			recs, err := tx.Insert(ctx, tbl, model.Draft{PK: pk, Group: plaza("p1")})
			if err != nil {
				return err
			}
			if len(recs) != 1 || recs[0].Key == 0 {
				return errors.New("key not allocated")
			}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1-0:2", "P1-1:4", "P1-2:6", "P1-3:8"}, layout(t, e, "shops", plaza("p1")))
	sent := rec.drain()
	require.Len(t, sent, 1)
	assert.Equal(t, model.OpInsert, sent[0].Operation)
}

func TestDeferred_GroupChangeTouchesBothGroups(t *testing.T) {
	e, rec := setupEngine(t)
	p1 := seedShops(t, e, "p1", "P1", 3)
	seedShops(t, e, "p2", "P2", 3)
	rec.drain()
	tbl, err := e.Table("shops")
	require.NoError(t, err)

	err = e.Deferred(context.Background(), "shops", model.OpUpdate, func(ctx context.Context, tx *store.Tx) error {
		r, err := tx.Get(tbl, p1[0])
		if err != nil {
			return err
		}
		r.Group = plaza("p2")
		r.Key = 0
		return tx.Update(ctx, tbl, r)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1-1:2", "P1-2:4"}, layout(t, e, "shops", plaza("p1")))
	assert.Equal(t, []string{"P1-0:2", "P2-0:4", "P2-1:6", "P2-2:8"}, layout(t, e, "shops", plaza("p2")))
	assert.Len(t, rec.drain(), 2)
}

func TestDeferred_Nested(t *testing.T) {
	e, rec := setupEngine(t)
	p1 := seedShops(t, e, "p1", "P1", 3)
	rec.drain()
	tbl, err := e.Table("shops")
	require.NoError(t, err)

	err = e.Deferred(context.Background(), "shops", model.OpDelete, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.Delete(ctx, tbl, p1[0]); err != nil {
			return err
		}
		return e.DeferredTx(ctx, tx, "shops", model.OpInsert, func(ctx context.Context, tx *store.Tx) error {
			if tx.Pending() != nil {
				return errors.New("inner region published early")
			}
			return tx.Delete(ctx, tbl, p1[1])
		})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1-2:2"}, layout(t, e, "shops", plaza("p1")))
	sent := rec.drain()
	require.Len(t, sent, 1)
	assert.Equal(t, model.OpDelete, sent[0].Operation)
}

func TestDeferred_FailureRollsBack(t *testing.T) {
	e, rec := setupEngine(t)
	p1 := seedShops(t, e, "p1", "P1", 3)
	rec.drain()
	tbl, err := e.Table("shops")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = e.Deferred(context.Background(), "shops", model.OpUpdate, func(ctx context.Context, tx *store.Tx) error {
		r, err := tx.Get(tbl, p1[0])
		if err != nil {
			return err
		}
		r.Key = 100
		if err := tx.Update(ctx, tbl, r); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"P1-0:2", "P1-1:4", "P1-2:6"}, layout(t, e, "shops", plaza("p1")))
	assert.Empty(t, rec.drain())
}

func TestDeferred_InvalidOperation(t *testing.T) {
	e, _ := setupEngine(t)
	called := false
	err := e.Deferred(context.Background(), "shops", model.Operation("TRUNCATE"), func(context.Context, *store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.False(t, called)
}

func TestDeferred_RegionIsTransactionScoped(t *testing.T) {
	e, rec := setupEngine(t)
	p1 := seedShops(t, e, "p1", "P1", 3)
	rec.drain()

	err := e.Deferred(context.Background(), "shops", model.OpUpdate, func(context.Context, *store.Tx) error {
		// A write through a separate transaction is enforced immediately.
		return e.MoveEnd(context.Background(), "shops", p1[0])
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1-1:2", "P1-2:4", "P1-0:6"}, layout(t, e, "shops", plaza("p1")))
	sent := rec.drain()
	require.Len(t, sent, 1)
	assert.Equal(t, model.OpUpdate, sent[0].Operation)
}

func TestDeferred_AllocationPastMaxKey(t *testing.T) {
	e, _ := setupEngine(t)
	tbl, err := e.Table("shops")
	require.NoError(t, err)

	near := int64(math.MaxInt64 - 1)
	err = e.Deferred(context.Background(), "shops", model.OpInsert, func(ctx context.Context, tx *store.Tx) error {
		if _, err := tx.Insert(ctx, tbl, model.Draft{PK: "a", Key: &near, Group: plaza("p1")}); err != nil {
			return err
		}
		_, err := tx.Insert(ctx, tbl, model.Draft{PK: "z", Group: plaza("p1")})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:2", "z:4"}, layout(t, e, "shops", plaza("p1")))
}
