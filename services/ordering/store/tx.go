// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/notify"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
)

// groupHead is the per-group record every writer of the group reads and
// rewrites. Two transactions mutating the same group therefore always
// conflict at commit.
type groupHead struct {
	Group   model.Group `json:"group,omitempty"`
	Count   int64       `json:"count"`
	Version uint64      `json:"version"`
}

// GroupInfo describes a non-empty group of a table.
type GroupInfo struct {
	Key   string      `json:"key"`
	Group model.Group `json:"group,omitempty"`
	Count int64       `json:"count"`
}

// Tx is a badger transaction plus the state that must live exactly as long
// as it: hook guards, deferred regions and queued notifications.
//
// # Thread Safety
//
// A Tx must only be used by the goroutine running the Update or View
// callback that received it.
type Tx struct {
	txn      *badger.Txn
	store    *Store
	writable bool

	locked   map[string]*groupHead
	guards   map[string]int
	deferred map[string]*DeferredScope
	pending  []notify.Envelope
}

func newTx(s *Store, txn *badger.Txn, writable bool) *Tx {
	return &Tx{
		txn:      txn,
		store:    s,
		writable: writable,
		locked:   make(map[string]*groupHead),
		guards:   make(map[string]int),
		deferred: make(map[string]*DeferredScope),
	}
}

// =============================================================================
// Reads
// =============================================================================

// Get returns the record pk of table, or ErrNotFound.
func (tx *Tx) Get(table *schema.Table, pk string) (model.Record, error) {
	item, err := tx.txn.Get(rowKey(table.Name, pk))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Record{}, fmt.Errorf("%s/%s: %w", table.Name, pk, ErrNotFound)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get %s/%s: %w", table.Name, pk, err)
	}

	var rec model.Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return model.Record{}, fmt.Errorf("decode %s/%s: %w", table.Name, pk, err)
	}
	return rec, nil
}

// Scan returns the group's entries in (key, pk) order.
func (tx *Tx) Scan(table *schema.Table, groupKey string) ([]model.Entry, error) {
	prefix := indexGroupPrefix(table.Name, groupKey)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var entries []model.Entry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key, pk, err := decodeIndexKey(len(prefix), it.Item().Key())
		if err != nil {
			return nil, err
		}
		entries = append(entries, model.Entry{PK: pk, Key: key})
	}
	return entries, nil
}

// Last returns the entry with the highest key in the group.
func (tx *Tx) Last(table *schema.Table, groupKey string) (model.Entry, bool, error) {
	prefix := indexGroupPrefix(table.Name, groupKey)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	opts.Reverse = true

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	it.Seek(prefixEnd(prefix))
	if !it.ValidForPrefix(prefix) {
		return model.Entry{}, false, nil
	}
	key, pk, err := decodeIndexKey(len(prefix), it.Item().Key())
	if err != nil {
		return model.Entry{}, false, err
	}
	return model.Entry{PK: pk, Key: key}, true, nil
}

// Records returns the group's records in order.
func (tx *Tx) Records(table *schema.Table, groupKey string) ([]model.Record, error) {
	entries, err := tx.Scan(table, groupKey)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := tx.Get(table, e.PK)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Groups returns every non-empty group of table ordered by group key.
func (tx *Tx) Groups(table *schema.Table) ([]GroupInfo, error) {
	prefix := headTablePrefix(table.Name)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var groups []GroupInfo
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		raw, err := hex.DecodeString(string(item.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("decode group key: %w", err)
		}
		var head groupHead
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &head)
		}); err != nil {
			return nil, fmt.Errorf("decode group head: %w", err)
		}
		if head.Count <= 0 {
			continue
		}
		groups = append(groups, GroupInfo{Key: string(raw), Group: head.Group, Count: head.Count})
	}
	return groups, nil
}

// =============================================================================
// Group Locking
// =============================================================================

// LockGroup reads and rewrites the group head so that any concurrent
// transaction writing the same group fails at commit. Locking a group
// twice in one transaction is a no-op.
func (tx *Tx) LockGroup(table *schema.Table, groupKey string, group model.Group) error {
	_, err := tx.lockGroup(table, groupKey, group)
	return err
}

func (tx *Tx) lockGroup(table *schema.Table, groupKey string, group model.Group) (*groupHead, error) {
	hk := headKey(table.Name, groupKey)
	if head, ok := tx.locked[string(hk)]; ok {
		return head, nil
	}
	if !tx.writable {
		return nil, ErrReadOnly
	}

	head := &groupHead{}
	item, err := tx.txn.Get(hk)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return nil, fmt.Errorf("read group head: %w", err)
	default:
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, head)
		}); err != nil {
			return nil, fmt.Errorf("decode group head: %w", err)
		}
	}
	if len(head.Group) == 0 && len(group) > 0 {
		head.Group = group.Clone()
	}
	head.Version++
	tx.locked[string(hk)] = head
	return head, tx.writeHead(hk, head)
}

func (tx *Tx) adjustCount(table *schema.Table, groupKey string, group model.Group, delta int64) error {
	head, err := tx.lockGroup(table, groupKey, group)
	if err != nil {
		return err
	}
	head.Count += delta
	return tx.writeHead(headKey(table.Name, groupKey), head)
}

func (tx *Tx) writeHead(hk []byte, head *groupHead) error {
	b, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("encode group head: %w", err)
	}
	return tx.txn.Set(hk, b)
}

// =============================================================================
// Statements
// =============================================================================

// Insert writes new records as one statement.
//
// # Description
//
// Drafts without a PK get a random UUID. For each draft the hook's
// BeforeInsert runs before the row is written, so a multi-row insert
// allocates successive keys. AfterStatement runs once at the end.
//
// # Outputs
//
//   - []model.Record: The records as stored after the hook ran.
//   - error: ErrDuplicateKey, a schema error, or a hook failure.
func (tx *Tx) Insert(ctx context.Context, table *schema.Table, drafts ...model.Draft) ([]model.Record, error) {
	if !tx.writable {
		return nil, ErrReadOnly
	}

	changes := make([]model.Change, 0, len(drafts))
	pks := make([]string, 0, len(drafts))
	allocated := make(map[string]bool, len(drafts))
	for _, d := range drafts {
		if d.PK == "" {
			d.PK = uuid.NewString()
		}
		rec := d.Record(0)
		if d.Key != nil {
			rec.Key = *d.Key
		}
		if err := table.CheckRecord(rec); err != nil {
			return nil, err
		}

		_, err := tx.txn.Get(rowKey(table.Name, rec.PK))
		switch {
		case err == nil:
			return nil, fmt.Errorf("%s/%s: %w", table.Name, rec.PK, ErrDuplicateKey)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return nil, fmt.Errorf("get %s/%s: %w", table.Name, rec.PK, err)
		}

		gk, err := table.GroupKey(rec.Group)
		if err != nil {
			return nil, err
		}
		if err := tx.adjustCount(table, gk, rec.Group, 1); err != nil {
			return nil, err
		}
		if hook := tx.store.hook; hook != nil {
			if err := hook.BeforeInsert(ctx, tx, table, &rec, d.Key != nil); err != nil {
				return nil, err
			}
		}
		if err := tx.putRecord(table, rec); err != nil {
			return nil, err
		}
		if err := tx.txn.Set(indexKey(table.Name, gk, rec.Key, rec.PK), []byte{}); err != nil {
			return nil, fmt.Errorf("write index: %w", err)
		}

		inserted := rec.Clone()
		changes = append(changes, model.Change{New: &inserted})
		pks = append(pks, rec.PK)
		if d.Key == nil {
			allocated[rec.PK] = true
		}
	}

	stmt := Statement{Op: model.OpInsert, Changes: changes, Allocated: allocated}
	if err := tx.afterStatement(ctx, table, stmt); err != nil {
		return nil, err
	}

	out := make([]model.Record, 0, len(pks))
	for _, pk := range pks {
		rec, err := tx.Get(table, pk)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update overwrites existing records as one statement.
//
// Every field of each record is written, including Key and Group. Rows
// whose key and group are unchanged do not lock their group.
func (tx *Tx) Update(ctx context.Context, table *schema.Table, recs ...model.Record) error {
	if !tx.writable {
		return ErrReadOnly
	}

	changes := make([]model.Change, 0, len(recs))
	for _, rec := range recs {
		rec = rec.Clone()
		if err := table.CheckRecord(rec); err != nil {
			return err
		}
		old, err := tx.Get(table, rec.PK)
		if err != nil {
			return err
		}
		oldGK, err := table.GroupKey(old.Group)
		if err != nil {
			return err
		}
		newGK, err := table.GroupKey(rec.Group)
		if err != nil {
			return err
		}

		if oldGK != newGK {
			if err := tx.adjustCount(table, oldGK, old.Group, -1); err != nil {
				return err
			}
			if err := tx.adjustCount(table, newGK, rec.Group, 1); err != nil {
				return err
			}
		} else if old.Key != rec.Key {
			if err := tx.LockGroup(table, newGK, rec.Group); err != nil {
				return err
			}
		}

		if oldGK != newGK || old.Key != rec.Key {
			if err := tx.txn.Delete(indexKey(table.Name, oldGK, old.Key, old.PK)); err != nil {
				return fmt.Errorf("delete index: %w", err)
			}
			if err := tx.txn.Set(indexKey(table.Name, newGK, rec.Key, rec.PK), []byte{}); err != nil {
				return fmt.Errorf("write index: %w", err)
			}
		}
		if err := tx.putRecord(table, rec); err != nil {
			return err
		}

		changes = append(changes, model.Change{Old: &old, New: &rec})
	}

	return tx.afterStatement(ctx, table, Statement{Op: model.OpUpdate, Changes: changes})
}

// Delete removes records as one statement.
func (tx *Tx) Delete(ctx context.Context, table *schema.Table, pks ...string) error {
	if !tx.writable {
		return ErrReadOnly
	}

	changes := make([]model.Change, 0, len(pks))
	for _, pk := range pks {
		old, err := tx.Get(table, pk)
		if err != nil {
			return err
		}
		gk, err := table.GroupKey(old.Group)
		if err != nil {
			return err
		}
		if err := tx.adjustCount(table, gk, old.Group, -1); err != nil {
			return err
		}
		if err := tx.txn.Delete(rowKey(table.Name, pk)); err != nil {
			return fmt.Errorf("delete row: %w", err)
		}
		if err := tx.txn.Delete(indexKey(table.Name, gk, old.Key, pk)); err != nil {
			return fmt.Errorf("delete index: %w", err)
		}
		changes = append(changes, model.Change{Old: &old})
	}

	return tx.afterStatement(ctx, table, Statement{Op: model.OpDelete, Changes: changes})
}

func (tx *Tx) putRecord(table *schema.Table, rec model.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table.Name, rec.PK, err)
	}
	if err := tx.txn.Set(rowKey(table.Name, rec.PK), b); err != nil {
		return fmt.Errorf("write %s/%s: %w", table.Name, rec.PK, err)
	}
	return nil
}

func (tx *Tx) afterStatement(ctx context.Context, table *schema.Table, stmt Statement) error {
	hook := tx.store.hook
	if hook == nil || len(stmt.Changes) == 0 {
		return nil
	}
	return hook.AfterStatement(ctx, tx, table, stmt)
}

// =============================================================================
// Transaction-scoped State
// =============================================================================

// Suppress marks the named hook as running. Nested calls stack.
func (tx *Tx) Suppress(name string) {
	tx.guards[name]++
}

// Release undoes one Suppress.
func (tx *Tx) Release(name string) {
	if tx.guards[name] > 0 {
		tx.guards[name]--
	}
}

// Suppressed reports whether the named hook is running in this transaction.
func (tx *Tx) Suppressed(name string) bool {
	return tx.guards[name] > 0
}

// EnterDeferred opens a deferred region on table. Nested regions share the
// outermost scope and its operation.
func (tx *Tx) EnterDeferred(table string, op model.Operation) (scope *DeferredScope, outermost bool) {
	if s, ok := tx.deferred[table]; ok {
		s.depth++
		return s, false
	}
	s := &DeferredScope{Op: op, depth: 1, seen: make(map[string]bool)}
	tx.deferred[table] = s
	return s, true
}

// ExitDeferred closes one level of the region on table. outermost is true
// when the region is now fully closed and its groups must be reconciled.
func (tx *Tx) ExitDeferred(table string) (scope *DeferredScope, outermost bool) {
	s, ok := tx.deferred[table]
	if !ok {
		return nil, false
	}
	s.depth--
	if s.depth > 0 {
		return s, false
	}
	delete(tx.deferred, table)
	return s, true
}

// Deferred returns the open deferred region on table, or nil.
func (tx *Tx) Deferred(table string) *DeferredScope {
	return tx.deferred[table]
}

// Notify queues a notification for delivery after commit. An empty
// channel drops it.
func (tx *Tx) Notify(channel string, n notify.Notification) {
	if channel == "" {
		return
	}
	tx.pending = append(tx.pending, notify.Envelope{Channel: channel, Notification: n})
}

// Pending returns the notifications queued so far.
func (tx *Tx) Pending() []notify.Envelope {
	return tx.pending
}
