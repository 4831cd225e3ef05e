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

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
)

// Statement is the set of row images produced by one Insert, Update or
// Delete call.
type Statement struct {
	Op      model.Operation
	Changes []model.Change

	// Allocated holds the PKs of inserted rows whose key was assigned by
	// BeforeInsert rather than supplied by the caller.
	Allocated map[string]bool
}

// Hook is invoked by every write statement inside the writing transaction.
//
// # Description
//
// BeforeInsert runs once per inserted row before it is written. When
// explicit is false the hook must assign rec.Key.
//
// AfterStatement runs once per statement after all of its rows are
// written. An error aborts the transaction.
type Hook interface {
	BeforeInsert(ctx context.Context, tx *Tx, table *schema.Table, rec *model.Record, explicit bool) error
	AfterStatement(ctx context.Context, tx *Tx, table *schema.Table, stmt Statement) error
}

// TouchedGroup is a group recorded by a deferred region.
type TouchedGroup struct {
	Key   string
	Group model.Group
}

// DeferredScope tracks a deferred region on one table within a transaction.
type DeferredScope struct {
	Op     model.Operation
	depth  int
	seen   map[string]bool
	groups []TouchedGroup
}

// Touch records a group. Repeated touches are ignored.
func (s *DeferredScope) Touch(key string, group model.Group) {
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.groups = append(s.groups, TouchedGroup{Key: key, Group: group.Clone()})
}

// Groups returns the touched groups in first-touch order.
func (s *DeferredScope) Groups() []TouchedGroup {
	return s.groups
}
