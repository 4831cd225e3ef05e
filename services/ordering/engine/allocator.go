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
	"math"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// FirstKey is the key given to the first record of an empty group.
const FirstKey int64 = 2

// keyStep is the distance between neighbours in a dense group.
const keyStep int64 = 2

// NextKey returns the key that places a new record at the end of the group:
// the current maximum plus two, or FirstKey when the group is empty. ok is
// false when the maximum is too close to math.MaxInt64 to step past; the
// group must be renumbered first.
func NextKey(tx *store.Tx, table *schema.Table, groupKey string) (key int64, ok bool, err error) {
	last, found, err := tx.Last(table, groupKey)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return FirstKey, true, nil
	}
	if last.Key > math.MaxInt64-keyStep {
		return 0, false, nil
	}
	return last.Key + keyStep, true, nil
}

// Classification describes what a single change did to the order.
type Classification struct {
	// OldGroup and NewGroup are the group keys before and after. OldGroup
	// is empty for inserts and NewGroup is empty for deletes.
	OldGroup string
	NewGroup string

	KeyChanged   bool
	GroupChanged bool
}

// NoOp reports whether an update left both key and group unchanged.
func (c Classification) NoOp() bool {
	return !c.KeyChanged && !c.GroupChanged
}

// Classify compares the images of one change.
func Classify(table *schema.Table, ch model.Change) (Classification, error) {
	var c Classification
	if ch.Old != nil {
		gk, err := table.GroupKey(ch.Old.Group)
		if err != nil {
			return c, err
		}
		c.OldGroup = gk
	}
	if ch.New != nil {
		gk, err := table.GroupKey(ch.New.Group)
		if err != nil {
			return c, err
		}
		c.NewGroup = gk
	}

	switch {
	case ch.Old == nil || ch.New == nil:
		c.KeyChanged = true
		c.GroupChanged = true
	default:
		c.KeyChanged = ch.Old.Key != ch.New.Key
		c.GroupChanged = c.OldGroup != c.NewGroup
	}
	return c, nil
}
