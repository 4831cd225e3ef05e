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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

var (
	// ErrOrderConflict indicates the caller's view of the order is stale.
	// Every *OrderConflictError unwraps to it.
	ErrOrderConflict = errors.New("order conflict")

	// ErrNotFound indicates the record being moved or saved no longer exists.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidMove indicates a move request that can never succeed, such
	// as one without neighbours or one relative to itself.
	ErrInvalidMove = errors.New("invalid move")

	// ErrInvalidOperation indicates a deferred region was opened with an
	// operation other than INSERT, UPDATE or DELETE.
	ErrInvalidOperation = errors.New("invalid operation")
)

// ConflictReason classifies an OrderConflictError.
type ConflictReason string

const (
	ReasonOrderChanged    ConflictReason = "order_changed"
	ReasonNeighborMissing ConflictReason = "neighbor_missing"
	ReasonDifferentGroups ConflictReason = "different_groups"
	ReasonNotLast         ConflictReason = "not_last"
	ReasonNotFirst        ConflictReason = "not_first"
	ReasonNotAdjacent     ConflictReason = "not_adjacent"
)

// OrderConflictError reports that the stored order no longer matches what
// the caller observed. Nothing has been written when it is returned.
type OrderConflictError struct {
	Table   string
	PK      string
	Reason  ConflictReason
	Message string
}

// Error implements error.
func (e *OrderConflictError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrOrderConflict, e.Table, e.Message)
}

// Unwrap returns ErrOrderConflict.
func (e *OrderConflictError) Unwrap() error {
	return ErrOrderConflict
}

func conflict(table, pk string, reason ConflictReason, format string, args ...any) error {
	return &OrderConflictError{
		Table:   table,
		PK:      pk,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}
