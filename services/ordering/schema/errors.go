// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import "errors"

// Configuration errors. These are raised while tables are registered and
// must abort startup.
var (
	// ErrOrderColumnUnique indicates the order column carries a unique
	// constraint. Uniqueness within a group is maintained by the engine.
	ErrOrderColumnUnique = errors.New("should not have a unique constraint")

	// ErrMissingOrderColumn indicates the order column is not a declared column.
	ErrMissingOrderColumn = errors.New("has no field named")

	// ErrMissingGroupColumn indicates a grouping column is not a declared column.
	ErrMissingGroupColumn = errors.New("grouping column is not declared")

	// ErrInvalidTableName indicates a table name outside [a-z0-9_].
	ErrInvalidTableName = errors.New("invalid table name")

	// ErrDuplicateTable indicates the table is already registered.
	ErrDuplicateTable = errors.New("table already registered")

	// ErrInvalidHookSuffix indicates a hook name suffix that cannot fit.
	ErrInvalidHookSuffix = errors.New("hook suffix too long")
)

// Lookup and record validation errors.
var (
	// ErrUnknownTable indicates the table is not registered.
	ErrUnknownTable = errors.New("unknown table")

	// ErrMissingGroupValue indicates a record lacks a grouping column value.
	ErrMissingGroupValue = errors.New("missing grouping column value")

	// ErrUnknownColumn indicates a record carries an undeclared column.
	ErrUnknownColumn = errors.New("unknown column")
)
