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

import "errors"

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey indicates an insert reused an existing primary key.
	ErrDuplicateKey = errors.New("record already exists")

	// ErrSerialization indicates a transaction kept conflicting with
	// concurrent writers and was abandoned after the retry budget.
	ErrSerialization = errors.New("transaction could not be serialized")

	// ErrReadOnly indicates a write inside View.
	ErrReadOnly = errors.New("write in read-only transaction")

	// ErrCorruptIndex indicates an index entry that cannot be decoded.
	ErrCorruptIndex = errors.New("corrupt order index entry")
)
