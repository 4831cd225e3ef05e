// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the records and statement images shared by the
// ordering store and engine.
package model

import (
	"bytes"
	"fmt"
	"maps"

	json "github.com/goccy/go-json"
)

// Operation identifies the kind of write that produced a change.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of INSERT, UPDATE or DELETE.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation converts a string to an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("operation must be one of INSERT, UPDATE or DELETE, got %q", s)
	}
	return op, nil
}

// Group holds the grouping column values of a record. Nil or empty for
// ungrouped tables.
type Group map[string]any

// UnmarshalJSON decodes numbers exactly. Integers that fit in an int64
// come back as int64 so a decoded group encodes to the same bytes as the
// group it was written from.
func (g *Group) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*g = nil
		return nil
	}
	for col, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			raw[col] = i
		} else if f, err := n.Float64(); err == nil && n.String() == fmt.Sprint(f) {
			raw[col] = f
		}
	}
	*g = Group(raw)
	return nil
}

// Clone returns a shallow copy.
func (g Group) Clone() Group {
	if g == nil {
		return nil
	}
	return maps.Clone(g)
}

// Record is a stored ordered row.
type Record struct {
	PK     string         `json:"pk"`
	Key    int64          `json:"order_key"`
	Group  Group          `json:"group,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Clone returns a copy whose maps can be mutated independently.
func (r Record) Clone() Record {
	r.Group = r.Group.Clone()
	if r.Fields != nil {
		r.Fields = maps.Clone(r.Fields)
	}
	return r
}

// Draft is a record that has not been written yet.
//
// A nil Key asks the allocator for the next key at the end of the group.
// An empty PK is replaced by a generated identifier.
type Draft struct {
	PK     string         `json:"pk,omitempty"`
	Key    *int64         `json:"order_key,omitempty"`
	Group  Group          `json:"group,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Record converts the draft to a record using key.
func (d Draft) Record(key int64) Record {
	return Record{
		PK:     d.PK,
		Key:    key,
		Group:  d.Group.Clone(),
		Fields: maps.Clone(d.Fields),
	}
}

// Change is the old/new image pair of one row in a statement.
// Old is nil for inserts and New is nil for deletes.
type Change struct {
	Old *Record
	New *Record
}

// Entry is one position in a group's order.
type Entry struct {
	PK  string
	Key int64
}
