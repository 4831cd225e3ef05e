// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
)

var requestValidate = validator.New()

// Move positions accepted by MoveRequest.
const (
	PositionBefore  = "before"
	PositionAfter   = "after"
	PositionStart   = "start"
	PositionEnd     = "end"
	PositionBetween = "between"
)

// InsertRequest is the body of POST /records.
type InsertRequest struct {
	Records []model.Draft `json:"records" validate:"required,min=1,max=1000"`
}

// UpdateRequest is the body of PUT /records. All records are written as
// one statement.
type UpdateRequest struct {
	Records []RecordBody `json:"records" validate:"required,min=1,max=1000,dive"`
}

// RecordBody is a full record in an update.
type RecordBody struct {
	PK       string         `json:"pk" validate:"required"`
	OrderKey int64          `json:"order_key"`
	Group    model.Group    `json:"group,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

func (b RecordBody) record() model.Record {
	return model.Record{PK: b.PK, Key: b.OrderKey, Group: b.Group, Fields: b.Fields}
}

// SaveRequest is the body of PATCH /records/:pk. Omitted group and fields
// keep their stored values. order_key is written only when present.
type SaveRequest struct {
	Group    model.Group    `json:"group,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	OrderKey *int64         `json:"order_key,omitempty"`
}

// MoveRequest is the body of POST /records/:pk/move.
//
// relative_to is required for before and after. observed_key is the order
// key the client last saw for the record and is required for between.
type MoveRequest struct {
	Position    string `json:"position" validate:"required,oneof=before after start end between"`
	RelativeTo  string `json:"relative_to"`
	Before      string `json:"before"`
	After       string `json:"after"`
	ObservedKey *int64 `json:"observed_key" validate:"required_if=Position between"`
}

// SetMoveRequest is the body of POST /move.
type SetMoveRequest struct {
	PKs    []string `json:"pks" validate:"required,min=1,max=1000,dive,required"`
	Before string   `json:"before"`
	After  string   `json:"after"`
}

// BulkRequest is the body of POST /bulk. The order keys are written one
// row at a time inside a deferred region.
type BulkRequest struct {
	Operation string        `json:"operation" validate:"omitempty,oneof=INSERT UPDATE DELETE"`
	Records   []BulkKeyBody `json:"records" validate:"required,min=1,max=10000,dive"`
	AllGroups bool          `json:"all_groups"`
}

// BulkKeyBody sets one record's order key.
type BulkKeyBody struct {
	PK       string `json:"pk" validate:"required"`
	OrderKey *int64 `json:"order_key" validate:"required"`
}

// RenumberRequest is the optional body of POST /renumber. Without a group
// every group of the table is renumbered.
type RenumberRequest struct {
	Group model.Group `json:"group,omitempty"`
}
