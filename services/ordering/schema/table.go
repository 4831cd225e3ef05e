// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema describes ordered tables: their columns, grouping columns
// and notification channel, and validates them at registration time.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
)

const (
	// DefaultOrderColumn is used when a table does not name its order column.
	DefaultOrderColumn = "sort_key"

	// DefaultNotifyChannel is the channel reorders are published on.
	DefaultNotifyChannel = "notify_on_reorder"

	maxHookNameLength = 43
	hookHashLength    = 8
)

var (
	tableNamePattern   = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	hookNameSanitizer  = regexp.MustCompile(`[^0-9a-zA-Z]+`)
	channelNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:-]{0,62}$`)
)

// Table configures one ordered table.
type Table struct {
	// Name identifies the table in storage keys, notifications and the API.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Columns lists every declared column. When empty, the order column and
	// grouping columns are implied and Fields are not checked.
	Columns []string `yaml:"columns" json:"columns,omitempty"`

	// OrderColumn names the order key column. Default: sort_key.
	OrderColumn string `yaml:"order_column" json:"order_column"`

	// GroupColumns partition the table into independently ordered groups.
	GroupColumns []string `yaml:"group_columns" json:"group_columns,omitempty"`

	// Unique lists columns that carry a single-column unique constraint.
	Unique []string `yaml:"unique" json:"unique,omitempty"`

	// UniqueTogether lists multi-column unique constraints.
	UniqueTogether [][]string `yaml:"unique_together" json:"unique_together,omitempty"`

	// NotifyChannel is the channel reorder notifications are published on.
	// Default: notify_on_reorder.
	NotifyChannel string `yaml:"notify_channel" json:"notify_channel"`

	// DisableNotify turns notifications off for the table.
	DisableNotify bool `yaml:"disable_notify" json:"disable_notify,omitempty"`
}

// withDefaults returns a copy with defaults filled in.
func (t Table) withDefaults() Table {
	if t.OrderColumn == "" {
		t.OrderColumn = DefaultOrderColumn
	}
	if t.NotifyChannel == "" && !t.DisableNotify {
		t.NotifyChannel = DefaultNotifyChannel
	}
	if t.DisableNotify {
		t.NotifyChannel = ""
	}
	t.Columns = slices.Clone(t.Columns)
	t.GroupColumns = slices.Clone(t.GroupColumns)
	return t
}

// Validate checks the table definition.
//
// # Description
//
// Rejects configurations the engine cannot maintain:
//
//   - the order column carries a unique constraint, alone or together with
//     other columns
//   - the order column or a grouping column is not declared
//   - a grouping column is listed twice or is the order column
func (t Table) Validate() error {
	if !tableNamePattern.MatchString(t.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, t.Name)
	}
	if t.OrderColumn == "" {
		return fmt.Errorf("%s %w %q", t.Name, ErrMissingOrderColumn, t.OrderColumn)
	}

	if slices.Contains(t.Unique, t.OrderColumn) {
		return fmt.Errorf("%s.%s %w", t.Name, t.OrderColumn, ErrOrderColumnUnique)
	}
	for _, together := range t.UniqueTogether {
		if slices.Contains(together, t.OrderColumn) {
			return fmt.Errorf("%s.%s %w (unique together %v)", t.Name, t.OrderColumn, ErrOrderColumnUnique, together)
		}
	}

	if len(t.Columns) > 0 {
		if !slices.Contains(t.Columns, t.OrderColumn) {
			return fmt.Errorf("%s %w %q", t.Name, ErrMissingOrderColumn, t.OrderColumn)
		}
		for _, col := range t.GroupColumns {
			if !slices.Contains(t.Columns, col) {
				return fmt.Errorf("%s: %w: %q", t.Name, ErrMissingGroupColumn, col)
			}
		}
	}

	seen := make(map[string]bool, len(t.GroupColumns))
	for _, col := range t.GroupColumns {
		if col == "" || col == t.OrderColumn || seen[col] {
			return fmt.Errorf("%s: %w: %q", t.Name, ErrMissingGroupColumn, col)
		}
		seen[col] = true
	}

	if t.NotifyChannel != "" && !channelNamePattern.MatchString(t.NotifyChannel) {
		return fmt.Errorf("%s: invalid notify channel %q", t.Name, t.NotifyChannel)
	}
	return nil
}

// Grouped reports whether the table has grouping columns.
func (t *Table) Grouped() bool {
	return len(t.GroupColumns) > 0
}

// GroupKey returns the canonical identity of a group: the JSON array of its
// values in GroupColumns order. Ungrouped tables have the single key "".
func (t *Table) GroupKey(g model.Group) (string, error) {
	if !t.Grouped() {
		return "", nil
	}
	values := make([]any, len(t.GroupColumns))
	for i, col := range t.GroupColumns {
		v, ok := g[col]
		if !ok {
			return "", fmt.Errorf("%s: %w: %q", t.Name, ErrMissingGroupValue, col)
		}
		values[i] = v
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("%s: encode group: %w", t.Name, err)
	}
	return string(b), nil
}

// CheckRecord validates the group and field columns of rec.
func (t *Table) CheckRecord(rec model.Record) error {
	for col := range rec.Group {
		if !slices.Contains(t.GroupColumns, col) {
			return fmt.Errorf("%s: %w: %q is not a grouping column", t.Name, ErrUnknownColumn, col)
		}
	}
	if len(t.Columns) == 0 {
		return nil
	}
	for col := range rec.Fields {
		if col == t.OrderColumn || slices.Contains(t.GroupColumns, col) || !slices.Contains(t.Columns, col) {
			return fmt.Errorf("%s: %w: %q", t.Name, ErrUnknownColumn, col)
		}
	}
	return nil
}

// DescribeGroupColumns joins the grouping column names for error messages.
func (t *Table) DescribeGroupColumns() string {
	return strings.Join(t.GroupColumns, ", ")
}

// HookName returns the name of a hook installed on the table.
//
// Names are at most 43 characters. When the table label and suffix do not
// fit, the label is truncated and suffixed with 8 hex characters of its
// SHA-256 so names stay unique.
func HookName(table, suffix string) (string, error) {
	maxSuffix := maxHookNameLength - hookHashLength
	if len(suffix) > maxSuffix {
		return "", fmt.Errorf("%w: %q must be at most %d characters", ErrInvalidHookSuffix, suffix, maxSuffix)
	}
	label := "ordering." + table + "_"
	if len(label)+len(suffix) >= maxHookNameLength {
		maxLabel := maxHookNameLength - len(suffix) - hookHashLength
		sum := sha256.Sum256([]byte(label))
		label = label[:maxLabel] + hex.EncodeToString(sum[:])[:hookHashLength]
	}
	return strings.ToLower(hookNameSanitizer.ReplaceAllString(label+suffix, "_")), nil
}
