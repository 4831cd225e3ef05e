// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify carries reorder notifications from committed transactions
// to subscribers.
//
// Notifications are not persisted. They are queued on the transaction that
// produced them and handed to a Publisher only after commit; a rolled back
// transaction publishes nothing.
package notify

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
)

// TypeOrdering is the notification_type of every reorder notification.
const TypeOrdering = "ORDERING"

// Notification is the wire payload of a reorder event.
//
// Field order is the JSON key order.
type Notification struct {
	Timestamp          time.Time       `json:"timestamp"`
	NotificationType   string          `json:"notification_type"`
	Operation          model.Operation `json:"operation"`
	Table              string          `json:"table"`
	OriginatorID       string          `json:"originator_id"`
	OrderWithRespectTo map[string]any  `json:"order_with_respect_to"`
}

// New builds a notification for one group of table. group is nil for
// ungrouped tables, which serializes order_with_respect_to as null.
func New(ctx context.Context, op model.Operation, table string, group model.Group) Notification {
	var owrt map[string]any
	if len(group) > 0 {
		owrt = map[string]any(group.Clone())
	}
	return Notification{
		Timestamp:          time.Now().UTC(),
		NotificationType:   TypeOrdering,
		Operation:          op,
		Table:              table,
		OriginatorID:       OriginatorFrom(ctx),
		OrderWithRespectTo: owrt,
	}
}

// Encode returns the JSON payload.
func (n Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// Envelope pairs a notification with the channel it is published on.
type Envelope struct {
	Channel      string
	Notification Notification
}

// Publisher delivers committed notifications.
//
// Publish must not block for long; it is called on the committing
// goroutine. Errors are logged by the caller and otherwise ignored.
type Publisher interface {
	Publish(ctx context.Context, channel string, n Notification) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, channel string, n Notification) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, channel string, n Notification) error {
	return f(ctx, channel, n)
}

// Discard is a Publisher that drops every notification.
var Discard Publisher = PublisherFunc(func(context.Context, string, Notification) error { return nil })

// =============================================================================
// Originator Context
// =============================================================================

type originatorKey struct{}

// WithOriginator attaches a correlation id that is copied into every
// notification produced under ctx.
func WithOriginator(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, originatorKey{}, id)
}

// OriginatorFrom returns the correlation id attached to ctx, or "".
func OriginatorFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(originatorKey{}).(string)
	return id
}
