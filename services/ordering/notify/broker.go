// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

// ErrBrokerClosed is returned by Subscribe after Close.
var ErrBrokerClosed = errors.New("broker closed")

// Broker fans notifications out to in-process subscribers by channel name.
//
// # Description
//
// Publish never blocks: a subscriber whose queue is full misses the
// notification and its Dropped counter is incremented. Subscribers are
// expected to resynchronize by re-reading the order.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

// NewBroker creates an empty broker. logger may be nil.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger.With("component", "notify.Broker"),
	}
}

// Subscription receives notifications published on one channel.
type Subscription struct {
	channel string
	ch      chan Notification
	broker  *Broker
	dropped atomic.Int64
	once    sync.Once
}

// C returns the receive channel. It is closed by Close or Broker.Close.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Channel returns the channel name this subscription listens on.
func (s *Subscription) Channel() string {
	return s.channel
}

// Dropped returns how many notifications were lost to a full queue.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. Safe to call twice.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

// Subscribe registers a subscriber on channel with the given queue length.
// A non-positive buffer uses DefaultBufferSize.
func (b *Broker) Subscribe(channel string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	sub := &Subscription{
		channel: channel,
		ch:      make(chan Notification, buffer),
		broker:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Publish implements Publisher.
func (b *Broker) Publish(ctx context.Context, channel string, n Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}

	var dropped int
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.WarnContext(ctx, "subscriber queue full, notification dropped",
			slog.String("channel", channel),
			slog.String("table", n.Table),
			slog.Int("dropped", dropped),
		)
		return fmt.Errorf("notify: %d subscriber(s) on %s dropped a notification", dropped, channel)
	}
	return nil
}

// Subscribers returns the number of subscribers on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close closes every subscription. Later publishes fail with ErrBrokerClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = nil
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// =============================================================================
// Composition
// =============================================================================

// Multi publishes to every publisher in order and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, channel string, n Notification) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes every notification to a logger at Info level.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements Publisher.
func (p LogPublisher) Publish(ctx context.Context, channel string, n Notification) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "reorder notification",
		slog.String("channel", channel),
		slog.String("operation", string(n.Operation)),
		slog.String("table", n.Table),
		slog.Any("order_with_respect_to", n.OrderWithRespectTo),
		slog.String("originator_id", n.OriginatorID),
	)
	return nil
}
