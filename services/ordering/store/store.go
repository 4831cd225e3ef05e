// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the transactional repository for ordered tables.
//
// Every write goes through a Tx statement (Insert, Update, Delete) that
// writes the rows and then calls the installed Hook inside the same badger
// transaction. Nothing is visible to other transactions until Update's
// callback returns and the commit succeeds.
//
// # Concurrency
//
// BadgerDB runs transactions under serializable snapshot isolation. Writers
// of the same group all read and rewrite the group head, so at most one of
// them commits; the others get badger.ErrConflict. Update re-runs the whole
// callback on conflict, which re-reads every precondition. Callbacks must
// therefore be safe to run more than once.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianOrder/services/ordering/notify"
	"github.com/AleutianAI/AleutianOrder/services/ordering/observability"
	badgerstore "github.com/AleutianAI/AleutianOrder/services/ordering/storage/badger"
)

const (
	// DefaultMaxConflictRetries bounds how often Update re-runs a callback.
	DefaultMaxConflictRetries = 8

	// DefaultRetryBackoff is the base delay between conflict retries.
	DefaultRetryBackoff = 2 * time.Millisecond
)

// Store runs ordered-table transactions against BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use once the hook is installed.
type Store struct {
	db         *badgerstore.DB
	hook       Hook
	publisher  notify.Publisher
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets where committed notifications are delivered.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxConflictRetries sets the retry budget for serialization conflicts.
// Zero disables retries.
func WithMaxConflictRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

// New creates a Store over db.
func New(db *badgerstore.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		publisher:  notify.Discard,
		logger:     slog.Default().With("component", "store.Store"),
		maxRetries: DefaultMaxConflictRetries,
		backoff:    DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHook installs the statement hook. It must be called before the store
// is shared between goroutines.
func (s *Store) SetHook(h Hook) {
	s.hook = h
}

// DB returns the underlying database.
func (s *Store) DB() *badgerstore.DB {
	return s.db
}

// Update runs fn in a read-write transaction and commits it.
//
// # Description
//
// On badger.ErrConflict the transaction is discarded and fn runs again in a
// fresh transaction, up to the retry budget, after which ErrSerialization
// is returned. Any other error from fn aborts without retry. After a
// successful commit the notifications queued on the Tx are published.
//
// # Inputs
//
//   - ctx: Checked before every attempt.
//   - fn: Transaction body. May run more than once.
//
// # Outputs
//
//   - error: fn's error, ErrSerialization, or a commit failure.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		var tx *Tx
		err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			tx = newTx(s, txn, true)
			return fn(tx)
		})
		if err == nil {
			s.publish(ctx, tx.pending)
			return nil
		}
		if !badgerstore.IsConflict(err) {
			return err
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrSerialization, attempt+1, err)
		}

		observability.RecordTxnRetry(ctx, attempt+1)
		s.logger.DebugContext(ctx, "transaction conflict, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", s.maxRetries),
		)
		if err := s.sleep(ctx, attempt); err != nil {
			return err
		}
	}
}

// View runs fn in a read-only transaction. Statements return ErrReadOnly.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return fn(newTx(s, txn, false))
	})
}

// sleep waits an exponentially growing, jittered delay.
func (s *Store) sleep(ctx context.Context, attempt int) error {
	if s.backoff <= 0 {
		return ctx.Err()
	}
	d := s.backoff << min(attempt, 6)
	d = d/2 + rand.N(d/2+1)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (s *Store) publish(ctx context.Context, pending []notify.Envelope) {
	for _, env := range pending {
		n := env.Notification
		err := s.publisher.Publish(ctx, env.Channel, n)
		observability.RecordNotification(ctx, n.Table, string(n.Operation), err == nil)
		if err != nil {
			s.logger.WarnContext(ctx, "publish notification failed",
				slog.String("channel", env.Channel),
				slog.String("table", n.Table),
				slog.String("error", err.Error()),
			)
		}
	}
}
