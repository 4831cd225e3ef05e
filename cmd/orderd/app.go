// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianOrder/pkg/logging"
	"github.com/AleutianAI/AleutianOrder/services/ordering/config"
	"github.com/AleutianAI/AleutianOrder/services/ordering/engine"
	"github.com/AleutianAI/AleutianOrder/services/ordering/notify"
	"github.com/AleutianAI/AleutianOrder/services/ordering/observability"
	badgerstore "github.com/AleutianAI/AleutianOrder/services/ordering/storage/badger"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// app is the wired storage, engine and notification stack shared by the
// commands.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	db     *badgerstore.DB
	broker *notify.Broker
	engine *engine.Engine
}

// openApp loads the config at path and opens the store. Engine spans are
// only recorded when serving with a trace exporter configured.
func openApp(path string, serving bool) (*app, error) {
	cfg, err := config.Load(config.ResolvePath(path))
	if err != nil {
		return nil, err
	}
	logCfg, err := cfg.Logging.LoggerConfig("orderd")
	if err != nil {
		return nil, err
	}
	logger := logging.New(logCfg)
	log := logger.Slog()

	registry, err := cfg.Registry()
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	storage := cfg.Storage
	storage.Logger = log.With("component", "badger")
	db, err := badgerstore.OpenDB(storage)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	broker := notify.NewBroker(log)
	publisher := notify.Multi{broker, notify.LogPublisher{Logger: log.With("component", "notify")}}

	opts := append(cfg.StoreOptions(),
		store.WithPublisher(publisher),
		store.WithLogger(log),
	)
	st := store.New(db, opts...)
	eng := engine.New(st, registry,
		engine.WithLogger(log),
		engine.WithTracer(observability.NewTracer(log, serving && cfg.Telemetry.TraceExporter != "none")),
	)

	log.Info("storage opened",
		"path", db.Path(),
		"in_memory", db.InMemory(),
		"tables", registry.Names(),
	)
	return &app{cfg: cfg, logger: logger, db: db, broker: broker, engine: eng}, nil
}

// Close releases the store, broker and log file.
func (a *app) Close() error {
	a.broker.Close()
	err := a.db.Close()
	return errors.Join(err, a.logger.Close())
}
