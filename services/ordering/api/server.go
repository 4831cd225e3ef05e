// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the ordering engine over HTTP.
//
// Routes live under /v1/tables/:table. Writes go through the engine, so
// every response reflects enforced, renumbered state, and notifications
// produced by a request carry its X-Originator-ID. Notifications can be
// followed over a websocket per table.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianOrder/services/ordering/engine"
	"github.com/AleutianAI/AleutianOrder/services/ordering/notify"
)

// Options configures a Server.
type Options struct {
	// ServiceName names the otelgin server spans. Default: orderd.
	ServiceName string

	// MoveRate limits move requests per table per second. Zero disables.
	MoveRate  float64
	MoveBurst int

	// StreamBuffer is the per-websocket notification queue length.
	StreamBuffer int

	// Registerer receives the HTTP metrics. Default: prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// Server holds the HTTP handlers.
//
// # Thread Safety
//
// Safe for concurrent use.
type Server struct {
	engine       *engine.Engine
	broker       *notify.Broker
	logger       *slog.Logger
	metrics      *HTTPMetrics
	limiters     *tableLimiters
	streamBuffer int
	router       *gin.Engine
}

// NewServer builds the router. broker may be nil, in which case the
// notification stream route is not registered.
func NewServer(eng *engine.Engine, broker *notify.Broker, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "orderd"
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		engine:       eng,
		broker:       broker,
		logger:       opts.Logger.With("component", "api"),
		metrics:      NewHTTPMetrics(opts.Registerer),
		streamBuffer: opts.StreamBuffer,
	}
	if opts.MoveRate > 0 {
		s.limiters = newTableLimiters(opts.MoveRate, opts.MoveBurst)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(metricsMiddleware(s.metrics))
	router.Use(originatorMiddleware())
	s.setupRoutes(router, opts.MetricsHandler)
	s.router = router
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(router *gin.Engine, metrics http.Handler) {
	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1")
	{
		v1.GET("/tables", s.listTables)

		tables := v1.Group("/tables/:table")
		{
			tables.GET("", s.getTable)
			tables.GET("/groups", s.listGroups)
			tables.GET("/check", s.check)
			tables.POST("/renumber", s.renumber)
			tables.POST("/bulk", s.bulk)
			tables.POST("/move", s.rateLimitMiddleware(), s.moveSet)

			records := tables.Group("/records")
			{
				records.GET("", s.listRecords)
				records.POST("", s.insertRecords)
				records.PUT("", s.updateRecords)
				records.GET("/:pk", s.getRecord)
				records.PATCH("/:pk", s.saveRecord)
				records.DELETE("/:pk", s.deleteRecord)
				records.POST("/:pk/move", s.rateLimitMiddleware(), s.moveRecord)
			}

			if s.broker != nil {
				tables.GET("/notifications", s.stream)
			}
		}
	}
}
