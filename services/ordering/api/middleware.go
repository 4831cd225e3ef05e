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
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianOrder/services/ordering/notify"
)

// HeaderOriginator carries the caller's originator id. It is echoed on
// the response and stamped on the notifications the request produces.
const HeaderOriginator = "X-Originator-ID"

// originatorMiddleware puts the request's originator id on its context.
// Requests without the header get a fresh UUID.
func originatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderOriginator)
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(notify.WithOriginator(c.Request.Context(), id))
		c.Header(HeaderOriginator, id)
		c.Next()
	}
}

// metricsMiddleware records request count and latency by route template.
func metricsMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// tableLimiters holds one token bucket per table.
type tableLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newTableLimiters(perSecond float64, burst int) *tableLimiters {
	if burst < 1 {
		burst = 1
	}
	return &tableLimiters{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *tableLimiters) get(table string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[table]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[table] = lim
	}
	return lim
}

// rateLimitMiddleware rejects move requests beyond the table's rate with
// 429. A nil limiter set disables limiting. Unknown tables get 404 before
// any limiter or metric series exists for them.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiters == nil {
			c.Next()
			return
		}
		tbl, err := s.engine.Table(c.Param("table"))
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		table := tbl.Name
		if !s.limiters.get(table).Allow() {
			s.metrics.RateLimited.WithLabelValues(table).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "move rate exceeded for " + table})
			return
		}
		c.Next()
	}
}
