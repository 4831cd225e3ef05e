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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// stream follows the table's notification channel over a websocket.
//
// # Description
//
// Each notification for the table is written as one text frame holding
// its JSON payload. Notifications of other tables sharing the channel are
// skipped. The stream is best effort: a client that falls behind the
// buffer misses notifications and should re-read the order.
func (s *Server) stream(c *gin.Context) {
	table := c.Param("table")
	t, err := s.engine.Table(table)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if t.NotifyChannel == "" {
		s.abortWithError(c, fmt.Errorf("%w: notifications are disabled for %s", errBadRequest, table))
		return
	}

	sub, err := s.broker.Subscribe(t.NotifyChannel, s.streamBuffer)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	defer sub.Close()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the websocket", slog.String("table", table), slog.Any("error", err))
		return
	}
	defer ws.Close()

	s.metrics.ActiveStreams.WithLabelValues(table).Inc()
	defer s.metrics.ActiveStreams.WithLabelValues(table).Dec()
	s.logger.Info("notification stream opened",
		slog.String("table", table),
		slog.String("channel", t.NotifyChannel),
	)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The read loop only handles control frames and notices the close.
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("notification stream closed",
				slog.String("table", table),
				slog.Int64("dropped", sub.Dropped()),
			)
			return

		case n, ok := <-sub.C():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			if n.Table != table {
				continue
			}
			payload, err := n.Encode()
			if err != nil {
				s.logger.Error("failed to encode notification", slog.Any("error", err))
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			s.metrics.StreamMessages.WithLabelValues(table).Inc()

		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
