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
	"net/http"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/AleutianAI/AleutianOrder/services/ordering/engine"
	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// bind decodes and validates the JSON body into req.
func bind(c *gin.Context, req any) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return requestValidate.Struct(req)
}

// groupQuery decodes the ?group= JSON object. Absent means no group.
func groupQuery(c *gin.Context) (model.Group, error) {
	raw := c.Query("group")
	if raw == "" {
		return nil, nil
	}
	var g model.Group
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("%w: group must be a JSON object: %v", errBadRequest, err)
	}
	return g, nil
}

// reload returns the stored records for pks, in the given order.
func (s *Server) reload(ctx context.Context, table string, pks []string) ([]model.Record, error) {
	out := make([]model.Record, 0, len(pks))
	for _, pk := range pks {
		rec, err := s.engine.Get(ctx, table, pk)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// =============================================================================
// Tables
// =============================================================================

func (s *Server) listTables(c *gin.Context) {
	reg := s.engine.Registry()
	names := reg.Names()
	tables := make([]*schema.Table, 0, len(names))
	for _, name := range names {
		t, err := reg.Table(name)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		tables = append(tables, t)
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

func (s *Server) getTable(c *gin.Context) {
	t, err := s.engine.Table(c.Param("table"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) listGroups(c *gin.Context) {
	groups, err := s.engine.Groups(c.Request.Context(), c.Param("table"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if groups == nil {
		groups = []store.GroupInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (s *Server) check(c *gin.Context) {
	violations, err := s.engine.Check(c.Request.Context(), c.Param("table"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if violations == nil {
		violations = []engine.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations})
}

func (s *Server) renumber(c *gin.Context) {
	var req RenumberRequest
	if c.Request.ContentLength > 0 {
		if err := bind(c, &req); err != nil {
			s.abortWithError(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	table := c.Param("table")
	var (
		n   int
		err error
	)
	if req.Group != nil {
		n, err = s.engine.Renumber(ctx, table, req.Group)
	} else {
		n, err = s.engine.RenumberAll(ctx, table)
	}
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewritten": n})
}

// bulk writes order keys one row at a time inside a deferred region, so
// each touched group is renumbered and notified once at the end.
func (s *Server) bulk(c *gin.Context) {
	var req BulkRequest
	if err := bind(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	op := model.OpUpdate
	if req.Operation != "" {
		op = model.Operation(req.Operation)
	}

	table := c.Param("table")
	t, err := s.engine.Table(table)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	var opts []engine.DeferredOption
	if req.AllGroups {
		opts = append(opts, engine.AllGroups())
	}

	err = s.engine.Deferred(c.Request.Context(), table, op, func(ctx context.Context, tx *store.Tx) error {
		for _, body := range req.Records {
			rec, err := tx.Get(t, body.PK)
			if err != nil {
				return fmt.Errorf("%s: %w", body.PK, err)
			}
			rec.Key = *body.OrderKey
			if err := tx.Update(ctx, t, rec); err != nil {
				return err
			}
		}
		return nil
	}, opts...)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operation": op, "records": len(req.Records)})
}

// =============================================================================
// Records
// =============================================================================

func (s *Server) listRecords(c *gin.Context) {
	group, err := groupQuery(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	recs, err := s.engine.List(c.Request.Context(), c.Param("table"), group)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *Server) getRecord(c *gin.Context) {
	rec, err := s.engine.Get(c.Request.Context(), c.Param("table"), c.Param("pk"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) insertRecords(c *gin.Context) {
	var req InsertRequest
	if err := bind(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	table := c.Param("table")

	inserted, err := s.engine.Insert(ctx, table, req.Records...)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	pks := make([]string, len(inserted))
	for i, r := range inserted {
		pks[i] = r.PK
	}
	recs, err := s.reload(ctx, table, pks)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"records": recs})
}

func (s *Server) updateRecords(c *gin.Context) {
	var req UpdateRequest
	if err := bind(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	table := c.Param("table")

	recs := make([]model.Record, len(req.Records))
	pks := make([]string, len(req.Records))
	for i, body := range req.Records {
		recs[i] = body.record()
		pks[i] = body.PK
	}
	if err := s.engine.Update(ctx, table, recs...); err != nil {
		s.abortWithError(c, err)
		return
	}
	updated, err := s.reload(ctx, table, pks)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": updated})
}

func (s *Server) saveRecord(c *gin.Context) {
	var req SaveRequest
	if err := bind(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	table := c.Param("table")

	rec, err := s.engine.Get(ctx, table, c.Param("pk"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if req.Group != nil {
		rec.Group = req.Group
	}
	if req.Fields != nil {
		rec.Fields = req.Fields
	}
	var opts []engine.SaveOption
	if req.OrderKey != nil {
		rec.Key = *req.OrderKey
		opts = append(opts, engine.WithOrderKey())
	}

	saved, err := s.engine.Save(ctx, table, rec, opts...)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) deleteRecord(c *gin.Context) {
	if err := s.engine.Delete(c.Request.Context(), c.Param("table"), c.Param("pk")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =============================================================================
// Moves
// =============================================================================

func (s *Server) moveRecord(c *gin.Context) {
	var req MoveRequest
	if err := bind(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	if (req.Position == PositionBefore || req.Position == PositionAfter) && req.RelativeTo == "" {
		s.abortWithError(c, fmt.Errorf("%w: relative_to is required for %s", errBadRequest, req.Position))
		return
	}
	ctx := c.Request.Context()
	table, pk := c.Param("table"), c.Param("pk")

	var err error
	switch req.Position {
	case PositionBefore:
		err = s.engine.MoveBefore(ctx, table, pk, req.RelativeTo)
	case PositionAfter:
		err = s.engine.MoveAfter(ctx, table, pk, req.RelativeTo)
	case PositionStart:
		err = s.engine.MoveStart(ctx, table, pk)
	case PositionEnd:
		err = s.engine.MoveEnd(ctx, table, pk)
	case PositionBetween:
		self := model.Record{PK: pk, Key: *req.ObservedKey}
		err = s.engine.MoveBetween(ctx, table, self, req.Before, req.After)
	}
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	rec, err := s.engine.Get(ctx, table, pk)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) moveSet(c *gin.Context) {
	var req SetMoveRequest
	if err := bind(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	table := c.Param("table")

	if err := s.engine.MoveSetBetween(ctx, table, req.PKs, req.Before, req.After); err != nil {
		s.abortWithError(c, err)
		return
	}
	recs, err := s.reload(ctx, table, req.PKs)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}
