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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianOrder/services/ordering/engine"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, engine.ErrOrderConflict), errors.Is(err, store.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, schema.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.As(err, &verrs),
		errors.Is(err, engine.ErrInvalidMove),
		errors.Is(err, engine.ErrInvalidOperation),
		errors.Is(err, schema.ErrMissingGroupValue),
		errors.Is(err, schema.ErrUnknownColumn):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrSerialization):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error response and logs server-side failures.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var conflict *engine.OrderConflictError
	if errors.As(err, &conflict) {
		resp.Reason = string(conflict.Reason)
	}
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, resp)
}
