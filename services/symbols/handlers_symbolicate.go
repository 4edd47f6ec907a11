// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/symbolicate"
)

// HandleSymbolicate handles POST /symbolicate/v4 (and POST / for legacy
// clients).
//
// Description:
//
//	Binds and validates a version-4 symbolication request, runs the
//	engine, and returns the symbolicated stacks. A truthy Debug header
//	attaches the per-request debug block to the response body.
//
// Response:
//
//	200 OK: symbolicate.Response
//	400 Bad Request: Malformed JSON, wrong version, missing keys, or a
//	    module index past the end of memoryMap
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleSymbolicate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleSymbolicate")

	var req symbolicate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		symbolicateRequests.WithLabelValues(outcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid symbolication request: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := req.Validate(); err != nil {
		symbolicateRequests.WithLabelValues(outcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.engine.Symbolicate(c.Request.Context(), &req, isDebugRequest(c))
	if err != nil {
		// Only context cancellation reaches here; the client has usually
		// hung up already.
		symbolicateRequests.WithLabelValues(outcomeAborted).Inc()
		logger.Warn("symbolication aborted", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "symbolication aborted",
			Code:  "ABORTED",
		})
		return
	}

	symbolicateRequests.WithLabelValues(outcomeOK).Inc()
	c.JSON(http.StatusOK, resp)
}
