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
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/downloader"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/missinglog"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/symbolicate"
)

// ErrorResponse is the JSON error body used by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handlers carries the wired components the HTTP handlers need.
//
// Thread Safety: Safe for concurrent use; all fields are concurrency-safe.
type Handlers struct {
	engine  *symbolicate.Engine
	fetcher *downloader.Downloader
	missing *missinglog.Log
	logger  *slog.Logger
	clock   func() time.Time
}

// NewHandlers builds the handler set from a wired Service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{
		engine:  svc.engine,
		fetcher: svc.fetcher,
		missing: svc.missing,
		logger:  svc.logger,
		clock:   svc.clock,
	}
}

// getOrCreateRequestID returns the inbound X-Request-ID, or mints one and
// caches it on the context so every log line of a request shares it.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	id := uuid.NewString()
	c.Set("request_id", id)
	return id
}

// isDebugRequest reports whether the client asked for debug output via the
// Debug header. Empty, "0", "false" and "no" are off; anything else is on.
func isDebugRequest(c *gin.Context) bool {
	switch strings.ToLower(c.GetHeader("Debug")) {
	case "", "0", "false", "no":
		return false
	default:
		return true
	}
}

// HandleHealth handles GET /health. Process liveness only; it deliberately
// touches neither the store nor the origins.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
