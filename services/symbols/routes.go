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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter builds the service's gin engine with middleware, method-not-
// allowed handling, and all routes registered.
//
// Description:
//
//	The route set matches the protocol crash processors already speak, so
//	everything hangs off the root rather than a versioned group.
//
// Endpoints:
//
//	POST /symbolicate/v4 - Symbolicate stacks (version-4 request body)
//	POST / - Same handler; the path legacy clients use
//	HEAD /:debug_file/:debug_id/:symbol_file - Symbol existence probe
//	GET  /:debug_file/:debug_id/:symbol_file - 302 to the symbol file
//	GET  /missingsymbols.csv - CSV of recently missed symbol downloads
//	GET  /health - Process liveness
//	GET  /metrics - Prometheus exposition
func NewRouter(svc *Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-symbols"))

	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{
			Error: "method not allowed",
			Code:  "METHOD_NOT_ALLOWED",
		})
	})

	RegisterRoutes(router, NewHandlers(svc))
	return router
}

// RegisterRoutes attaches every endpoint to the router. Split from
// NewRouter so tests can mount the handlers on their own engine.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.POST("/symbolicate/v4", h.HandleSymbolicate)
	router.POST("/", h.HandleSymbolicate)

	router.GET("/missingsymbols.csv", h.HandleMissingSymbolsCSV)
	router.GET("/health", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.HEAD("/:debug_file/:debug_id/:symbol_file", h.HandleDownloadSymbol)
	router.GET("/:debug_file/:debug_id/:symbol_file", h.HandleDownloadSymbol)
}
