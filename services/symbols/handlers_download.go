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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/downloader"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/missinglog"
)

// zeroDebugID is the null debug id Windows debuggers probe with; it never
// corresponds to a stored symbol.
const zeroDebugID = "000000000000000000000000000000000"

// ignoreSymbol reports requests that are known a priori to be pointless:
// the MS debugger always asks for these and no symbol store has them.
// Skipping them saves the origin probes and keeps them out of the
// missing-symbols log.
func ignoreSymbol(debugID, symbolFile string) bool {
	return symbolFile == "file.ptr" || debugID == zeroDebugID
}

func formatDebugTime(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// HandleDownloadSymbol handles HEAD and GET on
// /:debug_file/:debug_id/:symbol_file.
//
// Description:
//
//	HEAD answers 200 when any origin has the symbol file, 404 otherwise.
//	GET additionally resolves a fetchable URL and answers 302; a GET miss
//	is recorded in the missing-symbols log together with the optional
//	code_file and code_id query parameters (only GET carries them, so
//	HEAD misses are not recorded). With a truthy Debug header the
//	response carries a Debug-Time header with the probe's elapsed
//	seconds, or 0 on the ignore path.
//
// Response:
//
//	200 OK: Symbol exists (HEAD)
//	302 Found: Location header carries the download URL (GET)
//	404 Not Found: No origin has it, or the request matched the ignore list
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleDownloadSymbol(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleDownloadSymbol")

	debugFile := c.Param("debug_file")
	debugID := c.Param("debug_id")
	symbolFile := c.Param("symbol_file")
	debug := isDebugRequest(c)

	if ignoreSymbol(debugID, symbolFile) {
		downloadRequests.WithLabelValues(c.Request.Method, outcomeIgnored).Inc()
		logger.Debug("ignoring symbol request",
			slog.String("debug_file", debugFile),
			slog.String("debug_id", debugID),
			slog.String("symbol_file", symbolFile),
		)
		if debug {
			c.Header("Debug-Time", "0")
		}
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "symbol not found (and ignored)",
			Code:  "SYMBOL_NOT_FOUND",
		})
		return
	}

	// The client names the symbol filename explicitly on this endpoint;
	// trust it rather than re-deriving from the debug file.
	key := downloader.SymbolKey{
		DebugFile: debugFile,
		DebugID:   debugID,
		Filename:  symbolFile,
	}

	var (
		res downloader.FetchResult
		err error
	)
	if c.Request.Method == http.MethodHead {
		res, err = h.fetcher.HasSymbol(c.Request.Context(), key)
	} else {
		res, err = h.fetcher.SymbolURL(c.Request.Context(), key)
	}
	if err != nil {
		logger.Warn("symbol probe failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}
	if debug {
		c.Header("Debug-Time", formatDebugTime(res.Elapsed))
	}

	if res.Found {
		downloadRequests.WithLabelValues(c.Request.Method, outcomeFound).Inc()
		if c.Request.Method == http.MethodHead {
			c.Status(http.StatusOK)
			return
		}
		c.Redirect(http.StatusFound, res.URL)
		return
	}

	downloadRequests.WithLabelValues(c.Request.Method, outcomeNotFound).Inc()
	if c.Request.Method == http.MethodGet {
		entry := missinglog.Entry{
			DebugFile:  debugFile,
			DebugID:    debugID,
			SymbolFile: symbolFile,
			CodeFile:   c.Query("code_file"),
			CodeID:     c.Query("code_id"),
		}
		if err := h.missing.Record(c.Request.Context(), entry); err != nil {
			logger.Warn("failed to record missing symbol",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error: "symbol not found",
		Code:  "SYMBOL_NOT_FOUND",
	})
}

// HandleMissingSymbolsCSV handles GET /missingsymbols.csv.
//
// Description:
//
//	Streams the missing-symbols log as a CSV attachment. Yesterday's
//	records by default, because the intended consumer is a nightly job;
//	any non-empty "today" query parameter switches to the current day for
//	debugging.
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleMissingSymbolsCSV(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleMissingSymbolsCSV")

	date := h.clock().UTC()
	if c.Query("today") == "" {
		date = date.AddDate(0, 0, -1)
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition",
		`attachment; filename="missing-symbols-`+date.Format("2006-01-02")+`.csv"`)
	c.Status(http.StatusOK)

	rows, err := h.missing.ExportCSV(c.Request.Context(), c.Writer, date)
	if err != nil {
		// Headers are gone; all we can do is cut the stream short.
		logger.Error("missing-symbols export failed",
			slog.Int("rows_written", rows),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("missing-symbols export served",
		slog.String("date", date.Format("2006-01-02")),
		slog.Int("rows", rows),
	)
}
