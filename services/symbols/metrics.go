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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values shared by the request counters.
const (
	outcomeOK       = "ok"
	outcomeInvalid  = "invalid"
	outcomeAborted  = "aborted"
	outcomeFound    = "found"
	outcomeNotFound = "not_found"
	outcomeIgnored  = "ignored"
)

var (
	symbolicateRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "symbols",
			Subsystem: "http",
			Name:      "symbolicate_requests_total",
			Help:      "Symbolication API requests, by outcome.",
		},
		[]string{"outcome"},
	)

	downloadRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "symbols",
			Subsystem: "http",
			Name:      "download_requests_total",
			Help:      "Download facade requests, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
)
