// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package downloader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for symbol-file resolution.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// existsCacheHits counts existence-cache lookups answered without a probe.
	existsCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "symbols",
		Subsystem: "download",
		Name:      "exists_cache_hits_total",
		Help:      "Existence-cache lookups answered from memory.",
	})

	// existsCacheMisses counts existence-cache lookups that fell through to
	// the origin probe loop.
	existsCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "symbols",
		Subsystem: "download",
		Name:      "exists_cache_misses_total",
		Help:      "Existence-cache lookups that required origin probes.",
	})

	// probeDuration measures one origin probe (HEAD, object HEAD, or GET).
	//
	// Labels:
	//   - backend: "http", "s3", "gcs"
	//   - method: "head" or "get"
	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "symbols",
			Subsystem: "download",
			Name:      "origin_probe_duration_seconds",
			Help:      "Duration of individual origin probes in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "method"},
	)

	// probeErrors counts probes that failed for reasons other than a clean
	// not-found. Each one degraded an origin to a miss.
	//
	// Labels:
	//   - backend: "http", "s3", "gcs"
	//   - reason: "timeout" or "error"
	probeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "symbols",
			Subsystem: "download",
			Name:      "origin_probe_errors_total",
			Help:      "Origin probes degraded to a miss by errors or timeouts.",
		},
		[]string{"backend", "reason"},
	)

	// resolved counts complete resolutions by their outcome across all
	// origins ("found" or "absent").
	resolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "symbols",
			Subsystem: "download",
			Name:      "resolutions_total",
			Help:      "Completed symbol resolutions by outcome.",
		},
		[]string{"outcome"},
	)
)
