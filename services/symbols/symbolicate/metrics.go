// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbolicate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// framesTotal label values.
const (
	frameResolved = "resolved"
	frameFallback = "fallback"
	frameUnmapped = "unmapped"
)

var (
	symbolicateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "symbols",
		Subsystem: "symbolicate",
		Name:      "duration_seconds",
		Help:      "End-to-end time for one symbolication request.",
		Buckets:   prometheus.DefBuckets,
	})

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "symbols",
			Subsystem: "symbolicate",
			Name:      "frames_total",
			Help:      "Frames processed, by resolution kind.",
		},
		[]string{"kind"},
	)

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "symbols",
		Subsystem: "symbolicate",
		Name:      "download_duration_seconds",
		Help:      "Time to fetch and parse one symbol file during a request.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	downloadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "symbols",
		Subsystem: "symbolicate",
		Name:      "download_bytes",
		Help:      "Payload size of symbol files fetched during requests.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})

	downloadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "symbols",
			Subsystem: "symbolicate",
			Name:      "download_errors_total",
			Help:      "Symbol fetches that produced no table, by reason.",
		},
		[]string{"reason"},
	)
)
