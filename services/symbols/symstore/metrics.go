// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeHits counts BulkGet keys answered from the store, split by the
	// kind of answer.
	//
	// Labels:
	//   - result: "positive" (usable table) or "negative" (sentinel)
	storeHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "symbols",
			Subsystem: "store",
			Name:      "hits_total",
			Help:      "Symbol-map store lookups answered without a fetch.",
		},
		[]string{"result"},
	)

	// storeMisses counts BulkGet keys with no entry at all; each one turns
	// into an origin fetch.
	storeMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "symbols",
		Subsystem: "store",
		Name:      "misses_total",
		Help:      "Symbol-map store lookups that required an origin fetch.",
	})

	// storedBytes sizes the encoded tables written by StorePositive.
	storedBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "symbols",
		Subsystem: "store",
		Name:      "stored_bytes",
		Help:      "Encoded size of symbol tables written to the store.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})
)
