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
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// existsDefaultMaxSize and existsDefaultTTL back the config defaults: probes
// are cheap to cache and expensive to repeat, but a stale "absent" answer
// hides freshly uploaded symbols, so entries age out within the hour.
const (
	existsDefaultMaxSize = 10000
	existsDefaultTTL     = time.Hour
)

// existence is one cached probe outcome.
//
// For found entries at public origins URL carries the direct download URL.
// Private origins cache URL empty: signed URLs expire on their own schedule
// and are re-derived per request instead.
type existence struct {
	found       bool
	originIndex int
	url         string
}

// ExistsCache remembers which origin, if any, holds a symbol file.
//
// # Description
//
// A fixed-size LRU where every entry also carries a TTL. Both positive and
// negative outcomes are cached: repeated crash bursts ask for the same
// handful of missing modules thousands of times per minute, and the
// negative entries are what keep those bursts off the origins. A symbol
// uploaded while its negative entry is live stays invisible until the TTL
// lapses; that staleness window is accepted.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying LRU locks internally.
type ExistsCache struct {
	lru *expirable.LRU[string, existence]
}

// NewExistsCache builds a cache holding at most maxSize entries for at most
// ttl each. Zero or negative arguments fall back to the defaults.
func NewExistsCache(maxSize int, ttl time.Duration) *ExistsCache {
	if maxSize <= 0 {
		maxSize = existsDefaultMaxSize
	}
	if ttl <= 0 {
		ttl = existsDefaultTTL
	}
	return &ExistsCache{
		lru: expirable.NewLRU[string, existence](maxSize, nil, ttl),
	}
}

// Lookup returns the cached outcome for a key path and whether one exists.
func (c *ExistsCache) Lookup(keyPath string) (existence, bool) {
	rec, ok := c.lru.Get(keyPath)
	if ok {
		existsCacheHits.Inc()
	} else {
		existsCacheMisses.Inc()
	}
	return rec, ok
}

// StoreFound records that originIndex holds the key. url may be empty for
// private origins.
func (c *ExistsCache) StoreFound(keyPath string, originIndex int, url string) {
	c.lru.Add(keyPath, existence{found: true, originIndex: originIndex, url: url})
}

// StoreAbsent records that no origin holds the key.
func (c *ExistsCache) StoreAbsent(keyPath string) {
	c.lru.Add(keyPath, existence{found: false, originIndex: -1})
}

// Remove drops one key, forcing the next lookup to probe again.
func (c *ExistsCache) Remove(keyPath string) {
	c.lru.Remove(keyPath)
}

// Purge empties the cache.
func (c *ExistsCache) Purge() {
	c.lru.Purge()
}

// Len reports the current entry count.
func (c *ExistsCache) Len() int {
	return c.lru.Len()
}
