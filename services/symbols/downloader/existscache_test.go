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
	"testing"
	"time"
)

func TestExistsCache_FoundRoundTrip(t *testing.T) {
	c := NewExistsCache(10, time.Minute)

	c.StoreFound("a/b/c", 2, "https://example.com/a/b/c")
	rec, ok := c.Lookup("a/b/c")
	if !ok {
		t.Fatal("expected a cached record")
	}
	if !rec.found || rec.originIndex != 2 || rec.url != "https://example.com/a/b/c" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestExistsCache_AbsentRoundTrip(t *testing.T) {
	c := NewExistsCache(10, time.Minute)

	c.StoreAbsent("x/y/z")
	rec, ok := c.Lookup("x/y/z")
	if !ok {
		t.Fatal("expected a cached record")
	}
	if rec.found || rec.originIndex != -1 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestExistsCache_MissingKey(t *testing.T) {
	c := NewExistsCache(10, time.Minute)

	if _, ok := c.Lookup("never/stored/key"); ok {
		t.Error("expected no record for an unknown key")
	}
}

func TestExistsCache_TTLExpiry(t *testing.T) {
	c := NewExistsCache(10, 20*time.Millisecond)

	c.StoreAbsent("short/lived/key")
	if _, ok := c.Lookup("short/lived/key"); !ok {
		t.Fatal("record should be visible before TTL")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Lookup("short/lived/key"); ok {
		t.Error("record should have expired")
	}
}

func TestExistsCache_EvictsAtCapacity(t *testing.T) {
	c := NewExistsCache(2, time.Minute)

	c.StoreAbsent("one")
	c.StoreAbsent("two")
	c.StoreAbsent("three")

	if c.Len() > 2 {
		t.Errorf("Len = %d, want <= 2", c.Len())
	}
	if _, ok := c.Lookup("one"); ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestExistsCache_RemoveAndPurge(t *testing.T) {
	c := NewExistsCache(10, time.Minute)

	c.StoreFound("k", 0, "u")
	c.Remove("k")
	if _, ok := c.Lookup("k"); ok {
		t.Error("removed key should be gone")
	}

	c.StoreFound("k2", 0, "u")
	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Len after Purge = %d, want 0", c.Len())
	}
}
