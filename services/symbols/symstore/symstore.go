// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symstore persists parsed offset-to-name tables in BadgerDB.
//
// Parsing a symbol file is the expensive step of symbolication (tens of MB
// of text for a single browser build), so tables are kept until explicitly
// purged. Lookups that found nothing are also recorded - as an entry with
// an empty value - because repeated crash bursts ask for the same missing
// modules relentlessly, and the sentinel is what keeps those from turning
// into downloads. Sentinels carry a TTL so a later symbol upload becomes
// visible within the hour.
//
// Storage layout:
//
//	symbols/map/v1/{debug_file}/{debug_id}  →  gob map[uint64]string
//	                                            (empty value = negative
//	                                            sentinel, TTL-bound)
package symstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	badgerstore "github.com/AleutianAI/AleutianSymbols/services/symbols/storage/badger"
)

var symstoreTracer = otel.Tracer("aleutian.symbols.symstore")

// KeyPrefix is prepended to "{debug_file}/{debug_id}" to form the BadgerDB
// key. Versioned (v1) to allow future format changes without collision.
// The admin CLI iterates this prefix directly.
const KeyPrefix = "symbols/map/v1/"

// defaultNegativeTTL is how long a negative sentinel suppresses re-fetching.
const defaultNegativeTTL = time.Hour

// ModuleKey identifies one module's offset table.
type ModuleKey struct {
	DebugFile string
	DebugID   string
}

// String implements fmt.Stringer; the form matches the per-module keys in
// debug responses.
func (k ModuleKey) String() string {
	return k.DebugFile + "/" + k.DebugID
}

// StorageKey returns the full BadgerDB key for a module.
func StorageKey(k ModuleKey) []byte {
	return []byte(KeyPrefix + k.DebugFile + "/" + k.DebugID)
}

// Result is the outcome of one BulkGet, partitioned the way the engine
// consumes it.
type Result struct {
	// Tables holds the positive entries: module -> offset table.
	Tables map[ModuleKey]map[uint64]string

	// Negative holds modules known to be missing everywhere (sentinel
	// present and unexpired).
	Negative map[ModuleKey]bool

	// Missing holds modules with no entry at all; the engine fetches these.
	Missing []ModuleKey

	// Elapsed is the wall time of the read transaction.
	Elapsed time.Duration
}

// Store reads and writes offset tables. One Store serves all requests.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type Store struct {
	db          *badgerstore.DB
	negativeTTL time.Duration
	logger      *slog.Logger
}

// New creates a Store backed by the given DB instance.
//
// # Inputs
//
//   - db: Opened BadgerDB wrapper. Must not be nil. The caller owns its
//     lifecycle; this store never closes it.
//   - negativeTTL: Sentinel lifetime. Pass 0 for the one-hour default.
//   - logger: Diagnostics. May be nil.
func New(db *badgerstore.DB, negativeTTL time.Duration, logger *slog.Logger) *Store {
	if db == nil {
		panic("symstore.New: db must not be nil")
	}
	if negativeTTL <= 0 {
		negativeTTL = defaultNegativeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, negativeTTL: negativeTTL, logger: logger}
}

// BulkGet fetches every requested module in one read transaction.
//
// # Description
//
// Each key lands in exactly one of three partitions: Tables (positive),
// Negative (sentinel), or Missing (no entry). A value that fails to decode
// is logged and reported as Missing so the next fetch overwrites it.
//
// # Outputs
//
//   - *Result: Never nil on success; duplicate input keys collapse.
//   - error: Storage failure or context cancellation. The engine treats
//     this as "everything missing" and proceeds.
func (s *Store) BulkGet(ctx context.Context, keys []ModuleKey) (*Result, error) {
	start := time.Now()
	_, span := symstoreTracer.Start(ctx, "symstore.BulkGet")
	defer span.End()
	span.SetAttributes(attribute.Int("keys", len(keys)))

	res := &Result{
		Tables:   make(map[ModuleKey]map[uint64]string),
		Negative: make(map[ModuleKey]bool),
	}

	seen := make(map[ModuleKey]bool, len(keys))
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, key := range keys {
			if seen[key] {
				continue
			}
			seen[key] = true

			item, err := txn.Get(StorageKey(key))
			if errors.Is(err, dgbadger.ErrKeyNotFound) {
				res.Missing = append(res.Missing, key)
				continue
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value for %s: %w", key, err)
			}
			if len(raw) == 0 {
				res.Negative[key] = true
				continue
			}

			table, err := decodeTable(raw)
			if err != nil {
				s.logger.Warn("symbol table failed to decode, refetching",
					slog.String("module", key.String()),
					slog.String("error", err.Error()),
				)
				res.Missing = append(res.Missing, key)
				continue
			}
			res.Tables[key] = table
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("symbol store bulk get: %w", err)
	}

	res.Elapsed = time.Since(start)
	storeHits.WithLabelValues("positive").Add(float64(len(res.Tables)))
	storeHits.WithLabelValues("negative").Add(float64(len(res.Negative)))
	storeMisses.Add(float64(len(res.Missing)))
	span.SetAttributes(
		attribute.Int("positive", len(res.Tables)),
		attribute.Int("negative", len(res.Negative)),
		attribute.Int("missing", len(res.Missing)),
	)
	return res, nil
}

// StorePositive persists a parsed offset table with no TTL. Empty tables
// are redirected to StoreNegative: an empty table and a miss answer frames
// identically, and the sentinel's TTL is the behaviour we want for both.
func (s *Store) StorePositive(ctx context.Context, key ModuleKey, table map[uint64]string) error {
	if len(table) == 0 {
		return s.StoreNegative(ctx, key)
	}

	raw, err := encodeTable(table)
	if err != nil {
		return fmt.Errorf("encode table for %s: %w", key, err)
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(StorageKey(key), raw)
	})
	if err != nil {
		return fmt.Errorf("store table for %s: %w", key, err)
	}

	storedBytes.Observe(float64(len(raw)))
	s.logger.Debug("symbol table stored",
		slog.String("module", key.String()),
		slog.Int("symbols", len(table)),
		slog.Int("bytes", len(raw)),
	)
	return nil
}

// StoreNegative records that a module's symbol file is not available at any
// origin. The entry expires after the configured TTL.
func (s *Store) StoreNegative(ctx context.Context, key ModuleKey) error {
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(StorageKey(key), nil).WithTTL(s.negativeTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("store negative sentinel for %s: %w", key, err)
	}

	s.logger.Debug("negative sentinel stored",
		slog.String("module", key.String()),
		slog.Duration("ttl", s.negativeTTL),
	)
	return nil
}

// =============================================================================
// Inspection
// =============================================================================

// Entry describes one stored record for inspection tooling. Values are not
// decoded; Bytes is the encoded size on disk.
type Entry struct {
	Key      ModuleKey
	Bytes    int64
	Negative bool

	// ExpiresAt is the sentinel's expiry time; zero for positive entries,
	// which carry no TTL.
	ExpiresAt time.Time
}

// Stats summarises the store's current contents.
type Stats struct {
	Positive int
	Negative int
	Bytes    int64
}

// ForEach visits every stored record in key order. fn returning an error
// stops the walk and surfaces that error. Used by the admin CLI; the server
// never iterates.
func (s *Store) ForEach(ctx context.Context, fn func(Entry) error) error {
	return s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(KeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()

			rel := strings.TrimPrefix(string(item.Key()), KeyPrefix)
			debugFile, debugID, ok := strings.Cut(rel, "/")
			if !ok {
				// Foreign key under our prefix; skip rather than guess.
				continue
			}

			entry := Entry{
				Key:      ModuleKey{DebugFile: debugFile, DebugID: debugID},
				Bytes:    item.ValueSize(),
				Negative: item.ValueSize() == 0,
			}
			if exp := item.ExpiresAt(); exp > 0 {
				entry.ExpiresAt = time.Unix(int64(exp), 0)
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats walks the store and counts entries by class.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.ForEach(ctx, func(e Entry) error {
		if e.Negative {
			stats.Negative++
		} else {
			stats.Positive++
		}
		stats.Bytes += e.Bytes
		return nil
	})
	return stats, err
}

// Purge drops every symbol-map entry, positive and negative alike. The next
// requests repopulate the store from the origins.
func (s *Store) Purge() error {
	if err := s.db.DropPrefix([]byte(KeyPrefix)); err != nil {
		return fmt.Errorf("purge symbol store: %w", err)
	}
	return nil
}

// encodeTable serializes an offset table using encoding/gob.
func encodeTable(table map[uint64]string) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(table); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeTable deserializes an offset table from gob-encoded bytes.
func decodeTable(data []byte) (map[uint64]string, error) {
	var table map[uint64]string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&table); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return table, nil
}
