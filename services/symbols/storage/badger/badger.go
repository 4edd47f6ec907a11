// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps BadgerDB behind a small transactional surface shared
// by the symbol-map store and the missing-symbols log. The wrapper owns the
// value-log GC loop so callers never think about space reclamation.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// =============================================================================
// Config
// =============================================================================

// Config controls how the database is opened.
//
// # Thread Safety
//
// Config is a value type; copy freely before OpenDB.
type Config struct {
	// Path is the directory holding the BadgerDB files. Ignored when
	// InMemory is true.
	Path string

	// InMemory opens a database that lives entirely in RAM. Used by tests
	// and by deployments that explicitly opt out of persistence.
	InMemory bool

	// SyncWrites forces an fsync per commit. Off by default: the data here
	// is a cache, losing the tail on crash only costs re-downloads.
	SyncWrites bool

	// Compression enables ZSTD table compression. Symbol tables are highly
	// repetitive text so this routinely saves 3-5x on disk.
	Compression bool

	// GCInterval is how often the value-log GC runs. Zero disables the loop.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC. BadgerDB requires (0, 1).
	GCDiscardRatio float64

	// Logger receives GC diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration: on-disk, compressed,
// value-log GC every 10 minutes.
func DefaultConfig() Config {
	return Config{
		Compression:    true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: RAM-only, no GC loop.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// =============================================================================
// DB
// =============================================================================

// DB is an opened BadgerDB instance plus its maintenance loop.
//
// # Description
//
// All reads and writes go through WithReadTxn/WithTxn so every call site
// gets context cancellation checks for free. The underlying *dgbadger.Txn
// is exposed inside the callback because the stores need iterators and
// TTL-carrying entries, which a narrower interface would only re-invent.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type DB struct {
	db     *dgbadger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenDB opens (creating if necessary) the database described by cfg.
//
// # Inputs
//
//   - cfg: Open parameters. cfg.Path must be non-empty unless cfg.InMemory.
//
// # Outputs
//
//   - *DB: Ready-to-use handle. The caller owns it and must Close it.
//   - error: Non-nil when the directory cannot be opened or is locked by
//     another process.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: Config.Path must not be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := dgbadger.DefaultOptions(cfg.Path).
		WithLogger(nil). // suppress BadgerDB internal logs
		WithSyncWrites(cfg.SyncWrites)
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	if cfg.Compression {
		opts = opts.WithCompression(options.ZSTD)
	}

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	d := &DB{
		db:     db,
		logger: logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	if !cfg.InMemory && cfg.GCInterval > 0 {
		go d.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	} else {
		close(d.gcDone)
	}

	return d, nil
}

// WithReadTxn runs fn inside a read-only transaction.
//
// Returns ctx.Err() without touching the database when the context is
// already cancelled. Errors from fn pass through unwrapped so callers can
// use their own sentinels.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// WithTxn runs fn inside a read-write transaction.
//
// Returns ctx.Err() without touching the database when the context is
// already cancelled. BadgerDB's ErrConflict surfaces unwrapped; callers
// decide whether a conflicting write is worth retrying.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// DropPrefix deletes every key under each of the given prefixes. Used by the
// admin CLI's purge command.
func (d *DB) DropPrefix(prefixes ...[]byte) error {
	return d.db.DropPrefix(prefixes...)
}

// Close stops the GC loop and closes the database. Safe to call once.
func (d *DB) Close() error {
	close(d.stopGC)
	<-d.gcDone
	return d.db.Close()
}

// gcLoop reclaims value-log space on a fixed cadence until Close.
func (d *DB) gcLoop(interval time.Duration, discardRatio float64) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC rewrites at most one log file per call; loop
			// until it reports nothing left to rewrite.
			for {
				err := d.db.RunValueLogGC(discardRatio)
				if errors.Is(err, dgbadger.ErrNoRewrite) {
					break
				}
				if err != nil {
					d.logger.Warn("badger value-log GC failed",
						slog.String("error", err.Error()),
					)
					break
				}
			}
		}
	}
}
