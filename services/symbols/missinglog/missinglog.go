// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package missinglog records symbol downloads that returned 404.
//
// Crash processors ask for the same absent modules over and over; knowing
// which ones tells the symbol-store operators what to chase down. Records
// are keyed by UTC day so "what went missing yesterday" is a single prefix
// scan, and they expire two days after the last hit, which is long enough
// for the nightly export and short enough that the store never grows
// unbounded.
package missinglog

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/AleutianSymbols/services/symbols/storage/badger"
)

// KeyPrefix is the BadgerDB namespace for missing-symbol records. The full
// key is KeyPrefix + "YYYY-MM-DD:" + the pipe-joined entry fields.
const KeyPrefix = "symbols/missing/v1/"

// recordTTL is how long a record survives after its last hit. Two days
// covers an export of yesterday's data run at any hour today.
const recordTTL = 48 * time.Hour

const dateLayout = "2006-01-02"

// Entry identifies one missing symbol request. DebugFile, DebugID and
// SymbolFile come from the request path; CodeFile and CodeID are optional
// query parameters some crash processors send along.
type Entry struct {
	DebugFile  string
	DebugID    string
	SymbolFile string
	CodeFile   string
	CodeID     string
}

// normalize trims the optional fields the way they arrive from query
// strings. The path fields are taken verbatim.
func (e Entry) normalize() Entry {
	e.CodeFile = strings.TrimSpace(e.CodeFile)
	e.CodeID = strings.TrimSpace(e.CodeID)
	return e
}

func (e Entry) fields() []string {
	return []string{e.DebugFile, e.DebugID, e.SymbolFile, e.CodeFile, e.CodeID}
}

// Log is the persistent record of missing-symbol requests.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent increments of the same key can
// conflict; the losing increment is dropped rather than retried, so counts
// are a floor, not an exact tally.
type Log struct {
	db     *badgerstore.DB
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Log on the given DB instance.
//
// # Inputs
//
//   - db: Opened BadgerDB wrapper. Must not be nil; the caller owns it.
//   - now: Clock used to date new records. Pass nil for time.Now.
//   - logger: Diagnostics. May be nil.
func New(db *badgerstore.DB, now func() time.Time, logger *slog.Logger) *Log {
	if db == nil {
		panic("missinglog.New: db must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, now: now, logger: logger}
}

func datePrefix(date time.Time) string {
	return KeyPrefix + date.UTC().Format(dateLayout) + ":"
}

func (l *Log) key(e Entry) []byte {
	return []byte(datePrefix(l.now()) + strings.Join(e.fields(), "|"))
}

// Record bumps today's count for the given entry, creating it at 1.
//
// # Description
//
// One read-modify-write transaction. A concurrent writer to the same key
// makes the transaction conflict; the increment is then dropped, because a
// slightly low count is fine and a retry loop on the request path is not.
// The TTL restarts on every hit.
func (l *Log) Record(ctx context.Context, e Entry) error {
	e = e.normalize()
	key := l.key(e)

	err := l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		var count uint64 = 1
		item, err := txn.Get(key)
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(raw) == 8 {
				count = binary.BigEndian.Uint64(raw) + 1
			}
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], count)
		return txn.SetEntry(dgbadger.NewEntry(key, buf[:]).WithTTL(recordTTL))
	})
	if errors.Is(err, dgbadger.ErrConflict) {
		l.logger.Debug("missing-symbol increment lost to a concurrent writer",
			slog.String("debug_file", e.DebugFile),
			slog.String("debug_id", e.DebugID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record missing symbol %s/%s: %w", e.DebugFile, e.DebugID, err)
	}

	recordedTotal.Inc()
	return nil
}

// ForEach visits every record for the given UTC day, with its count.
// Records whose key does not split into the five entry fields are skipped.
func (l *Log) ForEach(ctx context.Context, date time.Time, fn func(Entry, uint64) error) error {
	prefix := []byte(datePrefix(date))
	return l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()

			rel := strings.TrimPrefix(string(item.Key()), string(prefix))
			parts := strings.SplitN(rel, "|", 5)
			if len(parts) != 5 {
				continue
			}

			var count uint64
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(raw) == 8 {
				count = binary.BigEndian.Uint64(raw)
			}

			entry := Entry{
				DebugFile:  parts[0],
				DebugID:    parts[1],
				SymbolFile: parts[2],
				CodeFile:   parts[3],
				CodeID:     parts[4],
			}
			if err := fn(entry, count); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExportCSV writes the given UTC day's records to w as CSV.
//
// # Description
//
// The header row is debug_file,debug_id,code_file,code_id. SymbolFile and
// the hit counts are recorded but deliberately not exported: downstream
// tooling consumes only these four columns. Rows stream out as the store
// is walked; nothing is accumulated.
//
// # Outputs
//
//   - int: Number of data rows written (header excluded).
//   - error: Write or iteration failure; the output may be truncated.
func (l *Log) ExportCSV(ctx context.Context, w io.Writer, date time.Time) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"debug_file", "debug_id", "code_file", "code_id"}); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	rows := 0
	err := l.ForEach(ctx, date, func(e Entry, _ uint64) error {
		if err := cw.Write([]string{e.DebugFile, e.DebugID, e.CodeFile, e.CodeID}); err != nil {
			return err
		}
		rows++
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return rows, fmt.Errorf("export missing symbols for %s: %w", date.UTC().Format(dateLayout), err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("flush csv: %w", err)
	}
	exportedRows.Add(float64(rows))
	return rows, nil
}

// Count returns the total number of records across all days still in the
// store. Used by the admin CLI's stats view.
func (l *Log) Count(ctx context.Context) (int, error) {
	count := 0
	prefix := []byte(KeyPrefix)
	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count missing-symbol records: %w", err)
	}
	return count, nil
}
