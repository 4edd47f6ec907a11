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
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/downloader"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/symfile"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/symstore"
)

var engineTracer = otel.Tracer("aleutian.symbols.symbolicate")

// defaultFetchConcurrency bounds parallel symbol-file fetches per request.
const defaultFetchConcurrency = 32

// SymbolFetcher opens symbol file streams. *downloader.Downloader satisfies
// it; tests substitute counters and fakes.
type SymbolFetcher interface {
	OpenStream(ctx context.Context, key downloader.SymbolKey) (*downloader.SymbolStream, error)
}

// Options tunes an Engine. The zero value is usable.
type Options struct {
	// Concurrency bounds parallel fetches of missing modules within one
	// request. Zero means the default of 32.
	Concurrency int

	// Logger receives per-request summaries and fetch failures. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Engine resolves symbolication requests.
//
// # Thread Safety
//
// Safe for concurrent use; all per-request state is local to Symbolicate.
type Engine struct {
	store       *symstore.Store
	fetcher     SymbolFetcher
	concurrency int
	logger      *slog.Logger
}

// NewEngine creates an Engine over the symbol-map store and a fetcher.
// Both must be non-nil.
func NewEngine(store *symstore.Store, fetcher SymbolFetcher, opts Options) *Engine {
	if store == nil {
		panic("symbolicate.NewEngine: store must not be nil")
	}
	if fetcher == nil {
		panic("symbolicate.NewEngine: fetcher must not be nil")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      logger,
	}
}

// requestTable pairs a module's offset table with its sorted offsets, the
// shape frame resolution needs. The zero value is the empty table.
type requestTable struct {
	table   map[uint64]string
	offsets []uint64
}

func newRequestTable(table map[uint64]string) requestTable {
	if len(table) == 0 {
		return requestTable{}
	}
	offsets := make([]uint64, 0, len(table))
	for off := range table {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return requestTable{table: table, offsets: offsets}
}

// resolve maps one offset to a symbol name: exact hit first, then the
// greatest table offset at or below it. ok is false when the table cannot
// answer (empty table, offset below the first entry, or a non-integer
// offset token).
func (t requestTable) resolve(offset Offset) (string, bool) {
	v, isInt := offset.Uint64()
	if !isInt {
		return "", false
	}
	if name, hit := t.table[v]; hit && name != "" {
		return name, true
	}
	idx := sort.Search(len(t.offsets), func(i int) bool { return t.offsets[i] > v })
	if idx == 0 {
		return "", false
	}
	name := t.table[t.offsets[idx-1]]
	return name, name != ""
}

// Symbolicate runs one request end to end.
//
// # Description
//
// Unique modules are collected from the stacks, answered from the store in
// one bulk read, and the rest fetched concurrently from the origins. Frame
// resolution then walks the stacks against the per-request tables. A module
// whose fetch fails in any way resolves to fallback frames; only context
// cancellation aborts the request.
//
// # Inputs
//
//   - ctx: Bounds the whole request, including fetches.
//   - req: A bound and Validate()d request.
//   - debug: Attach the DebugInfo block to the response.
//
// # Outputs
//
//   - *Response: Complete result; never nil when error is nil.
//   - error: Context cancellation only.
func (e *Engine) Symbolicate(ctx context.Context, req *Request, debug bool) (*Response, error) {
	start := time.Now()
	ctx, span := engineTracer.Start(ctx, "symbolicate.Symbolicate")
	defer span.End()

	memoryMap := *req.MemoryMap
	stacks := *req.Stacks

	resp := &Response{
		SymbolicatedStacks: make([][]string, 0, len(stacks)),
		KnownModules:       make([]bool, len(memoryMap)),
	}

	// Collect phase: every module referenced by a mapped frame, with all
	// the memoryMap indexes that name it. Duplicate rows for the same
	// module are legal, so one key can back several indexes.
	keyIndexes := make(map[symstore.ModuleKey]map[int]bool)
	for _, stack := range stacks {
		for _, frame := range stack {
			if frame.ModuleIndex < 0 {
				continue
			}
			row := memoryMap[frame.ModuleIndex]
			key := symstore.ModuleKey{DebugFile: row.DebugFile, DebugID: row.DebugID}
			set := keyIndexes[key]
			if set == nil {
				set = make(map[int]bool)
				keyIndexes[key] = set
			}
			set[frame.ModuleIndex] = true
		}
	}
	keys := make([]symstore.ModuleKey, 0, len(keyIndexes))
	for key := range keyIndexes {
		keys = append(keys, key)
	}
	span.SetAttributes(
		attribute.Int("stacks", len(stacks)),
		attribute.Int("modules", len(keys)),
	)

	tables := make(map[symstore.ModuleKey]requestTable, len(keys))
	markKnown := func(key symstore.ModuleKey, found bool) {
		for idx := range keyIndexes[key] {
			resp.KnownModules[idx] = found
		}
	}

	// Bulk read. A store failure is a cache miss for everything, not a
	// request failure.
	var (
		missing   []symstore.ModuleKey
		cacheTime time.Duration
	)
	stored, err := e.store.BulkGet(ctx, keys)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		e.logger.Warn("symbol store read failed, fetching all modules",
			slog.Int("modules", len(keys)),
			slog.String("error", err.Error()),
		)
		missing = keys
	} else {
		cacheTime = stored.Elapsed
		for key, table := range stored.Tables {
			tables[key] = newRequestTable(table)
			markKnown(key, true)
		}
		for key := range stored.Negative {
			tables[key] = requestTable{}
			markKnown(key, false)
		}
		missing = stored.Missing
	}

	// Fetch phase: fan out over the missing modules, bounded.
	var (
		mu            sync.Mutex
		downloadCount int
		downloadTime  time.Duration
		downloadSize  int64
	)
	if len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		sem := make(chan struct{}, e.concurrency)
		for _, key := range missing {
			key := key
			g.Go(func() error {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-gctx.Done():
					return gctx.Err()
				}

				outcome, err := e.fetchAndParse(gctx, key)
				if err != nil {
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				tables[key] = newRequestTable(outcome.table)
				markKnown(key, outcome.found)
				if outcome.downloaded {
					downloadCount++
					downloadTime += outcome.elapsed
					downloadSize += outcome.bytes
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Resolve phase.
	totalFrames := 0
	realFrames := 0
	perModule := make(map[string]int)

	for _, stack := range stacks {
		out := make([]string, 0, len(stack))
		for _, frame := range stack {
			totalFrames++
			if frame.ModuleIndex < 0 {
				framesTotal.WithLabelValues(frameUnmapped).Inc()
				out = append(out, frame.Offset.Render())
				continue
			}
			realFrames++

			row := memoryMap[frame.ModuleIndex]
			key := symstore.ModuleKey{DebugFile: row.DebugFile, DebugID: row.DebugID}
			perModule[key.String()]++

			name, ok := tables[key].resolve(frame.Offset)
			if ok {
				framesTotal.WithLabelValues(frameResolved).Inc()
			} else {
				framesTotal.WithLabelValues(frameFallback).Inc()
				name = frame.Offset.Render()
			}
			out = append(out, name+" (in "+row.DebugFile+")")
		}
		resp.SymbolicatedStacks = append(resp.SymbolicatedStacks, out)
	}

	elapsed := time.Since(start)
	symbolicateDuration.Observe(elapsed.Seconds())
	e.logger.Info("symbolication complete",
		slog.Int("frames", totalFrames),
		slog.Int("real_frames", realFrames),
		slog.Int("modules", len(keys)),
		slog.Int("downloads", downloadCount),
		slog.Duration("elapsed", elapsed),
	)

	if debug {
		resp.Debug = &DebugInfo{
			Time: elapsed.Seconds(),
			Stacks: DebugStacks{
				Count: totalFrames,
				Real:  realFrames,
			},
			Modules: DebugModules{
				Count:           len(keys),
				StacksPerModule: perModule,
			},
			CacheLookups: DebugCacheLookups{
				Count: 1,
				Time:  cacheTime.Seconds(),
			},
			Downloads: DebugDownloads{
				Count: downloadCount,
				Time:  downloadTime.Seconds(),
				Size:  float64(downloadSize),
			},
		}
	}
	return resp, nil
}

// fetchOutcome is one missing module's fetch result. downloaded marks
// fetches whose stream opened and parsed to completion; those are the ones
// the debug block counts, whatever the symbol yield was.
type fetchOutcome struct {
	table      map[uint64]string
	found      bool
	downloaded bool
	elapsed    time.Duration
	bytes      int64
}

// fetchAndParse retrieves one module's symbol file and stores the result.
//
// Every non-cancellation failure degrades to a negative outcome: the
// module gets a sentinel so the next hour of requests skips the origins,
// and the error never reaches the caller.
func (e *Engine) fetchAndParse(ctx context.Context, key symstore.ModuleKey) (fetchOutcome, error) {
	skey := downloader.NewSymbolKey(key.DebugFile, key.DebugID)

	stream, err := e.fetcher.OpenStream(ctx, skey)
	if err != nil {
		if ctx.Err() != nil {
			return fetchOutcome{}, ctx.Err()
		}
		if errors.Is(err, downloader.ErrNotFound) {
			e.logger.Debug("symbol file absent at all origins",
				slog.String("module", key.String()),
			)
		} else {
			e.logger.Warn("symbol fetch failed",
				slog.String("module", key.String()),
				slog.String("error", err.Error()),
			)
			downloadErrors.WithLabelValues("fetch").Inc()
		}
		e.storeNegative(ctx, key)
		return fetchOutcome{}, nil
	}
	defer stream.Close()

	parsed, err := symfile.Parse(ctx, stream.Body)
	if err != nil {
		if ctx.Err() != nil {
			return fetchOutcome{}, ctx.Err()
		}
		e.logger.Warn("symbol file parse failed",
			slog.String("module", key.String()),
			slog.String("url", stream.URL),
			slog.String("error", err.Error()),
		)
		downloadErrors.WithLabelValues("parse").Inc()
		e.storeNegative(ctx, key)
		return fetchOutcome{}, nil
	}
	if parsed.Malformed > 0 {
		e.logger.Warn("symbol file had malformed lines",
			slog.String("module", key.String()),
			slog.String("url", stream.URL),
			slog.Int("malformed", parsed.Malformed),
		)
	}

	elapsed := stream.Elapsed + parsed.Elapsed
	downloadDuration.Observe(elapsed.Seconds())
	downloadBytes.Observe(float64(parsed.BytesRead))

	outcome := fetchOutcome{
		downloaded: true,
		elapsed:    elapsed,
		bytes:      parsed.BytesRead,
	}
	if len(parsed.Table) == 0 {
		e.logger.Warn("symbol file yielded no symbols",
			slog.String("module", key.String()),
			slog.String("url", stream.URL),
			slog.Int64("bytes", parsed.BytesRead),
		)
		downloadErrors.WithLabelValues("empty").Inc()
		e.storeNegative(ctx, key)
		return outcome, nil
	}

	outcome.table = parsed.Table
	outcome.found = true
	e.storePositive(ctx, key, parsed.Table)
	return outcome, nil
}

// storePositive writes a parsed table back; failures cost only future
// cache hits, so they are logged and swallowed.
func (e *Engine) storePositive(ctx context.Context, key symstore.ModuleKey, table map[uint64]string) {
	if err := e.store.StorePositive(ctx, key, table); err != nil {
		e.logger.Warn("failed to store symbol table",
			slog.String("module", key.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) storeNegative(ctx context.Context, key symstore.ModuleKey) {
	if err := e.store.StoreNegative(ctx, key); err != nil {
		e.logger.Warn("failed to store negative sentinel",
			slog.String("module", key.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ensure the interface stays aligned with the concrete fetcher.
var _ SymbolFetcher = (*downloader.Downloader)(nil)
