// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbols is the HTTP surface of the symbol server: the
// symbolication API, the download facade, and the missing-symbols export,
// wired over the downloader, the BadgerDB-backed stores, and the
// symbolication engine.
package symbols

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/downloader"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/missinglog"
	badgerstore "github.com/AleutianAI/AleutianSymbols/services/symbols/storage/badger"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/symbolicate"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/symstore"
)

// ServiceOptions carries optional overrides for NewService. The zero value
// gives production wiring.
type ServiceOptions struct {
	// DB replaces the BadgerDB instance opened from Config.StoreDir. When
	// set, the caller owns its lifecycle and Service.Close will not close
	// it. Tests pass an in-memory DB here.
	DB *badgerstore.DB

	// HTTPClient overrides the probe client used against HTTP origins.
	HTTPClient *http.Client

	// Logger is the service-wide logger. Nil means slog.Default().
	Logger *slog.Logger

	// Clock is used to date missing-symbol records and the CSV export.
	// Nil means time.Now.
	Clock func() time.Time
}

// Service owns the wired components behind the HTTP handlers.
//
// # Thread Safety
//
// Safe for concurrent use after NewService returns.
type Service struct {
	cfg     *Config
	logger  *slog.Logger
	clock   func() time.Time
	db      *badgerstore.DB
	ownsDB  bool
	fetcher *downloader.Downloader
	store   *symstore.Store
	missing *missinglog.Log
	engine  *symbolicate.Engine
}

// NewService wires the full component stack from configuration.
//
// # Description
//
// Parses and validates the origin list, builds the tiered downloader,
// opens (or adopts) the BadgerDB store, and constructs the symbol-map
// store, missing-symbols log and symbolication engine on top. Everything
// here is fail-fast: a service that cannot reach its store or understand
// its origins should not start.
//
// # Inputs
//
//   - ctx: Used for origin client construction (AWS config resolution and
//     similar); not retained.
//   - cfg: From LoadConfig. Must not be nil.
//   - opts: Optional overrides; see ServiceOptions.
//
// # Outputs
//
//   - *Service: Ready to serve; close with Close.
//   - error: Invalid origins, store open failure, or client construction.
func NewService(ctx context.Context, cfg *Config, opts ServiceOptions) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("symbols.NewService: cfg must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	origins, err := downloader.ParseOrigins(cfg.SymbolURLs)
	if err != nil {
		return nil, fmt.Errorf("parse SYMBOL_URLS: %w", err)
	}

	fetcher, err := downloader.New(ctx, origins, downloader.Options{
		ExistsMaxSize:      cfg.ExistsCacheSize,
		ExistsTTL:          cfg.ExistsCacheTTL,
		ProbeTimeout:       cfg.GetTimeout,
		MaxProbesPerSecond: cfg.OriginMaxRPS,
		Logger:             logger,
		HTTPClient:         opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("build downloader: %w", err)
	}

	db := opts.DB
	ownsDB := false
	if db == nil {
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.StoreDir
		bcfg.Logger = logger
		db, err = badgerstore.OpenDB(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open symbol store at %s: %w", cfg.StoreDir, err)
		}
		ownsDB = true
	}

	store := symstore.New(db, cfg.NegativeTTL, logger)
	missing := missinglog.New(db, clock, logger)
	engine := symbolicate.NewEngine(store, fetcher, symbolicate.Options{
		Concurrency: cfg.FetchConcurrency,
		Logger:      logger,
	})

	logger.Info("symbol service wired",
		slog.Int("origins", len(origins)),
		slog.Int("exists_cache_size", cfg.ExistsCacheSize),
		slog.Duration("exists_cache_ttl", cfg.ExistsCacheTTL),
		slog.Duration("negative_ttl", cfg.NegativeTTL),
		slog.Int("fetch_concurrency", cfg.FetchConcurrency),
		slog.Bool("debug", cfg.Debug),
	)
	for i, origin := range origins {
		logger.Info("symbol origin",
			slog.Int("order", i),
			slog.String("origin", origin.String()),
		)
	}

	return &Service{
		cfg:     cfg,
		logger:  logger,
		clock:   clock,
		db:      db,
		ownsDB:  ownsDB,
		fetcher: fetcher,
		store:   store,
		missing: missing,
		engine:  engine,
	}, nil
}

// Close releases resources the service opened itself. A DB injected via
// ServiceOptions stays open.
func (s *Service) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
