// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package downloader resolves symbol keys against the configured origins.
//
// Resolution is tiered. The existence cache answers first; on a cache miss
// the origins are probed in configuration order and the outcome - positive
// with the winning origin, or definitively absent - is cached for the next
// request. Only the complete absence of a key at every origin counts as
// "absent"; a timeout or transport failure at one origin merely removes
// that origin from the running and is reported through logs and metrics.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

var downloaderTracer = otel.Tracer("aleutian.symbols.downloader")

// ErrNotFound reports that no configured origin holds the requested symbol
// file. It is a definitive answer, not a transient failure.
var ErrNotFound = errors.New("symbol not found at any origin")

// defaultProbeTimeout bounds one origin probe. A slow origin must not hold
// the whole resolution hostage; the next origin gets its turn.
const defaultProbeTimeout = 5 * time.Second

// Options tunes a Downloader. The zero value is usable.
type Options struct {
	// ExistsMaxSize and ExistsTTL size the existence cache. Zero means the
	// package defaults (10000 entries, one hour).
	ExistsMaxSize int
	ExistsTTL     time.Duration

	// ProbeTimeout bounds each origin probe. Zero means five seconds.
	ProbeTimeout time.Duration

	// MaxProbesPerSecond rate-limits upstream probes across all origins.
	// Zero disables the limiter.
	MaxProbesPerSecond float64

	// Logger receives probe failure diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// HTTPClient overrides the pooled client used for public origins.
	// Tests inject one pointing at httptest servers.
	HTTPClient *http.Client

	// GCSClient overrides the shared Google Cloud Storage client. When nil
	// and a GCS origin is configured, one is built with read-only scope.
	GCSClient *storage.Client
}

// FetchResult is the outcome of one resolution.
type FetchResult struct {
	// Found is false only when every origin definitively lacks the key.
	Found bool

	// OriginIndex is the position of the winning origin in the configured
	// order, or -1 when absent.
	OriginIndex int

	// URL is the direct URL (public origins) or a freshly signed URL
	// (private origins). Empty for HasSymbol against private origins and
	// when absent.
	URL string

	// Elapsed is the wall time the resolution took, cache hits included.
	Elapsed time.Duration
}

// SymbolStream is an open symbol file body. The caller must Close it.
type SymbolStream struct {
	// URL is the canonical location the body came from.
	URL string

	// Body is the symbol file content.
	Body io.ReadCloser

	// Elapsed is the time spent locating the file and opening the stream.
	Elapsed time.Duration
}

// Close closes the underlying body.
func (s *SymbolStream) Close() error {
	return s.Body.Close()
}

// =============================================================================
// Downloader
// =============================================================================

// Downloader is the tiered symbol resolver shared by the symbolication
// engine and the download facade.
//
// # Thread Safety
//
// Safe for concurrent use. All mutable state lives in the existence cache,
// which locks internally; origin clients are concurrency-safe by contract.
type Downloader struct {
	origins      []Origin
	clients      []originClient
	exists       *ExistsCache
	limiter      *rate.Limiter
	probeTimeout time.Duration
	logger       *slog.Logger
}

// New builds a Downloader for the given origins.
//
// # Description
//
// Object-store clients are constructed here, once per process: an S3 client
// per private S3 origin (regions and endpoint overrides differ per origin)
// and a single shared GCS client. Credentials come from the ambient
// provider chains; none are read from our own configuration.
//
// # Inputs
//
//   - ctx: Used for cloud SDK configuration loading only.
//   - origins: Parsed, ordered origin list. Must not be empty.
//   - opts: Tuning knobs; zero values take defaults.
//
// # Outputs
//
//   - *Downloader: Ready to use. Never nil on success.
//   - error: Cloud SDK configuration failures or an empty origin list.
func New(ctx context.Context, origins []Origin, opts Options) (*Downloader, error) {
	if len(origins) == 0 {
		return nil, errors.New("downloader: no origins configured")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   32,
				ResponseHeaderTimeout: probeTimeout,
			},
		}
	}

	gcsClient := opts.GCSClient

	clients := make([]originClient, len(origins))
	for i, origin := range origins {
		switch origin.Backend {
		case BackendHTTP:
			clients[i] = newHTTPOrigin(origin, httpClient)
		case BackendS3:
			client, err := newS3Origin(ctx, origin)
			if err != nil {
				return nil, err
			}
			clients[i] = client
		case BackendGCS:
			if gcsClient == nil {
				var err error
				gcsClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
				if err != nil {
					return nil, fmt.Errorf("create GCS client: %w", err)
				}
			}
			clients[i] = newGCSOrigin(gcsClient, origin)
		default:
			return nil, fmt.Errorf("origin %s: unknown backend", origin.URL)
		}
	}

	var limiter *rate.Limiter
	if opts.MaxProbesPerSecond > 0 {
		burst := int(opts.MaxProbesPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MaxProbesPerSecond), burst)
	}

	return &Downloader{
		origins:      origins,
		clients:      clients,
		exists:       NewExistsCache(opts.ExistsMaxSize, opts.ExistsTTL),
		limiter:      limiter,
		probeTimeout: probeTimeout,
		logger:       logger,
	}, nil
}

// Origins returns a copy of the configured origin list, in probe order.
func (d *Downloader) Origins() []Origin {
	out := make([]Origin, len(d.origins))
	copy(out, d.origins)
	return out
}

// ExistsCacheLen reports the existence cache's current size.
func (d *Downloader) ExistsCacheLen() int {
	return d.exists.Len()
}

// HasSymbol answers whether any origin holds the key.
//
// # Description
//
// Cache first, then HEAD-style probes in origin order. The first origin
// that confirms presence wins and is cached; when every origin reports a
// clean not-found the absence itself is cached. Probe errors and timeouts
// downgrade single origins to misses and never fail the call.
//
// # Outputs
//
//   - FetchResult: Found/OriginIndex/Elapsed always set; URL only when the
//     winning origin is public.
//   - error: Only the caller's context cancellation.
func (d *Downloader) HasSymbol(ctx context.Context, key SymbolKey) (FetchResult, error) {
	start := time.Now()
	ctx, span := downloaderTracer.Start(ctx, "downloader.HasSymbol")
	defer span.End()
	span.SetAttributes(attribute.String("symbol.key", key.Path()))

	if rec, ok := d.exists.Lookup(key.Path()); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Bool("found", rec.found))
		return FetchResult{
			Found:       rec.found,
			OriginIndex: rec.originIndex,
			URL:         rec.url,
			Elapsed:     time.Since(start),
		}, nil
	}

	for i, client := range d.clients {
		found, err := d.probeHead(ctx, i, client, key)
		if err != nil {
			return FetchResult{}, err
		}
		if found {
			url := ""
			if d.origins[i].Public {
				url = d.origins[i].SymbolURL(key)
			}
			d.exists.StoreFound(key.Path(), i, url)
			resolved.WithLabelValues("found").Inc()
			span.SetAttributes(attribute.Bool("found", true), attribute.Int("origin.index", i))
			return FetchResult{Found: true, OriginIndex: i, URL: url, Elapsed: time.Since(start)}, nil
		}
	}

	d.exists.StoreAbsent(key.Path())
	resolved.WithLabelValues("absent").Inc()
	span.SetAttributes(attribute.Bool("found", false))
	return FetchResult{Found: false, OriginIndex: -1, Elapsed: time.Since(start)}, nil
}

// SymbolURL resolves the key to a downloadable URL.
//
// # Description
//
// Public origins yield their direct URL; private origins yield a freshly
// signed URL on every call, so a cached positive entry with no stored URL
// re-signs rather than re-probes. A signing failure downgrades the origin
// to a miss the same way a probe failure does.
func (d *Downloader) SymbolURL(ctx context.Context, key SymbolKey) (FetchResult, error) {
	start := time.Now()
	ctx, span := downloaderTracer.Start(ctx, "downloader.SymbolURL")
	defer span.End()
	span.SetAttributes(attribute.String("symbol.key", key.Path()))

	if rec, ok := d.exists.Lookup(key.Path()); ok {
		if !rec.found {
			span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Bool("found", false))
			return FetchResult{Found: false, OriginIndex: -1, Elapsed: time.Since(start)}, nil
		}
		if rec.url != "" {
			span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Bool("found", true))
			return FetchResult{Found: true, OriginIndex: rec.originIndex, URL: rec.url, Elapsed: time.Since(start)}, nil
		}
		url, err := d.clients[rec.originIndex].signedURL(ctx, key)
		if err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Bool("found", true))
			return FetchResult{Found: true, OriginIndex: rec.originIndex, URL: url, Elapsed: time.Since(start)}, nil
		}
		d.logger.Warn("re-signing cached symbol URL failed, reprobing",
			slog.String("key", key.Path()),
			slog.String("origin", d.origins[rec.originIndex].URL),
			slog.String("error", err.Error()),
		)
		d.exists.Remove(key.Path())
	}

	for i, client := range d.clients {
		found, err := d.probeHead(ctx, i, client, key)
		if err != nil {
			return FetchResult{}, err
		}
		if !found {
			continue
		}
		url, err := client.signedURL(ctx, key)
		if err != nil {
			d.logger.Warn("signing symbol URL failed",
				slog.String("key", key.Path()),
				slog.String("origin", d.origins[i].URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		cacheURL := ""
		if d.origins[i].Public {
			cacheURL = url
		}
		d.exists.StoreFound(key.Path(), i, cacheURL)
		resolved.WithLabelValues("found").Inc()
		return FetchResult{Found: true, OriginIndex: i, URL: url, Elapsed: time.Since(start)}, nil
	}

	d.exists.StoreAbsent(key.Path())
	resolved.WithLabelValues("absent").Inc()
	return FetchResult{Found: false, OriginIndex: -1, Elapsed: time.Since(start)}, nil
}

// OpenStream resolves the key and opens the symbol file body.
//
// # Description
//
// Skips the separate HEAD round trip: each origin is asked for the body
// directly, in order, and a clean not-found moves to the next one. The
// probe timeout covers connection and response headers; the body itself
// streams under the caller's context.
//
// # Outputs
//
//   - *SymbolStream: Open body; the caller must Close it.
//   - error: ErrNotFound when absent everywhere, or context cancellation.
func (d *Downloader) OpenStream(ctx context.Context, key SymbolKey) (*SymbolStream, error) {
	start := time.Now()
	ctx, span := downloaderTracer.Start(ctx, "downloader.OpenStream")
	defer span.End()
	span.SetAttributes(attribute.String("symbol.key", key.Path()))

	if rec, ok := d.exists.Lookup(key.Path()); ok {
		if !rec.found {
			span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Bool("found", false))
			return nil, ErrNotFound
		}
		body, err := d.openFrom(ctx, rec.originIndex, key)
		if err == nil {
			return &SymbolStream{
				URL:     d.origins[rec.originIndex].SymbolURL(key),
				Body:    body,
				Elapsed: time.Since(start),
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The cached origin lost the file or is failing; start over.
		d.exists.Remove(key.Path())
	}

	for i := range d.clients {
		body, err := d.openFrom(ctx, i, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		cacheURL := ""
		if d.origins[i].Public {
			cacheURL = d.origins[i].SymbolURL(key)
		}
		d.exists.StoreFound(key.Path(), i, cacheURL)
		resolved.WithLabelValues("found").Inc()
		span.SetAttributes(attribute.Bool("found", true), attribute.Int("origin.index", i))
		return &SymbolStream{
			URL:     d.origins[i].SymbolURL(key),
			Body:    body,
			Elapsed: time.Since(start),
		}, nil
	}

	d.exists.StoreAbsent(key.Path())
	resolved.WithLabelValues("absent").Inc()
	span.SetAttributes(attribute.Bool("found", false))
	return nil, ErrNotFound
}

// probeHead runs one origin's HEAD probe under the probe timeout and the
// optional rate limiter. Errors and timeouts are downgraded to a miss;
// only the parent context's cancellation propagates.
func (d *Downloader) probeHead(ctx context.Context, originIndex int, client originClient, key SymbolKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	backend := d.origins[originIndex].Backend.String()
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	t0 := time.Now()
	found, err := client.head(probeCtx, key)
	probeDuration.WithLabelValues(backend, "head").Observe(time.Since(t0).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		probeErrors.WithLabelValues(backend, reason).Inc()
		d.logger.Warn("symbol origin probe failed",
			slog.String("key", key.Path()),
			slog.String("origin", d.origins[originIndex].URL),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	return found, nil
}

// openFrom opens the body at one origin. A clean not-found returns
// ErrNotFound; transport errors are logged, counted, and returned for the
// caller to treat as an origin miss.
func (d *Downloader) openFrom(ctx context.Context, originIndex int, key SymbolKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	backend := d.origins[originIndex].Backend.String()
	t0 := time.Now()
	body, err := d.clients[originIndex].open(ctx, key)
	probeDuration.WithLabelValues(backend, "get").Observe(time.Since(t0).Seconds())

	if err != nil && !errors.Is(err, ErrNotFound) {
		if ctx.Err() == nil {
			reason := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				reason = "timeout"
			}
			probeErrors.WithLabelValues(backend, reason).Inc()
			d.logger.Warn("symbol origin fetch failed",
				slog.String("key", key.Path()),
				slog.String("origin", d.origins[originIndex].URL),
				slog.String("error", err.Error()),
			)
		}
	}
	return body, err
}
