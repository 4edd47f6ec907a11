// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command symbols starts the Aleutian Symbols server.
//
// Aleutian Symbols turns native crash reports into readable stack traces:
//   - Symbolication API (memory maps + stacks in, function names out)
//   - Tiered symbol lookup (BadgerDB symbol-map store over HTTP/S3/GCS origins)
//   - Download facade with redirect-to-origin and missing-symbol bookkeeping
//
// Usage:
//
//	go run ./cmd/symbols
//	go run ./cmd/symbols -port 9000
//	go run ./cmd/symbols -settings /etc/aleutian/symbols.yaml
//
// With trace export:
//
//	go run ./cmd/symbols -otlp-endpoint localhost:4317
//	go run ./cmd/symbols -trace-stdout
//
// Example requests:
//
//	# Symbolicate a crash stack
//	curl -X POST http://localhost:8000/symbolicate/v4 \
//	  -H "Content-Type: application/json" \
//	  -d '{"version": 4,
//	       "memoryMap": [["xul.pdb", "44E4EC8C2F41492B9369D6B9A059577C2"]],
//	       "stacks": [[[0, 11723]]]}'
//
//	# Check whether a symbol file exists upstream
//	curl -I http://localhost:8000/xul.pdb/44E4EC8C2F41492B9369D6B9A059577C2/xul.sym
//
//	# Export yesterday's missing symbols
//	curl -O http://localhost:8000/missingsymbols.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/AleutianSymbols/services/symbols"
)

func main() {
	port := flag.Int("port", 8000, "Port to listen on")
	settings := flag.String("settings", "", "Optional YAML settings file")
	debug := flag.Bool("debug", false, "Enable debug mode (shorthand for SYMBOLS_DEBUG=true)")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP gRPC endpoint for trace export (e.g. localhost:4317)")
	traceStdout := flag.Bool("trace-stdout", false, "Print trace spans to stdout")
	flag.Parse()

	// The flag is shorthand for the env var so the TTL defaulting in
	// LoadConfig stays in one place.
	if *debug {
		os.Setenv("SYMBOLS_DEBUG", "true")
	}

	cfg, err := symbols.LoadConfig(*settings)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so trace context flows from incoming
	// HTTP headers through all handlers and origin probes.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx := context.Background()
	shutdownTracing := setupTracing(ctx, *otlpEndpoint, *traceStdout)

	svc, err := symbols.NewService(ctx, cfg, symbols.ServiceOptions{})
	if err != nil {
		slog.Error("Failed to start symbol service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := symbols.NewRouter(svc)

	printBanner(*port, cfg)

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down Aleutian Symbols server")
		if err := svc.Close(); err != nil {
			slog.Warn("Failed to close symbol store", slog.String("error", err.Error()))
		}
		if shutdownTracing != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("Failed to flush trace spans", slog.String("error", err.Error()))
			}
		}
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Starting Aleutian Symbols server", slog.String("address", addr))
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// setupTracing installs a global TracerProvider when an export target was
// requested. Returns the provider's shutdown func, or nil when spans stay
// unexported (the default; instrumentation then runs against the no-op
// provider).
func setupTracing(ctx context.Context, otlpEndpoint string, stdout bool) func(context.Context) error {
	if otlpEndpoint == "" && !stdout {
		return nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if otlpEndpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		slog.Warn("Trace exporter unavailable, spans will not be exported",
			slog.String("error", err.Error()))
		return nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "aleutian-symbols"),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func printBanner(port int, cfg *symbols.Config) {
	mode := "production"
	if cfg.Debug {
		mode = "debug (short negative TTLs)"
	}
	origins := strings.Join(cfg.SymbolURLs, ", ")

	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                     ALEUTIAN SYMBOLS SERVER                       ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Crash-report symbolication over tiered symbol origins.           ║
║  Mode: %-50s ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Symbolicate a crash stack                                 │  ║
║  │ curl -X POST http://localhost:%d/symbolicate/v4 \      │  ║
║  │   -H "Content-Type: application/json" -d @request.json     │  ║
║  │                                                             │  ║
║  │ # Probe for a symbol file                                   │  ║
║  │ curl -I http://localhost:%d/xul.pdb/<debug_id>/xul.sym │  ║
║  │                                                             │  ║
║  │ # Export yesterday's missing symbols                        │  ║
║  │ curl -O http://localhost:%d/missingsymbols.csv         │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── POST /symbolicate/v4 (also POST /)                           ║
║  ├── HEAD|GET /:debug_file/:debug_id/:symbol_file                 ║
║  ├── GET /missingsymbols.csv                                      ║
║  └── GET /health, GET /metrics                                    ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, mode, port, port, port)
	slog.Info("Symbol origins", slog.String("origins", origins))
}
