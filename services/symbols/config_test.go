// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"SYMBOLS_GET_TIMEOUT",
		"SYMBOLDOWNLOAD_EXISTS_TIMEOUT_MAXSIZE",
		"SYMBOLDOWNLOAD_MAX_TTL_SECONDS",
		"SYMBOLS_NEGATIVE_TTL_SECONDS",
		"SYMBOLS_FETCH_CONCURRENCY",
		"SYMBOLS_ORIGIN_MAX_RPS",
		"SYMBOLS_STORE_DIR",
		"SYMBOLS_DEBUG",
	} {
		t.Setenv(v, "")
	}
	// SYMBOL_URLS distinguishes unset from set-but-empty, so clearing it
	// means removing it. t.Setenv first so the original value is restored
	// after the test.
	t.Setenv("SYMBOL_URLS", "")
	os.Unsetenv("SYMBOL_URLS")
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if len(cfg.SymbolURLs) != 1 || cfg.SymbolURLs[0] != "https://symbols.mozilla.org/try/" {
		t.Errorf("SymbolURLs should default to the Mozilla try origin, got %v", cfg.SymbolURLs)
	}
	if cfg.GetTimeout != 5*time.Second {
		t.Errorf("GetTimeout should default to 5s, got %v", cfg.GetTimeout)
	}
	if cfg.ExistsCacheSize != 10000 {
		t.Errorf("ExistsCacheSize should default to 10000, got %d", cfg.ExistsCacheSize)
	}
	if cfg.ExistsCacheTTL != time.Hour {
		t.Errorf("ExistsCacheTTL should default to 1h, got %v", cfg.ExistsCacheTTL)
	}
	if cfg.NegativeTTL != time.Hour {
		t.Errorf("NegativeTTL should default to 1h, got %v", cfg.NegativeTTL)
	}
	if cfg.FetchConcurrency != 32 {
		t.Errorf("FetchConcurrency should default to 32, got %d", cfg.FetchConcurrency)
	}
	if cfg.OriginMaxRPS != 0 {
		t.Errorf("OriginMaxRPS should default to 0, got %f", cfg.OriginMaxRPS)
	}
	if cfg.Debug {
		t.Error("Debug should default to false")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir failed: %v", err)
	}
	want := filepath.Join(home, ".aleutian", "symbols", "store")
	if cfg.StoreDir != want {
		t.Errorf("StoreDir should expand to %s, got %s", want, cfg.StoreDir)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SYMBOL_URLS", "https://a.example/?access=public, s3://symbols-bucket/prefix/")
	t.Setenv("SYMBOLS_GET_TIMEOUT", "30")
	t.Setenv("SYMBOLDOWNLOAD_EXISTS_TIMEOUT_MAXSIZE", "50")
	t.Setenv("SYMBOLDOWNLOAD_MAX_TTL_SECONDS", "120")
	t.Setenv("SYMBOLS_NEGATIVE_TTL_SECONDS", "10")
	t.Setenv("SYMBOLS_FETCH_CONCURRENCY", "8")
	t.Setenv("SYMBOLS_ORIGIN_MAX_RPS", "2.5")
	t.Setenv("SYMBOLS_STORE_DIR", "/var/lib/symbols")
	t.Setenv("SYMBOLS_DEBUG", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	wantURLs := []string{"https://a.example/?access=public", "s3://symbols-bucket/prefix/"}
	if len(cfg.SymbolURLs) != 2 || cfg.SymbolURLs[0] != wantURLs[0] || cfg.SymbolURLs[1] != wantURLs[1] {
		t.Errorf("SymbolURLs = %v, want %v", cfg.SymbolURLs, wantURLs)
	}
	if cfg.GetTimeout != 30*time.Second {
		t.Errorf("GetTimeout = %v, want 30s", cfg.GetTimeout)
	}
	if cfg.ExistsCacheSize != 50 {
		t.Errorf("ExistsCacheSize = %d, want 50", cfg.ExistsCacheSize)
	}
	if cfg.ExistsCacheTTL != 2*time.Minute {
		t.Errorf("ExistsCacheTTL = %v, want 2m", cfg.ExistsCacheTTL)
	}
	if cfg.NegativeTTL != 10*time.Second {
		t.Errorf("NegativeTTL = %v, want 10s", cfg.NegativeTTL)
	}
	if cfg.FetchConcurrency != 8 {
		t.Errorf("FetchConcurrency = %d, want 8", cfg.FetchConcurrency)
	}
	if cfg.OriginMaxRPS != 2.5 {
		t.Errorf("OriginMaxRPS = %f, want 2.5", cfg.OriginMaxRPS)
	}
	if cfg.StoreDir != "/var/lib/symbols" {
		t.Errorf("StoreDir = %s, want /var/lib/symbols", cfg.StoreDir)
	}
	if !cfg.Debug {
		t.Error("Debug should be true")
	}
}

func TestLoadConfig_DebugShortensNegativeTTL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SYMBOLS_DEBUG", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.NegativeTTL != time.Minute {
		t.Errorf("NegativeTTL should drop to 1m in debug mode, got %v", cfg.NegativeTTL)
	}

	// An explicit TTL wins over the debug default.
	t.Setenv("SYMBOLS_NEGATIVE_TTL_SECONDS", "7200")
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.NegativeTTL != 2*time.Hour {
		t.Errorf("explicit NegativeTTL should survive debug mode, got %v", cfg.NegativeTTL)
	}
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	settings := `symbol_urls:
  - "https://file.example/?access=public"
symbols_get_timeout: 9
symbols_negative_ttl_seconds: 300
symbols_debug: true
`
	if err := os.WriteFile(path, []byte(settings), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.SymbolURLs) != 1 || cfg.SymbolURLs[0] != "https://file.example/?access=public" {
		t.Errorf("SymbolURLs should come from the file, got %v", cfg.SymbolURLs)
	}
	if cfg.GetTimeout != 9*time.Second {
		t.Errorf("GetTimeout = %v, want 9s", cfg.GetTimeout)
	}
	if !cfg.Debug {
		t.Error("Debug should come from the file")
	}
	// The file set the TTL explicitly, so debug mode must not override it.
	if cfg.NegativeTTL != 5*time.Minute {
		t.Errorf("NegativeTTL = %v, want 5m", cfg.NegativeTTL)
	}

	// Environment beats the file.
	t.Setenv("SYMBOLS_GET_TIMEOUT", "11")
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.GetTimeout != 11*time.Second {
		t.Errorf("env should beat the file, got %v", cfg.GetTimeout)
	}
}

func TestLoadConfig_SettingsFileErrors(t *testing.T) {
	clearConfigEnv(t)

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("a named but unreadable settings file should be an error")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("symbol_urls: {not a list\n"), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Error("unparseable settings file should be an error")
	}
}

func TestLoadConfig_EmptyOriginsRejected(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SYMBOL_URLS", " , ")

	if _, err := LoadConfig(""); err == nil {
		t.Error("an explicitly empty origin list should be an error")
	}
}

func TestLoadConfig_TildeExpansion(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SYMBOLS_STORE_DIR", "~/symstore")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir failed: %v", err)
	}
	if want := filepath.Join(home, "symstore"); cfg.StoreDir != want {
		t.Errorf("StoreDir = %s, want %s", cfg.StoreDir, want)
	}
}
