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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all symbol service configuration.
//
// Description:
//
//	Built by LoadConfig from three layers: compiled-in defaults, an optional
//	YAML settings file, and environment variables. Env always wins over the
//	file, the file over the defaults. The struct is immutable once returned.
//
// Thread Safety: Config is read-only after LoadConfig. Safe to share.
type Config struct {
	// SymbolURLs is the ordered list of symbol origins. A "?access=public"
	// suffix marks an origin as publicly readable (probed over plain HTTP,
	// redirected to directly); everything else is treated as a private
	// bucket reached through its cloud SDK.
	// Env: SYMBOL_URLS (comma-separated, default: "https://symbols.mozilla.org/try/")
	SymbolURLs []string

	// GetTimeout bounds each single origin probe (HEAD, object metadata
	// lookup, or stream open).
	// Env: SYMBOLS_GET_TIMEOUT (seconds, default: 5)
	GetTimeout time.Duration

	// ExistsCacheSize is the max entry count of the in-process existence
	// cache in front of origin probes.
	// Env: SYMBOLDOWNLOAD_EXISTS_TIMEOUT_MAXSIZE (default: 10000)
	ExistsCacheSize int

	// ExistsCacheTTL is how long a probe result (found or absent) is
	// trusted before origins are asked again.
	// Env: SYMBOLDOWNLOAD_MAX_TTL_SECONDS (default: 3600)
	ExistsCacheTTL time.Duration

	// NegativeTTL is the lifetime of negative sentinels in the symbol-map
	// store. Defaults to an hour, or a minute in debug mode so local
	// uploads become visible quickly.
	// Env: SYMBOLS_NEGATIVE_TTL_SECONDS (default: 3600; 60 when Debug)
	NegativeTTL time.Duration

	// FetchConcurrency bounds parallel symbol-file fetches within one
	// symbolication request.
	// Env: SYMBOLS_FETCH_CONCURRENCY (default: 32)
	FetchConcurrency int

	// OriginMaxRPS rate-limits outbound origin probes across the process.
	// Zero disables the limiter.
	// Env: SYMBOLS_ORIGIN_MAX_RPS (default: 0)
	OriginMaxRPS float64

	// StoreDir is the BadgerDB directory holding symbol maps and the
	// missing-symbols log. A leading "~/" expands to the user's home.
	// Env: SYMBOLS_STORE_DIR (default: "~/.aleutian/symbols/store")
	StoreDir string

	// Debug switches development behaviour: short negative TTLs.
	// Env: SYMBOLS_DEBUG (default: false)
	Debug bool
}

// fileConfig is the YAML settings-file shape. Keys are the env names in
// lower case; pointer fields so "absent" and "zero" stay distinct.
type fileConfig struct {
	SymbolURLs       []string `yaml:"symbol_urls"`
	GetTimeout       *int     `yaml:"symbols_get_timeout"`
	ExistsCacheSize  *int     `yaml:"symboldownload_exists_timeout_maxsize"`
	ExistsCacheTTL   *int     `yaml:"symboldownload_max_ttl_seconds"`
	NegativeTTL      *int     `yaml:"symbols_negative_ttl_seconds"`
	FetchConcurrency *int     `yaml:"symbols_fetch_concurrency"`
	OriginMaxRPS     *float64 `yaml:"symbols_origin_max_rps"`
	StoreDir         *string  `yaml:"symbols_store_dir"`
	Debug            *bool    `yaml:"symbols_debug"`
}

// LoadConfig builds the effective configuration.
//
// # Inputs
//
//   - settingsPath: Optional YAML settings file. Empty string skips the
//     file layer entirely; a named file that cannot be read or parsed is an
//     error (a deployment that names a file wants that file honoured).
//
// # Outputs
//
//   - *Config: Validated, ready to use.
//   - error: Unreadable settings file, or no usable origin list.
func LoadConfig(settingsPath string) (*Config, error) {
	cfg := &Config{
		SymbolURLs:       []string{"https://symbols.mozilla.org/try/"},
		GetTimeout:       5 * time.Second,
		ExistsCacheSize:  10000,
		ExistsCacheTTL:   time.Hour,
		FetchConcurrency: 32,
		StoreDir:         "~/.aleutian/symbols/store",
	}
	negativeTTLSet := false

	if settingsPath != "" {
		raw, err := os.ReadFile(settingsPath)
		if err != nil {
			return nil, fmt.Errorf("read settings file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse settings file %s: %w", settingsPath, err)
		}
		if len(fc.SymbolURLs) > 0 {
			cfg.SymbolURLs = fc.SymbolURLs
		}
		if fc.GetTimeout != nil {
			cfg.GetTimeout = time.Duration(*fc.GetTimeout) * time.Second
		}
		if fc.ExistsCacheSize != nil {
			cfg.ExistsCacheSize = *fc.ExistsCacheSize
		}
		if fc.ExistsCacheTTL != nil {
			cfg.ExistsCacheTTL = time.Duration(*fc.ExistsCacheTTL) * time.Second
		}
		if fc.NegativeTTL != nil {
			cfg.NegativeTTL = time.Duration(*fc.NegativeTTL) * time.Second
			negativeTTLSet = true
		}
		if fc.FetchConcurrency != nil {
			cfg.FetchConcurrency = *fc.FetchConcurrency
		}
		if fc.OriginMaxRPS != nil {
			cfg.OriginMaxRPS = *fc.OriginMaxRPS
		}
		if fc.StoreDir != nil {
			cfg.StoreDir = *fc.StoreDir
		}
		if fc.Debug != nil {
			cfg.Debug = *fc.Debug
		}
	}

	if urls := envList("SYMBOL_URLS"); urls != nil {
		cfg.SymbolURLs = urls
	}
	cfg.GetTimeout = time.Duration(envInt("SYMBOLS_GET_TIMEOUT", int(cfg.GetTimeout/time.Second))) * time.Second
	cfg.ExistsCacheSize = envInt("SYMBOLDOWNLOAD_EXISTS_TIMEOUT_MAXSIZE", cfg.ExistsCacheSize)
	cfg.ExistsCacheTTL = time.Duration(envInt("SYMBOLDOWNLOAD_MAX_TTL_SECONDS", int(cfg.ExistsCacheTTL/time.Second))) * time.Second
	cfg.FetchConcurrency = envInt("SYMBOLS_FETCH_CONCURRENCY", cfg.FetchConcurrency)
	cfg.OriginMaxRPS = envFloat("SYMBOLS_ORIGIN_MAX_RPS", cfg.OriginMaxRPS)
	cfg.StoreDir = envStr("SYMBOLS_STORE_DIR", cfg.StoreDir)
	cfg.Debug = envBool("SYMBOLS_DEBUG", cfg.Debug)
	if raw, ok := os.LookupEnv("SYMBOLS_NEGATIVE_TTL_SECONDS"); ok {
		if secs, err := strconv.Atoi(raw); err == nil {
			cfg.NegativeTTL = time.Duration(secs) * time.Second
			negativeTTLSet = true
		}
	}

	if !negativeTTLSet {
		if cfg.Debug {
			cfg.NegativeTTL = time.Minute
		} else {
			cfg.NegativeTTL = time.Hour
		}
	}

	if len(cfg.SymbolURLs) == 0 {
		return nil, errors.New("SYMBOL_URLS: at least one symbol origin is required")
	}

	dir, err := expandHome(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("resolve SYMBOLS_STORE_DIR: %w", err)
	}
	cfg.StoreDir = dir

	return cfg, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// envBool reads a boolean environment variable with a default value.
func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// envInt reads an integer environment variable with a default value.
func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// envFloat reads a float64 environment variable with a default value.
func envFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// envStr reads a string environment variable with a default value.
func envStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// envList reads a comma-separated environment variable. Returns nil when
// the variable is unset so callers can tell "unset" from "set but empty".
func envList(key string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var items []string
	for _, item := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if items == nil {
		return []string{}
	}
	return items
}
