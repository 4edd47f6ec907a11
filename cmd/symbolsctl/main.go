// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command symbolsctl inspects and maintains the symbol server's local state.
//
// The server keeps two things in its BadgerDB directory: parsed symbol maps
// (positive entries plus short-lived negative sentinels) and the
// missing-symbols log behind /missingsymbols.csv. symbolsctl opens that
// directory directly, so run it against a stopped server; BadgerDB allows
// only one process at a time.
//
// Usage:
//
//	symbolsctl store stats
//	symbolsctl store dump --prefix firefox.pdb --limit 20
//	symbolsctl store purge --yes
//	symbolsctl missing count
//	symbolsctl missing export --date 2025-11-05 -o missing.csv
//	symbolsctl probe firefox.pdb C617B8AF472444AD952D19A0CFD7C8F72
//
// The store directory resolves the same way the server resolves it:
// --store flag, then SYMBOLS_STORE_DIR, then ~/.aleutian/symbols/store.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSymbols/services/symbols"
	badgerstore "github.com/AleutianAI/AleutianSymbols/services/symbols/storage/badger"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// heading styles s for terminals and leaves it untouched for pipes.
func heading(s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return headingStyle.Render(s)
}

func dim(s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return dimStyle.Render(s)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "symbolsctl",
		Short:         "Inspect and maintain Aleutian Symbols server state",
		Long:          "symbolsctl works directly on the symbol server's BadgerDB store:\nsymbol-map entries, negative sentinels, and the missing-symbols log.\nIt also probes the configured origins the way the server would.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("settings", "", "Optional YAML settings file (same file the server takes)")
	cmd.PersistentFlags().String("store", "", "BadgerDB directory (overrides SYMBOLS_STORE_DIR)")

	cmd.AddCommand(
		newStoreCmd(),
		newMissingCmd(),
		newProbeCmd(),
	)
	return cmd
}

// loadCLIConfig builds the effective configuration the same way the server
// does, then applies the --store override.
func loadCLIConfig(cmd *cobra.Command) (*symbols.Config, error) {
	settings, _ := cmd.Flags().GetString("settings")
	cfg, err := symbols.LoadConfig(settings)
	if err != nil {
		return nil, err
	}
	if store, _ := cmd.Flags().GetString("store"); store != "" {
		cfg.StoreDir = store
	}
	return cfg, nil
}

// openDB opens the server's store for one-shot CLI use: no GC loop, warnings
// only on stderr.
func openDB(cfg *symbols.Config) (*badgerstore.DB, error) {
	if _, err := os.Stat(cfg.StoreDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("store directory %s does not exist (has the server run yet?)", cfg.StoreDir)
	}

	bcfg := badgerstore.DefaultConfig()
	bcfg.Path = cfg.StoreDir
	bcfg.GCInterval = 0
	bcfg.Logger = cliLogger()
	return badgerstore.OpenDB(bcfg)
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
