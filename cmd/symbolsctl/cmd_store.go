// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/symstore"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the symbol-map store",
	}
	cmd.AddCommand(
		newStoreStatsCmd(),
		newStoreDumpCmd(),
		newStorePurgeCmd(),
	)
	return cmd
}

func newStoreStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise stored symbol maps and negative sentinels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadCLIConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			store := symstore.New(db, cfg.NegativeTTL, cliLogger())
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println(heading("Symbol-map store"))
			fmt.Printf("  Path:      %s\n", cfg.StoreDir)
			fmt.Printf("  Positive:  %d symbol maps\n", stats.Positive)
			fmt.Printf("  Negative:  %d sentinels\n", stats.Negative)
			fmt.Printf("  Data:      %s\n", formatBytes(stats.Bytes))
			return nil
		},
	}
}

func newStoreDumpCmd() *cobra.Command {
	var prefix string
	var limit int

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "List store entries with size and sentinel TTLs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadCLIConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			store := symstore.New(db, cfg.NegativeTTL, cliLogger())

			fmt.Println(heading("Symbol-map entries"))
			fmt.Printf("  %-60s  %10s  %-8s  %s\n", "MODULE", "SIZE", "CLASS", "EXPIRES")
			fmt.Printf("  %s  %s  %s  %s\n",
				strings.Repeat("─", 60), strings.Repeat("─", 10),
				strings.Repeat("─", 8), strings.Repeat("─", 20))

			shown := 0
			truncated := false
			err = store.ForEach(cmd.Context(), func(e symstore.Entry) error {
				if prefix != "" && !strings.HasPrefix(e.Key.String(), prefix) {
					return nil
				}
				if limit > 0 && shown >= limit {
					truncated = true
					return errStopWalk
				}
				shown++

				class := "map"
				expires := dim("-")
				if e.Negative {
					class = "negative"
					remaining := time.Until(e.ExpiresAt)
					if remaining < 0 {
						expires = dim("expired")
					} else {
						expires = remaining.Round(time.Second).String()
					}
				}
				fmt.Printf("  %-60s  %10s  %-8s  %s\n",
					e.Key.String(), formatBytes(e.Bytes), class, expires)
				return nil
			})
			if err != nil && !errors.Is(err, errStopWalk) {
				return err
			}

			if truncated {
				fmt.Println(dim(fmt.Sprintf("  ... truncated at %d entries (raise --limit or 0 for all)", limit)))
			}
			if shown == 0 {
				fmt.Println(dim("  (no entries)"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "Only entries whose debug_file/debug_id starts with this")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max entries to print, 0 for all")
	return cmd
}

// errStopWalk stops a ForEach early without reporting failure.
var errStopWalk = errors.New("stop walk")

func newStorePurgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop every symbol map and sentinel",
		Long:  "Drops every stored symbol map and negative sentinel. The next\nsymbolication requests repopulate the store from the origins.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			cfg, err := loadCLIConfig(cmd)
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			store := symstore.New(db, cfg.NegativeTTL, cliLogger())
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Purge(); err != nil {
				return err
			}

			fmt.Printf("Purged %d symbol maps and %d sentinels (%s)\n",
				stats.Positive, stats.Negative, formatBytes(stats.Bytes))
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")
	return cmd
}
