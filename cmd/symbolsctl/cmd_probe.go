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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/downloader"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <debug_file> <debug_id> [symbol_file]",
		Short: "Probe the configured origins for one symbol file",
		Long:  "Asks every configured origin, in order, whether it has the symbol\nfile, exactly the way the server resolves a download. The symbol\nfilename defaults to the .sym derived from the debug file.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCLIConfig(cmd)
			if err != nil {
				return err
			}

			origins, err := downloader.ParseOrigins(cfg.SymbolURLs)
			if err != nil {
				return err
			}
			fetcher, err := downloader.New(cmd.Context(), origins, downloader.Options{
				ExistsMaxSize: cfg.ExistsCacheSize,
				ExistsTTL:     cfg.ExistsCacheTTL,
				ProbeTimeout:  cfg.GetTimeout,
				Logger:        cliLogger(),
			})
			if err != nil {
				return err
			}

			key := downloader.NewSymbolKey(args[0], args[1])
			if len(args) == 3 {
				key.Filename = args[2]
			}

			fmt.Println(heading("Probing " + key.Path()))
			for i, origin := range origins {
				fmt.Printf("  [%d] %s\n", i, origin.String())
			}

			res, err := fetcher.SymbolURL(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !res.Found {
				return fmt.Errorf("%s: not found at any origin (%s)",
					key.Path(), res.Elapsed.Round(time.Millisecond))
			}

			fmt.Printf("\nFound at origin [%d] in %s\n",
				res.OriginIndex, res.Elapsed.Round(time.Millisecond))
			fmt.Printf("  %s\n", res.URL)
			return nil
		},
	}
}
