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
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/missinglog"
)

func newMissingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "missing",
		Short: "Work with the missing-symbols log",
	}
	cmd.AddCommand(
		newMissingCountCmd(),
		newMissingExportCmd(),
	)
	return cmd
}

func newMissingCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count recorded missing-symbol entries across all days",
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

			log := missinglog.New(db, time.Now, cliLogger())
			n, err := log.Count(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println(heading("Missing-symbols log"))
			fmt.Printf("  Path:     %s\n", cfg.StoreDir)
			fmt.Printf("  Records:  %d\n", n)
			return nil
		},
	}
}

func newMissingExportCmd() *cobra.Command {
	var dateStr string
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one day of missing symbols as CSV",
		Long:  "Exports the same CSV the server serves at /missingsymbols.csv.\nDefaults to yesterday, matching the server's default.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			date := time.Now().UTC().AddDate(0, 0, -1)
			if dateStr != "" {
				var err error
				date, err = time.Parse("2006-01-02", dateStr)
				if err != nil {
					return fmt.Errorf("parse --date: %w", err)
				}
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

			var out io.Writer = os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			log := missinglog.New(db, time.Now, cliLogger())
			rows, err := log.ExportCSV(cmd.Context(), out, date)
			if err != nil {
				return err
			}

			// Keep stdout clean CSV; the summary goes to stderr.
			fmt.Fprintf(os.Stderr, "%d missing symbols on %s\n",
				rows, date.UTC().Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().StringVar(&dateStr, "date", "", "Day to export, YYYY-MM-DD (default: yesterday)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write CSV to this file instead of stdout")
	return cmd
}
