// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symfile parses Breakpad symbol files into offset-to-name tables.
//
// Only two record kinds contribute to symbolication:
//
//	PUBLIC <address-hex> <param-size-hex> <name>
//	FUNC <address-hex> <size-hex> <param-size-hex> <name>
//
// Names keep their interior whitespace (C++ signatures routinely contain
// spaces). All other record kinds (MODULE, FILE, LINE, STACK, INFO) are
// counted toward the byte total and otherwise ignored. When a PUBLIC and a
// FUNC record land on the same address the PUBLIC name wins, regardless of
// the order the lines appear in the file.
package symfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Scanner limits. FUNC names for template-heavy C++ can run to hundreds of
// kilobytes; the default bufio limit of 64KiB truncates them.
const (
	initialLineBuffer = 64 * 1024
	maxLineBytes      = 1024 * 1024
)

// ctxCheckEvery is how many lines to scan between context checks.
const ctxCheckEvery = 4096

// Result is the outcome of parsing one symbol file.
type Result struct {
	// Table maps module offset to symbol name. Empty when the file had no
	// usable PUBLIC/FUNC records; callers treat that as a negative result.
	Table map[uint64]string

	// BytesRead is the sum of scanned line lengths, excluding line
	// terminators. Zero means the body was empty.
	BytesRead int64

	// Elapsed is the wall time spent reading and parsing.
	Elapsed time.Duration

	// Malformed counts skipped PUBLIC/FUNC lines: too few fields or an
	// unparseable hex address. The caller decides whether to log it.
	Malformed int
}

// Parse reads a Breakpad symbol file from r and builds its lookup table.
//
// # Description
//
// Single streaming pass; memory use is one line buffer plus the table
// itself. PUBLIC lines need at least 4 whitespace-separated fields, FUNC
// lines at least 5; shorter lines and lines with a bad hex address are
// counted in Result.Malformed and skipped. The record prefix must start at
// column zero, matching how the files are emitted.
//
// # Inputs
//
//   - ctx: Checked periodically; a cancelled context aborts the parse.
//   - r: Symbol file body. The caller owns closing it.
//
// # Outputs
//
//   - *Result: Never nil on success; Result.Table is never nil.
//   - error: Read failures, oversize lines, or ctx cancellation.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func Parse(ctx context.Context, r io.Reader) (*Result, error) {
	start := time.Now()

	publicSymbols := make(map[uint64]string)
	funcSymbols := make(map[uint64]string)

	var bytesRead int64
	malformed := 0
	lineNo := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		bytesRead += int64(len(line))
		lineNo++

		if lineNo%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		switch {
		case strings.HasPrefix(line, "PUBLIC "):
			fields := splitFields(line, 3)
			if len(fields) < 4 {
				malformed++
				continue
			}
			address, err := strconv.ParseUint(fields[1], 16, 64)
			if err != nil {
				malformed++
				continue
			}
			publicSymbols[address] = fields[3]

		case strings.HasPrefix(line, "FUNC "):
			fields := splitFields(line, 4)
			if len(fields) < 5 {
				malformed++
				continue
			}
			address, err := strconv.ParseUint(fields[1], 16, 64)
			if err != nil {
				malformed++
				continue
			}
			funcSymbols[address] = fields[4]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read symbol file: %w", err)
	}

	// PUBLIC records take precedence on address collisions.
	for address, name := range publicSymbols {
		funcSymbols[address] = name
	}

	return &Result{
		Table:     funcSymbols,
		BytesRead: bytesRead,
		Elapsed:   time.Since(start),
		Malformed: malformed,
	}, nil
}

// splitFields splits a trimmed line on runs of whitespace into at most
// maxSplit+1 fields; the final field keeps its interior whitespace.
func splitFields(line string, maxSplit int) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	fields := make([]string, 0, maxSplit+1)
	for len(fields) < maxSplit {
		cut := strings.IndexFunc(line, unicode.IsSpace)
		if cut < 0 {
			break
		}
		fields = append(fields, line[:cut])
		line = strings.TrimLeftFunc(line[cut:], unicode.IsSpace)
		if line == "" {
			return fields
		}
	}
	return append(fields, line)
}
