// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbolicate turns native stack traces of raw module offsets into
// human-readable frames.
//
// A request carries a module table (memoryMap) and stacks of
// [module_index, module_offset] frames. The engine resolves every frame
// against per-module offset tables, fetching and parsing symbol files for
// modules the store has never seen. The wire format is version 4 of the
// symbolication protocol used by crash-report processors.
package symbolicate

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ModuleRow is one memoryMap entry: a [debug_file, debug_id] pair, sent as
// a positional JSON array.
type ModuleRow struct {
	DebugFile string
	DebugID   string
}

// UnmarshalJSON decodes the positional pair form. Rows with the wrong
// arity are a client bug and rejected outright.
func (m *ModuleRow) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("memoryMap row must be a [debug_file, debug_id] string pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("memoryMap row must have exactly 2 elements, got %d", len(pair))
	}
	m.DebugFile = pair[0]
	m.DebugID = pair[1]
	return nil
}

// MarshalJSON restores the positional pair form.
func (m ModuleRow) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.DebugFile, m.DebugID})
}

// Offset is a frame's module offset, kept as its raw JSON token.
//
// Crash processors are supposed to send plain non-negative integers, but
// real traffic has carried floats, strings and null. Rather than reject the
// whole request over one odd frame, the token is preserved and echoed back
// in the rendered frame when it cannot be used for lookup.
type Offset string

// Uint64 returns the offset as an unsigned integer. ok is false when the
// token is anything but a plain non-negative integer literal.
func (o Offset) Uint64() (uint64, bool) {
	v, err := strconv.ParseUint(string(o), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Render is the fallback form used when no symbol name applies: integer
// offsets in hex, JSON strings unquoted, any other token verbatim.
func (o Offset) Render() string {
	if v, ok := o.Uint64(); ok {
		return fmt.Sprintf("%#x", v)
	}
	var s string
	if err := json.Unmarshal([]byte(o), &s); err == nil {
		return s
	}
	return string(o)
}

// Frame is one [module_index, module_offset] pair within a stack.
type Frame struct {
	// ModuleIndex points into the request's memoryMap. Any negative value
	// means "no module": the offset is rendered as-is without lookup.
	ModuleIndex int

	// Offset is the raw module offset token.
	Offset Offset
}

// UnmarshalJSON decodes the positional pair form. The module index must be
// a JSON integer; the offset is kept raw.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("stack frame must be a [module_index, module_offset] pair: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("stack frame must have exactly 2 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &f.ModuleIndex); err != nil {
		return fmt.Errorf("frame module index must be an integer: %w", err)
	}
	f.Offset = Offset(parts[1])
	return nil
}

// MarshalJSON restores the positional pair form.
func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]json.RawMessage{
		json.RawMessage(strconv.Itoa(f.ModuleIndex)),
		json.RawMessage(f.Offset),
	})
}

// Stack is one thread's frames, innermost first.
type Stack []Frame

// Request is the version-4 symbolication request body.
//
// MemoryMap and Stacks are pointers so a missing key and an explicitly
// empty list can be told apart: the former is a 400, the latter is a valid
// request that symbolicates nothing.
type Request struct {
	Version   int          `json:"version" binding:"eq=4"`
	MemoryMap *[]ModuleRow `json:"memoryMap" binding:"required"`
	Stacks    *[]Stack     `json:"stacks" binding:"required"`
}

// Validate rejects frames whose module index points past the end of
// memoryMap. Negative indexes are legal (unmapped frames).
func (r *Request) Validate() error {
	rows := len(*r.MemoryMap)
	for si, stack := range *r.Stacks {
		for fi, frame := range stack {
			if frame.ModuleIndex >= rows {
				return fmt.Errorf("stack %d frame %d: module index %d out of range (memoryMap has %d rows)",
					si, fi, frame.ModuleIndex, rows)
			}
		}
	}
	return nil
}

// Response is the symbolication result.
type Response struct {
	// SymbolicatedStacks mirrors the request's stacks shape, each frame
	// replaced by "<name> (in <debug_file>)" or a hex-offset fallback.
	SymbolicatedStacks [][]string `json:"symbolicatedStacks"`

	// KnownModules aligns with memoryMap: true iff that module's table
	// resolved positively during this request.
	KnownModules []bool `json:"knownModules"`

	// Debug carries request internals; present only when the caller asked
	// for debug mode.
	Debug *DebugInfo `json:"debug,omitempty"`
}

// DebugInfo is the per-request breakdown clients get in debug mode. Field
// names are part of the wire format.
type DebugInfo struct {
	Time         float64           `json:"time"`
	Stacks       DebugStacks       `json:"stacks"`
	Modules      DebugModules      `json:"modules"`
	CacheLookups DebugCacheLookups `json:"cache_lookups"`
	Downloads    DebugDownloads    `json:"downloads"`
}

// DebugStacks counts frames: Count is every frame seen, Real only those
// with a mapped module.
type DebugStacks struct {
	Count int `json:"count"`
	Real  int `json:"real"`
}

// DebugModules reports the unique modules looked up and how many frames
// each one served, keyed "debug_file/debug_id".
type DebugModules struct {
	Count           int            `json:"count"`
	StacksPerModule map[string]int `json:"stacks_per_module"`
}

// DebugCacheLookups reports symbol-map store round trips.
type DebugCacheLookups struct {
	Count int     `json:"count"`
	Time  float64 `json:"time"`
}

// DebugDownloads reports symbol files fetched during this request. Only
// fetches whose stream actually opened are counted; Size is the summed
// payload bytes.
type DebugDownloads struct {
	Count int     `json:"count"`
	Time  float64 `json:"time"`
	Size  float64 `json:"size"`
}
