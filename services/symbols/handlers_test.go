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
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSymbols/services/symbols/missinglog"
	badgerstore "github.com/AleutianAI/AleutianSymbols/services/symbols/storage/badger"
	"github.com/AleutianAI/AleutianSymbols/services/symbols/symbolicate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	firefoxDebugID = "C617B8AF472444AD952D19A0CFD7C8F72"
	wntdllDebugID  = "D74F79EB1F8D4A45ABCD2F476CCABACC2"
	ghostDebugID   = "5F0DD030C8C14118B6FE2C44A9CA8FBD1"
)

// testDay is the frozen wall clock for every test service. Missing-symbol
// records land on this date.
var testDay = time.Date(2025, 11, 6, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("..", "..", "test", "fixtures", name))
	require.NoError(t, err)
	return string(raw)
}

// fakeOrigin is a public HTTP symbol origin serving canned .sym bodies,
// counting probe traffic so tests can assert on cache behavior.
type fakeOrigin struct {
	mu    sync.Mutex
	files map[string]string
	heads int
	gets  int
	srv   *httptest.Server
}

func newFakeOrigin(t *testing.T, files map[string]string) *fakeOrigin {
	t.Helper()
	f := &fakeOrigin{files: files}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		if r.Method == http.MethodHead {
			f.heads++
		} else {
			f.gets++
		}
		body, ok := f.files[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOrigin) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads + f.gets
}

type testEnv struct {
	svc    *Service
	router *gin.Engine
	origin *fakeOrigin
}

func newTestService(t *testing.T, files map[string]string) *testEnv {
	t.Helper()
	origin := newFakeOrigin(t, files)

	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &Config{
		SymbolURLs:       []string{origin.srv.URL + "/?access=public"},
		GetTimeout:       5 * time.Second,
		ExistsCacheTTL:   time.Hour,
		ExistsCacheSize:  100,
		NegativeTTL:      time.Hour,
		FetchConcurrency: 4,
	}
	svc, err := NewService(context.Background(), cfg, ServiceOptions{
		DB:         db,
		HTTPClient: origin.srv.Client(),
		Logger:     quietLogger(),
		Clock:      func() time.Time { return testDay },
	})
	require.NoError(t, err)

	return &testEnv{svc: svc, router: NewRouter(svc), origin: origin}
}

func (env *testEnv) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func goldenFiles(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		"/firefox.pdb/" + firefoxDebugID + "/firefox.sym": loadFixture(t, "firefox.sym"),
		"/wntdll.pdb/" + wntdllDebugID + "/wntdll.sym":    loadFixture(t, "wntdll.sym"),
	}
}

func goldenBody() string {
	return `{
		"version": 4,
		"memoryMap": [
			["firefox.pdb", "` + firefoxDebugID + `"],
			["wntdll.pdb", "` + wntdllDebugID + `"]
		],
		"stacks": [[[0, 154348], [1, 65802]]]
	}`
}

// =============================================================================
// Symbolication endpoint
// =============================================================================

func TestHandleSymbolicate_Golden(t *testing.T) {
	env := newTestService(t, goldenFiles(t))

	w := env.do(http.MethodPost, "/symbolicate/v4", goldenBody(), map[string]string{"Debug": "true"})
	require.Equal(t, http.StatusOK, w.Code)

	var res symbolicate.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	require.Len(t, res.SymbolicatedStacks, 1)
	assert.Equal(t, []string{
		"sandbox::TargetProcess::~TargetProcess() (in firefox.pdb)",
		"KiUserCallbackDispatcher (in wntdll.pdb)",
	}, res.SymbolicatedStacks[0])
	assert.Equal(t, []bool{true, true}, res.KnownModules)

	require.NotNil(t, res.Debug)
	assert.Equal(t, 1, res.Debug.Stacks.Count)
	assert.Equal(t, 2, res.Debug.Stacks.Real)
	assert.Equal(t, 2, res.Debug.Modules.Count)
	assert.Equal(t, 1, res.Debug.CacheLookups.Count)
	assert.Equal(t, 2, res.Debug.Downloads.Count)
	assert.Greater(t, res.Debug.Downloads.Size, 0.0)

	// Both symbol tables came over HTTP exactly once.
	coldRequests := env.origin.requestCount()
	assert.Equal(t, 2, coldRequests)

	// Warm run: served from the store, no origin traffic, no downloads.
	w = env.do(http.MethodPost, "/symbolicate/v4", goldenBody(), map[string]string{"Debug": "1"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotNil(t, res.Debug)
	assert.Equal(t, 0, res.Debug.Downloads.Count)
	assert.Equal(t, coldRequests, env.origin.requestCount())
}

func TestHandleSymbolicate_RootAlias(t *testing.T) {
	env := newTestService(t, goldenFiles(t))

	w := env.do(http.MethodPost, "/", goldenBody(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res symbolicate.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.SymbolicatedStacks, 1)
	assert.Equal(t, "KiUserCallbackDispatcher (in wntdll.pdb)", res.SymbolicatedStacks[0][1])

	// No Debug header, no debug block.
	assert.Nil(t, res.Debug)
}

func TestHandleSymbolicate_DebugHeaderValues(t *testing.T) {
	env := newTestService(t, map[string]string{})

	body := `{"version": 4, "memoryMap": [], "stacks": []}`
	cases := []struct {
		header string
		want   bool
	}{
		{"true", true},
		{"1", true},
		{"anything", true},
		{"FALSE", false},
		{"no", false},
		{"0", false},
		{"", false},
	}
	for _, tc := range cases {
		headers := map[string]string{}
		if tc.header != "" {
			headers["Debug"] = tc.header
		}
		w := env.do(http.MethodPost, "/symbolicate/v4", body, headers)
		require.Equal(t, http.StatusOK, w.Code)

		var res symbolicate.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		if tc.want {
			assert.NotNil(t, res.Debug, "header %q", tc.header)
		} else {
			assert.Nil(t, res.Debug, "header %q", tc.header)
		}
	}
}

func TestHandleSymbolicate_BadRequests(t *testing.T) {
	env := newTestService(t, map[string]string{})

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"array body", `[]`},
		{"wrong version", `{"version": 5, "memoryMap": [], "stacks": []}`},
		{"missing memory map", `{"version": 4, "stacks": []}`},
		{"missing stacks", `{"version": 4, "memoryMap": []}`},
		{"module row arity", `{"version": 4, "memoryMap": [["firefox.pdb"]], "stacks": []}`},
		{"module index out of range", `{"version": 4, "memoryMap": [], "stacks": [[[0, 11723]]]}`},
		{"non-integer module index", `{"version": 4, "memoryMap": [["a.pdb", "A"]], "stacks": [[["x", 1]]]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/symbolicate/v4", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var res ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			assert.Equal(t, "INVALID_REQUEST", res.Code)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestHandleSymbolicate_EmptyRequest(t *testing.T) {
	env := newTestService(t, map[string]string{})

	w := env.do(http.MethodPost, "/symbolicate/v4", `{"version": 4, "memoryMap": [], "stacks": []}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res symbolicate.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.SymbolicatedStacks, 0)
	assert.Len(t, res.KnownModules, 0)
	assert.Equal(t, 0, env.origin.requestCount())
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	env := newTestService(t, map[string]string{})

	for _, target := range []string{"/symbolicate/v4", "/"} {
		w := env.do(http.MethodGet, target, "", nil)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code, "GET %s", target)

		var res ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, "METHOD_NOT_ALLOWED", res.Code)
	}
}

// =============================================================================
// Download facade
// =============================================================================

func TestHandleDownloadSymbol_HeadAndGet(t *testing.T) {
	env := newTestService(t, goldenFiles(t))
	path := "/firefox.pdb/" + firefoxDebugID + "/firefox.sym"

	w := env.do(http.MethodHead, path, "", map[string]string{"Debug": "true"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Debug-Time"))
	assert.NotEqual(t, "0", w.Header().Get("Debug-Time"))

	// Second probe is answered from the existence cache.
	probes := env.origin.requestCount()
	w = env.do(http.MethodHead, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, probes, env.origin.requestCount())

	w = env.do(http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, env.origin.srv.URL+path, w.Header().Get("Location"))
}

func TestHandleDownloadSymbol_MissRecordsOnGet(t *testing.T) {
	env := newTestService(t, map[string]string{})
	path := "/ghost.pdb/" + ghostDebugID + "/ghost.sym"

	w := env.do(http.MethodGet, path+"?code_file=ghost.dll&code_id=ABC123", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var res ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "SYMBOL_NOT_FOUND", res.Code)

	var entries []missinglog.Entry
	var counts []uint64
	err := env.svc.missing.ForEach(context.Background(), testDay, func(e missinglog.Entry, n uint64) error {
		entries = append(entries, e)
		counts = append(counts, n)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, missinglog.Entry{
		DebugFile:  "ghost.pdb",
		DebugID:    ghostDebugID,
		SymbolFile: "ghost.sym",
		CodeFile:   "ghost.dll",
		CodeID:     "ABC123",
	}, entries[0])
	assert.Equal(t, []uint64{1}, counts)

	// HEAD misses are not worth recording; only real download attempts are.
	w = env.do(http.MethodHead, "/other.pdb/"+ghostDebugID+"/other.sym", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	total, err := env.svc.missing.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestHandleDownloadSymbol_IgnoredSymbols(t *testing.T) {
	env := newTestService(t, map[string]string{})
	zeroID := strings.Repeat("0", 33)

	w := env.do(http.MethodGet, "/firefox.pdb/"+zeroID+"/firefox.sym", "", map[string]string{"Debug": "true"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "0", w.Header().Get("Debug-Time"))

	w = env.do(http.MethodHead, "/foo.pdb/"+ghostDebugID+"/file.ptr", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	// Ignored lookups never reach the origins and never hit the missing log.
	assert.Equal(t, 0, env.origin.requestCount())
	total, err := env.svc.missing.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

// =============================================================================
// Missing-symbols CSV
// =============================================================================

func TestHandleMissingSymbolsCSV(t *testing.T) {
	env := newTestService(t, map[string]string{})

	// One recorded miss, dated testDay by the frozen clock.
	w := env.do(http.MethodGet, "/ghost.pdb/"+ghostDebugID+"/ghost.sym?code_file=ghost.dll&code_id=ABC123", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	// Default export covers yesterday, which is empty.
	w = env.do(http.MethodGet, "/missingsymbols.csv", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="missing-symbols-2025-11-05.csv"`,
		w.Header().Get("Content-Disposition"))

	rows, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"debug_file", "debug_id", "code_file", "code_id"}, rows[0])

	// Any non-empty today switches the export to the current day.
	w = env.do(http.MethodGet, "/missingsymbols.csv?today=true", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="missing-symbols-2025-11-06.csv"`,
		w.Header().Get("Content-Disposition"))

	rows, err = csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"ghost.pdb", ghostDebugID, "ghost.dll", "ABC123"}, rows[1])
}

// =============================================================================
// Operational endpoints
// =============================================================================

func TestHandleHealth(t *testing.T) {
	env := newTestService(t, map[string]string{})

	w := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "ok", res["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestService(t, map[string]string{})

	w := env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "symbols_")
}
