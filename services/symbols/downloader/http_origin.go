// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// originClient is the per-backend probe surface. head answers presence,
// signedURL produces a redirect target, open streams the file body.
//
// Implementations translate their backend's "no such object" into
// (false, nil) / ErrNotFound; every other failure is a real error the
// caller downgrades to an origin miss.
type originClient interface {
	head(ctx context.Context, key SymbolKey) (bool, error)
	signedURL(ctx context.Context, key SymbolKey) (string, error)
	open(ctx context.Context, key SymbolKey) (io.ReadCloser, error)
}

// httpOrigin probes a public origin with plain HTTP. The configured URL is
// both the probe base and the redirect target, so signedURL never fails.
type httpOrigin struct {
	origin Origin
	client *http.Client
}

func newHTTPOrigin(origin Origin, client *http.Client) *httpOrigin {
	return &httpOrigin{origin: origin, client: client}
}

func (h *httpOrigin) head(ctx context.Context, key SymbolKey) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.origin.SymbolURL(key), nil)
	if err != nil {
		return false, fmt.Errorf("build HEAD request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func (h *httpOrigin) signedURL(_ context.Context, key SymbolKey) (string, error) {
	return h.origin.SymbolURL(key), nil
}

func (h *httpOrigin) open(ctx context.Context, key SymbolKey) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.origin.SymbolURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("build GET request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, ErrNotFound
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
