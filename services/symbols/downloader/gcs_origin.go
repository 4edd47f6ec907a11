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
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// gcsOrigin probes a private Google Cloud Storage bucket. One storage
// client is shared across every GCS origin; bucket handles are cheap.
type gcsOrigin struct {
	origin Origin
	bucket *storage.BucketHandle
}

func newGCSOrigin(client *storage.Client, origin Origin) *gcsOrigin {
	return &gcsOrigin{
		origin: origin,
		bucket: client.Bucket(origin.Bucket),
	}
}

func (g *gcsOrigin) head(ctx context.Context, key SymbolKey) (bool, error) {
	_, err := g.bucket.Object(g.origin.ObjectKey(key)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *gcsOrigin) signedURL(_ context.Context, key SymbolKey) (string, error) {
	url, err := g.bucket.SignedURL(g.origin.ObjectKey(key), &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(presignExpiry),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("sign GCS URL for %s: %w", key, err)
	}
	return url, nil
}

func (g *gcsOrigin) open(ctx context.Context, key SymbolKey) (io.ReadCloser, error) {
	r, err := g.bucket.Object(g.origin.ObjectKey(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}
