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
	"fmt"
	"net/url"
	"strings"
)

// =============================================================================
// Symbol keys
// =============================================================================

// SymbolKey identifies one symbol file across every origin.
//
// DebugFile and DebugID come verbatim from the crash report's module list;
// Filename is derived (".pdb" swapped for ".sym", ".sym" appended otherwise)
// and is what actually sits in the object stores.
type SymbolKey struct {
	DebugFile string
	DebugID   string
	Filename  string
}

// NewSymbolKey builds a key from a module's debug file and debug ID,
// deriving the symbol filename.
func NewSymbolKey(debugFile, debugID string) SymbolKey {
	return SymbolKey{
		DebugFile: debugFile,
		DebugID:   debugID,
		Filename:  SymbolFilename(debugFile),
	}
}

// SymbolFilename derives the stored filename for a debug file. The ".pdb"
// suffix check is case-sensitive, matching how the files were uploaded.
func SymbolFilename(debugFile string) string {
	if strings.HasSuffix(debugFile, ".pdb") {
		return strings.TrimSuffix(debugFile, ".pdb") + ".sym"
	}
	return debugFile + ".sym"
}

// Path returns the relative storage path "debug_file/debug_id/filename",
// unescaped. Object-store keys use this verbatim.
func (k SymbolKey) Path() string {
	return k.DebugFile + "/" + k.DebugID + "/" + k.Filename
}

// escapedPath returns Path with each segment URL-escaped, for HTTP probes.
func (k SymbolKey) escapedPath() string {
	return url.PathEscape(k.DebugFile) + "/" +
		url.PathEscape(k.DebugID) + "/" +
		url.PathEscape(k.Filename)
}

// String implements fmt.Stringer for logs.
func (k SymbolKey) String() string {
	return k.Path()
}

// =============================================================================
// Origins
// =============================================================================

// Backend selects the client used to reach an origin.
type Backend int

const (
	// BackendHTTP probes with plain HTTP requests. All public origins.
	BackendHTTP Backend = iota
	// BackendS3 probes with the S3 API (AWS or any S3-compatible endpoint).
	BackendS3
	// BackendGCS probes with the Google Cloud Storage API.
	BackendGCS
)

// String implements fmt.Stringer for logs and metric labels.
func (b Backend) String() string {
	switch b {
	case BackendHTTP:
		return "http"
	case BackendS3:
		return "s3"
	case BackendGCS:
		return "gcs"
	default:
		return "unknown"
	}
}

// Origin is one configured symbol source, parsed from a SYMBOL_URLS entry.
//
// # Description
//
// A `?access=public` query suffix marks the origin public: probes are plain
// HTTP against the URL itself and the URL doubles as the redirect target.
// Private origins are object-store buckets; the URL's host decides the
// backend (storage.googleapis.com or a gs:// scheme means GCS, anything
// else means S3, with non-AWS hosts kept as path-style endpoint overrides).
//
// # Thread Safety
//
// Immutable after ParseOrigins. Safe to share.
type Origin struct {
	// URL is the configured URL with the access query removed and a
	// trailing slash guaranteed. Key paths join directly onto it.
	URL string

	// Public is true when probes bypass the object-store APIs.
	Public bool

	// Backend is BackendHTTP for public origins, BackendS3/BackendGCS
	// otherwise.
	Backend Backend

	// Bucket and Prefix locate objects inside a private origin. Prefix is
	// empty or slash-terminated.
	Bucket string
	Prefix string

	// Region is the S3 region parsed from an AWS hostname. Empty for GCS.
	Region string

	// Endpoint overrides the S3 endpoint for non-AWS hosts (scheme://host).
	// Empty means the real AWS endpoint.
	Endpoint string
}

// SymbolURL returns the browsable URL of a key at this origin. For public
// origins this is also the probe target; for private ones it is the
// canonical path-style object URL used in logs and redirects-by-display.
func (o Origin) SymbolURL(key SymbolKey) string {
	return o.URL + key.escapedPath()
}

// ObjectKey returns the object-store key for a symbol at this origin.
func (o Origin) ObjectKey(key SymbolKey) string {
	return o.Prefix + key.Path()
}

// String implements fmt.Stringer for startup logs. Buckets and regions are
// already visible in the URL, so only access mode is added.
func (o Origin) String() string {
	access := "private"
	if o.Public {
		access = "public"
	}
	return fmt.Sprintf("%s (%s, %s)", o.URL, access, o.Backend)
}

// ParseOrigins parses the ordered origin URL list from configuration.
//
// # Description
//
// Order is preserved: probes walk the result front to back. Any unusable
// entry fails the whole parse; a symbol server with a half-configured
// origin list would silently mis-answer "definitively absent".
//
// # Inputs
//
//   - rawURLs: Origin URLs as configured, already split on commas.
//
// # Outputs
//
//   - []Origin: Parsed descriptors, same order as the input.
//   - error: First unusable entry (bad URL, unknown access value, private
//     origin without a bucket).
func ParseOrigins(rawURLs []string) ([]Origin, error) {
	origins := make([]Origin, 0, len(rawURLs))
	for _, raw := range rawURLs {
		origin, err := parseOrigin(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse symbol origin %q: %w", raw, err)
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, fmt.Errorf("no symbol origins configured")
	}
	return origins, nil
}

func parseOrigin(raw string) (Origin, error) {
	if raw == "" {
		return Origin{}, fmt.Errorf("empty URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Origin{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return Origin{}, fmt.Errorf("URL needs a scheme and host")
	}

	var public bool
	switch access := u.Query().Get("access"); access {
	case "", "private":
	case "public":
		public = true
	default:
		return Origin{}, fmt.Errorf("unknown access value %q", access)
	}
	u.RawQuery = ""
	u.Fragment = ""

	origin := Origin{
		URL:    strings.TrimSuffix(u.String(), "/") + "/",
		Public: public,
	}
	if public {
		origin.Backend = BackendHTTP
		return origin, nil
	}

	// Private origins address a bucket through an object-store client.
	if u.Scheme == "gs" || u.Host == "storage.googleapis.com" {
		origin.Backend = BackendGCS
		if u.Scheme == "gs" {
			origin.Bucket = u.Host
			origin.Prefix = normalizePrefix(u.Path)
			// Rewrite the display URL into the canonical HTTPS form.
			origin.URL = "https://storage.googleapis.com/" + origin.Bucket + "/" + origin.Prefix
		} else {
			origin.Bucket, origin.Prefix = splitBucketPath(u.Path)
		}
	} else {
		origin.Backend = BackendS3
		origin.Bucket, origin.Prefix = splitBucketPath(u.Path)
		origin.Region = awsRegionFromHost(u.Host)
		if origin.Region == "" {
			// Not an AWS hostname: keep it as a path-style endpoint
			// override (MinIO, localstack, corporate mirrors).
			origin.Endpoint = u.Scheme + "://" + u.Host
			origin.Region = "us-east-1"
		}
	}

	if origin.Bucket == "" {
		return Origin{}, fmt.Errorf("private origin URL carries no bucket name")
	}
	return origin, nil
}

// splitBucketPath splits a path-style URL path into bucket and prefix.
func splitBucketPath(path string) (bucket, prefix string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = normalizePrefix(parts[1])
	}
	return bucket, prefix
}

// normalizePrefix trims slashes and re-adds exactly one trailing slash so
// joined object keys never contain a double slash.
func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// awsRegionFromHost extracts the region from an AWS S3 hostname. Returns ""
// when the host is not an AWS S3 endpoint.
//
// Recognised shapes: s3.amazonaws.com (us-east-1), s3-<region>.amazonaws.com,
// s3.<region>.amazonaws.com, and the dualstack variants.
func awsRegionFromHost(host string) string {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	rest, found := strings.CutSuffix(host, ".amazonaws.com")
	if !found {
		return ""
	}

	var region string
	switch {
	case rest == "s3":
		return "us-east-1"
	case strings.HasPrefix(rest, "s3-"):
		region = rest[len("s3-"):]
	case strings.HasPrefix(rest, "s3."):
		region = rest[len("s3."):]
	default:
		return ""
	}
	region = strings.TrimPrefix(region, "dualstack.")
	if region == "" {
		return ""
	}
	return region
}
