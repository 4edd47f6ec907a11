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
	"strings"
	"testing"
)

func TestSymbolFilename(t *testing.T) {
	tests := []struct {
		name      string
		debugFile string
		want      string
	}{
		{"pdb suffix swapped", "firefox.pdb", "firefox.sym"},
		{"non-pdb appended", "libxul.so", "libxul.so.sym"},
		{"bare name", "ntdll", "ntdll.sym"},
		{"uppercase PDB is not pdb", "FIREFOX.PDB", "FIREFOX.PDB.sym"},
		{"pdb mid-name untouched", "x.pdb.dll", "x.pdb.dll.sym"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SymbolFilename(tt.debugFile); got != tt.want {
				t.Errorf("SymbolFilename(%q) = %q, want %q", tt.debugFile, got, tt.want)
			}
		})
	}
}

func TestParseOrigins(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Origin
		wantErr bool
	}{
		{
			name: "public origin",
			raw:  "https://symbols.mozilla.org/try/?access=public",
			want: Origin{
				URL:     "https://symbols.mozilla.org/try/",
				Public:  true,
				Backend: BackendHTTP,
			},
		},
		{
			name: "public origin without path",
			raw:  "https://symbols.example.com?access=public",
			want: Origin{
				URL:     "https://symbols.example.com/",
				Public:  true,
				Backend: BackendHTTP,
			},
		},
		{
			name: "private AWS regional host",
			raw:  "https://s3-us-west-2.amazonaws.com/org.mozilla.crash-stats.symbols-private/v1/",
			want: Origin{
				URL:     "https://s3-us-west-2.amazonaws.com/org.mozilla.crash-stats.symbols-private/v1/",
				Backend: BackendS3,
				Bucket:  "org.mozilla.crash-stats.symbols-private",
				Prefix:  "v1/",
				Region:  "us-west-2",
			},
		},
		{
			name: "private AWS dotted regional host",
			raw:  "https://s3.eu-central-1.amazonaws.com/some-bucket",
			want: Origin{
				URL:     "https://s3.eu-central-1.amazonaws.com/some-bucket/",
				Backend: BackendS3,
				Bucket:  "some-bucket",
				Region:  "eu-central-1",
			},
		},
		{
			name: "private AWS legacy host is us-east-1",
			raw:  "https://s3.amazonaws.com/legacy-bucket/pre/fix/",
			want: Origin{
				URL:     "https://s3.amazonaws.com/legacy-bucket/pre/fix/",
				Backend: BackendS3,
				Bucket:  "legacy-bucket",
				Prefix:  "pre/fix/",
				Region:  "us-east-1",
			},
		},
		{
			name: "private non-AWS endpoint override",
			raw:  "http://localstack-s3:4572/testbucket",
			want: Origin{
				URL:      "http://localstack-s3:4572/testbucket/",
				Backend:  BackendS3,
				Bucket:   "testbucket",
				Region:   "us-east-1",
				Endpoint: "http://localstack-s3:4572",
			},
		},
		{
			name: "private GCS https host",
			raw:  "https://storage.googleapis.com/my-symbols/v1",
			want: Origin{
				URL:     "https://storage.googleapis.com/my-symbols/v1/",
				Backend: BackendGCS,
				Bucket:  "my-symbols",
				Prefix:  "v1/",
			},
		},
		{
			name: "private GCS gs scheme",
			raw:  "gs://my-symbols/v1",
			want: Origin{
				URL:     "https://storage.googleapis.com/my-symbols/v1/",
				Backend: BackendGCS,
				Bucket:  "my-symbols",
				Prefix:  "v1/",
			},
		},
		{
			name:    "private without bucket",
			raw:     "https://s3-us-west-2.amazonaws.com/",
			wantErr: true,
		},
		{
			name:    "unknown access value",
			raw:     "https://symbols.example.com/?access=sometimes",
			wantErr: true,
		},
		{
			name:    "empty entry",
			raw:     "  ",
			wantErr: true,
		},
		{
			name:    "no scheme",
			raw:     "symbols.example.com/foo",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOrigins([]string{tt.raw})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOrigins: %v", err)
			}
			if got[0] != tt.want {
				t.Errorf("origin mismatch:\ngot  %+v\nwant %+v", got[0], tt.want)
			}
		})
	}
}

func TestParseOrigins_PreservesOrder(t *testing.T) {
	got, err := ParseOrigins([]string{
		"https://first.example.com/?access=public",
		"https://second.example.com/?access=public",
	})
	if err != nil {
		t.Fatalf("ParseOrigins: %v", err)
	}
	if !strings.Contains(got[0].URL, "first") || !strings.Contains(got[1].URL, "second") {
		t.Errorf("order not preserved: %v", got)
	}
}

func TestParseOrigins_Empty(t *testing.T) {
	if _, err := ParseOrigins(nil); err == nil {
		t.Fatal("expected error for empty origin list")
	}
}

func TestOriginSymbolURL_Escaping(t *testing.T) {
	origins, err := ParseOrigins([]string{"https://symbols.example.com/try/?access=public"})
	if err != nil {
		t.Fatalf("ParseOrigins: %v", err)
	}
	key := NewSymbolKey("space name.pdb", "ABCDEF012345")
	got := origins[0].SymbolURL(key)
	want := "https://symbols.example.com/try/space%20name.pdb/ABCDEF012345/space%20name.sym"
	if got != want {
		t.Errorf("SymbolURL = %q, want %q", got, want)
	}
}

func TestOriginObjectKey(t *testing.T) {
	origins, err := ParseOrigins([]string{"https://s3-us-west-2.amazonaws.com/bucket/v1/"})
	if err != nil {
		t.Fatalf("ParseOrigins: %v", err)
	}
	key := NewSymbolKey("firefox.pdb", "C617B8AF472444AD952D19A0CFD7C8F72")
	got := origins[0].ObjectKey(key)
	want := "v1/firefox.pdb/C617B8AF472444AD952D19A0CFD7C8F72/firefox.sym"
	if got != want {
		t.Errorf("ObjectKey = %q, want %q", got, want)
	}
}
