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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// presignExpiry bounds how long a redirect URL stays usable. Redirects are
// followed immediately by the crash pipeline; 15 minutes is generous.
const presignExpiry = 15 * time.Minute

// s3Origin probes a private S3 (or S3-compatible) bucket. Credentials come
// from the SDK's ambient provider chain; the server never handles them.
type s3Origin struct {
	origin    Origin
	client    *s3.Client
	presigner *s3.PresignClient
}

// newS3Origin builds the per-origin client. Non-AWS endpoints (MinIO,
// localstack) get the endpoint override with path-style addressing.
func newS3Origin(ctx context.Context, origin Origin) (*s3Origin, error) {
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(origin.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for %s: %w", origin.URL, err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if origin.Endpoint != "" {
			o.BaseEndpoint = aws.String(origin.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Origin{
		origin:    origin,
		client:    client,
		presigner: s3.NewPresignClient(client),
	}, nil
}

func (s *s3Origin) head(ctx context.Context, key SymbolKey) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.origin.Bucket),
		Key:    aws.String(s.origin.ObjectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *s3Origin) signedURL(ctx context.Context, key SymbolKey) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.origin.Bucket),
		Key:    aws.String(s.origin.ObjectKey(key)),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *s3Origin) open(ctx context.Context, key SymbolKey) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.origin.Bucket),
		Key:    aws.String(s.origin.ObjectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

// isS3NotFound reports whether err is the bucket's way of saying the object
// does not exist. HeadObject surfaces NotFound, GetObject NoSuchKey.
func isS3NotFound(err error) bool {
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *s3types.NoSuchKey
	return errors.As(err, &noSuchKey)
}
