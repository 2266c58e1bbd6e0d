// Package s3blob implements the domain blob interfaces on AWS SDK v2.
// The archive bucket may live on AWS proper or on any S3-compatible
// store reachable through a custom endpoint.
package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/avolkov/exitpilot/internal/domain"
)

// minPartSize is the minimum allowed part size for S3 multipart uploads (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// Config locates the archive bucket and the credentials to reach it.
type Config struct {
	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	// Empty means standard AWS S3.
	Endpoint string
	Region   string
	Bucket   string

	AccessKey string
	SecretKey string

	// UseSSL selects the scheme when Endpoint carries none.
	UseSSL bool
	// ForcePathStyle puts the bucket in the path instead of the
	// subdomain. Most self-hosted stores require it.
	ForcePathStyle bool
}

// Writer implements domain.BlobWriter against the archive bucket.
type Writer struct {
	client *s3.Client
	bucket string
}

var _ domain.BlobWriter = (*Writer)(nil)

// NewWriter builds an S3 client for the configured endpoint and returns a
// Writer bound to the archive bucket.
func NewWriter(ctx context.Context, cfg Config) (*Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: region is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := withScheme(cfg.Endpoint, cfg.UseSSL)
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Writer{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
	}, nil
}

// Health verifies the bucket is reachable with the configured credentials.
func (w *Writer) Health(ctx context.Context) error {
	_, err := w.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(w.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", w.bucket, err)
	}
	return nil
}

// Put uploads data as a single PutObject request. Archive payloads are small
// (at most a few thousand JSONL lines), so one-shot upload is enough; larger
// payloads go through PutMultipart.
func (w *Writer) Put(ctx context.Context, path string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}

// PutMultipart uploads data through the multipart upload manager, splitting
// the payload into parts uploaded concurrently. partSize below the S3
// minimum (5 MiB) is clamped up.
func (w *Writer) PutMultipart(ctx context.Context, path string, data []byte, partSize int64) error {
	if partSize < minPartSize {
		partSize = minPartSize
	}

	uploader := manager.NewUploader(w.client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})

	input := &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(data),
	}

	if _, err := uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}

// withScheme prepends http or https when endpoint carries no scheme.
func withScheme(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
