// Package blobstore stores opaque result artifacts (response archives,
// metric samples, console logs) in an S3-compatible bucket and hands back
// receipts for record finalization.
package blobstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/target/loadrun-api/internal/core"
)

// Config holds S3 connection settings. EndpointURL supports MinIO and other
// S3-compatible endpoints; leave it empty for AWS proper.
type Config struct {
	EndpointURL string
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	KeyPrefix   string
}

// S3BlobStore implements core.BlobStore on an S3 bucket. Each stored blob
// gets a fresh UUID key; the returned receipt is the object key.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ core.BlobStore = (*S3BlobStore)(nil)

// Connect builds an S3 client from static credentials.
func Connect(cfg Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
	})
}

// NewS3BlobStore creates a store writing to cfg.Bucket via the given client.
func NewS3BlobStore(client *s3.Client, cfg Config) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}
}

// Store uploads blob under a fresh key and returns the key as receipt.
func (s *S3BlobStore) Store(ctx context.Context, blob []byte) (string, error) {
	key := s.prefix + uuid.NewString()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", key, err)
	}
	return key, nil
}

// Health checks that the bucket is reachable.
func (s *S3BlobStore) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}
