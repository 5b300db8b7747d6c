package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOBackend stores entries as objects in an S3-compatible bucket.
type MinIOBackend struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinIO connects to an S3-compatible endpoint and makes sure the bucket
// exists.
func NewMinIO(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, logger *slog.Logger) (*MinIOBackend, error) {
	logger.Info("Initializing MinIO storage", "endpoint", endpoint, "bucket", bucket, "use_ssl", useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", endpoint, err)
	}

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := client.BucketExists(ctx, bucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("make bucket %s: %w", bucket, err)
		}
		logger.Info("MinIO bucket already exists", "bucket", bucket)
	}

	return &MinIOBackend{client: client, bucket: bucket, logger: logger}, nil
}

func (b *MinIOBackend) object(key string) string {
	return "cache/" + key + ".json"
}

func (b *MinIOBackend) retryOpts(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(5 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying object operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Get reads the object for key.
func (b *MinIOBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}
	var data []byte
	err := retry.Do(
		func() error {
			obj, err := b.client.GetObject(ctx, b.bucket, b.object(key), minio.GetObjectOptions{})
			if err != nil {
				return fmt.Errorf("get object: %w", err)
			}
			defer func() {
				if closeErr := obj.Close(); closeErr != nil {
					b.logger.Warn("Failed to close object reader", "error", closeErr)
				}
			}()
			data, err = io.ReadAll(obj)
			if err != nil {
				if minio.ToErrorResponse(err).Code == "NoSuchKey" {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("read object: %w", err)
			}
			return nil
		},
		b.retryOpts(ctx, "get", key)...,
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Put writes the object for key.
func (b *MinIOBackend) Put(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	err := retry.Do(
		func() error {
			_, err := b.client.PutObject(ctx, b.bucket, b.object(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
				ContentType: "application/json",
			})
			return err
		},
		b.retryOpts(ctx, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// PutAll writes every entry, restoring previous contents on failure.
func (b *MinIOBackend) PutAll(ctx context.Context, entries map[string][]byte) error {
	return putAllRestoring(ctx, b, entries, b.logger)
}

// Delete removes the object for key.
func (b *MinIOBackend) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	if err := b.client.RemoveObject(ctx, b.bucket, b.object(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
