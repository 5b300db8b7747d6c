package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// GCSBackend stores entries as objects in a Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewGCS creates a Cloud Storage backend. All objects live under prefix.
func NewGCS(client *storage.Client, bucket, prefix string, logger *slog.Logger) *GCSBackend {
	return &GCSBackend{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

func (b *GCSBackend) object(key string) string {
	return b.prefix + key + ".json"
}

func (b *GCSBackend) retryOpts(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Get reads the object for key.
func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}
	var data []byte
	err := retry.Do(
		func() error {
			r, err := b.client.Bucket(b.bucket).Object(b.object(key)).NewReader(ctx)
			if err != nil {
				// Don't retry on "not found" errors
				if errors.Is(err, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
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
func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	err := retry.Do(
		func() error {
			w := b.client.Bucket(b.bucket).Object(b.object(key)).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		b.retryOpts(ctx, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// PutAll writes every entry. Cloud Storage has no multi-object
// transaction, so on failure the entries already written are restored.
func (b *GCSBackend) PutAll(ctx context.Context, entries map[string][]byte) error {
	return putAllRestoring(ctx, b, entries, b.logger)
}

// Delete removes the object for key.
func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	err := retry.Do(
		func() error {
			if err := b.client.Bucket(b.bucket).Object(b.object(key)).Delete(ctx); err != nil {
				// Deletion is idempotent
				if errors.Is(err, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		b.retryOpts(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}
