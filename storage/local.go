package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalBackend stores entries as files in a directory. Used for local
// development and for on-device style caching.
type LocalBackend struct {
	dir    string
	logger *slog.Logger
}

// NewLocal creates the directory if needed and returns a file backend.
func NewLocal(dir string, logger *slog.Logger) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &LocalBackend{dir: dir, logger: logger}, nil
}

func (b *LocalBackend) path(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(b.dir, key+".json"), nil
}

// Get reads the file for key.
func (b *LocalBackend) Get(_ context.Context, key string) ([]byte, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

// Put writes the file for key via a temp file and rename.
func (b *LocalBackend) Put(ctx context.Context, key string, data []byte) error {
	return b.PutAll(ctx, map[string][]byte{key: data})
}

// PutAll stages every entry to a temp file first and renames only after all
// writes succeeded, so a failure leaves previous values in place.
func (b *LocalBackend) PutAll(_ context.Context, entries map[string][]byte) error {
	staged := make(map[string]string, len(entries))
	cleanup := func() {
		for tmp := range staged {
			if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
				b.logger.Warn("Failed to remove staged file", "path", tmp, "error", err)
			}
		}
	}

	for key, data := range entries {
		p, err := b.path(key)
		if err != nil {
			cleanup()
			return err
		}
		f, err := os.CreateTemp(b.dir, ".staged-*")
		if err != nil {
			cleanup()
			return fmt.Errorf("stage %s: %w", key, err)
		}
		staged[f.Name()] = p
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			cleanup()
			return fmt.Errorf("write staged %s: %w", key, err)
		}
		if err := f.Close(); err != nil {
			cleanup()
			return fmt.Errorf("close staged %s: %w", key, err)
		}
	}

	for tmp, p := range staged {
		if err := os.Rename(tmp, p); err != nil {
			cleanup()
			return fmt.Errorf("commit %s: %w", p, err)
		}
		delete(staged, tmp)
	}
	return nil
}

// Delete removes the file for key.
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}
