// Package storage is the opaque key-value cache used for instant paint and
// for persisting wizard state between sessions.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNotFound is returned when a key has no usable value.
var ErrNotFound = errors.New("storage: object doesn't exist")

// IsNotFound checks if an error indicates a missing or unreadable entry.
// Errors that went through retry lose their chain, so the message is
// matched as well.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), ErrNotFound.Error()))
}

// Backend is a raw byte store. PutAll must apply all entries or none.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	PutAll(ctx context.Context, entries map[string][]byte) error
	Delete(ctx context.Context, key string) error
}

// envelope is the on-disk shape of every cached value.
type envelope struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Entry is one key/value pair for SaveAll.
type Entry struct {
	Key   string
	Value any
}

// Store wraps a Backend with timestamped JSON envelopes.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new cache store.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the clock used to stamp entries.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Load decodes the value stored under key into v and returns the time it
// was written. Corrupt entries are reported as ErrNotFound.
func (s *Store) Load(ctx context.Context, key string, v any) (time.Time, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("Discarding unreadable cache entry", "key", key, "error", err)
		return time.Time{}, fmt.Errorf("unmarshal envelope %s: %w", key, ErrNotFound)
	}
	if len(env.Data) == 0 {
		return time.Time{}, fmt.Errorf("empty envelope %s: %w", key, ErrNotFound)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.logger.Warn("Discarding unreadable cache payload", "key", key, "error", err)
		return time.Time{}, fmt.Errorf("unmarshal payload %s: %w", key, ErrNotFound)
	}
	return env.Timestamp, nil
}

// Save writes v under key with the current timestamp.
func (s *Store) Save(ctx context.Context, key string, v any) error {
	data, err := s.encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.logger.Debug("Cache entry saved", "key", key, "bytes", len(data))
	return nil
}

// SaveAll writes all entries in one backend transaction.
func (s *Store) SaveAll(ctx context.Context, entries ...Entry) error {
	batch := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := s.encode(e.Value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		batch[e.Key] = data
	}
	if err := s.backend.PutAll(ctx, batch); err != nil {
		return fmt.Errorf("put batch: %w", err)
	}
	s.logger.Debug("Cache batch saved", "keys", len(batch))
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// LoadString reads a string value written by Save.
func (s *Store) LoadString(ctx context.Context, key string) (string, error) {
	var v string
	if _, err := s.Load(ctx, key, &v); err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Timestamp: s.now(), Data: data})
}

// UserKey scopes a cache key to a user. Ids made of letters, digits, '_'
// and '-' are used as is; any other id (emails, "auth0|..." subjects) is
// replaced by "u." and its sha256, which a plain id can never look like.
func UserKey(prefix string, userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "anon"
	}
	if !plainID(userID) {
		sum := sha256.Sum256([]byte(userID))
		userID = "u." + hex.EncodeToString(sum[:])
	}
	return prefix + ":" + userID
}

func plainID(id string) bool {
	if len(id) > 64 {
		return false
	}
	for _, c := range id {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '-'
		if !ok {
			return false
		}
	}
	return true
}

// objectBackend is a backend without multi-object transactions.
type objectBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// putAllRestoring writes every entry through b. On failure the entries
// already written are restored to their previous contents, or deleted if
// they did not exist.
func putAllRestoring(ctx context.Context, b objectBackend, entries map[string][]byte, logger *slog.Logger) error {
	previous := make(map[string][]byte, len(entries))
	for key := range entries {
		old, err := b.Get(ctx, key)
		switch {
		case err == nil:
			previous[key] = old
		case IsNotFound(err):
			previous[key] = nil
		default:
			return fmt.Errorf("snapshot %s: %w", key, err)
		}
	}

	written := make([]string, 0, len(entries))
	for key, data := range entries {
		if err := b.Put(ctx, key, data); err != nil {
			for _, k := range written {
				var rbErr error
				if previous[k] == nil {
					rbErr = b.Delete(ctx, k)
				} else {
					rbErr = b.Put(ctx, k, previous[k])
				}
				if rbErr != nil {
					logger.Error("Failed to roll back storage entry", "key", k, "error", rbErr)
				}
			}
			return err
		}
		written = append(written, key)
	}
	return nil
}

// validKey rejects keys that could escape a backend's namespace.
func validKey(key string) bool {
	if key == "" || len(key) > 200 {
		return false
	}
	for _, c := range key {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			c == '_' || c == '-' || c == ':' || c == '.'
		if !ok {
			return false
		}
	}
	return !strings.Contains(key, "..")
}
