package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	backend, err := NewLocal(dir, logger)
	require.NoError(t, err)
	return New(backend, logger), dir
}

func TestStoreRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	written := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return written })
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "threads:42", []string{"a", "b"}))

	var got []string
	ts, err := store.Load(ctx, "threads:42", &got)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.True(t, written.Equal(ts))
}

func TestStoreMissingKey(t *testing.T) {
	store, _ := newTestStore(t)
	var got []string
	_, err := store.Load(context.Background(), "nothing-here", &got)
	assert.True(t, IsNotFound(err))
}

func TestStoreCorruptEntryIsMiss(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "threads:7.json"), []byte("{not json"), 0o600))

	var got []string
	_, err := store.Load(context.Background(), "threads:7", &got)
	assert.True(t, IsNotFound(err), "corrupt cache must read as a miss, got %v", err)
}

func TestStoreSaveAll(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAll(ctx,
		Entry{Key: "threads:1", Value: []int{1, 2}},
		Entry{Key: "live_contacts:1", Value: []int{3}},
	))

	var a, b []int
	_, err := store.Load(ctx, "threads:1", &a)
	require.NoError(t, err)
	_, err = store.Load(ctx, "live_contacts:1", &b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, a)
	assert.Equal(t, []int{3}, b)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".staged-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStoreSaveAllInvalidKeyWritesNothing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.SaveAll(ctx,
		Entry{Key: "threads:1", Value: 1},
		Entry{Key: "../escape", Value: 2},
	)
	require.Error(t, err)

	var v int
	_, err = store.Load(ctx, "threads:1", &v)
	assert.True(t, IsNotFound(err))
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "selected_city", "Berlin"))
	require.NoError(t, store.Delete(ctx, "selected_city"))
	require.NoError(t, store.Delete(ctx, "selected_city"))

	_, err := store.LoadString(ctx, "selected_city")
	assert.True(t, IsNotFound(err))
}

func TestUserKey(t *testing.T) {
	assert.Equal(t, "threads:42", UserKey("threads", "42"))
	assert.Equal(t, "threads:user_7-b", UserKey("threads", "user_7-b"))
	assert.Equal(t, "threads:anon", UserKey("threads", "  "))

	for _, id := range []string{"auth0|abc123", "ana@example.com", "a/../b", "u.x", strings.Repeat("9", 300)} {
		key := UserKey("threads", id)
		assert.True(t, validKey(key), "UserKey(%q) = %q", id, key)
		assert.True(t, strings.HasPrefix(key, "threads:u."), key)
		assert.Equal(t, key, UserKey("threads", id), "stable for %q", id)
	}
	assert.NotEqual(t, UserKey("threads", "auth0|a"), UserKey("threads", "auth0|b"))
}

func TestUserKeyRoundTripsOnLocalBackend(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"auth0|x", "ana@example.com"} {
		key := UserKey("threads", id)
		require.NoError(t, store.SaveAll(ctx,
			Entry{Key: key, Value: []string{id}},
			Entry{Key: UserKey("live_contacts", id), Value: []string{}},
		))
		var got []string
		_, err := store.Load(ctx, key, &got)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, got)
	}
}

// flakyObjects is an in-memory objectBackend whose Put fails for one key.
type flakyObjects struct {
	data    map[string][]byte
	failPut string
}

func (f *flakyObjects) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (f *flakyObjects) Put(_ context.Context, key string, data []byte) error {
	if key == f.failPut {
		return errors.New("upload failed")
	}
	f.data[key] = data
	return nil
}

func (f *flakyObjects) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func TestPutAllRestoring(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("writes every entry", func(t *testing.T) {
		b := &flakyObjects{data: map[string][]byte{}}
		require.NoError(t, putAllRestoring(ctx, b, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, logger))
		assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, b.data)
	})

	t.Run("failure restores previous contents", func(t *testing.T) {
		// Map iteration order varies between runs.
		for range 10 {
			b := &flakyObjects{data: map[string][]byte{"a": []byte("old")}, failPut: "c"}
			err := putAllRestoring(ctx, b, map[string][]byte{
				"a": []byte("new"),
				"b": []byte("new"),
				"c": []byte("new"),
			}, logger)
			require.Error(t, err)
			assert.Equal(t, map[string][]byte{"a": []byte("old")}, b.data)
		}
	})
}

func newTestRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedis(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisPutAll(t *testing.T) {
	b, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, b.PutAll(ctx, map[string][]byte{
		"threads:1":       []byte("[1]"),
		"live_contacts:1": []byte("[2]"),
	}))
	got, err := b.Get(ctx, "threads:1")
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(got))
	assert.True(t, mr.Exists(redisKeyPrefix+"live_contacts:1"))

	_, err = b.Get(ctx, "threads:2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisPutAllFailureWritesNothing(t *testing.T) {
	b, mr := newTestRedis(t)
	ctx := context.Background()

	mr.SetError("READONLY replica")
	err := b.PutAll(ctx, map[string][]byte{"threads:1": []byte("[1]"), "live_contacts:1": []byte("[2]")})
	require.Error(t, err)
	mr.SetError("")

	assert.False(t, mr.Exists(redisKeyPrefix+"threads:1"))
	assert.False(t, mr.Exists(redisKeyPrefix+"live_contacts:1"))

	err = b.PutAll(ctx, map[string][]byte{"threads:1": []byte("[1]"), "../escape": []byte("x")})
	require.Error(t, err)
	assert.False(t, mr.Exists(redisKeyPrefix+"threads:1"))
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"threads:42", true},
		{"category_fields:9", true},
		{"", false},
		{"../etc/passwd", false},
		{"a/b", false},
		{"a..b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validKey(tt.key), "validKey(%q)", tt.key)
	}
}
