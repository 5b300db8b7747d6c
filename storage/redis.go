package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "classifieds:"

// RedisBackend stores entries as plain Redis string keys.
type RedisBackend struct {
	client *redis.Client
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

// Get returns the value for key.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}
	val, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s from redis: %w", key, err)
	}
	return val, nil
}

// Put sets the value for key without expiry; freshness is decided by the
// envelope timestamp.
func (b *RedisBackend) Put(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	if err := b.client.Set(ctx, redisKeyPrefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s to redis: %w", key, err)
	}
	return nil
}

// PutAll sets every key inside one MULTI/EXEC transaction.
func (b *RedisBackend) PutAll(ctx context.Context, entries map[string][]byte) error {
	for key := range entries {
		if !validKey(key) {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, data := range entries {
			pipe.Set(ctx, redisKeyPrefix+key, data, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis transaction: %w", err)
	}
	return nil
}

// Delete removes key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	if err := b.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete %s from redis: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
