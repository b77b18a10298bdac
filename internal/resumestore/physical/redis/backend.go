// Package redis stores resume blobs as Redis strings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/creditmine/internal/resumestore/physical"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyKeyPrefix    = "key_prefix"

	scanBatchSize = 500
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyKeyPrefix:    "creditmine:resume:",
	}
}

// NewFactory connects to Redis and verifies the connection with PING.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	opts := physical.NewOptions("redis", config)

	addr, err := opts.Required(KeyAddr)
	if err != nil {
		return nil, err
	}
	db, err := opts.Int(KeyDB, 0)
	if err != nil {
		return nil, err
	}
	if db < 0 {
		return nil, opts.Invalid(KeyDB, "must be non-negative", nil)
	}
	maxRetries, err := opts.Int(KeyMaxRetries, 3)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := opts.Duration(KeyDialTimeout, 0)
	if err != nil {
		return nil, err
	}
	readTimeout, err := opts.Duration(KeyReadTimeout, 0)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := opts.Duration(KeyWriteTimeout, 0)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.String(KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	pingCtx := ctx
	if dialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, opts.Invalid(KeyAddr, "failed to connect", err)
	}

	prefix := opts.String(KeyKeyPrefix, "creditmine:resume:")
	slog.Info("redis resume store initialized", "addr", addr, "db", db, "key_prefix", prefix)
	return NewWithClient(client, prefix), nil
}

// Backend is a Redis implementation of physical.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) key(name string) string {
	return b.prefix + name
}

// Put stores a blob. SET replaces the value atomically.
func (b *Backend) Put(ctx context.Context, name string, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if err := b.client.Set(ctx, b.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Get reads a blob.
func (b *Backend) Get(ctx context.Context, name string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	data, err := b.client.Get(ctx, b.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}
	n, err := b.client.Exists(ctx, b.key(name)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Delete removes a blob.
func (b *Backend) Delete(ctx context.Context, name string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if err := b.client.Del(ctx, b.key(name)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// List scans keys under the configured prefix.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var names []string
	it := b.client.Scan(ctx, 0, b.prefix+"*", scanBatchSize).Iterator()
	for it.Next(ctx) {
		names = append(names, strings.TrimPrefix(it.Val(), b.prefix))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	return names, nil
}

// Close closes the client.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
