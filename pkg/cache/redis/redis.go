// Package redis provides a Redis-backed cache.Store.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heartline/heartline/pkg/cache"
)

// Config holds connection settings for the Redis cache.
type Config struct {
	// URL takes precedence over Address/Password/DB. A rediss:// scheme
	// enables TLS.
	URL string

	Address  string
	Password string
	DB       int
	TLS      bool

	// KeyPrefix is prepended to every key.
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultConfig returns a Config pointing at a local Redis.
func DefaultConfig() *Config {
	return &Config{
		Address:      "localhost:6379",
		KeyPrefix:    "heartline:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Options converts the config into go-redis options.
func (c *Config) Options() (*redis.Options, error) {
	var opts *redis.Options
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     c.Address,
			Password: c.Password,
			DB:       c.DB,
		}
		if c.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		opts.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		opts.WriteTimeout = c.WriteTimeout
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	return opts, nil
}

// NewClient creates a Redis client from cfg.
func NewClient(cfg *Config) (*redis.Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Store implements cache.Store on top of a redis.Cmdable.
type Store struct {
	client redis.Cmdable
	prefix string
	closer func() error
}

// New wraps an existing client. If client is a *redis.Client, Close closes it.
func New(client redis.Cmdable, prefix string) *Store {
	s := &Store{client: client, prefix: prefix}
	if c, ok := client.(*redis.Client); ok {
		s.closer = c.Close
	}
	return s
}

// Open creates a client from cfg and wraps it.
func Open(cfg *Config) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg.KeyPrefix), nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func unavailable(op string, err error) error {
	return &cache.UnavailableError{Op: op, Cause: err}
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return data, nil
}

// Set implements cache.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// SetIfAbsent implements cache.Store with SET NX.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// Invalidate implements cache.Store.
func (s *Store) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return unavailable("invalidate", err)
	}
	return nil
}

// PushRecent implements cache.Store. Append, trim and expire run in one
// MULTI/EXEC so readers never observe an untrimmed list.
func (s *Store) PushRecent(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	if maxLen <= 0 {
		return fmt.Errorf("invalid max length %d", maxLen)
	}
	k := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, value)
		pipe.LTrim(ctx, k, int64(-maxLen), -1)
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable("push", err)
	}
	return nil
}

// RecentRange implements cache.Store.
func (s *Store) RecentRange(ctx context.Context, key string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := s.client.LRange(ctx, s.key(key), int64(-n), -1).Result()
	if err != nil {
		return nil, unavailable("range", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Ping implements cache.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements cache.Store.
func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
