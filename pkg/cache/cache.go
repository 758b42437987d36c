// Package cache defines the cache-aside store used in front of the record
// store for relationships, conversations, rolling message lists and
// summaries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is the expiry applied to cached entries unless configured otherwise.
const DefaultTTL = time.Hour

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// ErrUnavailable matches any UnavailableError via errors.Is.
var ErrUnavailable = errors.New("cache unavailable")

// UnavailableError indicates the cache backend could not serve a request.
// Callers treat it as non-fatal and fall through to the record store.
type UnavailableError struct {
	Op    string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable during %s: %v", e.Op, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// Is reports ErrUnavailable as a match.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Store is a key/value cache with TTL and rolling lists.
type Store interface {
	// Get returns the value stored at key or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key for ttl. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent stores value at key only when no live entry exists and
	// reports whether it did. Read paths fill the cache with it so an
	// older record never replaces one written after it.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Invalidate removes the given keys. Missing keys are ignored.
	Invalidate(ctx context.Context, keys ...string) error
	// PushRecent appends value to the list at key, trims it to the newest
	// maxLen entries and refreshes its ttl.
	PushRecent(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error
	// RecentRange returns up to the newest n entries of the list, oldest first.
	RecentRange(ctx context.Context, key string, n int) ([][]byte, error)
	// Ping checks backend health.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// GetJSON reads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A corrupt entry is as good as a miss.
		_ = s.Invalidate(ctx, key)
		return fmt.Errorf("%w: decode %s: %v", ErrMiss, key, err)
	}
	return nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// SetJSONIfAbsent encodes v and stores it at key unless key is present.
func SetJSONIfAbsent(ctx context.Context, s Store, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.SetIfAbsent(ctx, key, data, ttl)
}

// PushJSON encodes v and appends it to the rolling list at key.
func PushJSON(ctx context.Context, s Store, key string, v any, maxLen int, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.PushRecent(ctx, key, data, maxLen, ttl)
}
