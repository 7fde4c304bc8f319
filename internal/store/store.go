// Package store abstracts the durable key-value service backing all chat
// state. Keys optionally carry a TTL; lists back the per-room message logs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores the value only if the key is absent; reports whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	// Scan returns one page of keys matching the glob pattern. Callers must
	// loop until the returned cursor is zero; the store may shard internally
	// and never guarantees single-page completeness.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LRangeBulk fetches the same range across many lists in one round trip.
	LRangeBulk(ctx context.Context, keys []string, start, stop int64) (map[string][]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRem(ctx context.Context, key string, count int64, value string) error

	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// ScanAll drains every page of a pattern scan.
func ScanAll(ctx context.Context, s Store, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := s.Scan(ctx, cursor, pattern, 100)
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
