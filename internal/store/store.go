// Package store abstracts the ordered key-value store the dispatcher runs
// against. Redis is the production backend; Memory mirrors its semantics for
// tests.
package store

import (
	"context"
	"time"
)

// Store is the set of primitives the dispatcher and the intake path need.
// Any backend with an atomic conditional set and numeric range queries over
// a scored set can satisfy it.
type Store interface {
	// SetNX sets key to value with a TTL only if key is absent. It reports
	// whether this call created the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns an empty map when the key does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZRangeByScore returns members with score in (-inf, max], ascending by
	// score. A limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Schedule adds member to the queue and writes its record in one
	// transaction.
	Schedule(ctx context.Context, queueKey, member string, score float64, recordKey string, fields map[string]string) error
	// Complete deletes the record and removes member from the queue in one
	// transaction.
	Complete(ctx context.Context, queueKey, member, recordKey string) error

	Ping(ctx context.Context) error
}
