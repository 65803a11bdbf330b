// Package kv abstracts the gateway's key-value store: nonce claims, rate
// counters, and per-model usage aggregates. Redis backs production; the
// in-memory store backs lite mode and tests.
package kv

import (
	"context"
	"time"
)

// Store is the key-value contract the request plane depends on. All
// operations are atomic at the store level; TTLs are applied only when an
// operation creates the key, so repeated writes never extend a window.
type Store interface {
	// SetNX stores value under key iff absent. Returns true when this
	// call claimed the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Incr atomically increments the counter at key and returns the
	// post-increment value. The TTL is set only on creation.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// HIncrBy increments field within the hash at key. The TTL is set
	// only when the hash has none yet.
	HIncrBy(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)

	// HGetAll returns the full hash at key; empty map when absent.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SAdd adds member to the set at key, setting the TTL on creation.
	SAdd(ctx context.Context, key, member string, ttl time.Duration) error

	// SMembers returns the members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}
