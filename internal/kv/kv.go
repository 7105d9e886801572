// Package kv provides the ephemeral key-value store and named distributed
// locks used for streaming content caching, cross-worker cancel flags, the
// task-streaming registry, and scheduler mutual exclusion.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Extend/Release when the caller does not hold
// the lock (wrong token or already expired).
var ErrNotHeld = errors.New("lock not held")

// Store is an ephemeral KV with per-key TTL. A zero TTL means no expiry.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value and whether the key exists (and is unexpired).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// Locker provides named mutual-exclusion locks with TTL and refresh.
type Locker interface {
	// Acquire attempts an atomic set-if-absent. On success it returns an
	// opaque token required for Extend and Release.
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	// Extend renews the TTL of a held lock.
	Extend(ctx context.Context, name, token string, ttl time.Duration) error
	// Release drops the lock. Releasing a lock that is not held is a no-op.
	Release(ctx context.Context, name, token string) error
}

// Lock names used by the core.
const (
	LockCheckDueSubscriptions = "check_due_subscriptions"
	LockStartupInitialization = "startup_initialization"
)
