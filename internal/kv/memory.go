package kv

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and Locker for single-worker
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Set stores a value with an optional TTL.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Get returns the value and whether the key exists and is unexpired.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Delete removes a key. Deleting a missing key is a no-op.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

const lockPrefix = "lock."

// Acquire attempts an atomic set-if-absent with expiry.
func (m *MemoryStore) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockPrefix + name
	now := time.Now()
	if entry, ok := m.entries[key]; ok && !entry.expired(now) {
		return "", false, nil
	}

	token := uuid.New().String()
	m.entries[key] = memoryEntry{value: []byte(token), expiresAt: now.Add(ttl)}
	return token, true, nil
}

// Extend renews the TTL of a held lock.
func (m *MemoryStore) Extend(ctx context.Context, name, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockPrefix + name
	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) || string(entry.value) != token {
		return ErrNotHeld
	}
	entry.expiresAt = time.Now().Add(ttl)
	m.entries[key] = entry
	return nil
}

// Release drops the lock if the token matches; otherwise it is a no-op.
func (m *MemoryStore) Release(ctx context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockPrefix + name
	entry, ok := m.entries[key]
	if !ok || string(entry.value) != token {
		return nil
	}
	delete(m.entries, key)
	return nil
}
