package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
)

// NATSStore implements Store and Locker on a JetStream KeyValue bucket so
// flags and cached content are visible across workers.
//
// JetStream KV expires whole buckets, not individual keys, so per-key TTL
// is carried inside the value envelope and expired entries are treated as
// absent. Lock acquisition relies on Create/Update revision CAS.
type NATSStore struct {
	kv     nats.KeyValue
	logger *logger.Logger
}

type natsEnvelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"e,omitempty"` // unix nano, 0 means no expiry
}

// NewNATSStore binds (or creates) the KeyValue bucket.
func NewNATSStore(conn *nats.Conn, bucket string, log *logger.Logger) (*NATSStore, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	kvb, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kvb, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", bucket, err)
	}

	log.Info("Bound JetStream KV bucket", zap.String("bucket", bucket))
	return &NATSStore{kv: kvb, logger: log}, nil
}

func encodeEnvelope(value []byte, ttl time.Duration) ([]byte, error) {
	env := natsEnvelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl).UnixNano()
	}
	return json.Marshal(env)
}

func (e natsEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() > e.ExpiresAt
}

// getEnvelope returns the current entry, decoded, or ok=false when the key
// is missing, deleted, or expired.
func (s *NATSStore) getEnvelope(key string) (natsEnvelope, uint64, bool, error) {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return natsEnvelope{}, 0, false, nil
	}
	if err != nil {
		return natsEnvelope{}, 0, false, fmt.Errorf("kv get %s: %w", key, err)
	}

	var env natsEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return natsEnvelope{}, 0, false, fmt.Errorf("kv decode %s: %w", key, err)
	}
	if env.expired(time.Now()) {
		return env, entry.Revision(), false, nil
	}
	return env, entry.Revision(), true, nil
}

// Set stores a value with an optional TTL.
func (s *NATSStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := encodeEnvelope(value, ttl)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(key, data); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Get returns the value and whether the key exists and is unexpired.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	env, _, ok, err := s.getEnvelope(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return env.Value, true, nil
}

// Delete removes a key. Deleting a missing key is a no-op.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Acquire attempts an atomic set-if-absent with expiry.
func (s *NATSStore) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	key := lockPrefix + name
	token := uuid.New().String()
	data, err := encodeEnvelope([]byte(token), ttl)
	if err != nil {
		return "", false, err
	}

	// Fast path: key does not exist yet
	if _, err := s.kv.Create(key, data); err == nil {
		return token, true, nil
	}

	// Key exists; take it over only if the previous holder expired,
	// using the revision for compare-and-swap
	_, rev, alive, err := s.getEnvelope(key)
	if err != nil {
		return "", false, err
	}
	if alive {
		return "", false, nil
	}
	if rev == 0 {
		// Deleted between Create and Get; retry via Create once
		if _, err := s.kv.Create(key, data); err == nil {
			return token, true, nil
		}
		return "", false, nil
	}
	if _, err := s.kv.Update(key, data, rev); err != nil {
		// Lost the race to another worker
		return "", false, nil
	}
	return token, true, nil
}

// Extend renews the TTL of a held lock.
func (s *NATSStore) Extend(ctx context.Context, name, token string, ttl time.Duration) error {
	key := lockPrefix + name
	env, rev, alive, err := s.getEnvelope(key)
	if err != nil {
		return err
	}
	if !alive || string(env.Value) != token {
		return ErrNotHeld
	}

	data, err := encodeEnvelope([]byte(token), ttl)
	if err != nil {
		return err
	}
	if _, err := s.kv.Update(key, data, rev); err != nil {
		return ErrNotHeld
	}
	return nil
}

// Release drops the lock if the token matches; otherwise it is a no-op.
func (s *NATSStore) Release(ctx context.Context, name, token string) error {
	key := lockPrefix + name
	env, _, alive, err := s.getEnvelope(key)
	if err != nil {
		return err
	}
	if !alive || string(env.Value) != token {
		return nil
	}
	if err := s.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
