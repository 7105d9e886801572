package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, StreamingContentKey(101), []byte("hello"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := store.Get(ctx, StreamingContentKey(101))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected key to exist")
	}
	if string(value) != "hello" {
		t.Errorf("Expected value hello, got %s", value)
	}

	if err := store.Delete(ctx, StreamingContentKey(101)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, StreamingContentKey(101))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Expected key to be deleted")
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, ok, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Expected missing key to not exist")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, StreamingCancelKey(7), []byte("1"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, ok, _ := store.Get(ctx, StreamingCancelKey(7))
	if !ok {
		t.Fatal("Expected key to exist before expiry")
	}

	time.Sleep(30 * time.Millisecond)

	_, ok, _ = store.Get(ctx, StreamingCancelKey(7))
	if ok {
		t.Error("Expected key to be expired")
	}
}

func TestMemoryStore_OverwriteResetsTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v1"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, "k", []byte("v2"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	value, ok, _ := store.Get(ctx, "k")
	if !ok {
		t.Fatal("Expected key to survive: second Set removed the TTL")
	}
	if string(value) != "v2" {
		t.Errorf("Expected v2, got %s", value)
	}
}

func TestMemoryStore_LockExclusivity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	token, ok, err := store.Acquire(ctx, LockCheckDueSubscriptions, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected first acquire to succeed")
	}
	if token == "" {
		t.Fatal("Expected a non-empty token")
	}

	// Second acquire must fail while held
	_, ok, err = store.Acquire(ctx, LockCheckDueSubscriptions, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ok {
		t.Error("Expected second acquire to fail while lock is held")
	}

	// Release, then acquire again
	if err := store.Release(ctx, LockCheckDueSubscriptions, token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	_, ok, err = store.Acquire(ctx, LockCheckDueSubscriptions, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Error("Expected acquire to succeed after release")
	}
}

func TestMemoryStore_LockExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := store.Acquire(ctx, "short", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Acquire failed: ok=%v err=%v", ok, err)
	}

	time.Sleep(30 * time.Millisecond)

	// Expired lock can be taken by another worker
	_, ok, err = store.Acquire(ctx, "short", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Error("Expected acquire to succeed after lock expiry")
	}
}

func TestMemoryStore_Extend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	token, ok, err := store.Acquire(ctx, "scan", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Acquire failed: ok=%v err=%v", ok, err)
	}

	// Watchdog refresh keeps the lock alive past its original TTL
	if err := store.Extend(ctx, "scan", token, time.Minute); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	_, ok, _ = store.Acquire(ctx, "scan", time.Minute)
	if ok {
		t.Error("Expected lock to still be held after extend")
	}

	// Extend with the wrong token must fail
	if err := store.Extend(ctx, "scan", "bogus", time.Minute); err != ErrNotHeld {
		t.Errorf("Expected ErrNotHeld, got %v", err)
	}
}

func TestMemoryStore_ReleaseWrongTokenIsNoop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	token, ok, err := store.Acquire(ctx, "guarded", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire failed: ok=%v err=%v", ok, err)
	}

	// Releasing with a stale token must not drop the current holder
	if err := store.Release(ctx, "guarded", "stale"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	_, ok, _ = store.Acquire(ctx, "guarded", time.Minute)
	if ok {
		t.Error("Expected lock to still be held after wrong-token release")
	}

	if err := store.Release(ctx, "guarded", token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}
