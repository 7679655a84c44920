package cache

import (
	"context"
	"testing"
	"time"
)

func TestLocalBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBackend(10, time.Minute)

	if err := b.Set(ctx, "k1", "v1", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, ok, err := b.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || val != "v1" {
		t.Errorf("Get = (%q, %v), want (v1, true)", val, ok)
	}
}

func TestLocalBackendTTLExpiry(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBackend(10, time.Minute)

	current := time.Now()
	b.now = func() time.Time { return current }

	if err := b.Set(ctx, "k1", "v1", 5*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Still fresh
	if _, ok, _ := b.Get(ctx, "k1"); !ok {
		t.Fatal("expected hit before expiry")
	}

	// Jump past the TTL
	current = current.Add(6 * time.Second)
	if _, ok, _ := b.Get(ctx, "k1"); ok {
		t.Error("expected miss after expiry")
	}
}

func TestLocalBackendLRUEviction(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBackend(2, time.Minute)

	b.Set(ctx, "a", "1", time.Minute)
	b.Set(ctx, "b", "2", time.Minute)

	// Touch "a" so "b" becomes the LRU victim
	b.Get(ctx, "a")

	b.Set(ctx, "c", "3", time.Minute)

	if _, ok, _ := b.Get(ctx, "b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok, _ := b.Get(ctx, "a"); !ok {
		t.Error("expected a to survive")
	}
	if _, ok, _ := b.Get(ctx, "c"); !ok {
		t.Error("expected c to be present")
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
}

func TestLocalBackendClearPrefix(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBackend(10, time.Minute)

	b.Set(ctx, "p:1", "x", time.Minute)
	b.Set(ctx, "p:2", "y", time.Minute)
	b.Set(ctx, "r:1", "z", time.Minute)

	if err := b.Clear(ctx, "p:"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if _, ok, _ := b.Get(ctx, "p:1"); ok {
		t.Error("p:1 should be cleared")
	}
	if _, ok, _ := b.Get(ctx, "p:2"); ok {
		t.Error("p:2 should be cleared")
	}
	if _, ok, _ := b.Get(ctx, "r:1"); !ok {
		t.Error("r:1 should survive a p: clear")
	}
}
