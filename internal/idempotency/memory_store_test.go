package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func checkoutResponse(body string) *Response {
	return &Response{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(body),
		CachedAt:   time.Now(),
	}
}

func TestMemoryStore_SetGetUpdateDelete(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	if _, found := store.Get(ctx, "missing"); found {
		t.Fatal("expected miss for unknown key")
	}

	if err := store.Set(ctx, "k", checkoutResponse(`{"url":"a"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "k", checkoutResponse(`{"url":"b"}`), time.Minute); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, found := store.Get(ctx, "k")
	if !found {
		t.Fatal("expected hit")
	}
	if string(got.Body) != `{"url":"b"}` {
		t.Errorf("body = %s, want updated value", got.Body)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, found := store.Get(ctx, "k"); found {
		t.Error("expected miss after delete")
	}
}

func TestMemoryStore_Expiration(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	_ = store.Set(ctx, "short", checkoutResponse(`{}`), 10*time.Millisecond)
	if _, found := store.Get(ctx, "short"); !found {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(30 * time.Millisecond)
	if _, found := store.Get(ctx, "short"); found {
		t.Error("expected miss after expiry")
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	store := NewMemoryStoreWithSize(3)
	defer store.Stop()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_ = store.Set(ctx, fmt.Sprintf("key%d", i), checkoutResponse(`{}`), time.Minute)
	}

	// Touch key1 so key2 becomes least recently used.
	_, _ = store.Get(ctx, "key1")
	_ = store.Set(ctx, "key4", checkoutResponse(`{}`), time.Minute)

	if _, found := store.Get(ctx, "key2"); found {
		t.Error("expected key2 to be evicted")
	}
	for _, key := range []string{"key1", "key3", "key4"} {
		if _, found := store.Get(ctx, key); !found {
			t.Errorf("expected %s to survive eviction", key)
		}
	}
}

func TestMemoryStore_ConcurrentAccessRespectsMaxSize(t *testing.T) {
	const maxSize = 100
	store := NewMemoryStoreWithSize(maxSize)
	defer store.Stop()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("user-%d:key-%d", worker, j)
				_ = store.Set(ctx, key, checkoutResponse(`{}`), time.Minute)
				_, _ = store.Get(ctx, key)
			}
		}(w)
	}
	wg.Wait()

	cacheSize := store.size()
	store.mu.Lock()
	lruSize := store.lru.Len()
	store.mu.Unlock()

	if cacheSize > maxSize {
		t.Errorf("cache size %d exceeds max %d", cacheSize, maxSize)
	}
	if cacheSize != lruSize {
		t.Errorf("cache size %d != lru size %d", cacheSize, lruSize)
	}
}

func TestMemoryStore_Claim(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	ok, err := store.Claim(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ok, _ := store.Claim(ctx, "k", time.Minute); ok {
		t.Error("second claim should fail while the key is in flight")
	}
	if _, found := store.Get(ctx, "k"); found {
		t.Error("a claimed key must not look like a cached response")
	}

	if err := store.Set(ctx, "k", checkoutResponse(`{}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Claim(ctx, "k", time.Minute); ok {
		t.Error("claim should fail once a response is stored")
	}

	_ = store.Delete(ctx, "k")
	if ok, _ := store.Claim(ctx, "k", time.Minute); !ok {
		t.Error("claim should succeed after delete")
	}
}

func TestMemoryStore_ClaimExpires(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	_, _ = store.Claim(ctx, "k", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if ok, _ := store.Claim(ctx, "k", time.Minute); !ok {
		t.Error("expired claim should be reclaimable")
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()
	ctx := context.Background()

	_ = store.Set(ctx, "old", checkoutResponse(`{}`), time.Millisecond)
	_ = store.Set(ctx, "fresh", checkoutResponse(`{}`), time.Hour)
	store.sweep(time.Now().Add(time.Second))

	if got := store.size(); got != 1 {
		t.Errorf("size after sweep = %d, want 1", got)
	}
}

func TestMemoryStore_CloseIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}
