package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_FirstClaimWins(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), 0)
	ctx := context.Background()

	ok, err := svc.Claim(ctx, "n-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	ok, err = svc.Claim(ctx, "n-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("second claim should be rejected")
	}

	if got, _ := mr.Get("idempotency:n-1"); got != processingMarker {
		t.Fatalf("expected marker %q, got %q", processingMarker, got)
	}
	if ttl := mr.TTL("idempotency:n-1"); ttl != time.Hour {
		t.Fatalf("expected default ttl 1h, got %v", ttl)
	}
}

func TestIdempotencyService_ClaimExpires(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), time.Minute)
	ctx := context.Background()

	if ok, _ := svc.Claim(ctx, "n-2"); !ok {
		t.Fatal("first claim should succeed")
	}

	mr.FastForward(61 * time.Second)

	ok, err := svc.Claim(ctx, "n-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("claim should succeed after ttl expiry")
	}
}

func TestIdempotencyService_ConcurrentClaims(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), 0)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Claim(ctx, "n-concurrent")
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins.Load())
	}
}

func TestIdempotencyService_StoreErrorPropagates(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), 0)
	mr.SetError("READONLY replica")

	ok, err := svc.Claim(context.Background(), "n-3")
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
	if ok {
		t.Fatal("failed claim must not report success")
	}
}

func TestStatusStore_SetAndGet(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewStatusStore(client, zap.NewNop())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	if err := store.SetStatus(ctx, "n-4", StatusQueued); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if got := mr.HGet("notif:n-4", "status"); got != StatusQueued {
		t.Fatalf("expected queued in hash, got %q", got)
	}

	st, err := store.GetStatus(ctx, "n-4")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st.Status != StatusQueued || !st.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected status: %+v", st)
	}

	if err := store.SetStatus(ctx, "n-4", StatusScheduled); err != nil {
		t.Fatalf("overwrite status: %v", err)
	}
	st, _ = store.GetStatus(ctx, "n-4")
	if st.Status != StatusScheduled {
		t.Fatalf("expected overwritten status, got %q", st.Status)
	}
}

func TestStatusStore_NotFound(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewStatusStore(client, zap.NewNop())
	if _, err := store.GetStatus(context.Background(), "missing"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}

func TestClient_JSONCache(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	type payload struct {
		Name string `json:"name"`
	}

	var out payload
	if err := client.GetJSON(ctx, "k", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	if err := client.SetJSON(ctx, "k", payload{Name: "ada"}, 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := client.GetJSON(ctx, "k", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Name != "ada" {
		t.Fatalf("expected ada, got %q", out.Name)
	}
	if ttl := mr.TTL("k"); ttl != 5*time.Minute {
		t.Fatalf("expected 5m ttl, got %v", ttl)
	}
}
