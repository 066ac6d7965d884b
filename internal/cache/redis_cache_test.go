package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/medication-reminders/internal/model"
)

var day = model.Date{Year: 2026, Month: time.October, Day: 15}

func newTestCache(t *testing.T, owner string) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisCache(rdb, owner, time.Minute, time.Hour), mr
}

func TestRedisCache_StoreSent_Success(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t, "worker-a")

	ctx := context.Background()
	sentAt := time.Date(2026, 10, 15, 8, 0, 3, 0, time.UTC)

	if err := cache.StoreSent(ctx, "item-42", "remote-123", day, sentAt); err != nil {
		t.Fatalf("StoreSent() error: %v", err)
	}

	key := "sent:item-42"

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}

	ttlRemaining := mr.TTL(key)
	if ttlRemaining <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttlRemaining)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got sentValue
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}

	if got.RemoteMessageID != "remote-123" || got.Date != "2026-10-15" {
		t.Fatalf("unexpected value: %+v", got)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected SentAt %v, got %v", sentAt, got.SentAt)
	}
}

func TestRedisCache_ClaimIsExclusivePerOccurrence(t *testing.T) {
	t.Parallel()

	a, mr := newTestCache(t, "worker-a")
	b := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "worker-b", time.Minute, time.Hour)
	ctx := context.Background()

	ok, err := a.Claim(ctx, "item-1", day)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = b.Claim(ctx, "item-1", day)
	if err != nil || ok {
		t.Fatalf("competing claim must fail: ok=%v err=%v", ok, err)
	}
	ok, err = b.Claim(ctx, "item-1", day.AddDays(1))
	if err != nil || !ok {
		t.Fatalf("claim for another date: ok=%v err=%v", ok, err)
	}

	if ttl := mr.TTL("claim:item-1:2026-10-15"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected claim TTL %v", ttl)
	}
}

func TestRedisCache_ReleaseOnlyDropsOwnClaim(t *testing.T) {
	t.Parallel()

	a, mr := newTestCache(t, "worker-a")
	b := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "worker-b", time.Minute, time.Hour)
	ctx := context.Background()

	if ok, _ := a.Claim(ctx, "item-1", day); !ok {
		t.Fatalf("expected claim")
	}
	if err := b.Release(ctx, "item-1", day); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !mr.Exists("claim:item-1:2026-10-15") {
		t.Fatalf("a foreign release must not drop the claim")
	}

	if err := a.Release(ctx, "item-1", day); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if mr.Exists("claim:item-1:2026-10-15") {
		t.Fatalf("expected claim released")
	}
	if ok, _ := b.Claim(ctx, "item-1", day); !ok {
		t.Fatalf("expected claim available after release")
	}
}

func TestRedisCache_ClaimExpires(t *testing.T) {
	t.Parallel()

	a, mr := newTestCache(t, "worker-a")
	ctx := context.Background()

	if ok, _ := a.Claim(ctx, "item-1", day); !ok {
		t.Fatalf("expected claim")
	}
	mr.FastForward(2 * time.Minute)
	if ok, _ := a.Claim(ctx, "item-1", day); !ok {
		t.Fatalf("expected claim to be available after TTL")
	}
}

func TestRedisCache_ContextCanceled(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, "worker-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreSent(ctx, "item-1", "x", day, time.Now()); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
	if _, err := cache.Claim(ctx, "item-1", day); err == nil {
		t.Fatalf("expected claim error due to canceled context, got nil")
	}
}

func TestNop(t *testing.T) {
	t.Parallel()

	var c DispatchCache = Nop{}
	ok, err := c.Claim(context.Background(), "i", day)
	if !ok || err != nil {
		t.Fatalf("Nop claim: ok=%v err=%v", ok, err)
	}
}
