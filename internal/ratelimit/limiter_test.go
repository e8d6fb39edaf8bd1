package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res, _ := l.Allow(ctx, "ip:10.0.0.5", 3, now)
		if !res.Allowed || res.Remaining != 2-i {
			t.Fatalf("request %d: unexpected result %+v", i, res)
		}
	}
	res, _ := l.Allow(ctx, "ip:10.0.0.5", 3, now)
	if res.Allowed {
		t.Fatal("fourth request in the window must be limited")
	}
	if !res.Reset.Equal(time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset %v", res.Reset)
	}
	if res, _ := l.Allow(ctx, "ip:10.0.0.6", 3, now); !res.Allowed {
		t.Fatal("other keys are independent")
	}
	if res, _ := l.Allow(ctx, "ip:10.0.0.5", 3, now.Add(time.Minute)); !res.Allowed {
		t.Fatal("next window must allow again")
	}

	l.Prune(now.Add(2 * time.Minute))
	if len(l.counters) != 0 {
		t.Fatalf("expected stale counters pruned, got %d", len(l.counters))
	}
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedisLimiter(client, "acp:rl", time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "redeem:10.0.0.5", 2, now)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: %+v err=%v", i, res, err)
		}
	}
	res, err := l.Allow(ctx, "redeem:10.0.0.5", 2, now)
	if err != nil || res.Allowed {
		t.Fatalf("expected limit, got %+v err=%v", res, err)
	}
}

type failingLimiter struct{ calls int }

func (f *failingLimiter) Allow(context.Context, string, int, time.Time) (Result, error) {
	f.calls++
	return Result{}, errors.New("connection refused")
}

func TestFallback_UsesMemoryWhileBreakerOpen(t *testing.T) {
	primary := &failingLimiter{}
	f := NewFallback(primary, NewMemoryLimiter(time.Minute))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res, err := f.Allow(ctx, "k", 5, now.Add(time.Duration(i)*time.Second))
		if err != nil || !res.Allowed {
			t.Fatalf("unexpected %+v err=%v", res, err)
		}
	}
	if primary.calls != 1 {
		t.Fatalf("breaker should skip the primary, got %d calls", primary.calls)
	}
	_, _ = f.Allow(ctx, "k", 5, now.Add(31*time.Second))
	if primary.calls != 2 {
		t.Fatalf("primary should be retried after the breaker, got %d calls", primary.calls)
	}
}
