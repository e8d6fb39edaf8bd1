// Package ratelimit implements fixed-window request limits for the captive
// portal, backed by Redis when configured and by process memory otherwise.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisBreakerDuration = 30 * time.Second

type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

type memoryEntry struct {
	window int64
	count  int
}

// MemoryLimiter counts requests per key in the current window.
type MemoryLimiter struct {
	window time.Duration

	mu       sync.Mutex
	counters map[string]*memoryEntry
}

func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{window: window, counters: make(map[string]*memoryEntry)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	slot, reset := windowSlot(now, l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.counters[key]
	if entry == nil {
		entry = &memoryEntry{window: slot}
		l.counters[key] = entry
	}
	if entry.window != slot {
		entry.window = slot
		entry.count = 0
	}
	if entry.count >= limit {
		return Result{Allowed: false, Reset: reset}, nil
	}
	entry.count++
	return Result{Allowed: true, Remaining: limit - entry.count, Reset: reset}, nil
}

// Prune drops counters from past windows.
func (l *MemoryLimiter) Prune(now time.Time) {
	slot, _ := windowSlot(now, l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.counters {
		if e.window != slot {
			delete(l.counters, k)
		}
	}
}

var redisIncrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, prefix string, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, prefix: strings.TrimSpace(prefix), window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	slot, reset := windowSlot(now, l.window)
	redisKey := key + ":" + strconv.FormatInt(slot, 10)
	if l.prefix != "" {
		redisKey = l.prefix + ":" + redisKey
	}
	count, err := redisIncrScript.Run(ctx, l.client, []string{redisKey}, (l.window + time.Second).Milliseconds()).Int64()
	if err != nil {
		return Result{}, err
	}
	if count > int64(limit) {
		return Result{Allowed: false, Reset: reset}, nil
	}
	return Result{Allowed: true, Remaining: limit - int(count), Reset: reset}, nil
}

// Fallback prefers the primary limiter and uses the secondary while the
// primary is failing. A primary error opens a breaker for 30 seconds.
type Fallback struct {
	primary   Limiter
	secondary Limiter

	mu           sync.Mutex
	breakerUntil time.Time
}

func NewFallback(primary, secondary Limiter) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error) {
	if f.primary != nil && !f.breakerActive(now) {
		res, err := f.primary.Allow(ctx, key, limit, now)
		if err == nil {
			return res, nil
		}
		f.trip(err, now)
	}
	return f.secondary.Allow(ctx, key, limit, now)
}

func (f *Fallback) breakerActive(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Before(f.breakerUntil)
}

func (f *Fallback) trip(err error, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now.Before(f.breakerUntil) {
		return
	}
	f.breakerUntil = now.Add(redisBreakerDuration)
	log.WithError(err).Warn("rate limit: redis unavailable, falling back to memory")
}

func windowSlot(now time.Time, window time.Duration) (int64, time.Time) {
	slot := now.UnixNano() / int64(window)
	return slot, time.Unix(0, (slot+1)*int64(window)).UTC()
}
