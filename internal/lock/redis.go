package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds keys as Redis leases so replicas of the API and the
// jobs worker exclude each other. The lease TTL bounds how long a crashed
// holder can block a key.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: strings.TrimSpace(prefix),
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock redis: client not configured")
	}
	redisKey := l.buildKey(key)
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return func() {
		// Release on a fresh context; the caller's may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.WithError(err).WithField("key", key).Warn("lock redis: release failed")
		}
	}, nil
}

func (l *RedisLocker) buildKey(key string) string {
	if l.prefix == "" {
		return "lock:" + key
	}
	return l.prefix + ":lock:" + key
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
