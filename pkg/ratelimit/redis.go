package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var admitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares windows across reconciler replicas. Any redis failure
// falls through to the process-local limiter.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
	Log      *zap.Logger
}

func NewRedis(client *redis.Client, w time.Duration, log *zap.Logger) *RedisLimiter {
	if w <= 0 {
		w = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLimiter{
		Client:   client,
		Window:   w,
		Prefix:   "recon:admit:",
		Fallback: NewInMemory(w),
		Log:      log,
	}
}

// New picks redis when a client is configured.
func New(client *redis.Client, w time.Duration, log *zap.Logger) Limiter {
	if client == nil {
		return NewInMemory(w)
	}
	return NewRedis(client, w, log)
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	vals, err := admitScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) < 2 {
		if l.Log != nil {
			l.Log.Warn("run admission falling back to local window", zap.String("key", key), zap.Error(err))
		}
		return l.fallback(ctx, key, limit)
	}
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return decide(int(vals[0]), limit, time.Now().UTC().Add(ttl))
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback == nil {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
	}
	return l.Fallback.Allow(ctx, key, limit)
}
