package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker guards a (property, period) run so only one orchestrator works on it.
type Locker interface {
	// Acquire returns ok=false when another holder owns key. release is only
	// valid when ok is true.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// RunLockKey is the lock name for one property/period.
func RunLockKey(propertyID, periodID int64) string {
	return fmt.Sprintf("recon:run:%d:%d", propertyID, periodID)
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct{ client *redis.Client }

func NewRedisLocker(client *redis.Client) *RedisLocker { return &RedisLocker{client: client} }

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, true, nil
}

// MemoryLocker is the in-process fallback used without redis.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memLock
	clock func() time.Time
}

type memLock struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]memLock{}, clock: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if cur, ok := m.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.held[key] = memLock{token: token, expiresAt: now.Add(ttl)}
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.held[key]; ok && cur.token == token {
			delete(m.held, key)
		}
		return nil
	}, true, nil
}

// NewLocker tries redis, falls back to memory.
func NewLocker(ctx context.Context, client *redis.Client) Locker {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisLocker(client)
		}
	}
	return NewMemoryLocker()
}
