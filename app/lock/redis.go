package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// compareAndDelete drops the key only while it still carries the caller's
// token. A lease that expired and was picked up by another consumer stays.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLocker stores delivery locks as prefix+key with SET NX PX.
func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix, tokens: make(map[string]string)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	token := uuid.NewString()

	l.mu.Lock()
	if _, held := l.tokens[key]; held {
		l.mu.Unlock()
		return ErrAlreadyHeld
	}
	// Reserve the slot so a concurrent Acquire in this process fails fast.
	l.tokens[key] = token
	l.mu.Unlock()

	err := l.rdb.SetArgs(ctx, l.prefix+key, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err == nil {
		return nil
	}

	l.mu.Lock()
	delete(l.tokens, key)
	l.mu.Unlock()
	if err == redis.Nil {
		return ErrNotAcquired
	}
	return err
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, held := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !held {
		return nil
	}
	return compareAndDelete.Run(ctx, l.rdb, []string{l.prefix + key}, token).Err()
}
