package gateway

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrCleanupRunning is returned when another cleanup holds the lock.
var ErrCleanupRunning = errors.New("gateway: orphan cleanup already running")

// DefaultLockTTL bounds how long a crashed holder can block cleanup.
const DefaultLockTTL = 10 * time.Minute

// Locker serializes orphan cleanup runs. TryLock never waits: it either
// acquires the lock or returns ErrCleanupRunning.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   gosync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrCleanupRunning
	}

	l.held[key] = struct{}{}

	var once gosync.Once

	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})

		return nil
	}, nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica using the same Redis.
// The lock expires after ttl so a crashed holder cannot block forever.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	return &RedisLocker{client: client, ttl: ttl}
}

// DialRedisLocker connects to the Redis at url (redis:// or rediss://) and
// verifies it answers.
func DialRedisLocker(ctx context.Context, url string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("gateway: parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gateway: connecting to redis: %w", err)
	}

	return NewRedisLocker(client, ttl), nil
}

// TryLock implements Locker with SET NX PX.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("gateway: acquiring lock %s: %w", key, err)
	}

	if !ok {
		return nil, ErrCleanupRunning
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("gateway: releasing lock %s: %w", key, err)
		}

		return nil
	}, nil
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
