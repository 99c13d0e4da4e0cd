package contentcache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Lock is a best-effort mutual-exclusion capability keyed by name. Failing
// to acquire is not an error; it means another process holds the work.
type Lock interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// AdvisoryLock implements Lock on Postgres session advisory locks. The key
// is hashed server-side so the same key always maps to the same lock id
// and different manuscripts never contend. Session locks belong to the
// connection that took them, so each acquire pins one connection out of
// the pool and unlock runs on that same connection.
type AdvisoryLock struct {
	db *sqlx.DB

	mu    sync.Mutex
	conns map[string]*sqlx.Conn
}

// NewAdvisoryLock creates an advisory lock on the given pool
func NewAdvisoryLock(db *sqlx.DB) *AdvisoryLock {
	return &AdvisoryLock{db: db, conns: make(map[string]*sqlx.Conn)}
}

// TryAcquire implements Lock.TryAcquire
func (l *AdvisoryLock) TryAcquire(ctx context.Context, key string) (bool, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to check out advisory lock connection")
	}
	var acquired bool
	if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		return false, errors.Wrap(err, "failed to acquire advisory lock")
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}
	l.mu.Lock()
	l.conns[key] = conn
	l.mu.Unlock()
	return true, nil
}

// Release implements Lock.Release. The pinned connection returns to the
// pool whether or not the unlock succeeds.
func (l *AdvisoryLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	conn, ok := l.conns[key]
	delete(l.conns, key)
	l.mu.Unlock()
	if !ok {
		return errors.New("advisory lock was not held")
	}

	var released bool
	err := conn.GetContext(ctx, &released, `SELECT pg_advisory_unlock(hashtext($1))`, key)
	closeErr := conn.Close()
	if err != nil {
		return errors.Wrap(err, "failed to release advisory lock")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "failed to return advisory lock connection")
	}
	if !released {
		return errors.New("advisory lock was not held")
	}
	return nil
}

// RedisLock implements Lock with SET NX and a TTL safety valve so a
// crashed holder cannot wedge creation forever.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed lock
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLock{client: client, ttl: ttl}
}

// TryAcquire implements Lock.TryAcquire
func (l *RedisLock) TryAcquire(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, "lock:"+key, 1, l.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire redis lock")
	}
	return ok, nil
}

// Release implements Lock.Release
func (l *RedisLock) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, "lock:"+key).Err(); err != nil {
		return errors.Wrap(err, "failed to release redis lock")
	}
	return nil
}

// MemoryLock implements Lock in-process, for single-instance deployments
// and tests.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLock creates an in-memory lock
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]bool)}
}

// TryAcquire implements Lock.TryAcquire
func (l *MemoryLock) TryAcquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

// Release implements Lock.Release
func (l *MemoryLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
