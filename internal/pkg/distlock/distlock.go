// Package distlock provides short-lived leases that serialize work on one
// key across worker processes. Redis is preferred; a PostgreSQL advisory
// lock is used when no Redis client is configured.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lease was never acquired.
var ErrNotHeld = errors.New("distlock: lease not held")

// DistLock is a single lease. An instance must not be shared between
// goroutines; create one per holder.
type DistLock interface {
	// Acquire tries to take the lease without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release gives up the lease if this holder still owns it.
	Release(ctx context.Context) error
	// Extend renews a held lease for another full TTL. ErrNotHeld means the
	// lease lapsed and may now belong to someone else.
	Extend(ctx context.Context) error
}

// Locker creates leases for keys.
type Locker interface {
	NewLock(key string) DistLock
}

// Factory creates leases on the best available backend.
type Factory struct {
	redis *redis.Client
	db    *sql.DB
	ttl   time.Duration
}

// NewFactory returns a Factory. With a nil redisClient every lease is a
// PostgreSQL advisory lock on db.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) *Factory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Factory{redis: redisClient, db: db, ttl: ttl}
}

// NewLock returns a lease for key.
func (f *Factory) NewLock(key string) DistLock {
	return NewLock(f.redis, f.db, key, f.ttl)
}

// NewLock creates a lease for key using Redis when available.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock holds pg_try_advisory_lock on a dedicated connection.
// Advisory locks are session-scoped, so the connection is pinned from
// Acquire to Release and the lock disappears if that connection drops.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries the advisory lock on a pinned connection.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock %d: get conn: %w", l.lockID, err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Extend checks the pinned session is still alive. Advisory locks do not
// expire, so there is nothing to push out.
func (l *PGAdvisoryLock) Extend(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	if err := l.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("advisory lock %d: %w", l.lockID, ErrNotHeld)
	}
	return nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	if _, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("advisory unlock %d: %w", l.lockID, err)
	}
	return nil
}
