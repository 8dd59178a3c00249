// Package lock keeps two reconciler replicas from running the same trigger
// at the same time. Overlap is still safe because writes are conditional; the
// lock only avoids redundant work.
package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is a non-blocking, owner-aware lock.
type Locker interface {
	// Acquire tries to take the lock and reports whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if it is still owned.
	Release(ctx context.Context) error
}

// New returns a Redis lock when redisClient is non-nil, and a Postgres
// advisory lock on db otherwise.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Locker {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}
