package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrLockTimeout is returned when the advisory lock for a sequence key could
// not be acquired within the configured wait.
var ErrLockTimeout = errors.New("sequence_lock_timeout")

// DefaultLockWait bounds how long an allocation waits for a contended key.
const DefaultLockWait = 10 * time.Second

// Locker serializes sequence allocations per key. fn runs while the key is
// held; the lock is released when fn returns.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// PostgresLocker takes session-level advisory locks so allocations for a key
// serialize across processes, not just across goroutines.
type PostgresLocker struct {
	db   *gorm.DB
	wait time.Duration
	log  *zap.Logger
}

func NewPostgresLocker(db *gorm.DB, wait time.Duration, log *zap.Logger) *PostgresLocker {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &PostgresLocker{db: db, wait: wait, log: log.Named("sequence.locker")}
}

// WithLock pins a single connection for the lock's lifetime; advisory locks
// are owned by the session so acquire and release must hit the same one.
func (l *PostgresLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec(fmt.Sprintf("SET lock_timeout = '%dms'", l.wait.Milliseconds())).Error; err != nil {
			return err
		}
		// The session setting must not outlive the lock: the connection goes
		// back to the pool and would carry the timeout into unrelated queries.
		defer func() {
			if err := conn.Exec("RESET lock_timeout").Error; err != nil {
				l.log.Warn("lock timeout reset failed", zap.String("key", key), zap.Error(err))
			}
		}()
		if err := conn.Exec("SELECT pg_advisory_lock(hashtext(?))", key).Error; err != nil {
			l.log.Warn("advisory lock acquisition failed", zap.String("key", key), zap.Error(err))
			return ErrLockTimeout
		}
		defer func() {
			if err := conn.Exec("SELECT pg_advisory_unlock(hashtext(?))", key).Error; err != nil {
				l.log.Warn("advisory lock release failed", zap.String("key", key), zap.Error(err))
			}
		}()
		return fn()
	})
}

// MemoryLocker serializes per key within a single process. It backs tests and
// any deployment without Postgres advisory locks.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	wait  time.Duration
}

func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &MemoryLocker{locks: make(map[string]chan struct{}), wait: wait}
}

func (l *MemoryLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	sem := l.semaphore(key)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	return fn()
}

func (l *MemoryLocker) semaphore(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[key] = sem
	}
	return sem
}
