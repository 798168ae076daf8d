package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// AdvisoryLocker maps lock names onto Postgres session-level advisory locks.
// Each held lock pins one pooled connection; closing that connection (or
// losing the session) releases the lock server-side.
type AdvisoryLocker struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func NewAdvisoryLocker(db *sql.DB) (*AdvisoryLocker, error) {
	if db == nil {
		return nil, errors.New("sql db required for advisory lock")
	}
	return &AdvisoryLocker{db: db, conns: make(map[string]*sql.Conn)}, nil
}

// AdvisoryKey is the 64-bit advisory lock key for name.
func AdvisoryKey(name string) int64 {
	return int64(xxhash.Sum64String(name))
}

func (l *AdvisoryLocker) TryAcquire(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, errors.New("lock name is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.conns[name]; held {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve connection for %s: %w", name, err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryKey(name)).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock %s: %w", name, err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}
	l.conns[name] = conn
	return true, nil
}

func (l *AdvisoryLocker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	conn, held := l.conns[name]
	delete(l.conns, name)
	l.mu.Unlock()
	if !held {
		return nil
	}
	defer conn.Close()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	var released bool
	if err := conn.QueryRowContext(releaseCtx, "SELECT pg_advisory_unlock($1)", AdvisoryKey(name)).Scan(&released); err != nil {
		// Returning a broken session to the pool would keep the lock alive.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("pg_advisory_unlock %s: %w", name, err)
	}
	return nil
}
