package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"
)

// MySQL rejects GET_LOCK names longer than 64 characters.
const maxLockNameLen = 64

// MySQLLocker maps delivery locks onto named advisory locks. A named lock
// belongs to the session that took it, so every held key pins a connection
// from the pool until it is released.
type MySQLLocker struct {
	db *sql.DB

	mu     sync.Mutex
	pinned map[string]*sql.Conn
}

func NewMySQLLocker(db *sql.DB) *MySQLLocker {
	return &MySQLLocker{db: db, pinned: make(map[string]*sql.Conn)}
}

// Acquire calls GET_LOCK with a zero wait. Advisory locks have no expiry;
// they end with Release or when the session dies, so ttl is ignored.
func (l *MySQLLocker) Acquire(ctx context.Context, key string, _ time.Duration) error {
	l.mu.Lock()
	if _, held := l.pinned[key]; held {
		l.mu.Unlock()
		return ErrAlreadyHeld
	}
	l.mu.Unlock()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return err
	}

	// NULL means the server failed to take the lock, e.g. the thread was killed.
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", lockName(key)).Scan(&got); err != nil {
		_ = conn.Close()
		return err
	}
	if got.Int64 != 1 {
		_ = conn.Close()
		return ErrNotAcquired
	}

	l.mu.Lock()
	l.pinned[key] = conn
	l.mu.Unlock()
	return nil
}

func (l *MySQLLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	conn, held := l.pinned[key]
	delete(l.pinned, key)
	l.mu.Unlock()
	if !held {
		return nil
	}

	_, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", lockName(key))
	if closeErr := conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

func lockName(key string) string {
	name := "notifications:" + key
	if len(name) <= maxLockNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(key))
	return "notifications:" + hex.EncodeToString(sum[:])[:maxLockNameLen-len("notifications:")]
}
