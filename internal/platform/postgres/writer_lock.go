package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// writerLockKey is the advisory lock id guarding the block counter.
const writerLockKey int64 = 0x706f65

// ErrWriterLocked means another instance already owns the database.
var ErrWriterLocked = errors.New("another poe instance holds the writer lock")

// WriterLock is a session-level advisory lock held on a dedicated connection.
// The block counter lives in the process that holds it, so only one instance
// may write claims to a database at a time. Postgres drops the lock if the
// process dies.
type WriterLock struct {
	conn *sql.Conn
}

// AcquireWriterLock takes the lock without waiting. It returns ErrWriterLocked
// when another session holds it.
func AcquireWriterLock(ctx context.Context, db *sql.DB) (*WriterLock, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, writerLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("try writer lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrWriterLocked
	}
	return &WriterLock{conn: conn}, nil
}

// Release unlocks and hands the connection back to the pool.
func (l *WriterLock) Release(ctx context.Context) error {
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, writerLockKey)
	closeErr := l.conn.Close()
	if err != nil {
		return fmt.Errorf("release writer lock: %w", err)
	}
	return closeErr
}
