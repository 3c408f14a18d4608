package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker uses session-level advisory locks. The pooled connection
// that took the lock is held until Release so unlock runs on the same session.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// OpenPostgresPool parses dsn and opens a pool for advisory locking.
func OpenPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		dsn = "postgres://localhost:5432/utilitycost?sslmode=disable"
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, key string) (Claim, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}
	id := advisoryKey(key)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &postgresClaim{conn: conn, id: id}, true, nil
}

type postgresClaim struct {
	mu   sync.Mutex
	conn *pgxpool.Conn
	id   int64
}

func (c *postgresClaim) Release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	defer func() {
		c.conn.Release()
		c.conn = nil
	}()
	var ok bool
	if err := c.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, c.id).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}
