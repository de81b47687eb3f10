package synclock

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed Locker. A lock row whose expires_at has passed is
// taken over by the next caller, so a crashed holder blocks for at most ttl.
type PG struct {
	pool  pgxQuerier
	ttl   time.Duration
	clock func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed locker on any pgx pool or connection.
func NewPG(q pgxQuerier, ttl time.Duration) *PG {
	return &PG{pool: q, ttl: ttl, clock: time.Now}
}

// Acquire inserts the lock row or takes over an expired one.
func (l *PG) Acquire(ctx context.Context, key string) (*Lease, error) {
	owner, err := newOwner()
	if err != nil {
		return nil, err
	}
	now := l.clock().UTC()

	const q = `
INSERT INTO sync_locks (lock_key, owner, expires_at)
VALUES ($1,$2,$3)
ON CONFLICT (lock_key) DO UPDATE
SET owner=EXCLUDED.owner, expires_at=EXCLUDED.expires_at
WHERE sync_locks.expires_at < $4
RETURNING owner`
	var got string
	err = l.pool.QueryRow(ctx, q, key, owner, now.Add(l.ttl), now).Scan(&got)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, errs.ErrSyncInProgress
	case err != nil:
		return nil, err
	}

	return &Lease{Key: key, Owner: owner, release: func(ctx context.Context) error {
		const del = `DELETE FROM sync_locks WHERE lock_key=$1 AND owner=$2`
		_, err := l.pool.Exec(ctx, del, key, owner)
		return err
	}}, nil
}
