package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskwarden/internal/job"
)

// takeLeaseSQL grants the lease in one statement: insert when absent,
// overwrite only when expired. An unexpired lease is never re-granted,
// not even to its own owner.
const takeLeaseSQL = `INSERT INTO scheduler_leases(lock_name, owner_node_id, acquired_at, expires_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(lock_name) DO UPDATE SET
  owner_node_id = excluded.owner_node_id,
  acquired_at   = excluded.acquired_at,
  expires_at    = excluded.expires_at
WHERE scheduler_leases.expires_at <= ?`

func (s *sqliteStore) TakeLease(ctx context.Context, name, owner string, now, expires time.Time) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, "take_lease", func() error {
		res, err := s.db.ExecContext(ctx, takeLeaseSQL, name, owner, millis(now), millis(expires), millis(now))
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		ok = n == 1
		return err
	})
	return ok, err
}

func (s *sqliteStore) ExtendLease(ctx context.Context, name, owner string, now, expires time.Time) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, "extend_lease", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE scheduler_leases SET expires_at = ? WHERE lock_name = ? AND owner_node_id = ? AND expires_at > ?`,
			millis(expires), name, owner, millis(now))
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		ok = n == 1
		return err
	})
	return ok, err
}

func (s *sqliteStore) DropLease(ctx context.Context, name, owner string) error {
	return s.withRetry(ctx, "drop_lease", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM scheduler_leases WHERE lock_name = ? AND owner_node_id = ?`, name, owner)
		return err
	})
}

func (s *sqliteStore) GetLease(ctx context.Context, name string) (*job.Lease, error) {
	var (
		l                 job.Lease
		acquired, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT lock_name, owner_node_id, acquired_at, expires_at FROM scheduler_leases WHERE lock_name = ?`, name,
	).Scan(&l.Name, &l.Owner, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	l.AcquiredAt = fromMillis(acquired)
	l.ExpiresAt = fromMillis(expires)
	return &l, nil
}

func (s *sqliteStore) ListLeases(ctx context.Context) ([]job.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lock_name, owner_node_id, acquired_at, expires_at FROM scheduler_leases ORDER BY lock_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Lease
	for rows.Next() {
		var (
			l                 job.Lease
			acquired, expires int64
		)
		if err := rows.Scan(&l.Name, &l.Owner, &acquired, &expires); err != nil {
			return nil, err
		}
		l.AcquiredAt = fromMillis(acquired)
		l.ExpiresAt = fromMillis(expires)
		out = append(out, l)
	}
	return out, rows.Err()
}
