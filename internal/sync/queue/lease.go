package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
)

// Lease is the result of a successful AcquireLease.
type Lease struct {
	Owner     string
	ExpiresAt time.Time
	// TookOver is set when the previous holder let its lease expire without
	// releasing it. Entries it left syncing were never finished.
	TookOver bool
}

// AcquireLease claims the queue's sync lease for owner until ttl from now.
// The lease is shared by every process that opens the same database file,
// so it serializes sync cycles across processes. Acquiring a lease owner
// already holds extends it.
//
// Errors: errors.ErrSyncBusy while another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (*Lease, error) {
	if owner == "" || ttl <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "lease owner and ttl are required")
	}

	var lease *Lease
	err := s.withTx(ctx, "acquire lease", func(tx *sql.Tx) error {
		now := s.now()
		var holder string
		var expires int64
		err := tx.QueryRowContext(ctx, "SELECT owner, expires_at FROM sync_lease WHERE id = 1").Scan(&holder, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			holder = ""
		case err != nil:
			return err
		case holder != owner && expires > now.UnixMilli():
			return apperrors.Newf(apperrors.ErrSyncBusy,
				"sync is running in another process (%s) until %s", holder, time.UnixMilli(expires).UTC().Format(time.RFC3339))
		}

		lease = &Lease{
			Owner:     owner,
			ExpiresAt: now.Add(ttl),
			TookOver:  holder != "" && holder != owner,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_lease (id, owner, acquired_at, expires_at) VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner = excluded.owner,
				acquired_at = CASE WHEN sync_lease.owner = excluded.owner THEN sync_lease.acquired_at ELSE excluded.acquired_at END,
				expires_at = excluded.expires_at`,
			owner, now.UnixMilli(), lease.ExpiresAt.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	if lease.TookOver {
		logging.Warn("[Queue] Took over an expired sync lease", map[string]interface{}{"owner": owner})
	}
	return lease, nil
}

// RenewLease extends owner's lease to ttl from now.
//
// Errors: errors.ErrSyncBusy if owner no longer holds the lease.
func (s *Store) RenewLease(ctx context.Context, owner string, ttl time.Duration) error {
	return s.withTx(ctx, "renew lease", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE sync_lease SET expires_at = ? WHERE id = 1 AND owner = ?", s.now().Add(ttl).UnixMilli(), owner)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.Newf(apperrors.ErrSyncBusy, "sync lease is no longer held by %s", owner)
		}
		return nil
	})
}

// ReleaseLease gives up owner's lease. Releasing a lease owner does not
// hold is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	return s.withTx(ctx, "release lease", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM sync_lease WHERE id = 1 AND owner = ?", owner)
		return err
	})
}
