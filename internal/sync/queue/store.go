// Package queue provides the durable queue of captured interactions.
//
// Every state change is a single SQLite transaction that re-reads the entry,
// checks the move against models.CanTransition, and writes the new row. No
// other package writes the queue_entries table.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldcrm/fieldsync/internal/db"
	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/backoff"
)

const entryColumns = `id, entity_type, payload, status, terminal, created_at, last_attempt_at,
	attempt_count, next_attempt_at, last_error, server_version, server_id, synced_at, conflict_detail`

// Store is the SQLite-backed queue.
type Store struct {
	db      *sql.DB
	backoff *backoff.Controller
	now     func() time.Time
	retry   db.RetryPolicy
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryPolicy overrides how long locked writes are retried.
func WithRetryPolicy(p db.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// New creates a Store over an opened database.
func New(database *db.DB, ctrl *backoff.Controller, opts ...Option) *Store {
	s := &Store{
		db:      database.DB,
		backoff: ctrl,
		now:     time.Now,
		retry:   db.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backoff returns the controller used for failure verdicts.
func (s *Store) Backoff() *backoff.Controller {
	return s.backoff
}

// Enqueue inserts entry as pending. The entry's ID must be unused.
func (s *Store) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if err := s.prepare(entry); err != nil {
		return err
	}
	err := s.withTx(ctx, "enqueue", func(tx *sql.Tx) error {
		return insertEntry(ctx, tx, entry)
	})
	if err != nil {
		return err
	}

	logging.Debug("[Queue] Enqueued entry", map[string]interface{}{
		"entry_id": entry.ID,
		"kind":     string(entry.Payload.Kind),
	})
	return nil
}

// Replace deletes the conflicted entry oldID and inserts entry as pending,
// in one transaction. Either both happen or neither does.
//
// Errors: errors.ErrNotFound if oldID is gone; errors.ErrInvalidTransition
// if it is not a conflict; errors.ErrDuplicate if entry's ID is taken.
func (s *Store) Replace(ctx context.Context, oldID string, entry *models.QueueEntry) error {
	if err := s.prepare(entry); err != nil {
		return err
	}
	err := s.withTx(ctx, "replace", func(tx *sql.Tx) error {
		old, err := getEntry(ctx, tx, oldID)
		if err != nil {
			return err
		}
		if old.Status != models.StatusConflict {
			return apperrors.Newf(apperrors.ErrInvalidTransition,
				"entry %s is %s; only conflicts can be replaced", oldID, describe(old))
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue_entries WHERE id = ?", oldID); err != nil {
			return err
		}
		return insertEntry(ctx, tx, entry)
	})
	if err != nil {
		return err
	}

	logging.Info("[Queue] Entry replaced", map[string]interface{}{
		"entry_id":     oldID,
		"new_entry_id": entry.ID,
	})
	return nil
}

func (s *Store) prepare(entry *models.QueueEntry) error {
	if entry == nil || entry.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entry id is required")
	}
	if entry.EntityType == "" {
		entry.EntityType = models.DefaultEntityType
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = s.nowMillis()
	}
	entry.Status = models.StatusPending
	entry.Terminal = false
	entry.AttemptCount = 0
	entry.NextAttemptAt = 0
	entry.ConflictDetail = nil
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry *models.QueueEntry) error {
	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM queue_entries WHERE id = ?)", entry.ID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return apperrors.Newf(apperrors.ErrDuplicate, "entry %s already queued", entry.ID)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO queue_entries
		(id, entity_type, payload, status, terminal, created_at, attempt_count, next_attempt_at, server_version)
		VALUES (?, ?, ?, ?, 0, ?, 0, 0, ?)`,
		entry.ID, entry.EntityType, entry.Payload, entry.Status, entry.CreatedAt, nullString(entry.ServerVersion))
	return err
}

// DequeueBatch claims up to maxSize eligible entries, oldest first, and marks
// them syncing. Eligible entries are pending ones and retryable failures
// whose backoff has elapsed.
func (s *Store) DequeueBatch(ctx context.Context, maxSize int) ([]*models.QueueEntry, error) {
	if maxSize <= 0 {
		return nil, nil
	}
	now := s.nowMillis()

	var batch []*models.QueueEntry
	err := s.withTx(ctx, "dequeue", func(tx *sql.Tx) error {
		batch = batch[:0]
		rows, err := tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM queue_entries
			WHERE (status = 'pending' OR (status = 'failed' AND terminal = 0))
			  AND next_attempt_at <= ?
			ORDER BY created_at ASC, rowid ASC
			LIMIT ?`, now, maxSize)
		if err != nil {
			return err
		}
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range batch {
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_entries SET status = 'syncing', last_attempt_at = ? WHERE id = ?`,
				now, e.ID); err != nil {
				return err
			}
			e.Status = models.StatusSyncing
			e.LastAttemptAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkSynced records a server acknowledgement.
func (s *Store) MarkSynced(ctx context.Context, id string, ack models.Ack) (*models.QueueEntry, error) {
	return s.transition(ctx, "mark_synced", id, models.StatusSynced, func(e *models.QueueEntry) {
		e.ServerID = ack.ServerID
		if ack.Version != "" {
			e.ServerVersion = ack.Version
		}
		e.SyncedAt = s.nowMillis()
		e.LastError = ""
		e.NextAttemptAt = 0
	})
}

// MarkFailed records a transient failure. The backoff controller decides
// whether the entry is retried later or has failed for good.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) (*models.QueueEntry, error) {
	entry, err := s.transition(ctx, "mark_failed", id, models.StatusFailed, func(e *models.QueueEntry) {
		e.AttemptCount++
		e.LastError = reason
		verdict := s.backoff.Decide(e.AttemptCount)
		e.Terminal = verdict.Terminal
		if verdict.Terminal {
			e.NextAttemptAt = 0
		} else {
			e.NextAttemptAt = s.nowMillis() + verdict.Delay.Milliseconds()
		}
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"entry_id": id,
		"attempts": entry.AttemptCount,
		"error":    reason,
	}
	if entry.Terminal {
		logging.Warn("[Queue] Entry failed permanently", fields)
	} else {
		fields["next_attempt_at"] = entry.NextAttemptAt
		logging.Info("[Queue] Entry failed, retry scheduled", fields)
	}
	return entry, nil
}

// MarkRejected records a non-retryable rejection; the entry fails for good.
func (s *Store) MarkRejected(ctx context.Context, id string, reason string) (*models.QueueEntry, error) {
	return s.transition(ctx, "mark_rejected", id, models.StatusFailed, func(e *models.QueueEntry) {
		e.AttemptCount++
		e.LastError = reason
		e.Terminal = true
		e.NextAttemptAt = 0
	})
}

// MarkConflict parks an entry for manual resolution.
func (s *Store) MarkConflict(ctx context.Context, id string, detail models.ConflictDetail) (*models.QueueEntry, error) {
	if detail.DetectedAt == 0 {
		detail.DetectedAt = s.nowMillis()
	}
	return s.transition(ctx, "mark_conflict", id, models.StatusConflict, func(e *models.QueueEntry) {
		e.AttemptCount++
		e.ConflictDetail = &detail
		e.LastError = string(detail.Reason)
		e.NextAttemptAt = 0
	})
}

// Retry moves a terminal failure back to pending with a fresh attempt budget.
func (s *Store) Retry(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := s.transition(ctx, "retry", id, models.StatusPending, func(e *models.QueueEntry) {
		e.AttemptCount = 0
		e.Terminal = false
		e.NextAttemptAt = 0
		e.LastError = ""
	})
	if err != nil {
		return nil, err
	}
	logging.Info("[Queue] Entry reset for retry", map[string]interface{}{"entry_id": id})
	return entry, nil
}

// Release returns claimed entries that were never attempted to pending,
// leaving their attempt bookkeeping untouched.
func (s *Store) Release(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	var n int64
	err := s.withTx(ctx, "release", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE queue_entries
			SET status = 'pending', next_attempt_at = 0
			WHERE status = 'syncing' AND id IN (`+placeholders+`)`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// RecoverInterrupted resets every syncing entry to pending. Callers must
// hold the sync lease: only then does every syncing entry belong to a cycle
// that never finished rather than to one running in another process.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, "recover", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET status = 'pending', next_attempt_at = 0 WHERE status = 'syncing'`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Warn("[Queue] Recovered interrupted entries", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// Discard deletes a conflicted or terminally failed entry. Any other status
// is refused.
func (s *Store) Discard(ctx context.Context, id string) error {
	err := s.withTx(ctx, "discard", func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if !e.NeedsAttention() {
			return apperrors.Newf(apperrors.ErrInvalidTransition,
				"entry %s is %s; only conflicts and terminal failures can be discarded", id, describe(e))
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM queue_entries WHERE id = ?", id)
		return err
	})
	if err != nil {
		return err
	}
	logging.Info("[Queue] Entry discarded", map[string]interface{}{"entry_id": id})
	return nil
}

// PurgeSynced deletes synced entries acknowledged before olderThan. No other
// status is ever deleted here.
func (s *Store) PurgeSynced(ctx context.Context, olderThan time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, "purge", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE status = 'synced' AND synced_at < ?`, olderThan.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Debug("[Queue] Purged synced entries", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	e, err := getEntry(ctx, s.db, id)
	if err != nil {
		return nil, storageErr("get", err)
	}
	return e, nil
}

// List returns entries in FIFO order, optionally restricted to statuses.
func (s *Store) List(ctx context.Context, statuses ...models.Status) ([]*models.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return entries, nil
}

// Counts summarizes the queue by status.
func (s *Store) Counts(ctx context.Context) (models.QueueCounts, error) {
	var c models.QueueCounts
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, terminal, COUNT(*) FROM queue_entries GROUP BY status, terminal`)
	if err != nil {
		return c, storageErr("counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var terminal bool
		var n int
		if err := rows.Scan(&status, &terminal, &n); err != nil {
			return c, storageErr("counts", err)
		}
		switch models.Status(status) {
		case models.StatusPending:
			c.Pending += n
		case models.StatusSyncing:
			c.Syncing += n
		case models.StatusSynced:
			c.Synced += n
		case models.StatusFailed:
			c.Failed += n
			if terminal {
				c.FailedTerminal += n
			}
		case models.StatusConflict:
			c.Conflict += n
		}
	}
	return c, storageErr("counts", rows.Err())
}

// transition moves one entry to `to` after checking the edge, letting mutate
// update the remaining fields.
func (s *Store) transition(ctx context.Context, op, id string, to models.Status, mutate func(*models.QueueEntry)) (*models.QueueEntry, error) {
	var out *models.QueueEntry
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(e.Status, e.Terminal, to) {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "entry %s: %s -> %s not allowed", id, describe(e), to)
		}
		e.Status = to
		if to != models.StatusFailed {
			e.Terminal = false
		}
		if to != models.StatusConflict {
			e.ConflictDetail = nil
		}
		mutate(e)
		if err := writeEntry(ctx, tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := db.Retry(ctx, s.retry, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	return storageErr(op, err)
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// storageErr leaves coded errors alone and marks everything else as a
// persistence failure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Storage(fmt.Sprintf("queue %s", op), err)
}

func describe(e *models.QueueEntry) string {
	if e.IsTerminalFailure() {
		return "failed(terminal)"
	}
	return string(e.Status)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func getEntry(ctx context.Context, q querier, id string) (*models.QueueEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "entry %s not found", id)
	}
	return e, err
}

func scanEntry(sc scanner) (*models.QueueEntry, error) {
	var (
		e                                           models.QueueEntry
		status                                      string
		lastAttempt, syncedAt                       sql.NullInt64
		lastError, serverVersion, serverID, detail sql.NullString
	)
	err := sc.Scan(&e.ID, &e.EntityType, &e.Payload, &status, &e.Terminal, &e.CreatedAt, &lastAttempt,
		&e.AttemptCount, &e.NextAttemptAt, &lastError, &serverVersion, &serverID, &syncedAt, &detail)
	if err != nil {
		return nil, err
	}
	e.Status = models.Status(status)
	e.LastAttemptAt = lastAttempt.Int64
	e.SyncedAt = syncedAt.Int64
	e.LastError = lastError.String
	e.ServerVersion = serverVersion.String
	e.ServerID = serverID.String
	if detail.Valid && detail.String != "" {
		var cd models.ConflictDetail
		if err := cd.Scan(detail.String); err != nil {
			return nil, fmt.Errorf("decode conflict detail for %s: %w", e.ID, err)
		}
		e.ConflictDetail = &cd
	}
	return &e, nil
}

func writeEntry(ctx context.Context, tx *sql.Tx, e *models.QueueEntry) error {
	_, err := tx.ExecContext(ctx, `UPDATE queue_entries SET
		status = ?, terminal = ?, last_attempt_at = ?, attempt_count = ?, next_attempt_at = ?,
		last_error = ?, server_version = ?, server_id = ?, synced_at = ?, conflict_detail = ?
		WHERE id = ?`,
		string(e.Status), e.Terminal, nullInt(e.LastAttemptAt), e.AttemptCount, e.NextAttemptAt,
		nullString(e.LastError), nullString(e.ServerVersion), nullString(e.ServerID), nullInt(e.SyncedAt),
		e.ConflictDetail, e.ID)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
