package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const PURGE_LOCK_NAME = "purge_worker"
const PURGE_LOCK_TIMEOUT = 30 * time.Second

// Purge queue entry states.
const (
	PurgeStateQueued    = "queued"
	PurgeStateExecuting = "executing"
	PurgeStateCompleted = "completed"
	PurgeStateFailed    = "failed"
	PurgeStateCancelled = "cancelled"
)

// PurgeEntry is one deferred account deletion.
type PurgeEntry struct {
	ID         int64
	AccountID  string
	Email      string
	State      string
	NotBefore  time.Time
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// AcquirePurgeLock takes the cross-instance purge worker lock. Returns false
// when another instance holds an unexpired lock.
func (d *Database) AcquirePurgeLock(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(PURGE_LOCK_TIMEOUT)

	result, err := d.GetWritePool().Exec(ctx, `
		INSERT INTO locks (lock_name, acquired_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_name) DO UPDATE SET
			acquired_at = $2,
			expires_at = $3
		WHERE locks.expires_at < $2
	`, PURGE_LOCK_NAME, now, expiresAt)

	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

func (d *Database) ReleasePurgeLock(ctx context.Context) {
	_, _ = d.GetWritePool().Exec(ctx, `DELETE FROM locks WHERE lock_name = $1`, PURGE_LOCK_NAME)
}

// enqueuePurgeTx inserts a purge entry unless the account already has a live
// one or was already purged. Returns whether a new entry was created.
func (db *Database) enqueuePurgeTx(ctx context.Context, tx pgx.Tx, accountID, email, actor string, notBefore time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO purge_queue (account_id, email, state, not_before)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM purge_queue WHERE account_id = $1 AND state = $5
		)
		ON CONFLICT (account_id) WHERE state IN ('queued', 'executing') DO NOTHING
	`, accountID, email, PurgeStateQueued, notBefore.UTC(), PurgeStateCompleted)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue purge for account %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:    AuditPurgeEnqueued,
		Actor:     actor,
		AccountID: accountID,
		Email:     email,
		Details:   map[string]any{"not_before": notBefore.UTC()},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// cancelQueuedPurgeTx withdraws any queued entry for an account that left a
// purge-eligible status. Entries already claimed by the worker are past the
// point of cancellation and are not touched.
func (db *Database) cancelQueuedPurgeTx(ctx context.Context, tx pgx.Tx, accountID, email, actor string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE purge_queue
		SET state = $2, updated_at = now(), finished_at = now()
		WHERE account_id = $1 AND state = $3
	`, accountID, PurgeStateCancelled, PurgeStateQueued)
	if err != nil {
		return false, fmt.Errorf("failed to cancel purge for account %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:    AuditPurgeCancelled,
		Actor:     actor,
		AccountID: accountID,
		Email:     email,
		Details:   map[string]any{"reason": "account reactivated"},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// EnqueuePurge schedules an account for deletion after the retention window.
// Enqueuing is idempotent: an account with a live purge entry, or one already
// purged, is not queued again.
func (db *Database) EnqueuePurge(ctx context.Context, accountID, email, actor string, notBefore time.Time) (bool, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	enqueued, err := db.enqueuePurgeTx(ctx, tx, accountID, email, actor, notBefore)
	if err != nil {
		return false, err
	}
	return enqueued, tx.Commit(ctx)
}

// ClaimDuePurgeEntries atomically moves due queued entries to executing and
// returns them. Each claim bumps the attempt counter. SKIP LOCKED keeps
// concurrent claimers from blocking each other.
func (db *Database) ClaimDuePurgeEntries(ctx context.Context, limit int) ([]PurgeEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.GetWritePool().Query(ctx, `
		UPDATE purge_queue
		SET state = $1, attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM purge_queue
			WHERE state = $2 AND not_before <= now()
			ORDER BY not_before
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, email, state, not_before, attempts,
			COALESCE(last_error, ''), enqueued_at, updated_at, finished_at
	`, PurgeStateExecuting, PurgeStateQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due purge entries: %w", err)
	}
	defer rows.Close()

	return scanPurgeEntries(rows)
}

// CompletePurgeEntry deletes the local account row and marks the entry
// completed in one transaction. This is the only path that deletes from the
// accounts table.
func (db *Database) CompletePurgeEntry(ctx context.Context, entry PurgeEntry, actor string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE purge_queue
		SET state = $2, updated_at = now(), finished_at = now(), last_error = NULL
		WHERE id = $1 AND state = $3
	`, entry.ID, PurgeStateCompleted, PurgeStateExecuting)
	if err != nil {
		return fmt.Errorf("failed to complete purge entry %d: %w", entry.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPurgeEntryNotFound
	}

	_, err = tx.Exec(ctx, `DELETE FROM accounts WHERE directory_id = $1`, entry.AccountID)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", entry.AccountID, err)
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:    AuditAccountPurged,
		Actor:     actor,
		AccountID: entry.AccountID,
		Email:     entry.Email,
		Details:   map[string]any{"purge_entry_id": entry.ID, "attempts": entry.Attempts},
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RequeuePurgeEntry returns an executing entry to the queue for a later
// retry.
func (db *Database) RequeuePurgeEntry(ctx context.Context, id int64, retryAt time.Time, lastError string) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE purge_queue
		SET state = $2, not_before = $3, last_error = NULLIF($4, ''), updated_at = now()
		WHERE id = $1 AND state = $5
	`, id, PurgeStateQueued, retryAt.UTC(), lastError, PurgeStateExecuting)
	if err != nil {
		return fmt.Errorf("failed to requeue purge entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPurgeEntryNotFound
	}
	return nil
}

// FailPurgeEntry marks an executing entry as permanently failed.
func (db *Database) FailPurgeEntry(ctx context.Context, entry PurgeEntry, lastError string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE purge_queue
		SET state = $2, last_error = NULLIF($3, ''), updated_at = now(), finished_at = now()
		WHERE id = $1 AND state = $4
	`, entry.ID, PurgeStateFailed, lastError, PurgeStateExecuting)
	if err != nil {
		return fmt.Errorf("failed to fail purge entry %d: %w", entry.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPurgeEntryNotFound
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:    AuditPurgeFailed,
		AccountID: entry.AccountID,
		Email:     entry.Email,
		Details:   map[string]any{"purge_entry_id": entry.ID, "attempts": entry.Attempts, "error": lastError},
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CancelPurgeEntry cancels a queued entry. Entries already executing or in a
// terminal state cannot be cancelled.
func (db *Database) CancelPurgeEntry(ctx context.Context, id int64, actor string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var entry PurgeEntry
	err = tx.QueryRow(ctx, `
		SELECT id, account_id, email, state FROM purge_queue WHERE id = $1 FOR UPDATE
	`, id).Scan(&entry.ID, &entry.AccountID, &entry.Email, &entry.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPurgeEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock purge entry %d: %w", id, err)
	}

	if entry.State != PurgeStateQueued {
		return fmt.Errorf("purge entry %d is %s: %w", id, entry.State, ErrPurgeEntryNotCancellable)
	}

	_, err = tx.Exec(ctx, `
		UPDATE purge_queue
		SET state = $2, updated_at = now(), finished_at = now()
		WHERE id = $1
	`, id, PurgeStateCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel purge entry %d: %w", id, err)
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:    AuditPurgeCancelled,
		Actor:     actor,
		AccountID: entry.AccountID,
		Email:     entry.Email,
		Details:   map[string]any{"purge_entry_id": id},
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetPurgeEntry fetches one entry by id.
func (db *Database) GetPurgeEntry(ctx context.Context, id int64) (*PurgeEntry, error) {
	var entry PurgeEntry
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id, account_id, email, state, not_before, attempts,
			COALESCE(last_error, ''), enqueued_at, updated_at, finished_at
		FROM purge_queue
		WHERE id = $1
	`, id).Scan(&entry.ID, &entry.AccountID, &entry.Email, &entry.State, &entry.NotBefore,
		&entry.Attempts, &entry.LastError, &entry.EnqueuedAt, &entry.UpdatedAt, &entry.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPurgeEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purge entry %d: %w", id, err)
	}
	return &entry, nil
}

// ListPurgeEntries returns entries ordered by due time, optionally filtered
// by state.
func (db *Database) ListPurgeEntries(ctx context.Context, state string, limit, offset int) ([]PurgeEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, account_id, email, state, not_before, attempts,
			COALESCE(last_error, ''), enqueued_at, updated_at, finished_at
		FROM purge_queue`
	args := []any{}
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, state)
	}
	query += fmt.Sprintf(` ORDER BY not_before LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.GetReadPool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list purge entries: %w", err)
	}
	defer rows.Close()

	return scanPurgeEntries(rows)
}

// CountDuePurgeEntries returns the number of queued entries whose retention
// window has elapsed.
func (db *Database) CountDuePurgeEntries(ctx context.Context) (int64, error) {
	var count int64
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT COUNT(*) FROM purge_queue WHERE state = $1 AND not_before <= now()
	`, PurgeStateQueued).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count due purge entries: %w", err)
	}
	return count, nil
}

func scanPurgeEntries(rows pgx.Rows) ([]PurgeEntry, error) {
	var entries []PurgeEntry
	for rows.Next() {
		var entry PurgeEntry
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.Email, &entry.State,
			&entry.NotBefore, &entry.Attempts, &entry.LastError, &entry.EnqueuedAt,
			&entry.UpdatedAt, &entry.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purge entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
