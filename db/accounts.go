package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/rondo/directory"
)

// Account is the locally tracked copy of a directory account.
type Account struct {
	DirectoryID  string
	Email        string
	DisplayName  string
	Status       directory.Status
	Attributes   map[string]string
	LocalVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt *time.Time
}

// ApplyOutcome classifies what ApplyAccountSnapshot did to the local row.
type ApplyOutcome string

const (
	ApplyCreated   ApplyOutcome = "created"
	ApplyUpdated   ApplyOutcome = "updated"
	ApplyUnchanged ApplyOutcome = "unchanged"
)

// ApplyAccountOptions controls how a remote snapshot is folded into the
// local store.
type ApplyAccountOptions struct {
	// ExpectedVersion, when non-zero, makes the apply fail with ErrConflict
	// if the row's local_version no longer matches. Callers that read the
	// account before deciding what to do pass the version they saw.
	ExpectedVersion int64

	// Actor is recorded on audit entries ("sync", "bulk", an admin name).
	Actor string

	// PurgeRetention, when non-zero, enqueues a purge entry in the same
	// transaction whenever the account transitions into a purge-eligible
	// status.
	PurgeRetention time.Duration
}

// purgeEligible reports whether a status starts the deletion clock.
func purgeEligible(status directory.Status) bool {
	return status == directory.StatusClosed || status == directory.StatusSuspended
}

// ApplyResult reports the outcome of folding one snapshot.
type ApplyResult struct {
	Outcome       ApplyOutcome
	LocalVersion  int64
	ChangedFields []string
	PurgeEnqueued bool
}

// ApplyAccountSnapshot reconciles one remote snapshot into the accounts
// table. The remote directory is authoritative: every tracked field is
// overwritten with the remote value. The row is locked for the duration of
// the transaction, local_version is bumped exactly once per material change,
// and the audit entry commits atomically with the row.
func (db *Database) ApplyAccountSnapshot(ctx context.Context, snap directory.AccountSnapshot, opts ApplyAccountOptions) (*ApplyResult, error) {
	if snap.ID == "" {
		return nil, fmt.Errorf("snapshot has no directory id")
	}
	if !snap.Status.Valid() {
		return nil, fmt.Errorf("snapshot for %s has invalid status %q", snap.ID, snap.Status)
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing Account
	err = tx.QueryRow(ctx, `
		SELECT directory_id, email, display_name, status, attributes, local_version
		FROM accounts
		WHERE directory_id = $1
		FOR UPDATE
	`, snap.ID).Scan(&existing.DirectoryID, &existing.Email, &existing.DisplayName,
		&existing.Status, &existing.Attributes, &existing.LocalVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		result, err := db.insertAccountTx(ctx, tx, snap, opts)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit account creation: %w", err)
		}
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", snap.ID, err)
	}

	if opts.ExpectedVersion > 0 && existing.LocalVersion != opts.ExpectedVersion {
		return nil, fmt.Errorf("account %s changed from version %d to %d: %w",
			snap.ID, opts.ExpectedVersion, existing.LocalVersion, ErrConflict)
	}

	changed := diffAccount(&existing, &snap)
	if len(changed) == 0 {
		_, err = tx.Exec(ctx, `
			UPDATE accounts SET last_synced_at = now() WHERE directory_id = $1
		`, snap.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to touch account %s: %w", snap.ID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit sync touch: %w", err)
		}
		return &ApplyResult{Outcome: ApplyUnchanged, LocalVersion: existing.LocalVersion}, nil
	}

	var newVersion int64
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET email = $2, display_name = $3, status = $4, attributes = $5,
			local_version = local_version + 1, updated_at = now(), last_synced_at = now()
		WHERE directory_id = $1
		RETURNING local_version
	`, snap.ID, snap.Email, snap.DisplayName, string(snap.Status), snap.Attributes).Scan(&newVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update account %s: %w", snap.ID, err)
	}

	details := map[string]any{
		"changed": changed,
		"from":    map[string]any{"email": existing.Email, "display_name": existing.DisplayName, "status": existing.Status},
		"to":      map[string]any{"email": snap.Email, "display_name": snap.DisplayName, "status": snap.Status},
		"version": newVersion,
	}
	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:    AuditAccountUpdated,
		Actor:     opts.Actor,
		AccountID: snap.ID,
		Email:     snap.Email,
		Details:   details,
	}); err != nil {
		return nil, err
	}

	result := &ApplyResult{Outcome: ApplyUpdated, LocalVersion: newVersion, ChangedFields: changed}

	// A transition into a purge-eligible status starts the deletion clock;
	// a transition back out withdraws any pending entry.
	switch {
	case opts.PurgeRetention > 0 && purgeEligible(snap.Status) && !purgeEligible(existing.Status):
		enqueued, err := db.enqueuePurgeTx(ctx, tx, snap.ID, snap.Email, opts.Actor, time.Now().Add(opts.PurgeRetention))
		if err != nil {
			return nil, err
		}
		result.PurgeEnqueued = enqueued
	case !purgeEligible(snap.Status) && purgeEligible(existing.Status):
		if _, err := db.cancelQueuedPurgeTx(ctx, tx, snap.ID, snap.Email, opts.Actor); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit account update: %w", err)
	}
	return result, nil
}

func (db *Database) insertAccountTx(ctx context.Context, tx pgx.Tx, snap directory.AccountSnapshot, opts ApplyAccountOptions) (*ApplyResult, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (directory_id, email, display_name, status, attributes, local_version, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, 1, now())
	`, snap.ID, snap.Email, snap.DisplayName, string(snap.Status), snap.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create account %s: %w", snap.ID, err)
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:    AuditAccountCreated,
		Actor:     opts.Actor,
		AccountID: snap.ID,
		Email:     snap.Email,
		Details:   map[string]any{"status": snap.Status, "display_name": snap.DisplayName},
	}); err != nil {
		return nil, err
	}

	result := &ApplyResult{Outcome: ApplyCreated, LocalVersion: 1}

	if opts.PurgeRetention > 0 && purgeEligible(snap.Status) {
		enqueued, err := db.enqueuePurgeTx(ctx, tx, snap.ID, snap.Email, opts.Actor, time.Now().Add(opts.PurgeRetention))
		if err != nil {
			return nil, err
		}
		result.PurgeEnqueued = enqueued
	}
	return result, nil
}

// diffAccount returns the names of tracked fields where the snapshot
// disagrees with the local row.
func diffAccount(local *Account, snap *directory.AccountSnapshot) []string {
	var changed []string
	if local.Email != snap.Email {
		changed = append(changed, "email")
	}
	if local.DisplayName != snap.DisplayName {
		changed = append(changed, "display_name")
	}
	if local.Status != snap.Status {
		changed = append(changed, "status")
	}
	if !equalAttributes(local.Attributes, snap.Attributes) {
		changed = append(changed, "attributes")
	}
	return changed
}

func equalAttributes(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// MarkAccountClosed transitions an account that disappeared from the remote
// listing into closed status and, when purgeRetention is non-zero, starts its
// deletion clock. The local row is never deleted here; deletion only happens
// through the purge queue.
func (db *Database) MarkAccountClosed(ctx context.Context, directoryID, actor string, purgeRetention time.Duration) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var email string
	var status directory.Status
	err = tx.QueryRow(ctx, `
		SELECT email, status FROM accounts WHERE directory_id = $1 FOR UPDATE
	`, directoryID).Scan(&email, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock account %s: %w", directoryID, err)
	}

	if status == directory.StatusClosed {
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET status = $2, local_version = local_version + 1, updated_at = now(), last_synced_at = now()
		WHERE directory_id = $1
	`, directoryID, string(directory.StatusClosed))
	if err != nil {
		return fmt.Errorf("failed to close account %s: %w", directoryID, err)
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:    AuditAccountClosed,
		Actor:     actor,
		AccountID: directoryID,
		Email:     email,
		Details:   map[string]any{"reason": "missing from directory listing", "previous_status": status},
	}); err != nil {
		return err
	}

	if purgeRetention > 0 {
		if _, err := db.enqueuePurgeTx(ctx, tx, directoryID, email, actor, time.Now().Add(purgeRetention)); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetAccount fetches one account by directory id.
func (db *Database) GetAccount(ctx context.Context, directoryID string) (*Account, error) {
	return db.scanAccount(db.GetReadPool().QueryRow(ctx, `
		SELECT directory_id, email, display_name, status, attributes,
			local_version, created_at, updated_at, last_synced_at
		FROM accounts
		WHERE directory_id = $1
	`, directoryID))
}

// GetAccountByEmail fetches one account by its email address.
func (db *Database) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return db.scanAccount(db.GetReadPool().QueryRow(ctx, `
		SELECT directory_id, email, display_name, status, attributes,
			local_version, created_at, updated_at, last_synced_at
		FROM accounts
		WHERE email = $1
	`, email))
}

func (db *Database) scanAccount(row pgx.Row) (*Account, error) {
	var account Account
	err := row.Scan(&account.DirectoryID, &account.Email, &account.DisplayName,
		&account.Status, &account.Attributes, &account.LocalVersion,
		&account.CreatedAt, &account.UpdatedAt, &account.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &account, nil
}

// ListAccounts returns accounts ordered by email, optionally filtered by
// status. A limit of 0 means no limit.
func (db *Database) ListAccounts(ctx context.Context, status directory.Status, limit, offset int) ([]Account, error) {
	query := `
		SELECT directory_id, email, display_name, status, attributes,
			local_version, created_at, updated_at, last_synced_at
		FROM accounts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY email`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
		args = append(args, limit, offset)
	}

	rows, err := db.GetReadPool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var account Account
		if err := rows.Scan(&account.DirectoryID, &account.Email, &account.DisplayName,
			&account.Status, &account.Attributes, &account.LocalVersion,
			&account.CreatedAt, &account.UpdatedAt, &account.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// ListTrackedDirectoryIDs returns the directory ids of all accounts not yet
// closed, used by the sync engine to find accounts missing from the remote
// listing.
func (db *Database) ListTrackedDirectoryIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT directory_id FROM accounts WHERE status != $1
	`, string(directory.StatusClosed))
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked accounts: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan directory id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// CountAccounts returns the number of tracked accounts, optionally filtered
// by status.
func (db *Database) CountAccounts(ctx context.Context, status directory.Status) (int64, error) {
	var count int64
	var err error
	if status != "" {
		err = db.GetReadPool().QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE status = $1`, string(status)).Scan(&count)
	} else {
		err = db.GetReadPool().QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return count, nil
}
