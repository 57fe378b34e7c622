package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/rondo/pkg/metrics"
)

// Audit actions recorded in the audit_log table.
const (
	AuditAccountCreated    = "account.created"
	AuditAccountUpdated    = "account.updated"
	AuditAccountClosed     = "account.closed"
	AuditAccountPurged     = "account.purged"
	AuditAccountSyncFailed = "account.sync_failed"
	AuditSyncStarted       = "sync.started"
	AuditSyncFinished      = "sync.finished"
	AuditBulkSubmitted     = "bulk.submitted"
	AuditBulkItemFailed    = "bulk.item_failed"
	AuditBulkFinished      = "bulk.finished"
	AuditPurgeEnqueued     = "purge.enqueued"
	AuditPurgeCancelled    = "purge.cancelled"
	AuditPurgeFailed       = "purge.failed"
	AuditScheduleChanged   = "schedule.changed"
)

// AuditEntry is one append-only audit record. Details is serialized as JSONB.
type AuditEntry struct {
	ID        int64
	Action    string
	Actor     string
	AccountID string
	Email     string
	Details   map[string]any
	CreatedAt time.Time
}

// WriteAuditTx appends an audit entry inside an existing transaction so the
// entry commits atomically with the change it describes.
func (db *Database) WriteAuditTx(ctx context.Context, tx pgx.Tx, entry AuditEntry) error {
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (action, actor, account_id, email, details)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
	`, entry.Action, entry.Actor, entry.AccountID, entry.Email, entry.Details)
	if err != nil {
		return fmt.Errorf("failed to write audit entry %s: %w", entry.Action, err)
	}
	metrics.AuditEntriesTotal.WithLabelValues(entry.Action).Inc()
	return nil
}

// WriteAudit appends a standalone audit entry outside any transaction.
func (db *Database) WriteAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	_, err := db.GetWritePool().Exec(ctx, `
		INSERT INTO audit_log (action, actor, account_id, email, details)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
	`, entry.Action, entry.Actor, entry.AccountID, entry.Email, entry.Details)
	if err != nil {
		return fmt.Errorf("failed to write audit entry %s: %w", entry.Action, err)
	}
	metrics.AuditEntriesTotal.WithLabelValues(entry.Action).Inc()
	return nil
}

// AuditFilter narrows ListAuditEntries results.
type AuditFilter struct {
	Action    string
	AccountID string
	Email     string
	Since     time.Time
	Limit     int
	Offset    int
}

// ListAuditEntries returns audit entries newest first.
func (db *Database) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	query := `
		SELECT id, action, actor, COALESCE(account_id, ''), COALESCE(email, ''), details, created_at
		FROM audit_log`
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.Email != "" {
		add("email = $%d", filter.Email)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	query += " ORDER BY created_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.GetReadPool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.AccountID,
			&entry.Email, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
