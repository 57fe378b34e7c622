package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Bulk operation states.
const (
	BulkStatePending   = "pending"
	BulkStateRunning   = "running"
	BulkStateCompleted = "completed"
	BulkStatePartial   = "partial"
	BulkStateFailed    = "failed"
)

// Bulk item states.
const (
	BulkItemStatePending   = "pending"
	BulkItemStateSucceeded = "succeeded"
	BulkItemStateFailed    = "failed"
	BulkItemStateSkipped   = "skipped"
)

// BulkOperation is one submitted batch of account actions.
type BulkOperation struct {
	ID          uuid.UUID
	Action      string
	State       string
	SubmittedBy string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	TotalItems  int
	Succeeded   int
	Failed      int
}

// BulkItem is one account-level entry within a bulk operation. Position
// fixes the processing order; items are processed ascending.
type BulkItem struct {
	ID           int64
	OperationID  uuid.UUID
	Position     int
	Email        string
	Payload      map[string]any
	State        string
	ErrorMessage string
}

// BulkItemInput is one item at submission time.
type BulkItemInput struct {
	Email   string
	Payload map[string]any
}

// CreateBulkOperation persists an operation and all of its items in one
// transaction. Either the whole submission is recorded or none of it is.
func (db *Database) CreateBulkOperation(ctx context.Context, action, submittedBy string, items []BulkItemInput) (*BulkOperation, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("bulk operation has no items")
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	op := &BulkOperation{
		ID:          uuid.New(),
		Action:      action,
		State:       BulkStatePending,
		SubmittedBy: submittedBy,
		TotalItems:  len(items),
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO bulk_operations (id, action, state, submitted_by, total_items)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, op.ID, op.Action, op.State, op.SubmittedBy, op.TotalItems).Scan(&op.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk operation: %w", err)
	}

	for i, item := range items {
		payload := item.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO bulk_operation_items (operation_id, position, email, payload, state)
			VALUES ($1, $2, $3, $4, $5)
		`, op.ID, i, item.Email, payload, BulkItemStatePending)
		if err != nil {
			return nil, fmt.Errorf("failed to create bulk item %d: %w", i, err)
		}
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:  AuditBulkSubmitted,
		Actor:   submittedBy,
		Details: map[string]any{"operation_id": op.ID, "action": action, "total_items": len(items)},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit bulk operation: %w", err)
	}
	return op, nil
}

// ClaimPendingBulkOperation atomically moves the oldest pending operation to
// running and returns it. Returns ErrBulkOperationNotFound when the queue is
// empty.
func (db *Database) ClaimPendingBulkOperation(ctx context.Context) (*BulkOperation, error) {
	row := db.GetWritePool().QueryRow(ctx, `
		UPDATE bulk_operations
		SET state = $1, started_at = now()
		WHERE id = (
			SELECT id FROM bulk_operations
			WHERE state = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, action, state, submitted_by, created_at, started_at, finished_at,
			total_items, succeeded_count, failed_count
	`, BulkStateRunning, BulkStatePending)

	op, err := scanBulkOperation(row)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// GetBulkOperation fetches one operation by id.
func (db *Database) GetBulkOperation(ctx context.Context, id uuid.UUID) (*BulkOperation, error) {
	return scanBulkOperation(db.GetReadPool().QueryRow(ctx, `
		SELECT id, action, state, submitted_by, created_at, started_at, finished_at,
			total_items, succeeded_count, failed_count
		FROM bulk_operations
		WHERE id = $1
	`, id))
}

// ListBulkOperations returns operations newest first.
func (db *Database) ListBulkOperations(ctx context.Context, limit, offset int) ([]BulkOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT id, action, state, submitted_by, created_at, started_at, finished_at,
			total_items, succeeded_count, failed_count
		FROM bulk_operations
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk operations: %w", err)
	}
	defer rows.Close()

	var ops []BulkOperation
	for rows.Next() {
		var op BulkOperation
		if err := rows.Scan(&op.ID, &op.Action, &op.State, &op.SubmittedBy, &op.CreatedAt,
			&op.StartedAt, &op.FinishedAt, &op.TotalItems, &op.Succeeded, &op.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan bulk operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListBulkItems returns an operation's items in position order.
func (db *Database) ListBulkItems(ctx context.Context, operationID uuid.UUID) ([]BulkItem, error) {
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT id, operation_id, position, email, payload, state, COALESCE(error_message, '')
		FROM bulk_operation_items
		WHERE operation_id = $1
		ORDER BY position
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk items: %w", err)
	}
	defer rows.Close()

	var items []BulkItem
	for rows.Next() {
		var item BulkItem
		if err := rows.Scan(&item.ID, &item.OperationID, &item.Position, &item.Email,
			&item.Payload, &item.State, &item.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan bulk item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetBulkItemResult records the terminal state of one item.
func (db *Database) SetBulkItemResult(ctx context.Context, itemID int64, state, errorMessage string) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE bulk_operation_items
		SET state = $2, error_message = NULLIF($3, '')
		WHERE id = $1
	`, itemID, state, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to set bulk item %d result: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bulk item %d not found", itemID)
	}
	return nil
}

// FinishBulkOperation records the final counts and terminal state, and
// writes the closing audit entry.
func (db *Database) FinishBulkOperation(ctx context.Context, id uuid.UUID, succeeded, failed int) error {
	state := BulkStateCompleted
	switch {
	case failed > 0 && succeeded == 0:
		state = BulkStateFailed
	case failed > 0:
		state = BulkStatePartial
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE bulk_operations
		SET state = $2, finished_at = now(), succeeded_count = $3, failed_count = $4
		WHERE id = $1 AND state = $5
	`, id, state, succeeded, failed, BulkStateRunning)
	if err != nil {
		return fmt.Errorf("failed to finish bulk operation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBulkOperationNotFound
	}

	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:  AuditBulkFinished,
		Details: map[string]any{"operation_id": id, "state": state, "succeeded": succeeded, "failed": failed},
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func scanBulkOperation(row pgx.Row) (*BulkOperation, error) {
	var op BulkOperation
	err := row.Scan(&op.ID, &op.Action, &op.State, &op.SubmittedBy, &op.CreatedAt,
		&op.StartedAt, &op.FinishedAt, &op.TotalItems, &op.Succeeded, &op.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBulkOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bulk operation: %w", err)
	}
	return &op, nil
}
