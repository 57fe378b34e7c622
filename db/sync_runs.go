package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Sync run states.
const (
	SyncRunStateRunning   = "running"
	SyncRunStateCompleted = "completed"
	SyncRunStatePartial   = "partial"
	SyncRunStateFailed    = "failed"
)

// Sync run triggers.
const (
	SyncTriggerManual    = "manual"
	SyncTriggerScheduled = "scheduled"
	SyncTriggerBulk      = "bulk"
)

// SyncRun is one execution of the reconciliation engine.
type SyncRun struct {
	ID           uuid.UUID
	Trigger      string
	State        string
	StartedAt    time.Time
	FinishedAt   *time.Time
	TotalRemote  int
	Created      int
	Updated      int
	Unchanged    int
	Closed       int
	Errors       int
	ErrorMessage string
}

// SyncCounts aggregates per-account outcomes for one run.
type SyncCounts struct {
	TotalRemote int
	Created     int
	Updated     int
	Unchanged   int
	Closed      int
	Errors      int
}

// CreateSyncRun records the start of a sync run.
func (db *Database) CreateSyncRun(ctx context.Context, trigger string) (*SyncRun, error) {
	run := &SyncRun{
		ID:      uuid.New(),
		Trigger: trigger,
		State:   SyncRunStateRunning,
	}
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO sync_runs (id, trigger, state)
		VALUES ($1, $2, $3)
		RETURNING started_at
	`, run.ID, run.Trigger, run.State).Scan(&run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}
	return run, nil
}

// FinishSyncRun records per-account counts and the terminal state of a run.
func (db *Database) FinishSyncRun(ctx context.Context, id uuid.UUID, state string, counts SyncCounts, errorMessage string) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE sync_runs
		SET state = $2, finished_at = now(),
			total_remote = $3, created_count = $4, updated_count = $5,
			unchanged_count = $6, closed_count = $7, error_count = $8,
			error_message = NULLIF($9, '')
		WHERE id = $1 AND state = $10
	`, id, state, counts.TotalRemote, counts.Created, counts.Updated,
		counts.Unchanged, counts.Closed, counts.Errors, errorMessage, SyncRunStateRunning)
	if err != nil {
		return fmt.Errorf("failed to finish sync run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSyncRunNotFound
	}
	return nil
}

// GetSyncRun fetches one run by id.
func (db *Database) GetSyncRun(ctx context.Context, id uuid.UUID) (*SyncRun, error) {
	run, err := scanSyncRun(db.GetReadPool().QueryRow(ctx, `
		SELECT id, trigger, state, started_at, finished_at, total_remote,
			created_count, updated_count, unchanged_count, closed_count,
			error_count, COALESCE(error_message, '')
		FROM sync_runs
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListSyncRuns returns runs newest first.
func (db *Database) ListSyncRuns(ctx context.Context, limit, offset int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.GetReadPool().Query(ctx, `
		SELECT id, trigger, state, started_at, finished_at, total_remote,
			created_count, updated_count, unchanged_count, closed_count,
			error_count, COALESCE(error_message, '')
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(&run.ID, &run.Trigger, &run.State, &run.StartedAt, &run.FinishedAt,
			&run.TotalRemote, &run.Created, &run.Updated, &run.Unchanged, &run.Closed,
			&run.Errors, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetLastCompletedSyncRun returns the most recent run that ran to the end,
// including partial runs, or ErrSyncRunNotFound if none has.
func (db *Database) GetLastCompletedSyncRun(ctx context.Context) (*SyncRun, error) {
	return scanSyncRun(db.GetReadPool().QueryRow(ctx, `
		SELECT id, trigger, state, started_at, finished_at, total_remote,
			created_count, updated_count, unchanged_count, closed_count,
			error_count, COALESCE(error_message, '')
		FROM sync_runs
		WHERE state IN ($1, $2)
		ORDER BY started_at DESC
		LIMIT 1
	`, SyncRunStateCompleted, SyncRunStatePartial))
}

func scanSyncRun(row pgx.Row) (*SyncRun, error) {
	var run SyncRun
	err := row.Scan(&run.ID, &run.Trigger, &run.State, &run.StartedAt, &run.FinishedAt,
		&run.TotalRemote, &run.Created, &run.Updated, &run.Unchanged, &run.Closed,
		&run.Errors, &run.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSyncRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync run: %w", err)
	}
	return &run, nil
}
