// Package sync implements the reconciliation engine that folds the remote
// directory's account state into the local store. The remote side is
// authoritative: local rows are created, updated or closed to match it, and
// local rows are never deleted here (only the purge queue deletes).
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/directory"
	"github.com/migadu/rondo/logger"
	"github.com/migadu/rondo/pkg/metrics"
)

// ErrSyncInProgress is returned when a run is requested while another run
// is still active. At most one run executes at a time.
var ErrSyncInProgress = errors.New("sync already in progress")

// Outcome classifies what reconciling one account did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeClosed    Outcome = "closed"
)

// Store defines the database operations required by the sync engine.
// This allows for mocking in tests.
type Store interface {
	ApplyAccountSnapshot(ctx context.Context, snap directory.AccountSnapshot, opts db.ApplyAccountOptions) (*db.ApplyResult, error)
	MarkAccountClosed(ctx context.Context, directoryID, actor string, purgeRetention time.Duration) error
	ListTrackedDirectoryIDs(ctx context.Context) (map[string]struct{}, error)
	CreateSyncRun(ctx context.Context, trigger string) (*db.SyncRun, error)
	FinishSyncRun(ctx context.Context, id uuid.UUID, state string, counts db.SyncCounts, errorMessage string) error
	WriteAudit(ctx context.Context, entry db.AuditEntry) error
}

// EngineOptions configures a sync engine.
type EngineOptions struct {
	// PurgeRetention is how long a newly closed account stays restorable
	// before its purge entry becomes due.
	PurgeRetention time.Duration
}

// Engine reconciles remote directory accounts into the local store.
type Engine struct {
	store   Store
	client  directory.Client
	options EngineOptions
	running atomic.Bool
}

// NewEngine creates a sync engine.
func NewEngine(store Store, client directory.Client, options EngineOptions) *Engine {
	return &Engine{
		store:   store,
		client:  client,
		options: options,
	}
}

// Running reports whether a run is currently active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run executes one full reconciliation pass. It lists every remote account,
// folds each snapshot into the local store, then closes local accounts that
// disappeared from the listing. Per-account failures are counted and logged
// but do not abort the run; only a failed listing or cancellation does.
func (e *Engine) Run(ctx context.Context, trigger string) (*db.SyncRun, error) {
	if !e.running.CompareAndSwap(false, true) {
		metrics.SyncRunsSkipped.Inc()
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)

	run, err := e.store.CreateSyncRun(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}
	start := time.Now()
	logger.Info("sync run started", "run_id", run.ID, "trigger", trigger)

	if err := e.store.WriteAudit(ctx, db.AuditEntry{
		Action:  db.AuditSyncStarted,
		Actor:   trigger,
		Details: map[string]any{"run_id": run.ID, "trigger": trigger},
	}); err != nil {
		logger.Warn("failed to audit sync start", "run_id", run.ID, "error", err)
	}

	snapshots, err := e.client.ListAccounts(ctx)
	if err != nil {
		return e.failRun(ctx, run, start, fmt.Errorf("directory listing failed: %w", err))
	}

	counts := db.SyncCounts{TotalRemote: len(snapshots)}
	seen := make(map[string]struct{}, len(snapshots))

	for i := range snapshots {
		if ctx.Err() != nil {
			return e.failRun(ctx, run, start, fmt.Errorf("sync cancelled: %w", ctx.Err()))
		}
		snap := snapshots[i]
		seen[snap.ID] = struct{}{}

		result, err := e.applySnapshot(ctx, snap, trigger, 0)
		if err != nil {
			counts.Errors++
			metrics.SyncAccountsTotal.WithLabelValues("error").Inc()
			logger.Error("failed to reconcile account", "run_id", run.ID, "account_id", snap.ID, "email", snap.Email, "error", err)
			e.auditAccountFailure(ctx, run, trigger, snap.ID, snap.Email, err)
			continue
		}

		switch result.Outcome {
		case db.ApplyCreated:
			counts.Created++
		case db.ApplyUpdated:
			counts.Updated++
		case db.ApplyUnchanged:
			counts.Unchanged++
		}
		metrics.SyncAccountsTotal.WithLabelValues(string(result.Outcome)).Inc()
	}

	tracked, err := e.store.ListTrackedDirectoryIDs(ctx)
	if err != nil {
		return e.failRun(ctx, run, start, fmt.Errorf("failed to list tracked accounts: %w", err))
	}

	for id := range tracked {
		if _, ok := seen[id]; ok {
			continue
		}
		if ctx.Err() != nil {
			return e.failRun(ctx, run, start, fmt.Errorf("sync cancelled: %w", ctx.Err()))
		}
		if err := e.store.MarkAccountClosed(ctx, id, trigger, e.options.PurgeRetention); err != nil {
			if errors.Is(err, db.ErrAccountNotFound) {
				continue
			}
			counts.Errors++
			metrics.SyncAccountsTotal.WithLabelValues("error").Inc()
			logger.Error("failed to close missing account", "run_id", run.ID, "account_id", id, "error", err)
			e.auditAccountFailure(ctx, run, trigger, id, "", err)
			continue
		}
		counts.Closed++
		metrics.SyncAccountsTotal.WithLabelValues(string(OutcomeClosed)).Inc()
	}

	state := db.SyncRunStateCompleted
	if counts.Errors > 0 {
		state = db.SyncRunStatePartial
	}

	if err := e.store.FinishSyncRun(ctx, run.ID, state, counts, ""); err != nil {
		return run, fmt.Errorf("failed to finish sync run %s: %w", run.ID, err)
	}
	if err := e.store.WriteAudit(ctx, db.AuditEntry{
		Action: db.AuditSyncFinished,
		Actor:  trigger,
		Details: map[string]any{
			"run_id": run.ID, "state": state,
			"created": counts.Created, "updated": counts.Updated,
			"unchanged": counts.Unchanged, "closed": counts.Closed,
			"errors": counts.Errors,
		},
	}); err != nil {
		logger.Warn("failed to audit sync finish", "run_id", run.ID, "error", err)
	}

	metrics.SyncRunsTotal.WithLabelValues(trigger, state).Inc()
	metrics.SyncRunDuration.Observe(time.Since(start).Seconds())
	logger.Info("sync run finished", "run_id", run.ID, "state", state,
		"total_remote", counts.TotalRemote, "created", counts.Created,
		"updated", counts.Updated, "unchanged", counts.Unchanged,
		"closed", counts.Closed, "errors", counts.Errors,
		"duration", time.Since(start))

	now := time.Now()
	run.State = state
	run.FinishedAt = &now
	run.TotalRemote = counts.TotalRemote
	run.Created = counts.Created
	run.Updated = counts.Updated
	run.Unchanged = counts.Unchanged
	run.Closed = counts.Closed
	run.Errors = counts.Errors
	return run, nil
}

// ReconcileOne fetches a single account from the directory and folds it into
// the local store. A remote 404 closes the local account. Used for the
// confirming re-sync after bulk mutations; expectedVersion is the
// local_version the caller observed before mutating the directory, so a
// concurrent writer is detected and the apply retried against fresh state.
// Zero skips the guard.
func (e *Engine) ReconcileOne(ctx context.Context, directoryID, actor string, expectedVersion int64) (Outcome, error) {
	snap, err := e.client.GetAccount(ctx, directoryID)
	if errors.Is(err, directory.ErrNotFound) {
		if err := e.store.MarkAccountClosed(ctx, directoryID, actor, e.options.PurgeRetention); err != nil {
			if errors.Is(err, db.ErrAccountNotFound) {
				return OutcomeClosed, nil
			}
			return "", err
		}
		return OutcomeClosed, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch account %s: %w", directoryID, err)
	}

	result, err := e.applySnapshot(ctx, *snap, actor, expectedVersion)
	if err != nil {
		return "", err
	}
	return Outcome(result.Outcome), nil
}

// auditAccountFailure records one account-level failure in the audit trail.
// Failures are audit history in their own right, not just diagnostics.
func (e *Engine) auditAccountFailure(ctx context.Context, run *db.SyncRun, trigger, accountID, email string, cause error) {
	if err := e.store.WriteAudit(ctx, db.AuditEntry{
		Action:    db.AuditAccountSyncFailed,
		Actor:     trigger,
		AccountID: accountID,
		Email:     email,
		Details:   map[string]any{"run_id": run.ID, "error": cause.Error()},
	}); err != nil {
		logger.Warn("failed to audit account failure", "run_id", run.ID, "account_id", accountID, "error", err)
	}
}

// applySnapshot folds one snapshot, retrying once when a concurrent writer
// bumped the row past the expected version. The retry drops the guard: the
// remote snapshot wins regardless of what the other writer did.
func (e *Engine) applySnapshot(ctx context.Context, snap directory.AccountSnapshot, actor string, expectedVersion int64) (*db.ApplyResult, error) {
	opts := db.ApplyAccountOptions{
		Actor:           actor,
		PurgeRetention:  e.options.PurgeRetention,
		ExpectedVersion: expectedVersion,
	}
	result, err := e.store.ApplyAccountSnapshot(ctx, snap, opts)
	if errors.Is(err, db.ErrConflict) {
		logger.Debug("retrying conflicted account", "account_id", snap.ID)
		opts.ExpectedVersion = 0
		result, err = e.store.ApplyAccountSnapshot(ctx, snap, opts)
	}
	return result, err
}

func (e *Engine) failRun(ctx context.Context, run *db.SyncRun, start time.Time, cause error) (*db.SyncRun, error) {
	// The run record must reach its terminal state even when the run was
	// cancelled, so the bookkeeping writes use a detached context.
	finishCtx := context.WithoutCancel(ctx)

	if err := e.store.FinishSyncRun(finishCtx, run.ID, db.SyncRunStateFailed, db.SyncCounts{}, cause.Error()); err != nil {
		logger.Error("failed to record sync failure", "run_id", run.ID, "error", err)
	}
	if err := e.store.WriteAudit(finishCtx, db.AuditEntry{
		Action:  db.AuditSyncFinished,
		Actor:   run.Trigger,
		Details: map[string]any{"run_id": run.ID, "state": db.SyncRunStateFailed, "error": cause.Error()},
	}); err != nil {
		logger.Warn("failed to audit sync failure", "run_id", run.ID, "error", err)
	}

	metrics.SyncRunsTotal.WithLabelValues(run.Trigger, "failed").Inc()
	metrics.SyncRunDuration.Observe(time.Since(start).Seconds())
	logger.Error("sync run failed", "run_id", run.ID, "error", cause)
	return run, cause
}
