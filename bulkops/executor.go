// Package bulkops executes batches of account actions against the remote
// directory: status changes and deletion requests. Submissions are persisted
// atomically, items run in ascending directory ID order, and each item
// failure is isolated from the rest of the batch.
package bulkops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/directory"
	"github.com/migadu/rondo/logger"
	"github.com/migadu/rondo/pkg/metrics"
	"github.com/migadu/rondo/pkg/retry"
	rondosync "github.com/migadu/rondo/sync"
)

// Bulk actions.
const (
	// ActionSetStatus changes the directory status of each account.
	// Payload: {"status": "<active|locked|suspended|closed|maintenance>"}.
	ActionSetStatus = "set_status"

	// ActionDeleteRequest closes each account in the directory and enqueues
	// a deferred purge. The account is only deleted after the retention
	// window elapses.
	ActionDeleteRequest = "delete_request"
)

// ErrInvalidSubmission rejects a batch before anything is persisted.
var ErrInvalidSubmission = errors.New("invalid bulk submission")

// SubmitItem is one requested account action.
type SubmitItem struct {
	Email  string
	Status directory.Status // required for ActionSetStatus
}

// Store defines the database operations required by the executor.
// This allows for mocking in tests.
type Store interface {
	CreateBulkOperation(ctx context.Context, action, submittedBy string, items []db.BulkItemInput) (*db.BulkOperation, error)
	ClaimPendingBulkOperation(ctx context.Context) (*db.BulkOperation, error)
	ListBulkItems(ctx context.Context, operationID uuid.UUID) ([]db.BulkItem, error)
	SetBulkItemResult(ctx context.Context, itemID int64, state, errorMessage string) error
	FinishBulkOperation(ctx context.Context, id uuid.UUID, succeeded, failed int) error
	GetAccountByEmail(ctx context.Context, email string) (*db.Account, error)
	EnqueuePurge(ctx context.Context, accountID, email, actor string, notBefore time.Time) (bool, error)
	WriteAudit(ctx context.Context, entry db.AuditEntry) error
}

// Reconciler re-syncs a single account after a remote mutation. The expected
// version lets the re-sync detect a concurrent writer.
type Reconciler interface {
	ReconcileOne(ctx context.Context, directoryID, actor string, expectedVersion int64) (rondosync.Outcome, error)
}

// ExecutorOptions configures the bulk executor.
type ExecutorOptions struct {
	// PurgeRetention is the window between a delete request and the purge
	// entry becoming due.
	PurgeRetention time.Duration

	// RemoteRetries bounds transient retries per item against the directory.
	RemoteRetries int

	// RetryInterval is the initial backoff between transient retries.
	RetryInterval time.Duration

	// WakeInterval is how often the worker polls for pending operations.
	WakeInterval time.Duration
}

// Executor runs bulk operations against the directory.
type Executor struct {
	store      Store
	client     directory.Client
	reconciler Reconciler
	options    ExecutorOptions
	notifyCh   chan struct{}
}

// NewExecutor creates a bulk operation executor.
func NewExecutor(store Store, client directory.Client, reconciler Reconciler, options ExecutorOptions) *Executor {
	if options.WakeInterval <= 0 {
		options.WakeInterval = 5 * time.Second
	}
	if options.RetryInterval <= 0 {
		options.RetryInterval = time.Second
	}
	return &Executor{
		store:      store,
		client:     client,
		reconciler: reconciler,
		options:    options,
		notifyCh:   make(chan struct{}, 1),
	}
}

// Submit validates and persists a batch. Every target must already be
// tracked locally; the whole submission is rejected if any item is invalid,
// and nothing is stored in that case. Items are ordered by ascending
// directory ID so two identical submissions produce the same audit sequence.
func (e *Executor) Submit(ctx context.Context, action, submittedBy string, items []SubmitItem) (*db.BulkOperation, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidSubmission)
	}
	if action != ActionSetStatus && action != ActionDeleteRequest {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidSubmission, action)
	}

	type pendingItem struct {
		input       db.BulkItemInput
		directoryID string
	}

	pending := make([]pendingItem, 0, len(items))
	seen := make(map[string]int, len(items))
	for i, item := range items {
		if item.Email == "" {
			return nil, fmt.Errorf("%w: item %d has no email", ErrInvalidSubmission, i)
		}
		if prev, dup := seen[item.Email]; dup {
			return nil, fmt.Errorf("%w: item %d duplicates item %d (%s)", ErrInvalidSubmission, i, prev, item.Email)
		}
		seen[item.Email] = i

		payload := map[string]any{}
		if action == ActionSetStatus {
			if !item.Status.Valid() {
				return nil, fmt.Errorf("%w: item %d has invalid status %q", ErrInvalidSubmission, i, item.Status)
			}
			payload["status"] = string(item.Status)
		}

		account, err := e.store.GetAccountByEmail(ctx, item.Email)
		if errors.Is(err, db.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: item %d targets unknown account %s", ErrInvalidSubmission, i, item.Email)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", item.Email, err)
		}
		pending = append(pending, pendingItem{
			input:       db.BulkItemInput{Email: item.Email, Payload: payload},
			directoryID: account.DirectoryID,
		})
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].directoryID < pending[j].directoryID
	})
	inputs := make([]db.BulkItemInput, len(pending))
	for i, p := range pending {
		inputs[i] = p.input
	}

	op, err := e.store.CreateBulkOperation(ctx, action, submittedBy, inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to persist bulk operation: %w", err)
	}

	logger.Info("bulk operation submitted", "operation_id", op.ID, "action", action,
		"items", len(items), "submitted_by", submittedBy)
	e.Notify()
	return op, nil
}

// Notify wakes the worker loop so a freshly submitted operation starts
// without waiting for the next poll.
func (e *Executor) Notify() {
	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

// Start runs the worker loop until the context is done.
func (e *Executor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.options.WakeInterval)
		defer ticker.Stop()

		logger.Info("bulk executor started", "wake_interval", e.options.WakeInterval)
		for {
			select {
			case <-ctx.Done():
				logger.Info("bulk executor stopped")
				return
			case <-ticker.C:
			case <-e.notifyCh:
			}
			e.drain(ctx)
		}
	}()
}

func (e *Executor) drain(ctx context.Context) {
	for {
		processed, err := e.Process(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("bulk operation processing failed", "error", err)
			}
			return
		}
		if !processed {
			return
		}
	}
}

// Process claims and executes the oldest pending operation. Returns false
// when the queue is empty.
func (e *Executor) Process(ctx context.Context) (bool, error) {
	op, err := e.store.ClaimPendingBulkOperation(ctx)
	if errors.Is(err, db.ErrBulkOperationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim bulk operation: %w", err)
	}

	logger.Info("bulk operation started", "operation_id", op.ID, "action", op.Action, "items", op.TotalItems)

	items, err := e.store.ListBulkItems(ctx, op.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load items for operation %s: %w", op.ID, err)
	}

	var succeeded, failed int
	for _, item := range items {
		if item.State != db.BulkItemStatePending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if itemErr := e.processItem(ctx, op, item); itemErr != nil {
			failed++
			metrics.BulkItemsTotal.WithLabelValues("failed").Inc()
			logger.Warn("bulk item failed", "operation_id", op.ID, "email", item.Email, "error", itemErr)
			if err := e.store.SetBulkItemResult(ctx, item.ID, db.BulkItemStateFailed, itemErr.Error()); err != nil {
				return false, err
			}
			if err := e.store.WriteAudit(ctx, db.AuditEntry{
				Action:  db.AuditBulkItemFailed,
				Actor:   op.SubmittedBy,
				Email:   item.Email,
				Details: map[string]any{"operation_id": op.ID, "action": op.Action, "error": itemErr.Error()},
			}); err != nil {
				logger.Warn("failed to audit bulk item failure", "operation_id", op.ID, "email", item.Email, "error", err)
			}
			continue
		}

		succeeded++
		metrics.BulkItemsTotal.WithLabelValues("succeeded").Inc()
		if err := e.store.SetBulkItemResult(ctx, item.ID, db.BulkItemStateSucceeded, ""); err != nil {
			return false, err
		}
	}

	if err := e.store.FinishBulkOperation(ctx, op.ID, succeeded, failed); err != nil {
		return false, err
	}

	outcome := "completed"
	switch {
	case failed > 0 && succeeded == 0:
		outcome = "failed"
	case failed > 0:
		outcome = "partial"
	}
	metrics.BulkOperationsTotal.WithLabelValues(op.Action, outcome).Inc()
	logger.Info("bulk operation finished", "operation_id", op.ID,
		"succeeded", succeeded, "failed", failed)
	return true, nil
}

// processItem performs one account action: resolve the account, mutate the
// directory, then run the confirming re-sync so the local row reflects what
// the directory now says.
func (e *Executor) processItem(ctx context.Context, op *db.BulkOperation, item db.BulkItem) error {
	account, err := e.store.GetAccountByEmail(ctx, item.Email)
	if errors.Is(err, db.ErrAccountNotFound) {
		return fmt.Errorf("no tracked account for %s", item.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", item.Email, err)
	}

	switch op.Action {
	case ActionSetStatus:
		status, ok := item.Payload["status"].(string)
		if !ok {
			return fmt.Errorf("item payload has no status")
		}
		if err := e.remoteCall(ctx, func() error {
			return e.client.SetAccountStatus(ctx, account.DirectoryID, directory.Status(status))
		}); err != nil {
			return fmt.Errorf("directory status change failed: %w", err)
		}

	case ActionDeleteRequest:
		err := e.remoteCall(ctx, func() error {
			return e.client.SetAccountStatus(ctx, account.DirectoryID, directory.StatusClosed)
		})
		// An account already gone from the directory still gets purged
		// locally after the retention window.
		if err != nil && !errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("directory close failed: %w", err)
		}
		notBefore := time.Now().Add(e.options.PurgeRetention)
		if _, err := e.store.EnqueuePurge(ctx, account.DirectoryID, account.Email, "bulk", notBefore); err != nil {
			return fmt.Errorf("failed to enqueue purge: %w", err)
		}

	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}

	if _, err := e.reconciler.ReconcileOne(ctx, account.DirectoryID, "bulk", account.LocalVersion); err != nil {
		return fmt.Errorf("directory updated but local re-sync failed: %w", err)
	}
	return nil
}

// remoteCall retries transient directory failures with backoff; permanent
// failures stop immediately.
func (e *Executor) remoteCall(ctx context.Context, fn func() error) error {
	return retry.WithRetry(ctx, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if directory.IsTransient(err) {
			return err
		}
		return retry.Stop(err)
	}, retry.BackoffConfig{
		InitialInterval: e.options.RetryInterval,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      e.options.RemoteRetries,
	})
}
