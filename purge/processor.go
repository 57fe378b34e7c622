// Package purge drains the deferred deletion queue. Accounts land in the
// queue when a delete request is executed or an account enters a
// purge-eligible status; entries become due after their retention window
// and only then is the account deleted from the directory and the local
// store. A table
// based lock ensures a single instance drains the queue at a time.
package purge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/directory"
	"github.com/migadu/rondo/logger"
	"github.com/migadu/rondo/pkg/metrics"
)

// Store defines the database operations required by the purge processor.
// This allows for mocking in tests.
type Store interface {
	AcquirePurgeLock(ctx context.Context) (bool, error)
	ReleasePurgeLock(ctx context.Context)
	ClaimDuePurgeEntries(ctx context.Context, limit int) ([]db.PurgeEntry, error)
	CompletePurgeEntry(ctx context.Context, entry db.PurgeEntry, actor string) error
	RequeuePurgeEntry(ctx context.Context, id int64, retryAt time.Time, lastError string) error
	FailPurgeEntry(ctx context.Context, entry db.PurgeEntry, lastError string) error
	CancelPurgeEntry(ctx context.Context, id int64, actor string) error
	CountDuePurgeEntries(ctx context.Context) (int64, error)
}

// ProcessorOptions configures the purge processor.
type ProcessorOptions struct {
	// WakeInterval is how often the worker checks for due entries.
	WakeInterval time.Duration

	// RetryDelay is the base delay before a failed deletion is retried.
	// The actual delay doubles with each attempt.
	RetryDelay time.Duration

	// MaxAttempts bounds deletion attempts before an entry is marked failed.
	MaxAttempts int

	// BatchSize caps how many entries one pass claims.
	BatchSize int
}

// Processor executes due purge entries against the directory and the local
// store.
type Processor struct {
	store   Store
	client  directory.Client
	options ProcessorOptions
	stopCh  chan struct{}
}

// NewProcessor creates a purge processor.
func NewProcessor(store Store, client directory.Client, options ProcessorOptions) *Processor {
	if options.WakeInterval <= 0 {
		options.WakeInterval = 15 * time.Minute
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = 15 * time.Minute
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = 5
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}
	return &Processor{
		store:   store,
		client:  client,
		options: options,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the worker loop in a goroutine until the context is done or
// Stop is called.
func (p *Processor) Start(ctx context.Context) {
	logger.Info("purge worker starting", "wake_interval", p.options.WakeInterval,
		"retry_delay", p.options.RetryDelay, "max_attempts", p.options.MaxAttempts)

	ticker := time.NewTicker(p.options.WakeInterval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("purge worker stopped due to context cancellation")
				return
			case <-p.stopCh:
				logger.Info("purge worker stopped")
				return
			case <-ticker.C:
				p.runOnce(ctx)
			}
		}
	}()
}

// Stop terminates the worker loop.
func (p *Processor) Stop() {
	close(p.stopCh)
}

// runOnce takes the cross-instance lock and drains due entries.
func (p *Processor) runOnce(ctx context.Context) {
	if due, err := p.store.CountDuePurgeEntries(ctx); err == nil {
		metrics.PurgeQueueDue.Set(float64(due))
	}

	acquired, err := p.store.AcquirePurgeLock(ctx)
	if err != nil {
		logger.Error("failed to acquire purge lock", "error", err)
		return
	}
	if !acquired {
		logger.Debug("purge lock held by another instance, skipping")
		return
	}
	defer p.store.ReleasePurgeLock(ctx)

	processed, err := p.ProcessDue(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("purge pass failed", "error", err)
	}
	if processed > 0 {
		logger.Info("purge pass finished", "processed", processed)
	}
}

// ProcessDue claims all due entries and executes each deletion. Returns the
// number of entries processed.
func (p *Processor) ProcessDue(ctx context.Context) (int, error) {
	entries, err := p.store.ClaimDuePurgeEntries(ctx, p.options.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due entries: %w", err)
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			// Unprocessed claims go back to the queue for the next pass.
			for _, left := range entries[i:] {
				if reErr := p.store.RequeuePurgeEntry(context.WithoutCancel(ctx), left.ID, left.NotBefore, "shutdown during purge"); reErr != nil {
					logger.Error("failed to requeue purge entry on shutdown", "entry_id", left.ID, "error", reErr)
				}
			}
			return i, err
		}
		p.executeEntry(ctx, entry)
	}
	return len(entries), nil
}

// executeEntry deletes one account from the directory, then from the local
// store. A directory 404 counts as success: the account is already gone.
func (p *Processor) executeEntry(ctx context.Context, entry db.PurgeEntry) {
	logger.Info("purging account", "entry_id", entry.ID, "account_id", entry.AccountID,
		"email", entry.Email, "attempt", entry.Attempts)

	err := p.client.DeleteAccount(ctx, entry.AccountID)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		p.handleFailure(ctx, entry, err)
		return
	}

	if err := p.store.CompletePurgeEntry(ctx, entry, "purge"); err != nil {
		logger.Error("directory deletion succeeded but local completion failed",
			"entry_id", entry.ID, "account_id", entry.AccountID, "error", err)
		metrics.PurgeExecutionsTotal.WithLabelValues("error").Inc()
		return
	}

	metrics.PurgeExecutionsTotal.WithLabelValues("completed").Inc()
	logger.Info("account purged", "entry_id", entry.ID, "account_id", entry.AccountID, "email", entry.Email)
}

// handleFailure requeues transient failures with doubling delay until the
// attempt budget runs out, then marks the entry failed. Permanent directory
// errors fail immediately.
func (p *Processor) handleFailure(ctx context.Context, entry db.PurgeEntry, cause error) {
	if !directory.IsTransient(cause) || entry.Attempts >= p.options.MaxAttempts {
		if err := p.store.FailPurgeEntry(ctx, entry, cause.Error()); err != nil {
			logger.Error("failed to mark purge entry failed", "entry_id", entry.ID, "error", err)
		}
		metrics.PurgeExecutionsTotal.WithLabelValues("failed").Inc()
		logger.Error("purge failed permanently", "entry_id", entry.ID,
			"account_id", entry.AccountID, "attempts", entry.Attempts, "error", cause)
		return
	}

	attempts := entry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.options.RetryDelay << (attempts - 1)
	const maxDelay = 24 * time.Hour
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	if err := p.store.RequeuePurgeEntry(ctx, entry.ID, time.Now().Add(delay), cause.Error()); err != nil {
		logger.Error("failed to requeue purge entry", "entry_id", entry.ID, "error", err)
		return
	}
	metrics.PurgeExecutionsTotal.WithLabelValues("retried").Inc()
	logger.Warn("purge attempt failed, retrying later", "entry_id", entry.ID,
		"account_id", entry.AccountID, "attempt", entry.Attempts, "retry_in", delay, "error", cause)
}

// Cancel withdraws a queued entry before it executes.
func (p *Processor) Cancel(ctx context.Context, id int64, actor string) error {
	if err := p.store.CancelPurgeEntry(ctx, id, actor); err != nil {
		return err
	}
	logger.Info("purge entry cancelled", "entry_id", id, "actor", actor)
	return nil
}
