// Package schedule drives periodic sync runs from a database-persisted
// configuration. The interval survives restarts, and the guarded next-run
// advance makes concurrent instances dispatch each due run exactly once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/logger"
	"github.com/migadu/rondo/sync"
)

// Store defines the database operations required by the scheduler.
// This allows for mocking in tests.
type Store interface {
	GetScheduleConfig(ctx context.Context) (*db.ScheduleConfig, error)
	UpdateScheduleConfig(ctx context.Context, intervalHours int, nextRunAt *time.Time, actor string) (*db.ScheduleConfig, error)
	AdvanceScheduleNextRun(ctx context.Context, previous, next time.Time) (bool, error)
}

// Runner starts a sync run. Satisfied by the sync engine.
type Runner interface {
	Run(ctx context.Context, trigger string) (*db.SyncRun, error)
}

// Scheduler fires sync runs when the persisted next-run time comes due.
type Scheduler struct {
	store        Store
	runner       Runner
	tickInterval time.Duration
	stopCh       chan struct{}
	now          func() time.Time
}

// New creates a scheduler.
func New(store Store, runner Runner, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	return &Scheduler{
		store:        store,
		runner:       runner,
		tickInterval: tickInterval,
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
}

// Reconfigure persists a new interval. A non-zero interval schedules the
// next run one full interval from now; zero disables scheduled syncs and
// clears the next run time.
func (s *Scheduler) Reconfigure(ctx context.Context, intervalHours int, actor string) (*db.ScheduleConfig, error) {
	var nextRunAt *time.Time
	if intervalHours > 0 {
		next := s.now().Add(time.Duration(intervalHours) * time.Hour).UTC()
		nextRunAt = &next
	}

	cfg, err := s.store.UpdateScheduleConfig(ctx, intervalHours, nextRunAt, actor)
	if err != nil {
		return nil, err
	}

	if cfg.Enabled() {
		logger.Info("sync schedule updated", "interval_hours", cfg.IntervalHours, "next_run_at", cfg.NextRunAt, "actor", actor)
	} else {
		logger.Info("sync schedule disabled", "actor", actor)
	}
	return cfg, nil
}

// Config returns the persisted schedule configuration.
func (s *Scheduler) Config(ctx context.Context) (*db.ScheduleConfig, error) {
	return s.store.GetScheduleConfig(ctx)
}

// Tick checks whether a run is due and dispatches at most one. A missed
// window (downtime longer than the interval) is caught up with a single run:
// the next run is anchored to the tick time, not to the missed slots.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	cfg, err := s.store.GetScheduleConfig(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read schedule: %w", err)
	}
	if !cfg.Enabled() || cfg.NextRunAt == nil {
		return false, nil
	}

	now := s.now()
	if now.Before(*cfg.NextRunAt) {
		return false, nil
	}

	next := now.Add(cfg.Interval()).UTC()
	won, err := s.store.AdvanceScheduleNextRun(ctx, *cfg.NextRunAt, next)
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}
	if !won {
		// Another instance claimed this slot.
		return false, nil
	}

	logger.Info("dispatching scheduled sync", "was_due_at", cfg.NextRunAt, "next_run_at", next)
	if _, err := s.runner.Run(ctx, db.SyncTriggerScheduled); err != nil {
		if errors.Is(err, sync.ErrSyncInProgress) {
			logger.Info("scheduled sync skipped, another run is active")
			return false, nil
		}
		return true, fmt.Errorf("scheduled sync failed: %w", err)
	}
	return true, nil
}

// Start runs the tick loop in a goroutine until the context is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	logger.Info("scheduler starting", "tick_interval", s.tickInterval)

	ticker := time.NewTicker(s.tickInterval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("scheduler stopped due to context cancellation")
				return
			case <-s.stopCh:
				logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("scheduler tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the tick loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}
