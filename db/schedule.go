package db

import (
	"context"
	"fmt"
	"time"
)

// AllowedScheduleIntervals are the valid sync intervals in hours. Zero
// disables scheduled syncs.
var AllowedScheduleIntervals = []int{0, 1, 2, 4, 8, 12, 24}

// ValidScheduleInterval reports whether hours is one of the allowed values.
func ValidScheduleInterval(hours int) bool {
	for _, v := range AllowedScheduleIntervals {
		if v == hours {
			return true
		}
	}
	return false
}

// ScheduleConfig is the persisted singleton scheduler configuration.
type ScheduleConfig struct {
	IntervalHours int
	NextRunAt     *time.Time
	UpdatedAt     time.Time
}

// Enabled reports whether scheduled syncs are turned on.
func (c *ScheduleConfig) Enabled() bool {
	return c.IntervalHours > 0
}

// Interval returns the configured interval as a duration.
func (c *ScheduleConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// GetScheduleConfig reads the singleton schedule row.
func (db *Database) GetScheduleConfig(ctx context.Context) (*ScheduleConfig, error) {
	var cfg ScheduleConfig
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT interval_hours, next_run_at, updated_at FROM schedule_config WHERE id = 1
	`).Scan(&cfg.IntervalHours, &cfg.NextRunAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule config: %w", err)
	}
	return &cfg, nil
}

// UpdateScheduleConfig persists a new interval and next run time, and
// records the change in the audit log.
func (db *Database) UpdateScheduleConfig(ctx context.Context, intervalHours int, nextRunAt *time.Time, actor string) (*ScheduleConfig, error) {
	if !ValidScheduleInterval(intervalHours) {
		return nil, fmt.Errorf("interval %dh: %w", intervalHours, ErrInvalidInterval)
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var cfg ScheduleConfig
	err = tx.QueryRow(ctx, `
		UPDATE schedule_config
		SET interval_hours = $1, next_run_at = $2, updated_at = now()
		WHERE id = 1
		RETURNING interval_hours, next_run_at, updated_at
	`, intervalHours, nextRunAt).Scan(&cfg.IntervalHours, &cfg.NextRunAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule config: %w", err)
	}

	details := map[string]any{"interval_hours": intervalHours}
	if nextRunAt != nil {
		details["next_run_at"] = nextRunAt.UTC()
	}
	if err := db.WriteAuditTx(ctx, tx, AuditEntry{
		Action:  AuditScheduleChanged,
		Actor:   actor,
		Details: details,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit schedule config: %w", err)
	}
	return &cfg, nil
}

// AdvanceScheduleNextRun moves next_run_at forward after a scheduled run has
// been dispatched. The guard on the previous value makes concurrent ticks
// dispatch at most one run: only the instance that wins the update fires.
func (db *Database) AdvanceScheduleNextRun(ctx context.Context, previous time.Time, next time.Time) (bool, error) {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE schedule_config
		SET next_run_at = $2, updated_at = now()
		WHERE id = 1 AND next_run_at = $1
	`, previous.UTC(), next.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
