package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrAccountNotFound indicates that an account was not found in the database
	ErrAccountNotFound = errors.New("account not found")

	// ErrConflict indicates that a guarded update lost a concurrent version race
	ErrConflict = errors.New("concurrent modification detected")

	// ErrSyncRunNotFound indicates that a sync run was not found in the database
	ErrSyncRunNotFound = errors.New("sync run not found")

	// ErrBulkOperationNotFound indicates that a bulk operation was not found
	ErrBulkOperationNotFound = errors.New("bulk operation not found")

	// ErrPurgeEntryNotFound indicates that a purge queue entry was not found
	ErrPurgeEntryNotFound = errors.New("purge entry not found")

	// ErrPurgeEntryNotCancellable indicates that a purge entry is past the
	// point where cancellation is allowed
	ErrPurgeEntryNotCancellable = errors.New("purge entry cannot be cancelled")

	// ErrInvalidInterval indicates a schedule interval outside the allowed set
	ErrInvalidInterval = errors.New("invalid schedule interval")
)
