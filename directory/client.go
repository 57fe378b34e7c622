// Package directory defines the logical contract of the remote mail
// directory's administrative API and provides its HTTP implementation.
//
// The directory is the authoritative owner of account state. Rondo only
// consumes four logical operations: list all accounts, fetch one account,
// set an account's status, and delete an account. Transport details, paging
// and fault translation are owned by this package; callers see snapshots
// and the error taxonomy from errors.go.
package directory

import (
	"context"
)

// Status is an account status as reported by the directory.
type Status string

const (
	StatusActive      Status = "active"
	StatusLocked      Status = "locked"
	StatusSuspended   Status = "suspended"
	StatusClosed      Status = "closed"
	StatusMaintenance Status = "maintenance"
)

// Valid reports whether s is one of the known directory statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusLocked, StatusSuspended, StatusClosed, StatusMaintenance:
		return true
	}
	return false
}

// ParseStatus folds a raw directory status string into the canonical enum.
// Legacy aliases used by older directory releases are mapped onto their
// modern equivalents; anything unknown folds to active, matching the
// directory's own default.
func ParseStatus(raw string) Status {
	switch raw {
	case "active":
		return StatusActive
	case "locked", "lockout":
		return StatusLocked
	case "suspended", "pending":
		return StatusSuspended
	case "closed":
		return StatusClosed
	case "maintenance":
		return StatusMaintenance
	default:
		return StatusActive
	}
}

// AccountSnapshot is one account's state as reported by the directory.
type AccountSnapshot struct {
	ID          string            `json:"id"`
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	Status      Status            `json:"status"`
	Attributes  map[string]string `json:"attributes"`
}

// Client is the logical operation contract of the directory admin API.
// Implementations own transport, auth, retries for transient faults, and
// fault translation into the package error taxonomy.
type Client interface {
	// ListAccounts returns a snapshot of every account the directory knows.
	// Exhausting the transient retry budget yields ErrUnavailable.
	ListAccounts(ctx context.Context) ([]AccountSnapshot, error)

	// GetAccount fetches a single account snapshot. A missing account
	// yields ErrNotFound.
	GetAccount(ctx context.Context, id string) (*AccountSnapshot, error)

	// SetAccountStatus changes an account's status in the directory.
	SetAccountStatus(ctx context.Context, id string, status Status) error

	// DeleteAccount permanently removes the account from the directory.
	DeleteAccount(ctx context.Context, id string) error
}
