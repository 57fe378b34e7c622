package directory

import (
	"errors"
	"fmt"
)

// Sentinel errors for directory operations
var (
	// ErrUnavailable indicates the directory could not be reached even
	// after the client's transient retry budget was spent. A sync run
	// hitting this fails as a whole and is retried only on its next
	// scheduled or manual trigger.
	ErrUnavailable = errors.New("directory unavailable")

	// ErrNotFound indicates the account does not exist in the directory
	ErrNotFound = errors.New("account not found in directory")
)

// RemoteError is a per-account operation failure reported by the directory.
// Transient failures are eligible for the owning state machine's retry
// cycle; permanent ones are terminal for that item.
type RemoteError struct {
	Op        string // logical operation, e.g. "set_status", "delete"
	AccountID string
	Reason    string
	Transient bool
}

func (e *RemoteError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("directory %s failed for %s (%s): %s", e.Op, e.AccountID, kind, e.Reason)
}

// IsTransient reports whether err is a transient remote failure that the
// caller's own retry cycle may re-attempt.
func IsTransient(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Transient
	}
	return false
}
