package rewards

import (
	"errors"
	"fmt"
)

// ErrSettingsUnavailable is logged when the settings table cannot be read.
// The provider falls back to defaults and never surfaces this to callers.
var ErrSettingsUnavailable = errors.New("reward settings unavailable")

// ErrUserOnHold rejects writes for a user frozen by a failed audit.
var ErrUserOnHold = errors.New("user writes are on hold pending reconciliation")

// ValidationError reports a malformed submission. User-correctable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StorageTransactionError wraps a failed ledger-commit transaction. The
// transaction was fully rolled back, so the caller may safely retry with the
// same event id.
type StorageTransactionError struct {
	Op  string
	Err error
}

func (e *StorageTransactionError) Error() string {
	return fmt.Sprintf("storage transaction failed during %s: %v", e.Op, e.Err)
}

func (e *StorageTransactionError) Unwrap() error { return e.Err }

// InvariantViolation reports a mismatch between the ledger sum and the
// overall aggregate found during an audit pass. Fatal to the audit; the
// user's write path is frozen until manually released.
type InvariantViolation struct {
	UserID       int64
	Field        string
	LedgerSum    int64
	AggregateSum int64
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for user %d: ledger %s sum %d != aggregate %d",
		e.UserID, e.Field, e.LedgerSum, e.AggregateSum)
}
