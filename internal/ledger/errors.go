package ledger

import (
	"errors"

	"ellio/internal/repo"
)

var (
	// ErrInsufficientBalance is returned by debits larger than the balance. Nothing is written.
	ErrInsufficientBalance = repo.ErrInsufficientBalance
	// ErrNotFound is returned when the user or referenced record does not exist.
	ErrNotFound = repo.ErrNotFound
	// ErrSuspended is returned when a suspended user tries to spend coins.
	ErrSuspended = repo.ErrSuspended
	// ErrInvalidResult is returned by adjustments that would leave a negative balance.
	ErrInvalidResult = errors.New("adjustment would leave a negative balance")
	// ErrInvalidAmount is returned for zero or negative amounts where a positive one is required.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidType is returned for transaction types the ledger does not know.
	ErrInvalidType = errors.New("unknown transaction type")
	// ErrTransient wraps gateway failures that outlived the retry budget.
	ErrTransient = errors.New("transient gateway error")
)
