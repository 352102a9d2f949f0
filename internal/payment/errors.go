package payment

import (
	"errors"

	"ellio/internal/repo"
)

var (
	// ErrValidation is wrapped by every input check failure.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned for unknown requests, and for records owned by another user.
	ErrNotFound = repo.ErrNotFound
	// ErrAlreadyFinalized is returned when deciding a request that left pending already.
	ErrAlreadyFinalized = repo.ErrAlreadyFinalized
	// ErrTransient wraps gateway failures that outlived the retry budget.
	ErrTransient = errors.New("transient gateway error")
)
