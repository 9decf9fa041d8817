package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Market data and venue classification.
	ErrTransient     = errors.New("transient failure")
	ErrSymbolInvalid = errors.New("symbol invalid")
	ErrOrderRejected = errors.New("order rejected")
	ErrAmbiguousFill = errors.New("order outcome unknown")

	// Lifecycle.
	ErrInvariantViolation    = errors.New("invariant violation")
	ErrSymbolHalted          = errors.New("symbol halted")
	ErrPendingReconciliation = errors.New("pending reconciliation")
	ErrMalformedAdvice       = errors.New("malformed advice")
)
