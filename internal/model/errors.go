package model

import "errors"

// Error kinds surfaced by the core. Operations wrap these with context via
// fmt.Errorf("...: %w", ...); the HTTP boundary maps them with errors.Is.
var (
	// ErrNotFound is returned when a referenced entity is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned for operations against the wrong
	// lifecycle state: market not OPEN, order not cancellable, market
	// already SETTLED, or an illegal state-machine transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidInput is returned for malformed requests: price <= 1.00,
	// stake <= 0, unknown side, or decimal precision overflow.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientFunds is returned when available balance cannot
	// cover the required exposure.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPermissionDenied is returned when the actor may not touch the
	// target entity (e.g. cancelling another user's order).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict is returned for duplicate unique keys; creation of a
	// match with a known external id surfaces the existing row with this.
	ErrConflict = errors.New("conflict")
)
