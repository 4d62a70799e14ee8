// internal/engine/errors.go
package engine

import "errors"

var (
	// ErrConflict means the caller lost a concurrency race: a version check
	// failed or the store detected a write collision. Safe to retry.
	ErrConflict = errors.New("concurrency conflict: version mismatch")

	// ErrCopyUnavailable means the copy is not available to this member.
	ErrCopyUnavailable = errors.New("copy is not available")

	// ErrMemberIneligible means the member may not borrow: inactive status,
	// unpaid fines over the threshold, or too many active loans.
	ErrMemberIneligible = errors.New("member is not eligible for checkout")

	// ErrNotBorrowed means the loan is not in a returnable state.
	ErrNotBorrowed = errors.New("loan is not currently borrowed")

	// ErrRenewalNotAllowed means the loan cannot be renewed.
	ErrRenewalNotAllowed = errors.New("renewal not allowed")

	// ErrDuplicateReservation means the member already holds an active
	// reservation for this book.
	ErrDuplicateReservation = errors.New("member already has an active reservation for this book")

	// ErrInvalidTransition means the requested copy transition is not legal
	// from the copy's current state.
	ErrInvalidTransition = errors.New("invalid copy state transition")

	// ErrStoreUnavailable is an infrastructure fault. Retried by the caller
	// with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound means an id did not resolve to a record.
	ErrNotFound = errors.New("not found")
)

// Retryable reports whether an operation that failed with err may be safely
// retried with the same intended effect.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}
