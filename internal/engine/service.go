// internal/engine/service.go
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service is the engine façade: the circulation operations exposed to
// callers. Every mutating operation executes as a single ledger transaction
// and is safe to retry on ErrConflict or ErrStoreUnavailable.
type Service interface {
	// Checkout lends the copy to the member. The copy must be available, or
	// reserved and held for this exact member. staffID optionally records
	// who processed the checkout at the desk.
	Checkout(ctx context.Context, copyID, memberID uuid.UUID, staffID *uuid.UUID) (*Loan, error)

	// Return closes a borrowed or overdue loan, computes the final fine and
	// releases the copy, triggering reservation fulfillment.
	Return(ctx context.Context, loanID uuid.UUID) (*Loan, error)

	// Renew extends the due date by one loan period.
	Renew(ctx context.Context, loanID uuid.UUID) (*Loan, error)

	// MarkLoanLost declares the lent copy lost: the loan is fined the
	// replacement cost and the copy is withheld from circulation.
	MarkLoanLost(ctx context.Context, loanID uuid.UUID) (*Loan, error)

	// Reserve queues a reservation for the book; copyID optionally pins the
	// request to one specific copy.
	Reserve(ctx context.Context, memberID, bookID uuid.UUID, copyID *uuid.UUID) (*Reservation, error)

	// CancelReservation cancels an active reservation. Idempotent on
	// terminal states.
	CancelReservation(ctx context.Context, reservationID uuid.UUID) error

	// PayFine records a payment against the member's outstanding fines,
	// optionally attributed to one loan.
	PayFine(ctx context.Context, memberID uuid.UUID, loanID *uuid.UUID, amountCents int64) (*Payment, error)

	GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error)
	MemberLoans(ctx context.Context, memberID uuid.UUID) ([]*Loan, error)

	// ProjectedFine is the fine the loan would carry if returned at now.
	// Computed, never persisted; zero for loans that are not late. A zero
	// now means the engine's current time.
	ProjectedFine(ctx context.Context, loanID uuid.UUID, now time.Time) (int64, error)

	// MarkCopyLost, MarkCopyMaintenance and RestoreCopy are administrative
	// copy transitions. They fail with ErrInvalidTransition while an active
	// loan references the copy.
	MarkCopyLost(ctx context.Context, copyID uuid.UUID) (*Copy, error)
	MarkCopyMaintenance(ctx context.Context, copyID uuid.UUID) (*Copy, error)
	RestoreCopy(ctx context.Context, copyID uuid.UUID) (*Copy, error)

	// AddCopy registers a newly acquired copy as available.
	AddCopy(ctx context.Context, copyID, bookID uuid.UUID) (*Copy, error)

	// PromoteOverdue transitions borrowed loans whose due date passed before
	// now to overdue. Idempotent; per-row failures are logged and skipped.
	// Returns the number of loans transitioned.
	PromoteOverdue(ctx context.Context, now time.Time) (int, error)

	// ExpireHolds expires lapsed reservation holds and re-offers their
	// copies. Idempotent; per-row failures are logged and skipped. Returns
	// the number of reservations expired.
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
}
