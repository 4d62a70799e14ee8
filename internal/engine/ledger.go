// internal/engine/ledger.go
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger is the durable store for loans, reservations, payments and copy
// status. Every mutating engine operation runs inside a single WithTx call:
// the copy version check-and-set, the loan write and any reservation update
// either all commit or none do.
type Ledger interface {
	// WithTx runs fn inside one transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged, except
	// that store-level write collisions surface as ErrConflict and
	// infrastructure faults as ErrStoreUnavailable.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view of the ledger. All reads observe, and all
// writes join, the enclosing transaction. Updates are version-checked: the
// write succeeds only if the stored version equals expectedVersion, and on
// success the passed record's Version is bumped to expectedVersion+1. A
// mismatch returns ErrConflict. Lookups of unknown ids return ErrNotFound.
type Tx interface {
	GetCopy(ctx context.Context, id uuid.UUID) (*Copy, error)
	InsertCopy(ctx context.Context, c *Copy) error
	UpdateCopy(ctx context.Context, c *Copy, expectedVersion int) error

	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	InsertLoan(ctx context.Context, l *Loan) error
	UpdateLoan(ctx context.Context, l *Loan, expectedVersion int) error
	// ActiveLoanForCopy returns the single borrowed/overdue loan referencing
	// the copy, or nil when there is none.
	ActiveLoanForCopy(ctx context.Context, copyID uuid.UUID) (*Loan, error)
	ActiveLoanCount(ctx context.Context, memberID uuid.UUID) (int, error)
	MemberLoans(ctx context.Context, memberID uuid.UUID) ([]*Loan, error)
	// LoansDueBefore returns borrowed loans whose due date is strictly before t.
	LoansDueBefore(ctx context.Context, t time.Time) ([]*Loan, error)
	// OutstandingFineCents is the member's accumulated fines minus recorded
	// payments, floored at zero.
	OutstandingFineCents(ctx context.Context, memberID uuid.UUID) (int64, error)

	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	InsertReservation(ctx context.Context, r *Reservation) error
	UpdateReservation(ctx context.Context, r *Reservation, expectedVersion int) error
	// ActiveReservationOf returns the member's active reservation for the
	// book, or nil. A member holds at most one.
	ActiveReservationOf(ctx context.Context, memberID, bookID uuid.UUID) (*Reservation, error)
	ActiveReservationCount(ctx context.Context, bookID uuid.UUID) (int, error)
	// NextActiveReservation returns the earliest active reservation for the
	// book eligible to be offered copyID, ordered by (requested_at, id), or
	// nil when the queue is empty. Reservations already holding a copy are
	// skipped; reservations naming a different specific copy are skipped
	// unless that copy has left circulation.
	NextActiveReservation(ctx context.Context, bookID, copyID uuid.UUID) (*Reservation, error)
	// ReservationHoldingCopy returns the active reservation a reserved copy
	// is bound to, or nil.
	ReservationHoldingCopy(ctx context.Context, copyID uuid.UUID) (*Reservation, error)
	// HoldsExpiringBefore returns active reservations whose hold window ends
	// strictly before t.
	HoldsExpiringBefore(ctx context.Context, t time.Time) ([]*Reservation, error)

	InsertPayment(ctx context.Context, p *Payment) error
}

// Catalog is the read-only store of book and member metadata. The engine
// never trusts it for copy availability; copy status is always re-read from
// the ledger inside the claiming transaction.
type Catalog interface {
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
}
