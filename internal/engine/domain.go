// internal/engine/domain.go
package engine

import (
	"time"

	"github.com/google/uuid"
)

// CopyStatus is the authoritative availability state of a physical copy.
type CopyStatus string

const (
	CopyAvailable   CopyStatus = "available"
	CopyOnLoan      CopyStatus = "on_loan"
	CopyReserved    CopyStatus = "reserved"
	CopyLost        CopyStatus = "lost"
	CopyMaintenance CopyStatus = "maintenance"
)

// LoanStatus tracks a loan through its lifecycle.
type LoanStatus string

const (
	LoanBorrowed LoanStatus = "borrowed"
	LoanReturned LoanStatus = "returned"
	LoanOverdue  LoanStatus = "overdue"
	LoanLost     LoanStatus = "lost"
)

// ReservationStatus tracks a reservation through its lifecycle.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Terminal reports whether the reservation can no longer change state.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationFulfilled || s == ReservationCancelled || s == ReservationExpired
}

// Copy is one physical circulating instance of a book. Status is the single
// source of truth for availability; Version is the optimistic-concurrency
// counter checked on every write. While Status is "reserved", HeldFor names
// the member the copy is held for and HoldExpiresAt bounds the hold window.
type Copy struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	BookID        uuid.UUID  `json:"book_id" db:"book_id"`
	Status        CopyStatus `json:"status" db:"status"`
	HeldFor       *uuid.UUID `json:"held_for,omitempty" db:"held_for"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty" db:"hold_expires_at"`
	Version       int        `json:"version" db:"version"`
}

// Loan binds one copy to one member for an interval. Loans are append-only
// history: they are mutated through the lifecycle but never deleted.
type Loan struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	CopyID     uuid.UUID  `json:"copy_id" db:"copy_id"`
	MemberID   uuid.UUID  `json:"member_id" db:"member_id"`
	StaffID    *uuid.UUID `json:"staff_id,omitempty" db:"staff_id"`
	LoanDate   time.Time  `json:"loan_date" db:"loan_date"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"`
	Status     LoanStatus `json:"status" db:"status"`
	FineCents  int64      `json:"fine_cents" db:"fine_cents"`
	Renewals   int        `json:"renewals" db:"renewals"`
	Version    int        `json:"version" db:"version"`
}

// Active reports whether the loan still holds its copy.
func (l *Loan) Active() bool {
	return l.Status == LoanBorrowed || l.Status == LoanOverdue
}

// EffectiveStatus is the loan's status with overdue derived from time rather
// than trusted from the stored flag: a borrowed loan past its due date reads
// as overdue whether or not the periodic sweep has run yet.
func (l *Loan) EffectiveStatus(now time.Time) LoanStatus {
	if l.Status == LoanBorrowed && l.DueDate.Before(now) {
		return LoanOverdue
	}
	return l.Status
}

// Reservation is a member's standing request for a book. CopyID is only set
// when the member asked for one specific copy. HeldCopyID is set while a
// freed copy is bound to this reservation, with ExpiresAt bounding the hold.
type Reservation struct {
	ID          uuid.UUID         `json:"id" db:"id"`
	MemberID    uuid.UUID         `json:"member_id" db:"member_id"`
	BookID      uuid.UUID         `json:"book_id" db:"book_id"`
	CopyID      *uuid.UUID        `json:"copy_id,omitempty" db:"copy_id"`
	HeldCopyID  *uuid.UUID        `json:"held_copy_id,omitempty" db:"held_copy_id"`
	RequestedAt time.Time         `json:"requested_at" db:"requested_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	Status      ReservationStatus `json:"status" db:"status"`
	Version     int               `json:"version" db:"version"`
}

// Payment records money received against a member's fines. Immutable once
// created.
type Payment struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	MemberID    uuid.UUID  `json:"member_id" db:"member_id"`
	LoanID      *uuid.UUID `json:"loan_id,omitempty" db:"loan_id"`
	AmountCents int64      `json:"amount_cents" db:"amount_cents"`
	PaidAt      time.Time  `json:"paid_at" db:"paid_at"`
}

// Book is read-only catalog metadata.
type Book struct {
	ID     uuid.UUID `json:"id"`
	ISBN   string    `json:"isbn"`
	Title  string    `json:"title"`
	Author string    `json:"author"`
}

// Member is read-only membership metadata, trimmed to what eligibility needs.
type Member struct {
	ID     uuid.UUID `json:"id"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
}

// MemberActive is the membership status required for checkout eligibility.
const MemberActive = "active"
