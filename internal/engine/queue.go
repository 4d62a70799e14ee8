// internal/engine/queue.go
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// reservationQueue maintains one conceptual FIFO queue per book: the set of
// active reservations ordered by (requested_at, id). The secondary key makes
// ties impossible, so fulfillment order is total.
type reservationQueue struct {
	policy Policy
	clock  func() time.Time
}

func newReservationQueue(policy Policy, clock func() time.Time) *reservationQueue {
	return &reservationQueue{policy: policy, clock: clock}
}

// Enqueue appends a reservation for memberID to the book's queue. copyID,
// when set, pins the request to one specific copy. A member holds at most
// one active reservation per book. Reserving a book with available copies is
// permitted; the reservation simply queues.
func (q *reservationQueue) Enqueue(ctx context.Context, tx Tx, memberID, bookID uuid.UUID, copyID *uuid.UUID) (*Reservation, error) {
	existing, err := tx.ActiveReservationOf(ctx, memberID, bookID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("member %s, book %s: %w", memberID, bookID, ErrDuplicateReservation)
	}

	r := &Reservation{
		ID:          uuid.New(),
		MemberID:    memberID,
		BookID:      bookID,
		CopyID:      copyID,
		RequestedAt: q.clock(),
		Status:      ReservationActive,
		Version:     1,
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Cancel transitions an active reservation to cancelled. Cancelling a
// reservation that already reached a terminal state is a no-op, not an
// error. A copy held for the cancelled reservation is offered to the next
// queued member, or returns to available.
func (q *reservationQueue) Cancel(ctx context.Context, tx Tx, reservationID uuid.UUID) error {
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return nil
	}

	heldCopy := r.HeldCopyID
	r.Status = ReservationCancelled
	r.HeldCopyID = nil
	r.ExpiresAt = nil
	if err := tx.UpdateReservation(ctx, r, r.Version); err != nil {
		return err
	}
	if heldCopy != nil {
		return q.reofferHeldCopy(ctx, tx, *heldCopy, r.MemberID)
	}
	return nil
}

// Offer binds a freed copy to the head of the book's queue as a bounded
// hold, or marks it available when the queue is empty. The copy is never
// handed straight to on_loan: the member gets a hold window to complete the
// checkout themselves.
func (q *reservationQueue) Offer(ctx context.Context, tx Tx, c *Copy) error {
	next, err := tx.NextActiveReservation(ctx, c.BookID, c.ID)
	if err != nil {
		return err
	}

	if next == nil {
		c.Status = CopyAvailable
		c.HeldFor = nil
		c.HoldExpiresAt = nil
		return tx.UpdateCopy(ctx, c, c.Version)
	}

	holdEnd := q.clock().Add(q.policy.HoldWindow())
	next.HeldCopyID = &c.ID
	next.ExpiresAt = &holdEnd
	if err := tx.UpdateReservation(ctx, next, next.Version); err != nil {
		return err
	}

	c.Status = CopyReserved
	c.HeldFor = &next.MemberID
	c.HoldExpiresAt = &holdEnd
	return tx.UpdateCopy(ctx, c, c.Version)
}

// Fulfill marks the member's active reservation for the book fulfilled, if
// one exists. Called when a checkout claims a copy of a reserved book,
// whether or not the copy came through a hold. When the reservation was
// holding a different copy than the one claimed, that copy is offered back
// to the queue; otherwise it would sit in "reserved" forever, since the
// expiry sweep only looks at active reservations.
func (q *reservationQueue) Fulfill(ctx context.Context, tx Tx, memberID, bookID, claimedCopyID uuid.UUID) error {
	r, err := tx.ActiveReservationOf(ctx, memberID, bookID)
	if err != nil || r == nil {
		return err
	}
	heldCopy := r.HeldCopyID
	r.Status = ReservationFulfilled
	r.HeldCopyID = nil
	r.ExpiresAt = nil
	if err := tx.UpdateReservation(ctx, r, r.Version); err != nil {
		return err
	}
	if heldCopy != nil && *heldCopy != claimedCopyID {
		return q.reofferHeldCopy(ctx, tx, *heldCopy, r.MemberID)
	}
	return nil
}

// expireOne transitions a single lapsed hold to expired and re-runs the
// fulfillment step for its copy: next queued member, or back to available.
// Reports whether the reservation actually changed state.
func (q *reservationQueue) expireOne(ctx context.Context, tx Tx, reservationID uuid.UUID, now time.Time) (bool, error) {
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if r.Status != ReservationActive || r.ExpiresAt == nil || r.ExpiresAt.After(now) {
		return false, nil // already handled by a concurrent sweep or checkout
	}

	heldCopy := r.HeldCopyID
	r.Status = ReservationExpired
	r.HeldCopyID = nil
	r.ExpiresAt = nil
	if err := tx.UpdateReservation(ctx, r, r.Version); err != nil {
		return false, err
	}
	if heldCopy != nil {
		return true, q.reofferHeldCopy(ctx, tx, *heldCopy, r.MemberID)
	}
	return true, nil
}

// dropHold detaches a reserved copy from the reservation holding it without
// terminating the reservation; the reservation goes back to plain queued
// state and waits for the next freed copy.
func (q *reservationQueue) dropHold(ctx context.Context, tx Tx, c *Copy) error {
	r, err := tx.ReservationHoldingCopy(ctx, c.ID)
	if err != nil || r == nil {
		return err
	}
	r.HeldCopyID = nil
	r.ExpiresAt = nil
	return tx.UpdateReservation(ctx, r, r.Version)
}

// reofferHeldCopy releases a copy that was held for member and offers it to
// the rest of the queue. The copy may have moved on already (claimed, lost);
// in that case there is nothing to do.
func (q *reservationQueue) reofferHeldCopy(ctx context.Context, tx Tx, copyID, memberID uuid.UUID) error {
	c, err := tx.GetCopy(ctx, copyID)
	if err != nil {
		return err
	}
	if c.Status != CopyReserved || c.HeldFor == nil || *c.HeldFor != memberID {
		return nil
	}
	return q.Offer(ctx, tx, c)
}
