// internal/engine/copies.go
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// copyStateMachine owns every transition of a copy's availability status.
// All methods run inside the caller's ledger transaction; the version-checked
// update in the ledger is what turns a lost race into ErrConflict instead of
// a double-lend.
type copyStateMachine struct {
	queue *reservationQueue
}

func newCopyStateMachine(queue *reservationQueue) *copyStateMachine {
	return &copyStateMachine{queue: queue}
}

// Claim atomically transitions the copy to on_loan for memberID. Legal from
// "available", or from "reserved" when the hold is for this exact member.
// The stored version must still equal expectedVersion or the claim fails
// with ErrConflict.
func (m *copyStateMachine) Claim(ctx context.Context, tx Tx, copyID, memberID uuid.UUID, expectedVersion int) (*Copy, error) {
	c, err := tx.GetCopy(ctx, copyID)
	if err != nil {
		return nil, err
	}
	if c.Version != expectedVersion {
		return nil, fmt.Errorf("claim copy %s: %w", copyID, ErrConflict)
	}

	switch c.Status {
	case CopyAvailable:
		// fall through to the claim
	case CopyReserved:
		if c.HeldFor == nil || *c.HeldFor != memberID {
			return nil, fmt.Errorf("copy %s is held for another member: %w", copyID, ErrCopyUnavailable)
		}
	default:
		return nil, fmt.Errorf("copy %s is %s: %w", copyID, c.Status, ErrCopyUnavailable)
	}

	c.Status = CopyOnLoan
	c.HeldFor = nil
	c.HoldExpiresAt = nil
	if err := tx.UpdateCopy(ctx, c, expectedVersion); err != nil {
		return nil, err
	}
	return c, nil
}

// Release transitions an on_loan copy back into circulation. When the book
// has queued reservations the copy becomes "reserved" and is bound to the
// head of the queue; otherwise it becomes "available".
func (m *copyStateMachine) Release(ctx context.Context, tx Tx, copyID uuid.UUID) (*Copy, error) {
	c, err := tx.GetCopy(ctx, copyID)
	if err != nil {
		return nil, err
	}
	if c.Status != CopyOnLoan {
		return nil, fmt.Errorf("release copy %s in state %s: %w", copyID, c.Status, ErrInvalidTransition)
	}
	if err := m.queue.Offer(ctx, tx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// MarkLost withdraws the copy from circulation permanently. Fails while an
// active loan references the copy: the loan must be processed first, via
// the loan-level lost path.
func (m *copyStateMachine) MarkLost(ctx context.Context, tx Tx, copyID uuid.UUID) (*Copy, error) {
	return m.adminTransition(ctx, tx, copyID, CopyLost)
}

// MarkMaintenance pulls the copy for maintenance.
func (m *copyStateMachine) MarkMaintenance(ctx context.Context, tx Tx, copyID uuid.UUID) (*Copy, error) {
	return m.adminTransition(ctx, tx, copyID, CopyMaintenance)
}

// Restore returns a copy from maintenance to circulation, offering it to the
// reservation queue like any other freed copy.
func (m *copyStateMachine) Restore(ctx context.Context, tx Tx, copyID uuid.UUID) (*Copy, error) {
	c, err := tx.GetCopy(ctx, copyID)
	if err != nil {
		return nil, err
	}
	if c.Status != CopyMaintenance {
		return nil, fmt.Errorf("restore copy %s in state %s: %w", copyID, c.Status, ErrInvalidTransition)
	}
	if err := m.queue.Offer(ctx, tx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *copyStateMachine) adminTransition(ctx context.Context, tx Tx, copyID uuid.UUID, to CopyStatus) (*Copy, error) {
	c, err := tx.GetCopy(ctx, copyID)
	if err != nil {
		return nil, err
	}
	if c.Status == CopyLost {
		return nil, fmt.Errorf("copy %s is already lost: %w", copyID, ErrInvalidTransition)
	}
	if c.Status == CopyOnLoan {
		active, err := tx.ActiveLoanForCopy(ctx, copyID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return nil, fmt.Errorf("copy %s has an active loan: %w", copyID, ErrInvalidTransition)
		}
	}
	// A copy leaving circulation drops any hold bound to it; the held
	// reservation falls back to the queue for the next freed copy.
	if c.Status == CopyReserved {
		if err := m.queue.dropHold(ctx, tx, c); err != nil {
			return nil, err
		}
	}

	c.Status = to
	c.HeldFor = nil
	c.HoldExpiresAt = nil
	if err := tx.UpdateCopy(ctx, c, c.Version); err != nil {
		return nil, err
	}
	return c, nil
}
