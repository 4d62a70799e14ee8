// internal/engine/implementation.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// service implements the Service interface. It composes the copy state
// machine, the reservation queue manager and the fine calculator behind one
// transactional façade.
type service struct {
	ledger  Ledger
	catalog Catalog
	policy  Policy
	copies  *copyStateMachine
	queue   *reservationQueue
	log     *slog.Logger
	clock   func() time.Time

	tracer    trace.Tracer
	checkouts metric.Int64Counter
	conflicts metric.Int64Counter
	sweeps    metric.Int64Counter
}

// Option customizes a service.
type Option func(*service)

// WithClock replaces the time source. Tests use this to move time.
func WithClock(clock func() time.Time) Option {
	return func(s *service) { s.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *service) { s.log = log }
}

// NewService creates the engine façade over a ledger and a catalog.
func NewService(ledger Ledger, catalog Catalog, policy Policy, opts ...Option) (Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	s := &service{
		ledger:  ledger,
		catalog: catalog,
		policy:  policy,
		log:     slog.Default(),
		clock:   time.Now,
		tracer:  otel.Tracer("circula/engine"),
	}
	s.queue = newReservationQueue(policy, func() time.Time { return s.clock() })
	s.copies = newCopyStateMachine(s.queue)

	meter := otel.Meter("circula/engine")
	var err error
	if s.checkouts, err = meter.Int64Counter("circula.checkouts"); err != nil {
		return nil, fmt.Errorf("create checkouts counter: %w", err)
	}
	if s.conflicts, err = meter.Int64Counter("circula.conflicts"); err != nil {
		return nil, fmt.Errorf("create conflicts counter: %w", err)
	}
	if s.sweeps, err = meter.Int64Counter("circula.sweep_transitions"); err != nil {
		return nil, fmt.Errorf("create sweep counter: %w", err)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Checkout lends a copy to a member. The copy's availability is re-read and
// version-checked inside the transaction, so two concurrent checkouts of the
// same copy cannot both succeed.
func (s *service) Checkout(ctx context.Context, copyID, memberID uuid.UUID, staffID *uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "engine.checkout",
		trace.WithAttributes(
			attribute.String("copy.id", copyID.String()),
			attribute.String("member.id", memberID.String()),
		),
	)
	defer span.End()

	member, err := s.catalog.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	if member.Status != MemberActive {
		return nil, fmt.Errorf("member %s has status %q: %w", memberID, member.Status, ErrMemberIneligible)
	}

	var loan *Loan
	err = s.ledger.WithTx(ctx, func(tx Tx) error {
		outstanding, err := tx.OutstandingFineCents(ctx, memberID)
		if err != nil {
			return err
		}
		if outstanding > s.policy.FineThresholdCents {
			return fmt.Errorf("member %s owes %d cents: %w", memberID, outstanding, ErrMemberIneligible)
		}

		active, err := tx.ActiveLoanCount(ctx, memberID)
		if err != nil {
			return err
		}
		if active >= s.policy.MaxActiveLoans {
			return fmt.Errorf("member %s has %d active loans: %w", memberID, active, ErrMemberIneligible)
		}

		c, err := tx.GetCopy(ctx, copyID)
		if err != nil {
			return err
		}
		c, err = s.copies.Claim(ctx, tx, copyID, memberID, c.Version)
		if err != nil {
			return err
		}

		now := s.clock()
		loan = &Loan{
			ID:       uuid.New(),
			CopyID:   copyID,
			MemberID: memberID,
			StaffID:  staffID,
			LoanDate: now,
			DueDate:  now.Add(s.policy.LoanPeriod()),
			Status:   LoanBorrowed,
			Version:  1,
		}
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return err
		}

		// If the member was queued for this book, with or without a hold on
		// this copy, the checkout fulfills the reservation.
		return s.queue.Fulfill(ctx, tx, memberID, c.BookID, c.ID)
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return nil, err
	}

	s.checkouts.Add(ctx, 1)
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	return loan, nil
}

// Return closes the loan, computes the final fine from the due and return
// dates, and releases the copy to the reservation queue.
func (s *service) Return(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "engine.return",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	var loan *Loan
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.Active() {
			return fmt.Errorf("loan %s is %s: %w", loanID, loan.Status, ErrNotBorrowed)
		}

		now := s.clock()
		loan.ReturnDate = &now
		loan.FineCents = FineCents(loan.DueDate, now, s.policy)
		loan.Status = LoanReturned
		if err := tx.UpdateLoan(ctx, loan, loan.Version); err != nil {
			return err
		}

		_, err = s.copies.Release(ctx, tx, loan.CopyID)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("fine.cents", loan.FineCents))
	return loan, nil
}

// Renew extends the due date by one loan period. Denied when the book has a
// reservation queue, the loan is overdue (stored or time-derived), or the
// renewal limit is reached.
func (s *service) Renew(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "engine.renew",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	var loan *Loan
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.Active() {
			return fmt.Errorf("loan %s is %s: %w", loanID, loan.Status, ErrNotBorrowed)
		}
		if loan.EffectiveStatus(s.clock()) == LoanOverdue {
			return fmt.Errorf("loan %s is overdue: %w", loanID, ErrRenewalNotAllowed)
		}
		if loan.Renewals >= s.policy.RenewalLimit {
			return fmt.Errorf("loan %s reached the renewal limit of %d: %w", loanID, s.policy.RenewalLimit, ErrRenewalNotAllowed)
		}

		c, err := tx.GetCopy(ctx, loan.CopyID)
		if err != nil {
			return err
		}
		queued, err := tx.ActiveReservationCount(ctx, c.BookID)
		if err != nil {
			return err
		}
		if queued > 0 {
			return fmt.Errorf("book %s has %d queued reservations: %w", c.BookID, queued, ErrRenewalNotAllowed)
		}

		loan.DueDate = loan.DueDate.Add(s.policy.LoanPeriod())
		loan.Renewals++
		return tx.UpdateLoan(ctx, loan, loan.Version)
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return nil, err
	}
	return loan, nil
}

// MarkLoanLost closes the loan as lost, fines the replacement cost, and
// permanently withholds the copy from circulation.
func (s *service) MarkLoanLost(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "engine.mark_loan_lost",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	var loan *Loan
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.Active() {
			return fmt.Errorf("loan %s is %s: %w", loanID, loan.Status, ErrNotBorrowed)
		}

		loan.Status = LoanLost
		loan.FineCents = s.policy.ReplacementCents
		if err := tx.UpdateLoan(ctx, loan, loan.Version); err != nil {
			return err
		}

		// The loan is closed now, so the copy-level transition is legal.
		_, err = s.copies.MarkLost(ctx, tx, loan.CopyID)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return nil, err
	}
	return loan, nil
}

// Reserve queues the member for the book.
func (s *service) Reserve(ctx context.Context, memberID, bookID uuid.UUID, copyID *uuid.UUID) (*Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "engine.reserve",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer span.End()

	member, err := s.catalog.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	if member.Status != MemberActive {
		return nil, fmt.Errorf("member %s has status %q: %w", memberID, member.Status, ErrMemberIneligible)
	}
	if _, err := s.catalog.GetBook(ctx, bookID); err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}

	var r *Reservation
	err = s.ledger.WithTx(ctx, func(tx Tx) error {
		if copyID != nil {
			c, err := tx.GetCopy(ctx, *copyID)
			if err != nil {
				return err
			}
			if c.BookID != bookID {
				return fmt.Errorf("copy %s does not belong to book %s: %w", *copyID, bookID, ErrNotFound)
			}
		}
		var err error
		r, err = s.queue.Enqueue(ctx, tx, memberID, bookID, copyID)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return nil, err
	}
	return r, nil
}

// CancelReservation cancels a reservation, re-offering any copy held for it.
func (s *service) CancelReservation(ctx context.Context, reservationID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "engine.cancel_reservation",
		trace.WithAttributes(attribute.String("reservation.id", reservationID.String())),
	)
	defer span.End()

	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		return s.queue.Cancel(ctx, tx, reservationID)
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
	}
	return err
}

// PayFine records a payment. The engine records amounts only; it is not a
// payment processor.
func (s *service) PayFine(ctx context.Context, memberID uuid.UUID, loanID *uuid.UUID, amountCents int64) (*Payment, error) {
	ctx, span := s.tracer.Start(ctx, "engine.pay_fine",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.Int64("amount.cents", amountCents),
		),
	)
	defer span.End()

	if amountCents <= 0 {
		return nil, fmt.Errorf("payment amount must be positive, got %d", amountCents)
	}

	var p *Payment
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		if loanID != nil {
			loan, err := tx.GetLoan(ctx, *loanID)
			if err != nil {
				return err
			}
			if loan.MemberID != memberID {
				return fmt.Errorf("loan %s does not belong to member %s: %w", *loanID, memberID, ErrNotFound)
			}
		}
		p = &Payment{
			ID:          uuid.New(),
			MemberID:    memberID,
			LoanID:      loanID,
			AmountCents: amountCents,
			PaidAt:      s.clock(),
		}
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return nil, err
	}
	return p, nil
}

// GetLoan returns the loan with its status projected for the current time:
// a borrowed loan past due reads as overdue even before the sweep runs.
func (s *service) GetLoan(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	var loan *Loan
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		return err
	})
	if err != nil {
		return nil, err
	}
	loan.Status = loan.EffectiveStatus(s.clock())
	return loan, nil
}

// MemberLoans lists the member's loans, newest first.
func (s *service) MemberLoans(ctx context.Context, memberID uuid.UUID) ([]*Loan, error) {
	var loans []*Loan
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		loans, err = tx.MemberLoans(ctx, memberID)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := s.clock()
	for _, l := range loans {
		l.Status = l.EffectiveStatus(now)
	}
	return loans, nil
}

// ProjectedFine computes, without persisting, the fine the loan would carry
// if returned at now. A zero now projects at the engine clock's current
// time.
func (s *service) ProjectedFine(ctx context.Context, loanID uuid.UUID, now time.Time) (int64, error) {
	if now.IsZero() {
		now = s.clock()
	}
	var loan *Loan
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, loanID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !loan.Active() {
		return loan.FineCents, nil
	}
	return FineCents(loan.DueDate, now, s.policy), nil
}

// MarkCopyLost withdraws a copy from circulation.
func (s *service) MarkCopyLost(ctx context.Context, copyID uuid.UUID) (*Copy, error) {
	return s.copyTransition(ctx, "engine.mark_copy_lost", copyID, s.copies.MarkLost)
}

// MarkCopyMaintenance pulls a copy for maintenance.
func (s *service) MarkCopyMaintenance(ctx context.Context, copyID uuid.UUID) (*Copy, error) {
	return s.copyTransition(ctx, "engine.mark_copy_maintenance", copyID, s.copies.MarkMaintenance)
}

// RestoreCopy returns a copy from maintenance to circulation.
func (s *service) RestoreCopy(ctx context.Context, copyID uuid.UUID) (*Copy, error) {
	return s.copyTransition(ctx, "engine.restore_copy", copyID, s.copies.Restore)
}

func (s *service) copyTransition(
	ctx context.Context,
	spanName string,
	copyID uuid.UUID,
	transition func(context.Context, Tx, uuid.UUID) (*Copy, error),
) (*Copy, error) {
	ctx, span := s.tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("copy.id", copyID.String())),
	)
	defer span.End()

	var c *Copy
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		c, err = transition(ctx, tx, copyID)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return nil, err
	}
	return c, nil
}

// AddCopy registers a newly acquired copy as available.
func (s *service) AddCopy(ctx context.Context, copyID, bookID uuid.UUID) (*Copy, error) {
	c := &Copy{ID: copyID, BookID: bookID, Status: CopyAvailable, Version: 1}
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		return tx.InsertCopy(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PromoteOverdue sweeps borrowed loans past their due date to overdue. Each
// loan is re-read and version-checked in its own transaction so a re-run, or
// a race with a return, changes nothing.
func (s *service) PromoteOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "engine.promote_overdue")
	defer span.End()

	var due []*Loan
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		due, err = tx.LoansDueBefore(ctx, now)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return 0, err
	}

	promoted := 0
	for _, stale := range due {
		changed := false
		err := s.ledger.WithTx(ctx, func(tx Tx) error {
			loan, err := tx.GetLoan(ctx, stale.ID)
			if err != nil {
				return err
			}
			if loan.Status != LoanBorrowed || !loan.DueDate.Before(now) {
				return nil
			}
			loan.Status = LoanOverdue
			changed = true
			return tx.UpdateLoan(ctx, loan, loan.Version)
		})
		if err != nil {
			s.log.Warn("promote overdue: skipping loan", "loan_id", stale.ID, "error", err)
			continue
		}
		if changed {
			promoted++
		}
	}

	s.sweeps.Add(ctx, int64(promoted), metric.WithAttributes(attribute.String("sweep", "overdue")))
	span.SetAttributes(attribute.Int("loans.promoted", promoted))
	return promoted, nil
}

// ExpireHolds sweeps lapsed reservation holds. Each hold expires in its own
// transaction and its copy is re-offered to the next queued member, or
// returned to available.
func (s *service) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "engine.expire_holds")
	defer span.End()

	var lapsed []*Reservation
	err := s.ledger.WithTx(ctx, func(tx Tx) error {
		var err error
		lapsed, err = tx.HoldsExpiringBefore(ctx, now)
		return err
	})
	if err != nil {
		s.recordFailure(ctx, span, err)
		return 0, err
	}

	expired := 0
	for _, stale := range lapsed {
		var changed bool
		err := s.ledger.WithTx(ctx, func(tx Tx) error {
			var err error
			changed, err = s.queue.expireOne(ctx, tx, stale.ID, now)
			return err
		})
		if err != nil {
			s.log.Warn("expire holds: skipping reservation", "reservation_id", stale.ID, "error", err)
			continue
		}
		if changed {
			expired++
		}
	}

	s.sweeps.Add(ctx, int64(expired), metric.WithAttributes(attribute.String("sweep", "holds")))
	span.SetAttributes(attribute.Int("holds.expired", expired))
	return expired, nil
}

func (s *service) recordFailure(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	if errors.Is(err, ErrConflict) {
		s.conflicts.Add(ctx, 1)
	}
}
