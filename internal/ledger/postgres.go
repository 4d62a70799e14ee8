// internal/ledger/postgres.go
package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"circula/internal/engine"
)

//go:embed schema.sql
var schema string

var pgsql = goqu.Dialect("postgres")

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"

	constraintOneActiveReservation = "reservations_one_active_per_member_book"
)

// Postgres is the durable Ledger over a PostgreSQL database. Transactions
// run at serializable isolation; the version columns plus the partial unique
// indexes in the schema turn every lost race into engine.ErrConflict.
type Postgres struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// NewPostgres creates a Postgres ledger over an open connection pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{
		db:     db,
		tracer: otel.Tracer("circula/ledger"),
	}
}

// EnsureSchema creates the ledger tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", mapError(err))
	}
	return nil
}

// WithTx runs fn inside one serializable transaction. Store-level write
// collisions surface as engine.ErrConflict, infrastructure faults as
// engine.ErrStoreUnavailable; errors from fn pass through unchanged.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	ctx, span := p.tracer.Start(ctx, "ledger.tx")
	defer span.End()

	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		span.SetAttributes(attribute.Bool("tx.rolled_back", true))
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// mapError classifies database errors into the engine's error kinds. Errors
// that are already engine errors, or unrelated to the store, pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			if pqErr.Constraint == constraintOneActiveReservation {
				return fmt.Errorf("%w (%s)", engine.ErrDuplicateReservation, pqErr.Constraint)
			}
			return fmt.Errorf("%w (%s)", engine.ErrConflict, pqErr.Constraint)
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w (%s)", engine.ErrConflict, pqErr.Code)
		}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}

	return err
}

// pgTx implements engine.Tx over one open transaction.
type pgTx struct {
	tx *sqlx.Tx
}

var copyColumns = []any{"id", "book_id", "status", "held_for", "hold_expires_at", "version"}

func (t *pgTx) GetCopy(ctx context.Context, id uuid.UUID) (*engine.Copy, error) {
	query, args, err := pgsql.From("copies").Prepared(true).
		Select(copyColumns...).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build copy query: %w", err)
	}

	var c engine.Copy
	if err := t.tx.GetContext(ctx, &c, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("copy %s: %w", id, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("get copy: %w", err)
	}
	return &c, nil
}

func (t *pgTx) InsertCopy(ctx context.Context, c *engine.Copy) error {
	query, args, err := pgsql.Insert("copies").Prepared(true).
		Rows(goqu.Record{
			"id":              c.ID,
			"book_id":         c.BookID,
			"status":          c.Status,
			"held_for":        c.HeldFor,
			"hold_expires_at": c.HoldExpiresAt,
			"version":         c.Version,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build copy insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert copy: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateCopy(ctx context.Context, c *engine.Copy, expectedVersion int) error {
	query, args, err := pgsql.Update("copies").Prepared(true).
		Set(goqu.Record{
			"status":          c.Status,
			"held_for":        c.HeldFor,
			"hold_expires_at": c.HoldExpiresAt,
			"version":         expectedVersion + 1,
		}).
		Where(goqu.Ex{"id": c.ID, "version": expectedVersion}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build copy update: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update copy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("copy %s moved past version %d: %w", c.ID, expectedVersion, engine.ErrConflict)
	}
	c.Version = expectedVersion + 1
	return nil
}

var loanColumns = []any{
	"id", "copy_id", "member_id", "staff_id", "loan_date", "due_date",
	"return_date", "status", "fine_cents", "renewals", "version",
}

func (t *pgTx) GetLoan(ctx context.Context, id uuid.UUID) (*engine.Loan, error) {
	query, args, err := pgsql.From("loans").Prepared(true).
		Select(loanColumns...).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}

	var l engine.Loan
	if err := t.tx.GetContext(ctx, &l, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("get loan: %w", err)
	}
	return &l, nil
}

func (t *pgTx) InsertLoan(ctx context.Context, l *engine.Loan) error {
	query, args, err := pgsql.Insert("loans").Prepared(true).
		Rows(goqu.Record{
			"id":          l.ID,
			"copy_id":     l.CopyID,
			"member_id":   l.MemberID,
			"staff_id":    l.StaffID,
			"loan_date":   l.LoanDate,
			"due_date":    l.DueDate,
			"return_date": l.ReturnDate,
			"status":      l.Status,
			"fine_cents":  l.FineCents,
			"renewals":    l.Renewals,
			"version":     l.Version,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build loan insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateLoan(ctx context.Context, l *engine.Loan, expectedVersion int) error {
	query, args, err := pgsql.Update("loans").Prepared(true).
		Set(goqu.Record{
			"due_date":    l.DueDate,
			"return_date": l.ReturnDate,
			"status":      l.Status,
			"fine_cents":  l.FineCents,
			"renewals":    l.Renewals,
			"version":     expectedVersion + 1,
		}).
		Where(goqu.Ex{"id": l.ID, "version": expectedVersion}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build loan update: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update loan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("loan %s moved past version %d: %w", l.ID, expectedVersion, engine.ErrConflict)
	}
	l.Version = expectedVersion + 1
	return nil
}

func (t *pgTx) ActiveLoanForCopy(ctx context.Context, copyID uuid.UUID) (*engine.Loan, error) {
	query, args, err := pgsql.From("loans").Prepared(true).
		Select(loanColumns...).
		Where(
			goqu.Ex{"copy_id": copyID},
			goqu.C("status").In(string(engine.LoanBorrowed), string(engine.LoanOverdue)),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build active loan query: %w", err)
	}

	var l engine.Loan
	if err := t.tx.GetContext(ctx, &l, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active loan: %w", err)
	}
	return &l, nil
}

func (t *pgTx) ActiveLoanCount(ctx context.Context, memberID uuid.UUID) (int, error) {
	var count int
	err := t.tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM loans
		WHERE member_id = $1 AND status IN ('borrowed', 'overdue')
	`, memberID)
	if err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return count, nil
}

func (t *pgTx) MemberLoans(ctx context.Context, memberID uuid.UUID) ([]*engine.Loan, error) {
	query, args, err := pgsql.From("loans").Prepared(true).
		Select(loanColumns...).
		Where(goqu.Ex{"member_id": memberID}).
		Order(goqu.C("loan_date").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build member loans query: %w", err)
	}

	var loans []*engine.Loan
	if err := t.tx.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("select member loans: %w", err)
	}
	return loans, nil
}

func (t *pgTx) LoansDueBefore(ctx context.Context, at time.Time) ([]*engine.Loan, error) {
	query, args, err := pgsql.From("loans").Prepared(true).
		Select(loanColumns...).
		Where(
			goqu.Ex{"status": engine.LoanBorrowed},
			goqu.C("due_date").Lt(at),
		).
		Order(goqu.C("due_date").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build due loans query: %w", err)
	}

	var loans []*engine.Loan
	if err := t.tx.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("select due loans: %w", err)
	}
	return loans, nil
}

func (t *pgTx) OutstandingFineCents(ctx context.Context, memberID uuid.UUID) (int64, error) {
	var owed int64
	err := t.tx.GetContext(ctx, &owed, `
		SELECT GREATEST(0,
			COALESCE((SELECT SUM(fine_cents) FROM loans WHERE member_id = $1), 0) -
			COALESCE((SELECT SUM(amount_cents) FROM payments WHERE member_id = $1), 0)
		)
	`, memberID)
	if err != nil {
		return 0, fmt.Errorf("sum outstanding fines: %w", err)
	}
	return owed, nil
}

var reservationColumns = []any{
	"id", "member_id", "book_id", "copy_id", "held_copy_id",
	"requested_at", "expires_at", "status", "version",
}

func (t *pgTx) GetReservation(ctx context.Context, id uuid.UUID) (*engine.Reservation, error) {
	query, args, err := pgsql.From("reservations").Prepared(true).
		Select(reservationColumns...).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build reservation query: %w", err)
	}

	var r engine.Reservation
	if err := t.tx.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reservation %s: %w", id, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &r, nil
}

func (t *pgTx) InsertReservation(ctx context.Context, r *engine.Reservation) error {
	query, args, err := pgsql.Insert("reservations").Prepared(true).
		Rows(goqu.Record{
			"id":           r.ID,
			"member_id":    r.MemberID,
			"book_id":      r.BookID,
			"copy_id":      r.CopyID,
			"held_copy_id": r.HeldCopyID,
			"requested_at": r.RequestedAt,
			"expires_at":   r.ExpiresAt,
			"status":       r.Status,
			"version":      r.Version,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build reservation insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateReservation(ctx context.Context, r *engine.Reservation, expectedVersion int) error {
	query, args, err := pgsql.Update("reservations").Prepared(true).
		Set(goqu.Record{
			"held_copy_id": r.HeldCopyID,
			"expires_at":   r.ExpiresAt,
			"status":       r.Status,
			"version":      expectedVersion + 1,
		}).
		Where(goqu.Ex{"id": r.ID, "version": expectedVersion}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build reservation update: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reservation %s moved past version %d: %w", r.ID, expectedVersion, engine.ErrConflict)
	}
	r.Version = expectedVersion + 1
	return nil
}

func (t *pgTx) ActiveReservationOf(ctx context.Context, memberID, bookID uuid.UUID) (*engine.Reservation, error) {
	query, args, err := pgsql.From("reservations").Prepared(true).
		Select(reservationColumns...).
		Where(goqu.Ex{
			"member_id": memberID,
			"book_id":   bookID,
			"status":    engine.ReservationActive,
		}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build active reservation query: %w", err)
	}

	var r engine.Reservation
	if err := t.tx.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active reservation: %w", err)
	}
	return &r, nil
}

func (t *pgTx) ActiveReservationCount(ctx context.Context, bookID uuid.UUID) (int, error) {
	var count int
	err := t.tx.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM reservations
		WHERE book_id = $1 AND status = 'active'
	`, bookID)
	if err != nil {
		return 0, fmt.Errorf("count active reservations: %w", err)
	}
	return count, nil
}

func (t *pgTx) NextActiveReservation(ctx context.Context, bookID, copyID uuid.UUID) (*engine.Reservation, error) {
	// A reservation pinned to a specific copy only falls back to another
	// copy of the book when the pinned copy has left circulation.
	query, args, err := pgsql.From(goqu.T("reservations").As("r")).Prepared(true).
		Select(
			"r.id", "r.member_id", "r.book_id", "r.copy_id", "r.held_copy_id",
			"r.requested_at", "r.expires_at", "r.status", "r.version",
		).
		LeftJoin(
			goqu.T("copies").As("c"),
			goqu.On(goqu.Ex{"c.id": goqu.I("r.copy_id")}),
		).
		Where(
			goqu.Ex{"r.book_id": bookID, "r.status": engine.ReservationActive},
			goqu.I("r.held_copy_id").IsNull(),
			goqu.Or(
				goqu.I("r.copy_id").IsNull(),
				goqu.Ex{"r.copy_id": copyID},
				goqu.I("c.status").In(string(engine.CopyLost), string(engine.CopyMaintenance)),
			),
		).
		Order(goqu.I("r.requested_at").Asc(), goqu.I("r.id").Asc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build queue head query: %w", err)
	}

	var r engine.Reservation
	if err := t.tx.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get queue head: %w", err)
	}
	return &r, nil
}

func (t *pgTx) ReservationHoldingCopy(ctx context.Context, copyID uuid.UUID) (*engine.Reservation, error) {
	query, args, err := pgsql.From("reservations").Prepared(true).
		Select(reservationColumns...).
		Where(goqu.Ex{
			"held_copy_id": copyID,
			"status":       engine.ReservationActive,
		}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build holding reservation query: %w", err)
	}

	var r engine.Reservation
	if err := t.tx.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get holding reservation: %w", err)
	}
	return &r, nil
}

func (t *pgTx) HoldsExpiringBefore(ctx context.Context, at time.Time) ([]*engine.Reservation, error) {
	query, args, err := pgsql.From("reservations").Prepared(true).
		Select(reservationColumns...).
		Where(
			goqu.Ex{"status": engine.ReservationActive},
			goqu.C("expires_at").IsNotNull(),
			goqu.C("expires_at").Lt(at),
		).
		Order(goqu.C("requested_at").Asc(), goqu.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build lapsed holds query: %w", err)
	}

	var lapsed []*engine.Reservation
	if err := t.tx.SelectContext(ctx, &lapsed, query, args...); err != nil {
		return nil, fmt.Errorf("select lapsed holds: %w", err)
	}
	return lapsed, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *engine.Payment) error {
	query, args, err := pgsql.Insert("payments").Prepared(true).
		Rows(goqu.Record{
			"id":           p.ID,
			"member_id":    p.MemberID,
			"loan_id":      p.LoanID,
			"amount_cents": p.AmountCents,
			"paid_at":      p.PaidAt,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build payment insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}
