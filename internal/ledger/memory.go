// internal/ledger/memory.go
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"circula/internal/engine"
)

// Memory is an in-memory Ledger with the same transactional and versioning
// semantics as the Postgres implementation. Transactions are serialized
// behind one mutex, which is the engine's sanctioned fallback when the store
// cannot provide transactions itself. Used as the test double and for
// single-process deployments.
type Memory struct {
	mu           sync.Mutex
	copies       map[uuid.UUID]engine.Copy
	loans        map[uuid.UUID]engine.Loan
	reservations map[uuid.UUID]engine.Reservation
	payments     map[uuid.UUID]engine.Payment

	// Fault, when set, is consulted at the start of every transaction and
	// its error returned instead of running the transaction. Tests use it to
	// simulate an unreachable store.
	Fault func() error
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		copies:       make(map[uuid.UUID]engine.Copy),
		loans:        make(map[uuid.UUID]engine.Loan),
		reservations: make(map[uuid.UUID]engine.Reservation),
		payments:     make(map[uuid.UUID]engine.Payment),
	}
}

// WithTx runs fn against the live state under the store mutex. On error the
// state is restored from a snapshot taken at transaction start, so a failed
// transaction leaves no partial writes.
func (m *Memory) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fault != nil {
		if err := m.Fault(); err != nil {
			return err
		}
	}

	snapshot := m.snapshot()
	if err := fn(&memTx{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memState struct {
	copies       map[uuid.UUID]engine.Copy
	loans        map[uuid.UUID]engine.Loan
	reservations map[uuid.UUID]engine.Reservation
	payments     map[uuid.UUID]engine.Payment
}

func (m *Memory) snapshot() memState {
	return memState{
		copies:       cloneMap(m.copies),
		loans:        cloneMap(m.loans),
		reservations: cloneMap(m.reservations),
		payments:     cloneMap(m.payments),
	}
}

func (m *Memory) restore(s memState) {
	m.copies = s.copies
	m.loans = s.loans
	m.reservations = s.reservations
	m.payments = s.payments
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// memTx implements engine.Tx over the locked store state. Records are stored
// by value, so handing out copies keeps callers from mutating the store
// outside a version-checked update.
type memTx struct {
	m *Memory
}

func (t *memTx) GetCopy(_ context.Context, id uuid.UUID) (*engine.Copy, error) {
	c, ok := t.m.copies[id]
	if !ok {
		return nil, fmt.Errorf("copy %s: %w", id, engine.ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) InsertCopy(_ context.Context, c *engine.Copy) error {
	if _, ok := t.m.copies[c.ID]; ok {
		return fmt.Errorf("copy %s already exists: %w", c.ID, engine.ErrConflict)
	}
	t.m.copies[c.ID] = *c
	return nil
}

func (t *memTx) UpdateCopy(_ context.Context, c *engine.Copy, expectedVersion int) error {
	stored, ok := t.m.copies[c.ID]
	if !ok {
		return fmt.Errorf("copy %s: %w", c.ID, engine.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("copy %s at version %d, expected %d: %w", c.ID, stored.Version, expectedVersion, engine.ErrConflict)
	}
	c.Version = expectedVersion + 1
	t.m.copies[c.ID] = *c
	return nil
}

func (t *memTx) GetLoan(_ context.Context, id uuid.UUID) (*engine.Loan, error) {
	l, ok := t.m.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, engine.ErrNotFound)
	}
	return &l, nil
}

func (t *memTx) InsertLoan(_ context.Context, l *engine.Loan) error {
	if _, ok := t.m.loans[l.ID]; ok {
		return fmt.Errorf("loan %s already exists: %w", l.ID, engine.ErrConflict)
	}
	// Storage-level backstop for the one-active-loan-per-copy invariant,
	// mirroring the partial unique index in the Postgres schema.
	if l.Active() {
		for _, other := range t.m.loans {
			if other.CopyID == l.CopyID && other.Active() {
				return fmt.Errorf("copy %s already has active loan %s: %w", l.CopyID, other.ID, engine.ErrConflict)
			}
		}
	}
	t.m.loans[l.ID] = *l
	return nil
}

func (t *memTx) UpdateLoan(_ context.Context, l *engine.Loan, expectedVersion int) error {
	stored, ok := t.m.loans[l.ID]
	if !ok {
		return fmt.Errorf("loan %s: %w", l.ID, engine.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("loan %s at version %d, expected %d: %w", l.ID, stored.Version, expectedVersion, engine.ErrConflict)
	}
	l.Version = expectedVersion + 1
	t.m.loans[l.ID] = *l
	return nil
}

func (t *memTx) ActiveLoanForCopy(_ context.Context, copyID uuid.UUID) (*engine.Loan, error) {
	for _, l := range t.m.loans {
		if l.CopyID == copyID && l.Active() {
			loan := l
			return &loan, nil
		}
	}
	return nil, nil
}

func (t *memTx) ActiveLoanCount(_ context.Context, memberID uuid.UUID) (int, error) {
	count := 0
	for _, l := range t.m.loans {
		if l.MemberID == memberID && l.Active() {
			count++
		}
	}
	return count, nil
}

func (t *memTx) MemberLoans(_ context.Context, memberID uuid.UUID) ([]*engine.Loan, error) {
	var loans []*engine.Loan
	for _, l := range t.m.loans {
		if l.MemberID == memberID {
			loan := l
			loans = append(loans, &loan)
		}
	}
	sort.Slice(loans, func(i, j int) bool {
		return loans[i].LoanDate.After(loans[j].LoanDate)
	})
	return loans, nil
}

func (t *memTx) LoansDueBefore(_ context.Context, at time.Time) ([]*engine.Loan, error) {
	var loans []*engine.Loan
	for _, l := range t.m.loans {
		if l.Status == engine.LoanBorrowed && l.DueDate.Before(at) {
			loan := l
			loans = append(loans, &loan)
		}
	}
	sort.Slice(loans, func(i, j int) bool {
		return loans[i].DueDate.Before(loans[j].DueDate)
	})
	return loans, nil
}

func (t *memTx) OutstandingFineCents(_ context.Context, memberID uuid.UUID) (int64, error) {
	var owed int64
	for _, l := range t.m.loans {
		if l.MemberID == memberID {
			owed += l.FineCents
		}
	}
	for _, p := range t.m.payments {
		if p.MemberID == memberID {
			owed -= p.AmountCents
		}
	}
	if owed < 0 {
		owed = 0
	}
	return owed, nil
}

func (t *memTx) GetReservation(_ context.Context, id uuid.UUID) (*engine.Reservation, error) {
	r, ok := t.m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, engine.ErrNotFound)
	}
	return &r, nil
}

func (t *memTx) InsertReservation(_ context.Context, r *engine.Reservation) error {
	if _, ok := t.m.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s already exists: %w", r.ID, engine.ErrConflict)
	}
	for _, other := range t.m.reservations {
		if other.MemberID == r.MemberID && other.BookID == r.BookID && other.Status == engine.ReservationActive {
			return fmt.Errorf("member %s, book %s: %w", r.MemberID, r.BookID, engine.ErrDuplicateReservation)
		}
	}
	t.m.reservations[r.ID] = *r
	return nil
}

func (t *memTx) UpdateReservation(_ context.Context, r *engine.Reservation, expectedVersion int) error {
	stored, ok := t.m.reservations[r.ID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, engine.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("reservation %s at version %d, expected %d: %w", r.ID, stored.Version, expectedVersion, engine.ErrConflict)
	}
	r.Version = expectedVersion + 1
	t.m.reservations[r.ID] = *r
	return nil
}

func (t *memTx) ActiveReservationOf(_ context.Context, memberID, bookID uuid.UUID) (*engine.Reservation, error) {
	for _, r := range t.m.reservations {
		if r.MemberID == memberID && r.BookID == bookID && r.Status == engine.ReservationActive {
			res := r
			return &res, nil
		}
	}
	return nil, nil
}

func (t *memTx) ActiveReservationCount(_ context.Context, bookID uuid.UUID) (int, error) {
	count := 0
	for _, r := range t.m.reservations {
		if r.BookID == bookID && r.Status == engine.ReservationActive {
			count++
		}
	}
	return count, nil
}

func (t *memTx) NextActiveReservation(ctx context.Context, bookID, copyID uuid.UUID) (*engine.Reservation, error) {
	var head *engine.Reservation
	for _, r := range t.m.reservations {
		if r.BookID != bookID || r.Status != engine.ReservationActive || r.HeldCopyID != nil {
			continue
		}
		if r.CopyID != nil && *r.CopyID != copyID {
			// A request pinned to a different copy only falls back to this
			// one when its copy has left circulation.
			pinned, ok := t.m.copies[*r.CopyID]
			if ok && pinned.Status != engine.CopyLost && pinned.Status != engine.CopyMaintenance {
				continue
			}
		}
		res := r
		if head == nil || earlier(&res, head) {
			head = &res
		}
	}
	return head, nil
}

// earlier orders reservations by (requested_at, id), the queue's total order.
func earlier(a, b *engine.Reservation) bool {
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (t *memTx) ReservationHoldingCopy(_ context.Context, copyID uuid.UUID) (*engine.Reservation, error) {
	for _, r := range t.m.reservations {
		if r.Status == engine.ReservationActive && r.HeldCopyID != nil && *r.HeldCopyID == copyID {
			res := r
			return &res, nil
		}
	}
	return nil, nil
}

func (t *memTx) HoldsExpiringBefore(_ context.Context, at time.Time) ([]*engine.Reservation, error) {
	var lapsed []*engine.Reservation
	for _, r := range t.m.reservations {
		if r.Status == engine.ReservationActive && r.ExpiresAt != nil && r.ExpiresAt.Before(at) {
			res := r
			lapsed = append(lapsed, &res)
		}
	}
	sort.Slice(lapsed, func(i, j int) bool {
		return earlier(lapsed[i], lapsed[j])
	})
	return lapsed, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *engine.Payment) error {
	if _, ok := t.m.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists: %w", p.ID, engine.ErrConflict)
	}
	t.m.payments[p.ID] = *p
	return nil
}
