// internal/ledger/postgres_test.go
package ledger

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circula/internal/engine"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *Postgres {
	t.Helper()

	pgUser := os.Getenv("PGUSER")
	pgPassword := os.Getenv("PGPASSWORD")
	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgDB := os.Getenv("PGDATABASE")

	if pgUser == "" {
		pgUser = "user"
	}
	if pgPassword == "" {
		pgPassword = "password"
	}
	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("skipping postgres tests: could not connect: %v", err)
	}

	pg := NewPostgres(db)
	if err := pg.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return pg
}

func insertTestCopy(t *testing.T, pg *Postgres) engine.Copy {
	t.Helper()
	c := engine.Copy{
		ID:     uuid.New(),
		BookID: uuid.New(),
		Status: engine.CopyAvailable,
	}
	err := pg.WithTx(context.Background(), func(tx engine.Tx) error {
		return tx.InsertCopy(context.Background(), &c)
	})
	require.NoError(t, err)
	return c
}

func TestPostgresCopyRoundTrip(t *testing.T) {
	pg := setupTestDB(t)
	ctx := context.Background()
	c := insertTestCopy(t, pg)

	err := pg.WithTx(ctx, func(tx engine.Tx) error {
		got, err := tx.GetCopy(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, c.BookID, got.BookID)
		assert.Equal(t, engine.CopyAvailable, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresVersionConflict(t *testing.T) {
	pg := setupTestDB(t)
	ctx := context.Background()
	c := insertTestCopy(t, pg)

	err := pg.WithTx(ctx, func(tx engine.Tx) error {
		got, err := tx.GetCopy(ctx, c.ID)
		require.NoError(t, err)
		got.Status = engine.CopyMaintenance
		return tx.UpdateCopy(ctx, got, got.Version)
	})
	require.NoError(t, err)

	err = pg.WithTx(ctx, func(tx engine.Tx) error {
		stale := c
		stale.Status = engine.CopyLost
		return tx.UpdateCopy(ctx, &stale, c.Version)
	})
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestPostgresRollbackOnError(t *testing.T) {
	pg := setupTestDB(t)
	ctx := context.Background()
	c := insertTestCopy(t, pg)

	boom := fmt.Errorf("boom")
	err := pg.WithTx(ctx, func(tx engine.Tx) error {
		got, err := tx.GetCopy(ctx, c.ID)
		require.NoError(t, err)
		got.Status = engine.CopyOnLoan
		require.NoError(t, tx.UpdateCopy(ctx, got, got.Version))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = pg.WithTx(ctx, func(tx engine.Tx) error {
		got, err := tx.GetCopy(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, engine.CopyAvailable, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresOneActiveLoanPerCopy(t *testing.T) {
	pg := setupTestDB(t)
	ctx := context.Background()
	c := insertTestCopy(t, pg)

	newLoan := func() *engine.Loan {
		return &engine.Loan{
			ID:       uuid.New(),
			CopyID:   c.ID,
			MemberID: uuid.New(),
			LoanDate: time.Now().UTC(),
			DueDate:  time.Now().UTC().AddDate(0, 0, 14),
			Status:   engine.LoanBorrowed,
		}
	}

	err := pg.WithTx(ctx, func(tx engine.Tx) error {
		return tx.InsertLoan(ctx, newLoan())
	})
	require.NoError(t, err)

	// The partial unique index rejects a second active loan.
	err = pg.WithTx(ctx, func(tx engine.Tx) error {
		return tx.InsertLoan(ctx, newLoan())
	})
	assert.ErrorIs(t, err, engine.ErrConflict)
}

func TestPostgresDuplicateReservation(t *testing.T) {
	pg := setupTestDB(t)
	ctx := context.Background()
	bookID := uuid.New()
	memberID := uuid.New()

	newReservation := func() *engine.Reservation {
		return &engine.Reservation{
			ID:          uuid.New(),
			BookID:      bookID,
			MemberID:    memberID,
			RequestedAt: time.Now().UTC(),
			Status:      engine.ReservationActive,
		}
	}

	err := pg.WithTx(ctx, func(tx engine.Tx) error {
		return tx.InsertReservation(ctx, newReservation())
	})
	require.NoError(t, err)

	err = pg.WithTx(ctx, func(tx engine.Tx) error {
		return tx.InsertReservation(ctx, newReservation())
	})
	assert.ErrorIs(t, err, engine.ErrDuplicateReservation)
}

func TestPostgresQueueOrder(t *testing.T) {
	pg := setupTestDB(t)
	ctx := context.Background()
	bookID := uuid.New()
	freed := uuid.New()

	base := time.Now().UTC().Truncate(time.Microsecond)
	var ids []uuid.UUID
	err := pg.WithTx(ctx, func(tx engine.Tx) error {
		// Inserted newest first; the queue must still serve oldest first.
		for i := 3; i >= 0; i-- {
			r := &engine.Reservation{
				ID:          uuid.New(),
				BookID:      bookID,
				MemberID:    uuid.New(),
				RequestedAt: base.Add(time.Duration(i) * time.Minute),
				Status:      engine.ReservationActive,
			}
			if err := tx.InsertReservation(ctx, r); err != nil {
				return err
			}
			ids = append(ids, r.ID)
		}
		return nil
	})
	require.NoError(t, err)

	err = pg.WithTx(ctx, func(tx engine.Tx) error {
		got, err := tx.NextActiveReservation(ctx, bookID, freed)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ids[len(ids)-1], got.ID, "oldest reservation comes first")
		return nil
	})
	require.NoError(t, err)
}
