// internal/engine/sweeper_test.go
package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circula/internal/engine"
)

func TestSweeperRetriesTransientFaults(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, basePolicy)
	member := e.catalog.addMember(engine.MemberActive)
	book := e.catalog.addBook("The Master and Margarita")
	copyID := e.addCopy(t, book)

	// The fake clock dates the loan in the past, so against wall-clock time
	// the loan is long overdue by the time the sweeper looks.
	loan, err := e.svc.Checkout(ctx, copyID, member, nil)
	require.NoError(t, err)

	var failures atomic.Int32
	failures.Store(1)
	e.store.Fault = func() error {
		if failures.Add(-1) >= 0 {
			return engine.ErrStoreUnavailable
		}
		return nil
	}

	sweeper := engine.NewSweeper(e.svc, time.Minute, slog.New(slog.DiscardHandler))
	sweeper.Sweep(ctx)

	e.store.Fault = nil
	swept, err := e.svc.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.LoanOverdue, swept.Status)
}

func TestSweeperDoesNotRetryPermanentErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, basePolicy)
	member := e.catalog.addMember(engine.MemberActive)
	book := e.catalog.addBook("We")
	copyID := e.addCopy(t, book)

	_, err := e.svc.Checkout(ctx, copyID, member, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	e.store.Fault = func() error {
		calls.Add(1)
		return errors.New("ledger corrupted")
	}

	sweeper := engine.NewSweeper(e.svc, time.Minute, slog.New(slog.DiscardHandler))
	sweeper.Sweep(ctx)

	// One attempt per sweep, no backoff retries.
	assert.Equal(t, int32(2), calls.Load())
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t, basePolicy)
	sweeper := engine.NewSweeper(e.svc, 5*time.Millisecond, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
