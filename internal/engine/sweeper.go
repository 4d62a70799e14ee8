// internal/engine/sweeper.go
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Sweeper drives the periodic sweeps on an independent schedule. Sweeps
// never block interactive calls: each run operates on rows selected by time
// thresholds through the same version-checked paths as everything else.
// Infrastructure faults are retried with exponential backoff; domain errors
// are not retried.
type Sweeper struct {
	svc      Service
	interval time.Duration
	log      *slog.Logger
	clock    func() time.Time
}

// NewSweeper creates a sweeper running both sweeps every interval.
func NewSweeper(svc Service, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		log:      log,
		clock:    time.Now,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs both sweeps once.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock()

	promoted, err := s.retry(ctx, func() (int, error) {
		return s.svc.PromoteOverdue(ctx, now)
	})
	if err != nil {
		s.log.Error("overdue sweep failed", "error", err)
	} else if promoted > 0 {
		s.log.Info("promoted overdue loans", "count", promoted)
	}

	expired, err := s.retry(ctx, func() (int, error) {
		return s.svc.ExpireHolds(ctx, now)
	})
	if err != nil {
		s.log.Error("hold sweep failed", "error", err)
	} else if expired > 0 {
		s.log.Info("expired reservation holds", "count", expired)
	}
}

func (s *Sweeper) retry(ctx context.Context, op func() (int, error)) (int, error) {
	return backoff.Retry(ctx, func() (int, error) {
		n, err := op()
		if err != nil && !Retryable(err) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
}
