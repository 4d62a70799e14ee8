// internal/engine/policy.go
package engine

import (
	"fmt"
	"time"
)

// Policy is the injected library policy. The engine never decides policy;
// every knob arrives through this struct. Money is in cents.
type Policy struct {
	LoanPeriodDays     int   `mapstructure:"loan_period_days"`
	RenewalLimit       int   `mapstructure:"renewal_limit"`
	MaxActiveLoans     int   `mapstructure:"max_active_loans"`
	DailyFineCents     int64 `mapstructure:"daily_fine_cents"`
	GraceDays          int   `mapstructure:"grace_days"`
	FineCapCents       int64 `mapstructure:"fine_cap_cents"`
	ReplacementCents   int64 `mapstructure:"replacement_cents"`
	HoldWindowDays     int   `mapstructure:"hold_window_days"`
	FineThresholdCents int64 `mapstructure:"fine_threshold_cents"`
}

// DefaultPolicy returns the policy used when no configuration is supplied.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriodDays:     14,
		RenewalLimit:       2,
		MaxActiveLoans:     5,
		DailyFineCents:     50,
		GraceDays:          0,
		FineCapCents:       2000,
		ReplacementCents:   2500,
		HoldWindowDays:     3,
		FineThresholdCents: 1000,
	}
}

// Validate rejects policies the engine cannot operate under.
func (p Policy) Validate() error {
	if p.LoanPeriodDays <= 0 {
		return fmt.Errorf("loan period must be positive, got %d", p.LoanPeriodDays)
	}
	if p.HoldWindowDays <= 0 {
		return fmt.Errorf("hold window must be positive, got %d", p.HoldWindowDays)
	}
	if p.MaxActiveLoans <= 0 {
		return fmt.Errorf("max active loans must be positive, got %d", p.MaxActiveLoans)
	}
	if p.RenewalLimit < 0 {
		return fmt.Errorf("renewal limit must not be negative, got %d", p.RenewalLimit)
	}
	if p.DailyFineCents < 0 || p.FineCapCents < 0 || p.ReplacementCents < 0 || p.FineThresholdCents < 0 {
		return fmt.Errorf("fine amounts must not be negative")
	}
	if p.GraceDays < 0 {
		return fmt.Errorf("grace period must not be negative, got %d", p.GraceDays)
	}
	return nil
}

// LoanPeriod is the configured loan duration.
func (p Policy) LoanPeriod() time.Duration {
	return time.Duration(p.LoanPeriodDays) * 24 * time.Hour
}

// HoldWindow is how long a reserved copy is held for one member.
func (p Policy) HoldWindow() time.Duration {
	return time.Duration(p.HoldWindowDays) * 24 * time.Hour
}
