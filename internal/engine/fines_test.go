// internal/engine/fines_test.go
package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var testPolicy = Policy{
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

func TestFineCents(t *testing.T) {
	due := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		returned time.Time
		policy   Policy
		want     int64
	}{
		{
			name:     "on time",
			returned: due,
			policy:   testPolicy,
			want:     0,
		},
		{
			name:     "early",
			returned: due.AddDate(0, 0, -3),
			policy:   testPolicy,
			want:     0,
		},
		{
			name:     "six days late at fifty cents per day",
			returned: due.AddDate(0, 0, 6),
			policy:   testPolicy,
			want:     300,
		},
		{
			name:     "clamped to the cap",
			returned: due.AddDate(0, 0, 365),
			policy:   testPolicy,
			want:     2000,
		},
		{
			name:     "within the grace period",
			returned: due.AddDate(0, 0, 2),
			policy:   withGrace(testPolicy, 3),
			want:     0,
		},
		{
			name:     "grace period subtracted",
			returned: due.AddDate(0, 0, 5),
			policy:   withGrace(testPolicy, 3),
			want:     100,
		},
		{
			name:     "partial day is not a late day",
			returned: due.Add(23 * time.Hour),
			policy:   testPolicy,
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FineCents(due, tt.returned, tt.policy))
		})
	}
}

func withGrace(p Policy, days int) Policy {
	p.GraceDays = days
	return p
}

func TestFineCentsMonotonic(t *testing.T) {
	due := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64Range(0, 500*24).Draw(t, "hoursA")
		b := rapid.Int64Range(0, 500*24).Draw(t, "hoursB")
		if a > b {
			a, b = b, a
		}

		earlier := FineCents(due, due.Add(time.Duration(a)*time.Hour), testPolicy)
		later := FineCents(due, due.Add(time.Duration(b)*time.Hour), testPolicy)

		if earlier > later {
			t.Fatalf("fine decreased: %d cents at +%dh, %d cents at +%dh", earlier, a, later, b)
		}
		if later > testPolicy.FineCapCents {
			t.Fatalf("fine %d exceeds cap %d", later, testPolicy.FineCapCents)
		}
	})
}

func TestFineCentsZeroWithinGrace(t *testing.T) {
	due := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	policy := withGrace(testPolicy, 7)

	rapid.Check(t, func(t *rapid.T) {
		hours := rapid.Int64Range(-1000, 7*24).Draw(t, "hours")
		fine := FineCents(due, due.Add(time.Duration(hours)*time.Hour), policy)
		if fine != 0 {
			t.Fatalf("expected no fine within grace, got %d cents at +%dh", fine, hours)
		}
	})
}
