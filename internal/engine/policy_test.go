// internal/engine/policy_test.go
package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	cases := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero loan period", func(p *Policy) { p.LoanPeriodDays = 0 }},
		{"zero hold window", func(p *Policy) { p.HoldWindowDays = 0 }},
		{"zero loan limit", func(p *Policy) { p.MaxActiveLoans = 0 }},
		{"negative renewal limit", func(p *Policy) { p.RenewalLimit = -1 }},
		{"negative daily fine", func(p *Policy) { p.DailyFineCents = -1 }},
		{"negative fine cap", func(p *Policy) { p.FineCapCents = -1 }},
		{"negative grace period", func(p *Policy) { p.GraceDays = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultPolicy()
			tc.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}
