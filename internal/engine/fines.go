// internal/engine/fines.go
package engine

import "time"

// FineCents computes the fine, in cents, for a loan due at due and returned
// (or inspected) at returned. Pure: the same inputs always produce the same
// amount. Days late are counted in whole 24-hour periods, the configured
// grace period is subtracted, and the result is clamped to the fine cap.
func FineCents(due, returned time.Time, p Policy) int64 {
	late := daysLate(due, returned)
	billable := late - p.GraceDays
	if billable <= 0 {
		return 0
	}
	amount := int64(billable) * p.DailyFineCents
	if amount > p.FineCapCents {
		return p.FineCapCents
	}
	return amount
}

// daysLate returns the number of whole days returned is past due, floored
// at zero.
func daysLate(due, returned time.Time) int {
	if !returned.After(due) {
		return 0
	}
	return int(returned.Sub(due) / (24 * time.Hour))
}
