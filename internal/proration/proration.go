// Package proration computes unused-time credit and the net amount due when a
// subscriber switches plans mid-cycle.
//
// Months are standardized to 30 days regardless of calendar length, and money
// is rounded to cents after each step (credit first, then net) so the figures
// match what the dashboard displays.
package proration

import (
	"errors"
	"fmt"
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/shopspring/decimal"
)

// DaysPerMonth is the standardized month length.
const DaysPerMonth = 30

// ErrInvalidPlan is returned for plans that cannot be prorated.
var ErrInvalidPlan = errors.New("proration: invalid plan")

// ChangeKind classifies a switch from one plan to another.
type ChangeKind string

const (
	ChangeNone      ChangeKind = "none"
	ChangeUpgrade   ChangeKind = "upgrade"
	ChangeDowngrade ChangeKind = "downgrade"
)

// Plan is the part of a package the calculator needs.
type Plan struct {
	Price          decimal.Decimal
	DurationMonths int
}

// PlanOf extracts the proration inputs from a package.
func PlanOf(p *domain.SubscriptionPackage) Plan {
	return Plan{Price: p.Price, DurationMonths: p.DurationMonths}
}

// Quote is the outcome of a proration calculation.
type Quote struct {
	Kind          ChangeKind      `json:"kind"`
	TotalDays     int             `json:"totalDays"`
	DaysUsed      int             `json:"daysUsed"`
	DaysRemaining int             `json:"daysRemaining"`
	DailyRate     decimal.Decimal `json:"dailyRate"` // rounded to 4 places, display only
	Credit        decimal.Decimal `json:"creditAmount"`
	Net           decimal.Decimal `json:"netAmount"`
	// ChargeNow is what is due when the change is applied (zero when Net <= 0).
	ChargeNow decimal.Decimal `json:"chargeNow"`
	// CreditIssued is the account credit left by a downgrade with Net < 0.
	CreditIssued decimal.Decimal `json:"creditIssued"`
	EffectiveAt  time.Time       `json:"effectiveAt"`
	CalculatedAt time.Time       `json:"calculatedAt"`
}

// Classify decides whether moving from current to next is an upgrade, a
// downgrade or neither. Price decides first and duration breaks ties, so exactly
// one kind holds for any pair.
func Classify(current, next Plan) ChangeKind {
	switch current.Price.Cmp(next.Price) {
	case -1:
		return ChangeUpgrade
	case 1:
		return ChangeDowngrade
	}
	switch {
	case next.DurationMonths > current.DurationMonths:
		return ChangeUpgrade
	case next.DurationMonths < current.DurationMonths:
		return ChangeDowngrade
	}
	return ChangeNone
}

// Validate checks a plan can be used as proration input.
func (p Plan) Validate() error {
	if p.DurationMonths < 1 {
		return fmt.Errorf("%w: duration must be at least 1 month, got %d", ErrInvalidPlan, p.DurationMonths)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative, got %s", ErrInvalidPlan, p.Price)
	}
	return nil
}

// DaysUsed returns the whole days elapsed between anchor and now, clamped to [0, totalDays].
func DaysUsed(anchor, now time.Time, totalDays int) int {
	elapsed := now.Sub(anchor)
	if elapsed <= 0 {
		return 0
	}
	days := int(elapsed / (24 * time.Hour))
	if days > totalDays {
		return totalDays
	}
	return days
}

// Calculate prorates a switch from current to next for a subscription anchored
// at anchor (its startDate), evaluated at now. periodEnd is when a downgrade
// takes effect.
func Calculate(current, next Plan, anchor, periodEnd, now time.Time) (*Quote, error) {
	if err := current.Validate(); err != nil {
		return nil, fmt.Errorf("current plan: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("new plan: %w", err)
	}

	totalDays := current.DurationMonths * DaysPerMonth
	used := DaysUsed(anchor, now, totalDays)
	remaining := totalDays - used

	rate := current.Price.Div(decimal.NewFromInt(int64(totalDays)))
	credit := rate.Mul(decimal.NewFromInt(int64(remaining))).Round(2)
	net := next.Price.Sub(credit).Round(2)

	q := &Quote{
		Kind:          Classify(current, next),
		TotalDays:     totalDays,
		DaysUsed:      used,
		DaysRemaining: remaining,
		DailyRate:     rate.Round(4),
		Credit:        credit,
		Net:           net,
		ChargeNow:     decimal.Zero,
		CreditIssued:  decimal.Zero,
		CalculatedAt:  now,
	}
	if net.IsPositive() {
		q.ChargeNow = net
	}

	switch q.Kind {
	case ChangeDowngrade:
		if net.IsNegative() {
			q.CreditIssued = net.Abs()
		}
		q.EffectiveAt = periodEnd
	default:
		q.EffectiveAt = now
	}
	return q, nil
}
