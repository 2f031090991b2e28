// Package fees computes the platform fee schedule.
//
// Four fee operations exist: merchant settlement, DSP delivery, cashout,
// and advance payout. All are pure functions of an immutable rate set.
// The fixed merchant fee is charged once per PeaceLink lifecycle, only at
// final release, never on an advance payout.
package fees

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/money"
)

// Rates is an immutable set of fee rates. A copy of the active Rates is
// snapshotted onto every PeaceLink at creation, so later schedule changes
// never retroactively affect an in-flight transaction.
type Rates struct {
	MerchantRate  decimal.Decimal `json:"merchantRate"`
	MerchantFixed decimal.Decimal `json:"merchantFixed"`
	DspRate       decimal.Decimal `json:"dspRate"`
	CashoutRate   decimal.Decimal `json:"cashoutRate"`
}

// Breakdown is the result of a fee computation. Conservation holds:
// Net + TotalFee == Gross, always.
type Breakdown struct {
	Gross      decimal.Decimal `json:"gross"`
	PercentFee decimal.Decimal `json:"percentFee"`
	FixedFee   decimal.Decimal `json:"fixedFee"`
	TotalFee   decimal.Decimal `json:"totalFee"`
	Net        decimal.Decimal `json:"net"`
}

// MerchantFee computes the merchant settlement fee on amount.
// On an advance payout only the percentage applies; the fixed component
// is reserved for the final release.
func MerchantFee(r Rates, amount decimal.Decimal, isAdvance bool) Breakdown {
	pct := money.Round2(money.Percent(amount, r.MerchantRate))
	fixed := decimal.Zero
	if !isAdvance {
		fixed = r.MerchantFixed
	}
	total := pct.Add(fixed)
	return Breakdown{
		Gross:      amount,
		PercentFee: pct,
		FixedFee:   fixed,
		TotalFee:   total,
		Net:        amount.Sub(total),
	}
}

// AdvanceFee computes the fee on an advance payout (percentage only).
func AdvanceFee(r Rates, amount decimal.Decimal) Breakdown {
	return MerchantFee(r, amount, true)
}

// DspFee computes the delivery partner's fee on the delivery charge.
func DspFee(r Rates, deliveryFee decimal.Decimal) Breakdown {
	pct := money.Round2(money.Percent(deliveryFee, r.DspRate))
	return Breakdown{
		Gross:      deliveryFee,
		PercentFee: pct,
		FixedFee:   decimal.Zero,
		TotalFee:   pct,
		Net:        deliveryFee.Sub(pct),
	}
}

// CashoutFee computes the withdrawal fee. The fee is deducted from the
// user at request time, not approval time.
func CashoutFee(r Rates, amount decimal.Decimal) Breakdown {
	pct := money.Round2(money.Percent(amount, r.CashoutRate))
	return Breakdown{
		Gross:      amount,
		PercentFee: pct,
		FixedFee:   decimal.Zero,
		TotalFee:   pct,
		Net:        amount.Sub(pct),
	}
}

// RateWindow is a time-bounded rate set: Rates applies from EffectiveFrom
// until the next window starts.
type RateWindow struct {
	EffectiveFrom time.Time
	Rates         Rates
}

// Schedule resolves the active rate set for a point in time.
type Schedule struct {
	windows []RateWindow // sorted ascending by EffectiveFrom
}

// NewSchedule creates a schedule from rate windows. At least one window
// must cover the earliest time of interest; the first window acts as the
// floor regardless of its EffectiveFrom.
func NewSchedule(windows ...RateWindow) *Schedule {
	ws := make([]RateWindow, len(windows))
	copy(ws, windows)
	sort.Slice(ws, func(i, j int) bool {
		return ws[i].EffectiveFrom.Before(ws[j].EffectiveFrom)
	})
	return &Schedule{windows: ws}
}

// ActiveAt returns the rate set in force at t.
func (s *Schedule) ActiveAt(t time.Time) Rates {
	if len(s.windows) == 0 {
		return Rates{}
	}
	active := s.windows[0].Rates
	for _, w := range s.windows[1:] {
		if w.EffectiveFrom.After(t) {
			break
		}
		active = w.Rates
	}
	return active
}

// Current returns the rate set in force now.
func (s *Schedule) Current() Rates {
	return s.ActiveAt(time.Now())
}
