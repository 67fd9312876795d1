/*
installment.go - Per-installment component ledger

PURPOSE:
  An Installment is one scheduled repayment period. For each component
  (principal, interest, fee, penalty) it tracks what is charged and how the
  charged amount has been settled: paid, waived or written off.

BALANCE INVARIANT:
  Outstanding(C) = Charged(C) - (Paid(C) + Waived(C) + WrittenOff(C)) >= 0

  Write-point normalization clamps a would-be-negative outstanding to zero.

BUCKETS:
  Scheduled:  principal/interest from the external schedule generator
  Charged:    Scheduled + chargeback credits + fees/penalties from charges
  Paid:       settled by payments (the only bucket with an inverse, Unpay)
  Waived:     forgiven, no inverse
  WrittenOff: written off, no inverse
  Credited:   the part of Charged that came from chargebacks
  Accrued:    shadow income recognition, never affects Outstanding

TIMELINESS:
  Each payment is classified against the due date:
  strictly before = paid in advance, strictly after = paid late.

SEE ALSO:
  - reprocess.go: the only caller that mutates installments during replay
  - charge_allocator.go: computes the fee/penalty part of Charged
*/
package loan

import "github.com/shopspring/decimal"

// =============================================================================
// INSTALLMENT
// =============================================================================

type Installment struct {
	Number   int  `json:"number"`
	FromDate Date `json:"from_date"`
	DueDate  Date `json:"due_date"`

	Scheduled  Portions `json:"scheduled"`
	Charged    Portions `json:"charged"`
	Paid       Portions `json:"paid"`
	Waived     Portions `json:"waived"`
	WrittenOff Portions `json:"written_off"`
	Credited   Portions `json:"credited"`
	Accrued    Portions `json:"accrued"`

	PaidInAdvance decimal.Decimal `json:"paid_in_advance"`
	PaidLate      decimal.Decimal `json:"paid_late"`

	ObligationsMet   bool `json:"obligations_met"`
	ObligationsMetOn Date `json:"obligations_met_on"`

	RecalculatedInterestComponent bool `json:"recalculated_interest_component"`
	DownPayment                   bool `json:"down_payment"`
	Additional                    bool `json:"additional"`
	ReAged                        bool `json:"re_aged"`
}

// NewInstallment creates a scheduled installment with charged = scheduled.
func NewInstallment(number int, from, due Date, principal, interest decimal.Decimal) *Installment {
	inst := &Installment{
		Number:    number,
		FromDate:  from,
		DueDate:   due,
		Scheduled: Portions{Principal: principal, Interest: interest},
	}
	inst.ResetDerived()
	return inst
}

// Outstanding returns the unsettled amount of a component, never negative.
func (i *Installment) Outstanding(c Component) decimal.Decimal {
	settled := i.Paid.Get(c).Add(i.Waived.Get(c)).Add(i.WrittenOff.Get(c))
	return nonNegative(i.Charged.Get(c).Sub(settled))
}

func (i *Installment) OutstandingPortions() Portions {
	var p Portions
	for _, c := range AllComponents() {
		p.Set(c, i.Outstanding(c))
	}
	return p
}

func (i *Installment) TotalOutstanding() decimal.Decimal {
	return i.OutstandingPortions().Total()
}

// IsFullySatisfied reports zero outstanding on all four components.
func (i *Installment) IsFullySatisfied() bool {
	return i.TotalOutstanding().IsZero()
}

// Due reports whether the installment's due date is on or before the date.
func (i *Installment) Due(on Date) bool {
	return i.DueDate.BeforeOrEqual(on)
}

// =============================================================================
// PAY / UNPAY - The paid bucket, with timeliness classification
// =============================================================================

// Pay applies up to `remaining` to the component and returns what was applied.
func (i *Installment) Pay(c Component, on Date, remaining decimal.Decimal) decimal.Decimal {
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	applied := minDecimal(remaining, i.Outstanding(c))
	if applied.IsZero() {
		return applied
	}
	i.Paid.Add(c, applied)
	i.trackTimeliness(on, applied)
	i.checkObligations(on)
	return applied
}

// Unpay is the exact inverse of Pay, restricted to the paid bucket. Replay
// rebuilds from ResetDerived instead; Unpay serves callers adjusting a single
// installment in place.
func (i *Installment) Unpay(c Component, on Date, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	if amount.GreaterThan(i.Paid.Get(c)) {
		return &NegativeBalanceError{
			Installment: i.Number,
			Component:   c,
			Available:   i.Paid.Get(c),
			Requested:   amount,
		}
	}
	i.Paid.Sub(c, amount)
	i.trackTimeliness(on, amount.Neg())
	i.checkObligations(on)
	return nil
}

func (i *Installment) trackTimeliness(on Date, amount decimal.Decimal) {
	switch {
	case on.Before(i.DueDate):
		i.PaidInAdvance = nonNegative(i.PaidInAdvance.Add(amount))
	case on.After(i.DueDate):
		i.PaidLate = nonNegative(i.PaidLate.Add(amount))
	}
}

// =============================================================================
// WAIVE / WRITE OFF - One-way settlement, no inverse
// =============================================================================

// Waive moves up to `amount` of outstanding into the waived bucket.
func (i *Installment) Waive(c Component, on Date, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	applied := minDecimal(amount, i.Outstanding(c))
	i.Waived.Add(c, applied)
	i.checkObligations(on)
	return applied
}

// WriteOff moves up to `amount` of outstanding into the written-off bucket.
func (i *Installment) WriteOff(c Component, on Date, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	applied := minDecimal(amount, i.Outstanding(c))
	i.WrittenOff.Add(c, applied)
	i.checkObligations(on)
	return applied
}

// WriteOffAll writes off everything outstanding and returns what was written off.
func (i *Installment) WriteOffAll(on Date) Portions {
	var p Portions
	for _, c := range AllComponents() {
		p.Set(c, i.WriteOff(c, on, i.Outstanding(c)))
	}
	return p
}

// =============================================================================
// CHARGE ADJUSTMENTS - Credits and schedule changes
// =============================================================================

// Credit re-opens balance on the installment (chargebacks, credit balance refunds).
func (i *Installment) Credit(c Component, on Date, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	i.Charged.Add(c, amount)
	i.Credited.Add(c, amount)
	i.checkObligations(on)
}

// addCharged changes the charged amount of a component without crediting.
// The result is clamped so Charged never drops below what is already settled.
func (i *Installment) addCharged(c Component, amount decimal.Decimal) {
	settled := i.Paid.Get(c).Add(i.Waived.Get(c)).Add(i.WrittenOff.Get(c))
	next := i.Charged.Get(c).Add(amount)
	if next.LessThan(settled) {
		next = settled
	}
	i.Charged.Set(c, next)
}

// UpdateAccrualPortion records shadow income recognition. It has no
// effect on outstanding balances.
func (i *Installment) UpdateAccrualPortion(p Portions) {
	i.Accrued = i.Accrued.Plus(p)
}

// =============================================================================
// RESET - Clear everything derived from transactions
// =============================================================================

// ResetDerived restores charged amounts to the schedule and clears every
// bucket the reprocessing engine derives.
func (i *Installment) ResetDerived() {
	i.Charged = Portions{Principal: i.Scheduled.Principal, Interest: i.Scheduled.Interest}
	i.Paid = Portions{}
	i.Waived = Portions{}
	i.WrittenOff = Portions{}
	i.Credited = Portions{}
	i.Accrued = Portions{}
	i.PaidInAdvance = decimal.Zero
	i.PaidLate = decimal.Zero
	i.ObligationsMet = false
	i.ObligationsMetOn = Date{}
}

func (i *Installment) checkObligations(on Date) {
	met := i.IsFullySatisfied()
	switch {
	case met && !i.ObligationsMet:
		i.ObligationsMet = true
		i.ObligationsMetOn = on
	case !met:
		i.ObligationsMet = false
		i.ObligationsMetOn = Date{}
	}
}

func (i *Installment) clone() *Installment {
	c := *i
	return &c
}
