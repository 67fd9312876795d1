/*
charge_allocator.go - Distributes one charge across installments

PURPOSE:
  A charge is defined once on the loan; the installments carry it. The
  allocator decides which installment hosts how much of a charge, by time
  type and calculation type.

TIME TYPES:
  InstallmentFee:     every non down-payment installment carries a share
  SpecifiedDueDate:   the installment whose period contains the due date
  OverdueInstallment: like SpecifiedDueDate, amount resolved by the caller

CALCULATION TYPES:
  Flat:                         the flat amount (per installment for installment fees)
  PercentOfAmount:              % of principal (installment's, or the loan's for one-offs)
  PercentOfAmountAndInterest:   % of principal + interest
  PercentOfInterest:            % of interest
  PercentOfDisbursementAmount:  % of principal disbursed on or before the due date

DUE-IN-PERIOD:
  A date belongs to (FromDate, DueDate]. The first non-recalculated period is
  left-inclusive: [FromDate, DueDate]. This decides which installment absorbs a
  charge due exactly on a period boundary, e.g. the disbursement date.

CHARGES AFTER MATURITY:
  A specified-due-date charge after the last installment is hosted by an
  "additional" zero-principal installment. An existing trailing additional
  installment is extended instead of creating another one.
*/
package loan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ChargeAllocator is stateless; the zero value is ready to use.
type ChargeAllocator struct{}

// Reprocess rebuilds the charge's installment portions. It may append or
// extend the trailing additional installment of the loan.
func (ca ChargeAllocator) Reprocess(l *Loan, c *Charge) error {
	if err := ValidateCharge(c); err != nil {
		return err
	}

	insts := regularInstallments(l.Installments)
	if len(insts) == 0 {
		return &InstallmentNotFoundError{Number: 1}
	}

	var portions []ChargePortion
	switch c.TimeType {
	case ChargeInstallmentFee:
		total := decimal.Zero
		for _, inst := range insts {
			if inst.Additional {
				continue
			}
			due := l.Currency.Round(installmentFeeAmount(c, inst))
			total = total.Add(due)
			portions = append(portions, ChargePortion{InstallmentNumber: inst.Number, Due: due})
		}
		c.Amount = total

	case ChargeSpecifiedDueDate, ChargeOverdueInstallment:
		host := ca.hostFor(l, insts, c.DueDate)
		due := l.Currency.Round(oneOffAmount(l, c))
		c.Amount = due
		portions = []ChargePortion{{InstallmentNumber: host.Number, Due: due}}

	default:
		return fmt.Errorf("%w: unknown time type %q", ErrInvalidCharge, c.TimeType)
	}

	c.Portions = portions
	distributeSettlement(c)
	return nil
}

// hostFor returns the installment whose period contains the date,
// synthesising an additional installment for dates past maturity.
func (ca ChargeAllocator) hostFor(l *Loan, insts []*Installment, on Date) *Installment {
	first := firstNonRecalculated(insts)
	for _, inst := range insts {
		if isDueInPeriod(on, inst, inst == first) {
			return inst
		}
	}
	last := l.Installments[len(l.Installments)-1]
	if on.After(last.DueDate) {
		return addAdditionalInstallment(l, on)
	}
	// Before the first period: the first installment hosts it.
	return insts[0]
}

// isDueInPeriod tests (FromDate, DueDate], or [FromDate, DueDate] when leftInclusive.
func isDueInPeriod(on Date, inst *Installment, leftInclusive bool) bool {
	if on.After(inst.DueDate) {
		return false
	}
	if leftInclusive {
		return on.AfterOrEqual(inst.FromDate)
	}
	return on.After(inst.FromDate)
}

func firstNonRecalculated(insts []*Installment) *Installment {
	for _, inst := range insts {
		if !inst.RecalculatedInterestComponent {
			return inst
		}
	}
	return nil
}

// addAdditionalInstallment extends a trailing additional installment, or
// appends a new zero-principal one ending on the date.
func addAdditionalInstallment(l *Loan, due Date) *Installment {
	last := l.Installments[len(l.Installments)-1]
	if last.Additional {
		if due.After(last.DueDate) {
			last.DueDate = due
		}
		return last
	}
	inst := NewInstallment(last.Number+1, last.DueDate, due, decimal.Zero, decimal.Zero)
	inst.Additional = true
	l.Installments = append(l.Installments, inst)
	return inst
}

// regularInstallments skips down-payment installments.
func regularInstallments(all []*Installment) []*Installment {
	out := make([]*Installment, 0, len(all))
	for _, inst := range all {
		if !inst.DownPayment {
			out = append(out, inst)
		}
	}
	return out
}

func installmentFeeAmount(c *Charge, inst *Installment) decimal.Decimal {
	pct := c.AmountOrPercentage
	switch c.CalculationType {
	case CalcFlat:
		return c.AmountOrPercentage
	case CalcPercentOfAmount:
		return percentOf(inst.Scheduled.Principal, pct)
	case CalcPercentOfAmountAndInterest:
		return percentOf(inst.Scheduled.Principal.Add(inst.Scheduled.Interest), pct)
	case CalcPercentOfInterest:
		return percentOf(inst.Scheduled.Interest, pct)
	}
	return decimal.Zero
}

func oneOffAmount(l *Loan, c *Charge) decimal.Decimal {
	// Overdue percentage charges were resolved when they were levied.
	if c.TimeType == ChargeOverdueInstallment && c.CalculationType.IsPercentage() {
		return c.Amount
	}
	pct := c.AmountOrPercentage
	switch c.CalculationType {
	case CalcFlat:
		return c.AmountOrPercentage
	case CalcPercentOfAmount:
		return percentOf(l.scheduledTotal(Principal), pct)
	case CalcPercentOfAmountAndInterest:
		return percentOf(l.scheduledTotal(Principal).Add(l.scheduledTotal(Interest)), pct)
	case CalcPercentOfInterest:
		return percentOf(l.scheduledTotal(Interest), pct)
	case CalcPercentOfDisbursementAmount:
		return percentOf(l.DisbursedPrincipalOn(c.DueDate), pct)
	}
	return decimal.Zero
}

// distributeSettlement spreads the charge's paid, waived and written-off
// totals over its portions in installment order, capped by each portion's due.
func distributeSettlement(c *Charge) {
	paid, waived, writtenOff := c.AmountPaid, c.AmountWaived, c.AmountWrittenOff
	for i := range c.Portions {
		p := &c.Portions[i]
		p.Paid, p.Waived, p.WrittenOff = decimal.Zero, decimal.Zero, decimal.Zero

		p.Waived = minDecimal(waived, p.Due)
		waived = waived.Sub(p.Waived)

		p.WrittenOff = minDecimal(writtenOff, p.Due.Sub(p.Waived))
		writtenOff = writtenOff.Sub(p.WrittenOff)

		p.Paid = minDecimal(paid, p.Due.Sub(p.Waived).Sub(p.WrittenOff))
		paid = paid.Sub(p.Paid)
	}
}

// ProRate returns amount * elapsed / period days. A zero-length period
// yields zero rather than dividing by zero.
func ProRate(amount decimal.Decimal, periodStart, periodEnd, until Date) decimal.Decimal {
	total := DaysBetween(periodStart, periodEnd)
	if total <= 0 {
		return decimal.Zero
	}
	elapsed := DaysBetween(periodStart, until)
	switch {
	case elapsed <= 0:
		return decimal.Zero
	case elapsed >= total:
		return amount
	}
	return amount.Mul(decimal.NewFromInt(int64(elapsed))).Div(decimal.NewFromInt(int64(total)))
}
