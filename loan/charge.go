package loan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CHARGE - A fee or penalty levied on the loan
// =============================================================================

type ChargeTimeType string

const (
	ChargeSpecifiedDueDate   ChargeTimeType = "specified_due_date"
	ChargeInstallmentFee     ChargeTimeType = "installment_fee"
	ChargeOverdueInstallment ChargeTimeType = "overdue_installment"
)

type ChargeCalculationType string

const (
	CalcFlat                        ChargeCalculationType = "flat"
	CalcPercentOfAmount             ChargeCalculationType = "percent_of_amount"
	CalcPercentOfAmountAndInterest  ChargeCalculationType = "percent_of_amount_and_interest"
	CalcPercentOfInterest           ChargeCalculationType = "percent_of_interest"
	CalcPercentOfDisbursementAmount ChargeCalculationType = "percent_of_disbursement_amount"
)

func (c ChargeCalculationType) IsPercentage() bool {
	switch c {
	case CalcPercentOfAmount, CalcPercentOfAmountAndInterest, CalcPercentOfInterest,
		CalcPercentOfDisbursementAmount:
		return true
	}
	return false
}

// validCalculationTypes is the product data the allocator accepts per time type.
var validCalculationTypes = map[ChargeTimeType][]ChargeCalculationType{
	ChargeSpecifiedDueDate: {
		CalcFlat, CalcPercentOfAmount, CalcPercentOfAmountAndInterest,
		CalcPercentOfInterest, CalcPercentOfDisbursementAmount,
	},
	ChargeInstallmentFee: {
		CalcFlat, CalcPercentOfAmount, CalcPercentOfAmountAndInterest, CalcPercentOfInterest,
	},
	ChargeOverdueInstallment: {
		CalcFlat, CalcPercentOfAmount, CalcPercentOfAmountAndInterest, CalcPercentOfInterest,
	},
}

// ChargePortion is the part of a charge hosted by one installment.
type ChargePortion struct {
	InstallmentNumber int             `json:"installment_number"`
	Due               decimal.Decimal `json:"due"`
	Paid              decimal.Decimal `json:"paid"`
	Waived            decimal.Decimal `json:"waived"`
	WrittenOff        decimal.Decimal `json:"written_off"`
}

func (p ChargePortion) Outstanding() decimal.Decimal {
	return nonNegative(p.Due.Sub(p.Paid).Sub(p.Waived).Sub(p.WrittenOff))
}

type Charge struct {
	ID                 int64                 `json:"id"`
	Name               string                `json:"name"`
	Penalty            bool                  `json:"penalty"`
	TimeType           ChargeTimeType        `json:"time_type"`
	CalculationType    ChargeCalculationType `json:"calculation_type"`
	AmountOrPercentage decimal.Decimal       `json:"amount_or_percentage"`

	// Amount is the resolved total due. For overdue-installment charges it
	// is resolved by the caller and used as-is.
	Amount decimal.Decimal `json:"amount"`

	DueDate                  Date `json:"due_date"`
	OverdueInstallmentNumber int  `json:"overdue_installment_number,omitempty"`
	Active                   bool `json:"active"`

	AmountPaid       decimal.Decimal `json:"amount_paid"`
	AmountWaived     decimal.Decimal `json:"amount_waived"`
	AmountWrittenOff decimal.Decimal `json:"amount_written_off"`

	Portions []ChargePortion `json:"portions"`
}

// Component returns the installment component this charge lands in.
func (c *Charge) Component() Component {
	if c.Penalty {
		return Penalty
	}
	return Fee
}

func (c *Charge) Outstanding() decimal.Decimal {
	return nonNegative(c.Amount.Sub(c.AmountPaid).Sub(c.AmountWaived).Sub(c.AmountWrittenOff))
}

func (c *Charge) IsSettled() bool { return c.Outstanding().IsZero() }

// portionFor returns the portion hosted by an installment, or nil.
func (c *Charge) portionFor(number int) *ChargePortion {
	for i := range c.Portions {
		if c.Portions[i].InstallmentNumber == number {
			return &c.Portions[i]
		}
	}
	return nil
}

// resetDerived clears settlement bookkeeping before a replay.
func (c *Charge) resetDerived() {
	c.AmountPaid = decimal.Zero
	c.AmountWaived = decimal.Zero
	c.AmountWrittenOff = decimal.Zero
	for i := range c.Portions {
		c.Portions[i].Paid = decimal.Zero
		c.Portions[i].Waived = decimal.Zero
		c.Portions[i].WrittenOff = decimal.Zero
	}
}

func (c *Charge) clone() *Charge {
	cp := *c
	cp.Portions = append([]ChargePortion(nil), c.Portions...)
	return &cp
}

// ValidateCharge checks the charge against the product's valid calculation types.
func ValidateCharge(c *Charge) error {
	valid, ok := validCalculationTypes[c.TimeType]
	if !ok {
		return fmt.Errorf("%w: unknown time type %q", ErrInvalidCharge, c.TimeType)
	}
	allowed := false
	for _, v := range valid {
		if v == c.CalculationType {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: calculation type %q not valid for %q", ErrInvalidCharge, c.CalculationType, c.TimeType)
	}
	if !c.AmountOrPercentage.IsPositive() {
		return fmt.Errorf("%w: amount or percentage must be positive", ErrInvalidCharge)
	}
	if c.TimeType != ChargeInstallmentFee && c.DueDate.IsZero() {
		return fmt.Errorf("%w: %s charge requires a due date", ErrInvalidCharge, c.TimeType)
	}
	if c.TimeType == ChargeOverdueInstallment && c.CalculationType.IsPercentage() && !c.Amount.IsPositive() {
		return fmt.Errorf("%w: overdue charge must carry its resolved amount", ErrInvalidCharge)
	}
	return nil
}
