/*
Package loan provides the accounting core of the loan servicing platform.

PURPOSE:
  Given a loan's repayment schedule and its full history of monetary events
  (disbursements, repayments, waivers, write-offs, chargebacks, re-ages,
  charge-offs), this package deterministically computes per-installment
  balances, drives the loan's lifecycle status, and allocates charges across
  installments.

KEY CONCEPTS IN THIS FILE (types.go):
  - Component: principal, interest, fee or penalty
  - Portions:  one decimal per component (a "split" of an amount)
  - Currency:  code + digits used for half-up rounding at write points

DESIGN PRINCIPLES:
  1. Determinism: "today" is always an explicit parameter, never read from a clock
  2. Precision: decimal.Decimal everywhere, rounded half-up at write points
  3. Replay: balances are derived by replaying transactions, never edited in place
  4. Auditability: superseded transactions are reversed and replaced, never deleted

SEE ALSO:
  - installment.go: per-installment component ledger
  - reprocess.go:   the replay engine
  - statemachine.go: lifecycle status transitions
*/
package loan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMPONENT - What part of the debt an amount belongs to
// =============================================================================

type Component int

const (
	Principal Component = iota
	Interest
	Fee
	Penalty
)

// AllComponents lists every component in declaration order.
func AllComponents() []Component {
	return []Component{Principal, Interest, Fee, Penalty}
}

func (c Component) String() string {
	switch c {
	case Principal:
		return "principal"
	case Interest:
		return "interest"
	case Fee:
		return "fee"
	case Penalty:
		return "penalty"
	}
	return fmt.Sprintf("component(%d)", int(c))
}

// ParseComponent is the inverse of String.
func ParseComponent(s string) (Component, error) {
	for _, c := range AllComponents() {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown component %q", s)
}

// =============================================================================
// PORTIONS - An amount split by component
// =============================================================================

// Portions holds one amount per component. The zero value is all zeros.
type Portions struct {
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Fee       decimal.Decimal `json:"fee"`
	Penalty   decimal.Decimal `json:"penalty"`
}

func (p Portions) Get(c Component) decimal.Decimal {
	switch c {
	case Principal:
		return p.Principal
	case Interest:
		return p.Interest
	case Fee:
		return p.Fee
	case Penalty:
		return p.Penalty
	}
	return decimal.Zero
}

func (p *Portions) Set(c Component, v decimal.Decimal) {
	switch c {
	case Principal:
		p.Principal = v
	case Interest:
		p.Interest = v
	case Fee:
		p.Fee = v
	case Penalty:
		p.Penalty = v
	}
}

func (p *Portions) Add(c Component, v decimal.Decimal) { p.Set(c, p.Get(c).Add(v)) }
func (p *Portions) Sub(c Component, v decimal.Decimal) { p.Set(c, p.Get(c).Sub(v)) }

// Plus returns the component-wise sum.
func (p Portions) Plus(o Portions) Portions {
	return Portions{
		Principal: p.Principal.Add(o.Principal),
		Interest:  p.Interest.Add(o.Interest),
		Fee:       p.Fee.Add(o.Fee),
		Penalty:   p.Penalty.Add(o.Penalty),
	}
}

// Neg returns the component-wise negation.
func (p Portions) Neg() Portions {
	return Portions{
		Principal: p.Principal.Neg(),
		Interest:  p.Interest.Neg(),
		Fee:       p.Fee.Neg(),
		Penalty:   p.Penalty.Neg(),
	}
}

func (p Portions) Total() decimal.Decimal {
	return p.Principal.Add(p.Interest).Add(p.Fee).Add(p.Penalty)
}

func (p Portions) IsZero() bool {
	return p.Principal.IsZero() && p.Interest.IsZero() && p.Fee.IsZero() && p.Penalty.IsZero()
}

// Equal compares numerically, so 10 and 10.00 are equal.
func (p Portions) Equal(o Portions) bool {
	return p.Principal.Equal(o.Principal) &&
		p.Interest.Equal(o.Interest) &&
		p.Fee.Equal(o.Fee) &&
		p.Penalty.Equal(o.Penalty)
}

func (p Portions) Round(cur Currency) Portions {
	return Portions{
		Principal: cur.Round(p.Principal),
		Interest:  cur.Round(p.Interest),
		Fee:       cur.Round(p.Fee),
		Penalty:   cur.Round(p.Penalty),
	}
}

// =============================================================================
// CURRENCY - Rounding context
// =============================================================================

type Currency struct {
	Code   string `json:"code"`
	Digits int32  `json:"digits"`
}

// DefaultCurrency is used when a loan does not specify one.
var DefaultCurrency = Currency{Code: "USD", Digits: 2}

// Round applies half-up rounding to the currency's digits.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative amounts stored in balances.
func (c Currency) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(c.Digits)
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// ParseDecimal parses an amount. The empty string is zero.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// nonNegative clamps a would-be-negative balance to zero.
func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// percentOf returns pct% of base.
func percentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}
