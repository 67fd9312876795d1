/*
loan.go - The loan aggregate

PURPOSE:
  A Loan owns its installments, transactions and charges. Every operation in
  this package takes an aggregate and returns a new one; the input is never
  mutated. Clone is the boundary that makes this cheap to reason about.

OWNERSHIP:
  Installments: created by the external schedule generator, mutated only by
                the replay engine and charge allocator
  Transactions: appended by callers, never removed; superseded ones are
                reversed and replaced by the engine
  Charges:      appended by callers, allocated across installments by
                ChargeAllocator

VERSION:
  Version is the optimistic-lock token. Stores reject a save whose Version
  does not match the stored one.
*/
package loan

import (
	"github.com/shopspring/decimal"
)

// ChargeOffBehaviour is supplied by loan configuration.
type ChargeOffBehaviour string

const (
	// ChargeOffRegular only flags the loan as charged off.
	ChargeOffRegular ChargeOffBehaviour = "regular"

	// ChargeOffZeroInterest stops interest after the charge-off date. The
	// period containing the date keeps a pro-rated share.
	ChargeOffZeroInterest ChargeOffBehaviour = "zero_interest"

	// ChargeOffAccelerateMaturity moves all future principal onto the
	// installment containing the charge-off date.
	ChargeOffAccelerateMaturity ChargeOffBehaviour = "accelerate_maturity"
)

func ParseChargeOffBehaviour(s string) (ChargeOffBehaviour, bool) {
	switch ChargeOffBehaviour(s) {
	case ChargeOffRegular, ChargeOffZeroInterest, ChargeOffAccelerateMaturity:
		return ChargeOffBehaviour(s), true
	case "":
		return ChargeOffRegular, true
	}
	return "", false
}

// Disbursement is one tranche paid out to the borrower.
type Disbursement struct {
	Date      Date            `json:"date"`
	Principal decimal.Decimal `json:"principal"`
}

// =============================================================================
// LOAN - The aggregate
// =============================================================================

type Loan struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id,omitempty"`
	Version    int64  `json:"version"`

	Status             LoanStatus         `json:"status"`
	Currency           Currency           `json:"currency"`
	AllocationRule     AllocationRule     `json:"allocation_rule"`
	ChargeOffBehaviour ChargeOffBehaviour `json:"charge_off_behaviour"`
	MultiDisbursement  bool               `json:"multi_disbursement"`

	ApprovedPrincipal decimal.Decimal `json:"approved_principal"`
	Disbursements     []Disbursement  `json:"disbursements"`

	Installments []*Installment `json:"installments"`
	Transactions []*Transaction `json:"transactions"`
	Charges      []*Charge      `json:"charges"`

	// OverpaymentBalance is derived by the replay engine.
	OverpaymentBalance decimal.Decimal `json:"overpayment_balance"`
	Summary            LoanSummary     `json:"summary"`

	SubmittedOn          Date `json:"submitted_on"`
	ApprovedOn           Date `json:"approved_on"`
	DisbursedOn          Date `json:"disbursed_on"`
	ClosedOn             Date `json:"closed_on"`
	MaturityDate         Date `json:"maturity_date"`
	ExpectedMaturityDate Date `json:"expected_maturity_date"`
	OverpaidOn           Date `json:"overpaid_on"`
	WrittenOffOn         Date `json:"written_off_on"`
	RescheduledOn        Date `json:"rescheduled_on"`

	// Derived by replaying charge-off transactions.
	ChargedOff   bool `json:"charged_off"`
	ChargedOffOn Date `json:"charged_off_on"`
}

// Clone returns a deep copy. Nothing reachable from the copy is shared.
func (l *Loan) Clone() *Loan {
	c := *l
	c.AllocationRule.Order = append([]Component(nil), l.AllocationRule.Order...)
	c.AllocationRule.CreditOrder = append([]Component(nil), l.AllocationRule.CreditOrder...)
	c.Disbursements = append([]Disbursement(nil), l.Disbursements...)

	c.Installments = make([]*Installment, len(l.Installments))
	for i, inst := range l.Installments {
		c.Installments[i] = inst.clone()
	}
	c.Transactions = make([]*Transaction, len(l.Transactions))
	for i, tx := range l.Transactions {
		c.Transactions[i] = tx.clone()
	}
	c.Charges = make([]*Charge, len(l.Charges))
	for i, ch := range l.Charges {
		c.Charges[i] = ch.clone()
	}
	return &c
}

// AddTransaction appends a transaction and assigns its insertion sequence.
func (l *Loan) AddTransaction(tx *Transaction) {
	next := 1
	for _, t := range l.Transactions {
		if t.Sequence >= next {
			next = t.Sequence + 1
		}
	}
	tx.Sequence = next
	l.Transactions = append(l.Transactions, tx)
}

// AddCharge appends a charge, assigning an ID local to the loan when unset.
func (l *Loan) AddCharge(c *Charge) {
	if c.ID == 0 {
		var highest int64
		for _, existing := range l.Charges {
			if existing.ID > highest {
				highest = existing.ID
			}
		}
		c.ID = highest + 1
	}
	l.Charges = append(l.Charges, c)
}

func (l *Loan) FindTransaction(id int64) *Transaction {
	for _, tx := range l.Transactions {
		if tx.ID != nil && *tx.ID == id {
			return tx
		}
	}
	return nil
}

// replacementOf returns the live transaction that replaced tx, or nil.
func (l *Loan) replacementOf(tx *Transaction) *Transaction {
	if tx.ID == nil {
		return nil
	}
	for _, t := range l.Transactions {
		if !t.Reversed && t.ReplacesID != nil && *t.ReplacesID == *tx.ID {
			return t
		}
	}
	return nil
}

func (l *Loan) FindCharge(id int64) *Charge {
	for _, c := range l.Charges {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (l *Loan) FindInstallment(number int) (*Installment, error) {
	for _, inst := range l.Installments {
		if inst.Number == number {
			return inst, nil
		}
	}
	return nil, &InstallmentNotFoundError{Number: number}
}

// DisbursedPrincipalOn sums tranches disbursed on or before the date.
func (l *Loan) DisbursedPrincipalOn(on Date) decimal.Decimal {
	total := decimal.Zero
	for _, d := range l.Disbursements {
		if d.Date.BeforeOrEqual(on) {
			total = total.Add(d.Principal)
		}
	}
	return total
}

// scheduledTotal sums a component of the external schedule.
func (l *Loan) scheduledTotal(c Component) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range l.Installments {
		total = total.Add(inst.Scheduled.Get(c))
	}
	return total
}

// lastDueDate is the maturity implied by the current installments.
func (l *Loan) lastDueDate() Date {
	var last Date
	for _, inst := range l.Installments {
		last = maxDate(last, inst.DueDate)
	}
	return last
}

// installmentOnOrAfter returns the first regular installment due on or after
// the date, or the last installment when every due date has passed.
func (l *Loan) installmentOnOrAfter(on Date) *Installment {
	insts := regularInstallments(l.Installments)
	if len(insts) == 0 {
		return nil
	}
	for _, inst := range insts {
		if inst.DueDate.AfterOrEqual(on) {
			return inst
		}
	}
	return insts[len(insts)-1]
}
