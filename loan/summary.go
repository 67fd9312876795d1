package loan

import "github.com/shopspring/decimal"

// =============================================================================
// SUMMARY - Per-component totals consumed by the state machine and reporting
// =============================================================================

type ComponentSummary struct {
	Expected    decimal.Decimal `json:"expected"`
	Paid        decimal.Decimal `json:"paid"`
	Waived      decimal.Decimal `json:"waived"`
	WrittenOff  decimal.Decimal `json:"written_off"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type LoanSummary struct {
	Principal ComponentSummary `json:"principal"`
	Interest  ComponentSummary `json:"interest"`
	Fee       ComponentSummary `json:"fee"`
	Penalty   ComponentSummary `json:"penalty"`

	TotalExpected    decimal.Decimal `json:"total_expected"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	TotalWaived      decimal.Decimal `json:"total_waived"`
	TotalWrittenOff  decimal.Decimal `json:"total_written_off"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`

	TotalOverpaid      decimal.Decimal `json:"total_overpaid"`
	TotalRecovered     decimal.Decimal `json:"total_recovered"`
	TotalChargedBack   decimal.Decimal `json:"total_charged_back"`
	TotalPaidInAdvance decimal.Decimal `json:"total_paid_in_advance"`
	TotalPaidLate      decimal.Decimal `json:"total_paid_late"`

	AllChargesSettled bool `json:"all_charges_settled"`
}

func (s *LoanSummary) component(c Component) *ComponentSummary {
	switch c {
	case Principal:
		return &s.Principal
	case Interest:
		return &s.Interest
	case Fee:
		return &s.Fee
	}
	return &s.Penalty
}

func (s LoanSummary) Component(c Component) ComponentSummary { return *s.component(c) }

func (s LoanSummary) IsOverpaid() bool      { return s.TotalOverpaid.IsPositive() }
func (s LoanSummary) HasOutstanding() bool  { return s.TotalOutstanding.IsPositive() }
func (s LoanSummary) IsFullyRepaid() bool   { return !s.TotalOutstanding.IsPositive() }
func (s LoanSummary) IsSettledInFull() bool { return s.IsFullyRepaid() && s.AllChargesSettled }

// ComputeSummary derives the summary from installments, transactions and charges.
func ComputeSummary(l *Loan) LoanSummary {
	var s LoanSummary
	for _, inst := range l.Installments {
		for _, c := range AllComponents() {
			cs := s.component(c)
			cs.Expected = cs.Expected.Add(inst.Charged.Get(c))
			cs.Paid = cs.Paid.Add(inst.Paid.Get(c))
			cs.Waived = cs.Waived.Add(inst.Waived.Get(c))
			cs.WrittenOff = cs.WrittenOff.Add(inst.WrittenOff.Get(c))
			cs.Outstanding = cs.Outstanding.Add(inst.Outstanding(c))
		}
		s.TotalPaidInAdvance = s.TotalPaidInAdvance.Add(inst.PaidInAdvance)
		s.TotalPaidLate = s.TotalPaidLate.Add(inst.PaidLate)
	}
	for _, c := range AllComponents() {
		cs := s.component(c)
		s.TotalExpected = s.TotalExpected.Add(cs.Expected)
		s.TotalPaid = s.TotalPaid.Add(cs.Paid)
		s.TotalWaived = s.TotalWaived.Add(cs.Waived)
		s.TotalWrittenOff = s.TotalWrittenOff.Add(cs.WrittenOff)
		s.TotalOutstanding = s.TotalOutstanding.Add(cs.Outstanding)
	}

	s.TotalOverpaid = nonNegative(l.OverpaymentBalance)
	for _, tx := range l.Transactions {
		if tx.Reversed {
			continue
		}
		switch tx.Type {
		case TxRecoveryRepayment:
			s.TotalRecovered = s.TotalRecovered.Add(tx.Amount)
		case TxChargeback:
			s.TotalChargedBack = s.TotalChargedBack.Add(tx.Amount)
		}
	}

	s.AllChargesSettled = true
	for _, c := range l.Charges {
		if c.Active && !c.IsSettled() {
			s.AllChargesSettled = false
			break
		}
	}
	return s
}
