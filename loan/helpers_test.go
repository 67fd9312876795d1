package loan_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) loan.Date { return loan.MustParseDate(s) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newEngine() *loan.Engine { return loan.NewEngine(quietLogger()) }

// assertDecimal compares by value, so 40 and 40.00 are equal.
func assertDecimal(t *testing.T, expected string, actual decimal.Decimal, what string) {
	t.Helper()
	assert.Truef(t, dec(expected).Equal(actual), "%s: expected %s, got %s", what, expected, actual)
}

// interestFirst settles interest before principal on each installment.
func interestFirst() loan.AllocationRule {
	return loan.AllocationRule{
		Order:                        []loan.Component{loan.Interest, loan.Principal, loan.Fee, loan.Penalty},
		ApplyExcessToNextInstallment: true,
		CreditOrder:                  []loan.Component{loan.Principal, loan.Interest, loan.Fee, loan.Penalty},
	}
}

// singleInstallmentLoan is an active loan with one installment {100, 10}
// running from 2024-01-01 to 2024-02-01.
func singleInstallmentLoan() *loan.Loan {
	return &loan.Loan{
		ID:             1,
		Status:         loan.StatusActive,
		Currency:       loan.DefaultCurrency,
		AllocationRule: interestFirst(),
		Installments: []*loan.Installment{
			loan.NewInstallment(1, d("2024-01-01"), d("2024-02-01"), dec("100"), dec("10")),
		},
		DisbursedOn:   d("2024-01-01"),
		Disbursements: []loan.Disbursement{{Date: d("2024-01-01"), Principal: dec("100")}},
	}
}

// threeInstallmentLoan is an active loan of 300 principal over three months
// with 10 interest per installment.
func threeInstallmentLoan() *loan.Loan {
	return &loan.Loan{
		ID:             1,
		Status:         loan.StatusActive,
		Currency:       loan.DefaultCurrency,
		AllocationRule: loan.DefaultAllocationRule(),
		Installments: []*loan.Installment{
			loan.NewInstallment(1, d("2024-01-01"), d("2024-02-01"), dec("100"), dec("10")),
			loan.NewInstallment(2, d("2024-02-01"), d("2024-03-01"), dec("100"), dec("10")),
			loan.NewInstallment(3, d("2024-03-01"), d("2024-04-01"), dec("100"), dec("10")),
		},
		DisbursedOn:   d("2024-01-01"),
		Disbursements: []loan.Disbursement{{Date: d("2024-01-01"), Principal: dec("300")}},
	}
}

func repayment(on string, amount string) *loan.Transaction {
	return &loan.Transaction{
		Type:        loan.TxRepayment,
		Date:        d(on),
		SubmittedOn: d(on),
		Amount:      dec(amount),
	}
}

// persist assigns IDs to unpersisted transactions the way a store would.
func persist(l *loan.Loan) {
	var next int64
	for _, tx := range l.Transactions {
		if tx.ID != nil && *tx.ID > next {
			next = *tx.ID
		}
	}
	for _, tx := range l.Transactions {
		if tx.ID == nil {
			next++
			tx.ID = loan.Int64Ptr(next)
		}
	}
}

// live returns the non-reversed transactions of a type.
func live(l *loan.Loan, typ loan.TransactionType) []*loan.Transaction {
	var out []*loan.Transaction
	for _, tx := range l.Transactions {
		if !tx.Reversed && tx.Type == typ {
			out = append(out, tx)
		}
	}
	return out
}

// assertBalanceInvariant checks outstanding = charged - settled >= 0 everywhere.
func assertBalanceInvariant(t *testing.T, l *loan.Loan) {
	t.Helper()
	for _, inst := range l.Installments {
		for _, c := range loan.AllComponents() {
			settled := inst.Paid.Get(c).Add(inst.Waived.Get(c)).Add(inst.WrittenOff.Get(c))
			expected := inst.Charged.Get(c).Sub(settled)
			assert.False(t, expected.IsNegative(), "installment %d %s settled beyond charged", inst.Number, c)
			assert.True(t, inst.Outstanding(c).Equal(expected),
				"installment %d %s outstanding %s, want %s", inst.Number, c, inst.Outstanding(c), expected)
		}
	}
}

// assertConservation checks that paid per component matches the payment-side
// portions of the live transactions.
func assertConservation(t *testing.T, l *loan.Loan) {
	t.Helper()
	var paid, portions loan.Portions
	for _, inst := range l.Installments {
		paid = paid.Plus(inst.Paid)
	}
	for _, tx := range l.Transactions {
		if tx.Reversed {
			continue
		}
		switch {
		case tx.Type.IsRepaymentLike(), tx.Type == loan.TxRepaymentAtDisbursement,
			tx.Type == loan.TxChargePayment, tx.Type == loan.TxChargeback:
			portions = portions.Plus(tx.Portions)
		}
	}
	for _, c := range loan.AllComponents() {
		assert.True(t, paid.Get(c).Equal(portions.Get(c)),
			"%s: paid %s, portions %s", c, paid.Get(c), portions.Get(c))
	}
}

// assertSameBalances compares every installment bucket by value.
func assertSameBalances(t *testing.T, want, got *loan.Loan) {
	t.Helper()
	if !assert.Len(t, got.Installments, len(want.Installments)) {
		return
	}
	for i, w := range want.Installments {
		g := got.Installments[i]
		assert.Equal(t, w.Number, g.Number)
		assert.True(t, w.Charged.Equal(g.Charged), "installment %d charged", w.Number)
		assert.True(t, w.Paid.Equal(g.Paid), "installment %d paid", w.Number)
		assert.True(t, w.Waived.Equal(g.Waived), "installment %d waived", w.Number)
		assert.True(t, w.WrittenOff.Equal(g.WrittenOff), "installment %d written off", w.Number)
		assert.Equal(t, w.ObligationsMet, g.ObligationsMet, "installment %d obligations met", w.Number)
	}
	assert.True(t, want.OverpaymentBalance.Equal(got.OverpaymentBalance), "overpayment balance")
}
