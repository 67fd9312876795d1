package loan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/loan-servicing/loan"
)

func TestCompareTransactions_Keys(t *testing.T) {
	created := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		first *loan.Transaction
		then  *loan.Transaction
	}{
		{
			"earlier date first",
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 2},
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-11"), Sequence: 1},
		},
		{
			"missing date last",
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-12-31"), Sequence: 2},
			&loan.Transaction{Type: loan.TxRepayment, Sequence: 1},
		},
		{
			"accrual activity after same-day types",
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), SubmittedOn: d("2024-01-12"), Sequence: 2},
			&loan.Transaction{Type: loan.TxAccrualActivity, Date: d("2024-01-10"), SubmittedOn: d("2024-01-10"), Sequence: 1},
		},
		{
			"earlier submission first",
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), SubmittedOn: d("2024-01-10"), Sequence: 2},
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), SubmittedOn: d("2024-01-11"), Sequence: 1},
		},
		{
			"earlier creation first",
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), CreatedAt: created, Sequence: 2},
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), CreatedAt: created.Add(time.Second), Sequence: 1},
		},
		{
			"income posting first",
			&loan.Transaction{Type: loan.TxIncomePosting, Date: d("2024-01-10"), Sequence: 2},
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 1},
		},
		{
			"waiver before repayment",
			&loan.Transaction{Type: loan.TxWaiveInterest, Date: d("2024-01-10"), Sequence: 2},
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 1},
		},
		{
			"unpersisted before persisted",
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 2},
			&loan.Transaction{ID: loan.Int64Ptr(1), Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 1},
		},
		{
			"lower id first",
			&loan.Transaction{ID: loan.Int64Ptr(3), Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 2},
			&loan.Transaction{ID: loan.Int64Ptr(7), Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 1},
		},
		{
			"sequence breaks full ties",
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 1},
			&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-10"), Sequence: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, -1, loan.CompareTransactions(tt.first, tt.then))
			assert.Equal(t, 1, loan.CompareTransactions(tt.then, tt.first))
			assert.Equal(t, 0, loan.CompareTransactions(tt.first, tt.first))
		})
	}
}

func TestSortTransactions_StrictTotalOrder(t *testing.T) {
	// GIVEN: A mix of types and dates built through the aggregate
	l := &loan.Loan{}
	l.AddTransaction(&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-02-01")})
	l.AddTransaction(&loan.Transaction{Type: loan.TxWaiveInterest, Date: d("2024-02-01")})
	l.AddTransaction(&loan.Transaction{Type: loan.TxAccrualActivity, Date: d("2024-02-01")})
	l.AddTransaction(&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-01-15")})
	l.AddTransaction(&loan.Transaction{Type: loan.TxRepayment, Date: d("2024-02-01")})
	l.AddTransaction(&loan.Transaction{ID: loan.Int64Ptr(4), Type: loan.TxRepayment, Date: d("2024-02-01")})

	// WHEN: Sorted
	txs := append([]*loan.Transaction(nil), l.Transactions...)
	loan.SortTransactions(txs)

	// THEN: Every adjacent pair is strictly ordered
	for i := 1; i < len(txs); i++ {
		assert.Equal(t, -1, loan.CompareTransactions(txs[i-1], txs[i]), "position %d", i)
	}
	assert.True(t, txs[0].Date.Equal(d("2024-01-15")))
	assert.Equal(t, loan.TxWaiveInterest, txs[1].Type)
	assert.Equal(t, loan.TxAccrualActivity, txs[len(txs)-1].Type)

	// AND: The order does not depend on the input order
	reversed := make([]*loan.Transaction, len(txs))
	for i, tx := range txs {
		reversed[len(txs)-1-i] = tx
	}
	loan.SortTransactions(reversed)
	assert.Equal(t, txs, reversed)
}
