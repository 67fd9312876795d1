package store_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-servicing/loan"
	"github.com/warp/loan-servicing/loan/store"
)

func newLoan() *loan.Loan {
	day := loan.MustParseDate
	l := &loan.Loan{
		Status:         loan.StatusActive,
		Currency:       loan.DefaultCurrency,
		AllocationRule: loan.DefaultAllocationRule(),
		Installments: []*loan.Installment{
			loan.NewInstallment(1, day("2024-01-01"), day("2024-02-01"), decimal.NewFromInt(100), decimal.NewFromInt(10)),
		},
	}
	l.AddTransaction(&loan.Transaction{Type: loan.TxDisbursement, Date: day("2024-01-01"), Amount: decimal.NewFromInt(100)})
	return l
}

func TestMemory_CreateAssignsIDs(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	first, err := m.Create(ctx, newLoan())
	require.NoError(t, err)
	second, err := m.Create(ctx, newLoan())
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, int64(1), first.Version)
	require.NotNil(t, first.Transactions[0].ID)
	require.NotNil(t, second.Transactions[0].ID)
	assert.NotEqual(t, *first.Transactions[0].ID, *second.Transactions[0].ID)
}

func TestMemory_LoadReturnsIndependentCopy(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	created, err := m.Create(ctx, newLoan())
	require.NoError(t, err)

	loaded, err := m.Load(ctx, created.ID)
	require.NoError(t, err)
	loaded.Installments[0].Paid.Principal = decimal.NewFromInt(50)
	loaded.Status = loan.StatusClosedWrittenOff

	again, err := m.Load(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, again.Installments[0].Paid.IsZero())
	assert.Equal(t, loan.StatusActive, again.Status)
}

func TestMemory_SaveIsCompareAndSwap(t *testing.T) {
	// GIVEN: Two copies of version 1
	m := store.NewMemory()
	ctx := context.Background()
	created, err := m.Create(ctx, newLoan())
	require.NoError(t, err)
	a, _ := m.Load(ctx, created.ID)
	b, _ := m.Load(ctx, created.ID)

	// WHEN: Both save
	a.AddTransaction(&loan.Transaction{Type: loan.TxRepayment, Date: loan.MustParseDate("2024-01-10"), Amount: decimal.NewFromInt(5)})
	saved, err := m.Save(ctx, a)
	require.NoError(t, err)

	b.AddTransaction(&loan.Transaction{Type: loan.TxRepayment, Date: loan.MustParseDate("2024-01-11"), Amount: decimal.NewFromInt(7)})
	_, err = m.Save(ctx, b)

	// THEN: The first wins, the second is rejected untouched
	assert.Equal(t, int64(2), saved.Version)
	assert.NotNil(t, saved.Transactions[1].ID)
	assert.ErrorIs(t, err, loan.ErrConcurrentModification)
	assert.Equal(t, int64(1), b.Version)
	assert.Nil(t, b.Transactions[1].ID)
}

func TestMemory_SaveUnknownLoan(t *testing.T) {
	m := store.NewMemory()
	l := newLoan()
	l.ID = 9

	_, err := m.Save(context.Background(), l)
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

func TestMemory_ListOrderedByID(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, newLoan())
		require.NoError(t, err)
	}

	loans, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, loans, 3)
	for i, l := range loans {
		assert.Equal(t, int64(i+1), l.ID)
	}
}
