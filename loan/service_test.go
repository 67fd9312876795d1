package loan_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-servicing/loan"
	"github.com/warp/loan-servicing/loan/store"
)

// =============================================================================
// FIXTURES
// =============================================================================

type serviceFixture struct {
	svc     *loan.Service
	store   *store.Memory
	changes []loan.StatusChange
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{store: store.NewMemory()}
	notifier := loan.NotifierFunc(func(c loan.StatusChange) { f.changes = append(f.changes, c) })
	f.svc = loan.NewService(f.store, newEngine(), notifier, quietLogger())
	f.svc.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

// application is an unsubmitted loan with the given installments.
func application(insts ...*loan.Installment) *loan.Loan {
	return &loan.Loan{AllocationRule: interestFirst(), Installments: insts}
}

// activeLoan creates, approves and disburses a single-installment loan {100, 10}.
func (f *serviceFixture) activeLoan(t *testing.T) *loan.Loan {
	t.Helper()
	ctx := context.Background()

	created, err := f.svc.Create(ctx, application(
		loan.NewInstallment(1, d("2024-01-01"), d("2024-02-01"), dec("100"), dec("10")),
	), d("2024-01-01"))
	require.NoError(t, err)

	_, err = f.svc.ApplyEvent(ctx, created.Loan.ID, loan.EventApproved, d("2024-01-01"))
	require.NoError(t, err)

	res, err := f.svc.AddTransaction(ctx, created.Loan.ID, &loan.Transaction{
		Type: loan.TxDisbursement, Date: d("2024-01-01"), Amount: dec("100"),
	}, d("2024-01-01"))
	require.NoError(t, err)
	require.Equal(t, loan.StatusActive, res.Loan.Status)
	return res.Loan
}

func (f *serviceFixture) repay(t *testing.T, id int64, on, amount string) *loan.Result {
	t.Helper()
	res, err := f.svc.AddTransaction(context.Background(), id, repayment(on, amount), d(on))
	require.NoError(t, err)
	return res
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestService_CreateSubmitsLoan(t *testing.T) {
	f := newServiceFixture()

	res, err := f.svc.Create(context.Background(), application(
		loan.NewInstallment(1, d("2024-01-01"), d("2024-02-01"), dec("100"), dec("10")),
		loan.NewInstallment(2, d("2024-02-01"), d("2024-03-01"), dec("100"), dec("10")),
	), d("2023-12-20"))

	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Loan.ID)
	assert.Equal(t, int64(1), res.Loan.Version)
	assert.Equal(t, loan.StatusSubmitted, res.Loan.Status)
	assert.NotEmpty(t, res.Loan.ExternalID)
	assert.Equal(t, loan.DefaultCurrency, res.Loan.Currency)
	assert.Equal(t, loan.ChargeOffRegular, res.Loan.ChargeOffBehaviour)
	assert.True(t, res.Loan.SubmittedOn.Equal(d("2023-12-20")))
	assert.True(t, res.Loan.ExpectedMaturityDate.Equal(d("2024-03-01")))

	// Creation is not announced through the notifier
	assert.Empty(t, f.changes)
}

func TestService_CreateRejectsInvalidLoans(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	_, err := f.svc.Create(ctx, application(), d("2024-01-01"))
	assert.ErrorIs(t, err, loan.ErrInvalidLoan)

	bad := application(loan.NewInstallment(1, d("2024-01-01"), d("2024-02-01"), dec("100"), dec("0")))
	bad.AllocationRule.Order = []loan.Component{loan.Principal, loan.Principal, loan.Fee, loan.Penalty}
	_, err = f.svc.Create(ctx, bad, d("2024-01-01"))
	assert.ErrorIs(t, err, loan.ErrInvalidLoan)

	submitted := application(loan.NewInstallment(1, d("2024-01-01"), d("2024-02-01"), dec("100"), dec("0")))
	submitted.Status = loan.StatusActive
	_, err = f.svc.Create(ctx, submitted, d("2024-01-01"))
	assert.ErrorIs(t, err, loan.ErrInvalidTransition)
}

func TestService_ApproveAndDisburse(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)

	assertDecimal(t, "100", l.ApprovedPrincipal, "approved principal")
	assert.True(t, l.ApprovedOn.Equal(d("2024-01-01")))
	assert.True(t, l.DisbursedOn.Equal(d("2024-01-01")))
	require.Len(t, l.Disbursements, 1)
	require.Len(t, l.Transactions, 1)
	assert.NotNil(t, l.Transactions[0].ID)

	require.Len(t, f.changes, 2)
	assert.Equal(t, loan.EventApproved, f.changes[0].Event)
	assert.True(t, f.changes[0].On.Equal(d("2024-01-01")))
	assert.Equal(t, l.ID, f.changes[0].LoanID)
	assert.Equal(t, loan.EventDisbursed, f.changes[1].Event)
	assert.True(t, f.changes[1].On.Equal(d("2024-01-01")))
}

func TestService_ApplyEventRejectsTransactionEvents(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)

	_, err := f.svc.ApplyEvent(context.Background(), l.ID, loan.EventRepaidInFull, d("2024-01-02"))
	assert.ErrorIs(t, err, loan.ErrInvalidTransaction)
}

func TestService_UndoDisbursal(t *testing.T) {
	t.Run("only disbursements booked", func(t *testing.T) {
		f := newServiceFixture()
		l := f.activeLoan(t)

		res, err := f.svc.ApplyEvent(context.Background(), l.ID, loan.EventDisbursalUndo, d("2024-01-02"))

		require.NoError(t, err)
		assert.Equal(t, loan.StatusApproved, res.Loan.Status)
		assert.True(t, res.Loan.Transactions[0].Reversed)
		assert.Empty(t, res.Loan.Disbursements)
		assert.Equal(t, 1, res.Changes.Len())
	})

	t.Run("repayments booked", func(t *testing.T) {
		f := newServiceFixture()
		l := f.activeLoan(t)
		f.repay(t, l.ID, "2024-01-15", "20")

		_, err := f.svc.ApplyEvent(context.Background(), l.ID, loan.EventDisbursalUndo, d("2024-01-16"))
		assert.ErrorIs(t, err, loan.ErrInvalidTransaction)
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestService_RepaymentsCloseLoan(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)

	partial := f.repay(t, l.ID, "2024-02-01", "50")
	assert.Equal(t, loan.StatusActive, partial.Loan.Status)
	assertDecimal(t, "60", partial.Loan.Summary.TotalOutstanding, "outstanding")

	full := f.repay(t, l.ID, "2024-02-02", "60")
	assert.Equal(t, loan.StatusClosedObligationsMet, full.Loan.Status)
	require.NotNil(t, full.StatusChange)
	assert.Equal(t, loan.EventRepaidInFull, full.StatusChange.Event)
	assert.True(t, full.Loan.ClosedOn.Equal(d("2024-02-02")))
	assert.Equal(t, int64(5), full.Loan.Version)
}

func TestService_AddTransactionValidation(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tx     *loan.Transaction
		target error
	}{
		{"dated after business date", repayment("2024-03-01", "10"), loan.ErrInvalidTransaction},
		{"zero amount", repayment("2024-01-10", "0"), loan.ErrInvalidTransaction},
		{"unknown type", &loan.Transaction{Type: "gift", Date: d("2024-01-10"), Amount: dec("1")}, loan.ErrInvalidTransaction},
		{"chargeback without origin", &loan.Transaction{Type: loan.TxChargeback, Date: d("2024-01-10"), Amount: dec("1")}, loan.ErrInvalidChargeback},
		{"chargeback of disbursement", &loan.Transaction{
			Type: loan.TxChargeback, Date: d("2024-01-10"), Amount: dec("1"), OriginalTransactionID: l.Transactions[0].ID,
		}, loan.ErrInvalidChargeback},
		{"refund without overpayment", &loan.Transaction{Type: loan.TxCreditBalanceRefund, Date: d("2024-01-10"), Amount: dec("1")}, loan.ErrInvalidTransaction},
		{"charge payment without charge", &loan.Transaction{Type: loan.TxChargePayment, Date: d("2024-01-10"), Amount: dec("1")}, loan.ErrChargeNotFound},
		{"second disbursement", &loan.Transaction{Type: loan.TxDisbursement, Date: d("2024-01-10"), Amount: dec("1")}, loan.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddTransaction(ctx, l.ID, tt.tx, d("2024-02-01"))
			assert.ErrorIs(t, err, tt.target)
		})
	}

	// Nothing was saved
	stored, err := f.svc.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Version, stored.Version)
}

func TestService_RepaymentBeforeDisbursementFails(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	created, err := f.svc.Create(ctx, application(
		loan.NewInstallment(1, d("2024-01-01"), d("2024-02-01"), dec("100"), dec("10")),
	), d("2024-01-01"))
	require.NoError(t, err)

	_, err = f.svc.AddTransaction(ctx, created.Loan.ID, repayment("2024-01-05", "10"), d("2024-01-05"))
	assert.ErrorIs(t, err, loan.ErrInvalidTransaction)
}

func TestService_BackdatedRepaymentReportsReplacement(t *testing.T) {
	// GIVEN: A repayment of 50 booked on the due date
	f := newServiceFixture()
	l := f.activeLoan(t)
	first := f.repay(t, l.ID, "2024-02-01", "50")
	originalID := *first.Loan.Transactions[1].ID

	// WHEN: A repayment dated before it is booked later
	res, err := f.svc.AddTransaction(context.Background(), l.ID, repayment("2024-01-20", "20"), d("2024-02-05"))
	require.NoError(t, err)

	// THEN: The change detail pairs the old repayment with its persisted replacement
	require.Equal(t, 1, res.Changes.Len())
	entry := res.Changes.Entries()[0]
	assert.Equal(t, originalID, *entry.Old.ID)
	assert.True(t, entry.Old.Reversed)
	require.NotNil(t, entry.New.ID)
	assert.Equal(t, originalID, *entry.New.ReplacesID)

	// AND: The stored history holds all four transactions
	stored, err := f.svc.Get(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Transactions, 4)
	assertConservation(t, stored)
}

func TestService_ReverseTransaction(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	closed := f.repay(t, l.ID, "2024-02-01", "110")
	require.Equal(t, loan.StatusClosedObligationsMet, closed.Loan.Status)
	txID := *closed.Loan.Transactions[1].ID

	res, err := f.svc.ReverseTransaction(context.Background(), l.ID, txID, d("2024-02-03"))

	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, res.Loan.Status)
	assertDecimal(t, "110", res.Loan.Summary.TotalOutstanding, "outstanding")
	require.Equal(t, 1, res.Changes.Len())
	assert.Equal(t, txID, *res.Changes.Entries()[0].Old.ID)
	assert.Nil(t, res.Changes.Entries()[0].New)

	// Reversing twice is rejected
	_, err = f.svc.ReverseTransaction(context.Background(), l.ID, txID, d("2024-02-03"))
	assert.ErrorIs(t, err, loan.ErrInvalidTransaction)

	// Unknown transactions are not found
	_, err = f.svc.ReverseTransaction(context.Background(), l.ID, 999, d("2024-02-03"))
	assert.ErrorIs(t, err, loan.ErrTransactionNotFound)
}

func TestService_WriteOffAndUndo(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	ctx := context.Background()

	res, err := f.svc.AddTransaction(ctx, l.ID, &loan.Transaction{
		Type: loan.TxWriteOff, Date: d("2024-03-01"), Amount: dec("110"),
	}, d("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, loan.StatusClosedWrittenOff, res.Loan.Status)
	assert.True(t, res.Loan.WrittenOffOn.Equal(d("2024-03-01")))
	assertDecimal(t, "110", res.Loan.Summary.TotalWrittenOff, "written off")

	writeOffID := *res.Loan.Transactions[len(res.Loan.Transactions)-1].ID
	undone, err := f.svc.ReverseTransaction(ctx, l.ID, writeOffID, d("2024-03-02"))
	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, undone.Loan.Status)
	assert.True(t, undone.Loan.WrittenOffOn.IsZero())
	assertDecimal(t, "110", undone.Loan.Summary.TotalOutstanding, "outstanding")

	// Both transitions are announced with their effective dates
	last := f.changes[len(f.changes)-2:]
	assert.Equal(t, loan.EventWriteOff, last[0].Event)
	assert.True(t, last[0].On.Equal(d("2024-03-01")))
	assert.Equal(t, loan.EventWriteOffUndo, last[1].Event)
	assert.True(t, last[1].On.Equal(d("2024-03-02")))
}

// =============================================================================
// OVERPAYMENT AND CHARGEBACKS
// =============================================================================

func TestService_ChargebackOfOverpayment(t *testing.T) {
	tests := []struct {
		name            string
		amount          string
		wantStatus      loan.LoanStatus
		wantOutstanding string
	}{
		{"equal to overpayment closes", "15", loan.StatusClosedObligationsMet, "0"},
		{"beyond overpayment reopens", "25", loan.StatusActive, "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: An overpaid loan, 125 paid on 110 owed
			f := newServiceFixture()
			l := f.activeLoan(t)
			overpaid := f.repay(t, l.ID, "2024-02-01", "125")
			require.Equal(t, loan.StatusOverpaid, overpaid.Loan.Status)
			originID := overpaid.Loan.Transactions[1].ID

			// WHEN: Part of the repayment is charged back
			res, err := f.svc.AddTransaction(context.Background(), l.ID, &loan.Transaction{
				Type: loan.TxChargeback, Date: d("2024-02-05"), Amount: dec(tt.amount),
				OriginalTransactionID: originID,
			}, d("2024-02-05"))

			// THEN: The overpayment is consumed first
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Loan.Status)
			assertDecimal(t, tt.wantOutstanding, res.Loan.Summary.TotalOutstanding, "outstanding")
			assertDecimal(t, "0", res.Loan.OverpaymentBalance, "overpayment")
			assertDecimal(t, tt.amount, res.Loan.Summary.TotalChargedBack, "charged back")
		})
	}
}

func TestService_ReversingChargedBackRepaymentFails(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	overpaid := f.repay(t, l.ID, "2024-02-01", "125")
	originID := overpaid.Loan.Transactions[1].ID
	_, err := f.svc.AddTransaction(context.Background(), l.ID, &loan.Transaction{
		Type: loan.TxChargeback, Date: d("2024-02-05"), Amount: dec("15"), OriginalTransactionID: originID,
	}, d("2024-02-05"))
	require.NoError(t, err)

	_, err = f.svc.ReverseTransaction(context.Background(), l.ID, *originID, d("2024-02-06"))
	assert.ErrorIs(t, err, loan.ErrInvalidChargeback)
}

func TestService_TrancheOnOverpaidLoanRejected(t *testing.T) {
	// GIVEN: A multi-disbursement loan, first tranche paid out
	f := newServiceFixture()
	ctx := context.Background()
	app := application(loan.NewInstallment(1, d("2024-01-01"), d("2024-02-01"), dec("100"), dec("10")))
	app.MultiDisbursement = true
	created, err := f.svc.Create(ctx, app, d("2024-01-01"))
	require.NoError(t, err)
	id := created.Loan.ID
	_, err = f.svc.ApplyEvent(ctx, id, loan.EventApproved, d("2024-01-01"))
	require.NoError(t, err)
	tranche := func(on string) (*loan.Result, error) {
		return f.svc.AddTransaction(ctx, id, &loan.Transaction{
			Type: loan.TxDisbursement, Date: d(on), Amount: dec("50"),
		}, d(on))
	}
	_, err = tranche("2024-01-01")
	require.NoError(t, err)

	// WHEN: A second tranche follows while the loan is active
	res, err := tranche("2024-01-10")

	// THEN: It is accepted
	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, res.Loan.Status)
	assert.Len(t, res.Loan.Disbursements, 2)

	// WHEN: The loan is overpaid and a third tranche is requested
	overpaid := f.repay(t, id, "2024-02-01", "125")
	require.Equal(t, loan.StatusOverpaid, overpaid.Loan.Status)
	_, err = tranche("2024-02-02")

	// THEN: The credit balance must be refunded first
	assert.ErrorIs(t, err, loan.ErrInvalidTransaction)
	stored, err := f.store.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stored.Disbursements, 2)
	assertDecimal(t, "15", stored.OverpaymentBalance, "overpayment")
}

func TestService_CreditBalanceRefundCloses(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	f.repay(t, l.ID, "2024-02-01", "125")

	res, err := f.svc.AddTransaction(context.Background(), l.ID, &loan.Transaction{
		Type: loan.TxCreditBalanceRefund, Date: d("2024-02-03"), Amount: dec("15"),
	}, d("2024-02-03"))

	require.NoError(t, err)
	assert.Equal(t, loan.StatusClosedObligationsMet, res.Loan.Status)
	assert.True(t, res.Loan.OverpaymentBalance.IsZero())
}

// =============================================================================
// CHARGES
// =============================================================================

func TestService_AddAndWaiveCharge(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	ctx := context.Background()

	added, err := f.svc.AddCharge(ctx, l.ID, dueDateFee("20", "2024-01-20"), d("2024-01-20"))
	require.NoError(t, err)
	require.Len(t, added.Loan.Charges, 1)
	chargeID := added.Loan.Charges[0].ID
	assertDecimal(t, "20", added.Loan.Installments[0].Charged.Fee, "fee charged")
	assertDecimal(t, "130", added.Loan.Summary.TotalOutstanding, "outstanding")

	waived, err := f.svc.WaiveCharge(ctx, l.ID, chargeID, d("2024-01-21"))
	require.NoError(t, err)
	assertDecimal(t, "20", waived.Loan.Charges[0].AmountWaived, "waived")
	assertDecimal(t, "110", waived.Loan.Summary.TotalOutstanding, "outstanding")
	assert.True(t, waived.Loan.Summary.AllChargesSettled)

	// Nothing left to waive
	_, err = f.svc.WaiveCharge(ctx, l.ID, chargeID, d("2024-01-22"))
	assert.ErrorIs(t, err, loan.ErrInvalidCharge)

	_, err = f.svc.WaiveCharge(ctx, l.ID, 42, d("2024-01-22"))
	assert.ErrorIs(t, err, loan.ErrChargeNotFound)
}

func TestService_ChargeOnClosedLoanReopens(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	f.repay(t, l.ID, "2024-02-01", "110")

	res, err := f.svc.AddCharge(context.Background(), l.ID, dueDateFee("10", "2024-01-25"), d("2024-02-02"))

	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, res.Loan.Status)
	require.NotNil(t, res.StatusChange)
	assert.Equal(t, loan.EventChargeAdded, res.StatusChange.Event)
}

func TestService_ChargeRejectedOnClosedWrittenOff(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	_, err := f.svc.AddTransaction(context.Background(), l.ID, &loan.Transaction{
		Type: loan.TxWriteOff, Date: d("2024-03-01"), Amount: dec("110"),
	}, d("2024-03-01"))
	require.NoError(t, err)

	_, err = f.svc.AddCharge(context.Background(), l.ID, dueDateFee("10", "2024-03-01"), d("2024-03-01"))
	assert.ErrorIs(t, err, loan.ErrInvalidTransition)
}

// =============================================================================
// REPROCESS AND CONCURRENCY
// =============================================================================

func TestService_ReprocessIsStable(t *testing.T) {
	f := newServiceFixture()
	l := f.activeLoan(t)
	before := f.repay(t, l.ID, "2024-02-01", "50").Loan

	res, err := f.svc.Reprocess(context.Background(), l.ID, d("2024-02-10"))

	require.NoError(t, err)
	assert.True(t, res.Changes.IsEmpty())
	assert.Nil(t, res.StatusChange)
	assertSameBalances(t, before, res.Loan)
}

func TestService_UnknownLoan(t *testing.T) {
	f := newServiceFixture()

	_, err := f.svc.AddTransaction(context.Background(), 404, repayment("2024-01-01", "1"), d("2024-01-01"))
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
	assert.True(t, loan.IsNotFound(err))
}

func TestService_StaleSaveIsRetryable(t *testing.T) {
	// GIVEN: Two readers of the same version
	f := newServiceFixture()
	l := f.activeLoan(t)
	ctx := context.Background()
	stale, err := f.store.Load(ctx, l.ID)
	require.NoError(t, err)

	// WHEN: One writer wins
	f.repay(t, l.ID, "2024-01-15", "10")

	// THEN: The other save is rejected
	_, err = f.store.Save(ctx, stale)
	assert.ErrorIs(t, err, loan.ErrConcurrentModification)
	assert.True(t, loan.IsRetryable(err))
}

// rejectingSaves loses every save to a concurrent writer.
type rejectingSaves struct{ loan.Store }

func (rejectingSaves) Save(context.Context, *loan.Loan) (*loan.Loan, error) {
	return nil, loan.ErrConcurrentModification
}

func TestService_FailedSaveAnnouncesNothing(t *testing.T) {
	// GIVEN: An active loan whose next save will be rejected
	f := newServiceFixture()
	l := f.activeLoan(t)
	announced := len(f.changes)
	f.svc.Store = rejectingSaves{Store: f.store}

	// WHEN: A repayment that would close the loan is booked
	_, err := f.svc.AddTransaction(context.Background(), l.ID, repayment("2024-02-01", "110"), d("2024-02-01"))

	// THEN: The error surfaces and no status change is announced
	assert.ErrorIs(t, err, loan.ErrConcurrentModification)
	assert.Len(t, f.changes, announced)

	stored, err := f.store.Load(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, stored.Status)
}
