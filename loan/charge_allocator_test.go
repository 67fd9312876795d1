package loan_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-servicing/loan"
)

func dueDateFee(amount, due string) *loan.Charge {
	return &loan.Charge{
		Name:               "fee",
		TimeType:           loan.ChargeSpecifiedDueDate,
		CalculationType:    loan.CalcFlat,
		AmountOrPercentage: dec(amount),
		DueDate:            d(due),
		Active:             true,
	}
}

// =============================================================================
// HOSTING
// =============================================================================

func TestChargeAllocator_FeeAfterMaturityAddsInstallment(t *testing.T) {
	// GIVEN: Three installments, the last due 2024-04-01
	l := threeInstallmentLoan()
	l.AddCharge(dueDateFee("20", "2024-05-15"))

	// WHEN: History is replayed
	out, _, err := newEngine().Reprocess(l, d("2024-05-15"))
	require.NoError(t, err)

	// THEN: An additional zero-principal installment hosts the fee
	require.Len(t, out.Installments, 4)
	extra := out.Installments[3]
	assert.True(t, extra.Additional)
	assert.Equal(t, 4, extra.Number)
	assert.True(t, extra.FromDate.Equal(d("2024-04-01")))
	assert.True(t, extra.DueDate.Equal(d("2024-05-15")))
	assertDecimal(t, "0", extra.Charged.Principal, "principal")
	assertDecimal(t, "20", extra.Charged.Fee, "fee")

	// AND: Replaying again rebuilds the same single installment
	again, _, err := newEngine().Reprocess(out, d("2024-05-16"))
	require.NoError(t, err)
	assert.Len(t, again.Installments, 4)
}

func TestChargeAllocator_SecondLateFeeExtendsAdditional(t *testing.T) {
	l := threeInstallmentLoan()
	first := dueDateFee("20", "2024-05-15")
	second := dueDateFee("5", "2024-06-10")
	l.AddCharge(first)
	l.AddCharge(second)

	var allocator loan.ChargeAllocator
	require.NoError(t, allocator.Reprocess(l, first))
	require.NoError(t, allocator.Reprocess(l, second))

	require.Len(t, l.Installments, 4)
	assert.True(t, l.Installments[3].DueDate.Equal(d("2024-06-10")))
	assert.Equal(t, 4, first.Portions[0].InstallmentNumber)
	assert.Equal(t, 4, second.Portions[0].InstallmentNumber)
}

func TestChargeAllocator_DueInPeriod(t *testing.T) {
	tests := []struct {
		name string
		due  string
		host int
	}{
		{"first period is left-inclusive", "2024-01-01", 1},
		{"due date belongs to its own period", "2024-02-01", 1},
		{"day after belongs to the next period", "2024-02-02", 2},
		{"last due date", "2024-04-01", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := threeInstallmentLoan()
			c := dueDateFee("10", tt.due)

			require.NoError(t, loan.ChargeAllocator{}.Reprocess(l, c))

			require.Len(t, c.Portions, 1)
			assert.Equal(t, tt.host, c.Portions[0].InstallmentNumber)
		})
	}
}

// =============================================================================
// AMOUNTS
// =============================================================================

func TestChargeAllocator_InstallmentFee(t *testing.T) {
	tests := []struct {
		name      string
		calc      loan.ChargeCalculationType
		amount    string
		perInst   string
		wantTotal string
	}{
		{"flat", loan.CalcFlat, "5", "5", "15"},
		{"percent of amount", loan.CalcPercentOfAmount, "1", "1", "3"},
		{"percent of amount and interest", loan.CalcPercentOfAmountAndInterest, "10", "11", "33"},
		{"percent of interest", loan.CalcPercentOfInterest, "50", "5", "15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := threeInstallmentLoan()
			c := &loan.Charge{
				TimeType: loan.ChargeInstallmentFee, CalculationType: tt.calc,
				AmountOrPercentage: dec(tt.amount), Active: true,
			}

			require.NoError(t, loan.ChargeAllocator{}.Reprocess(l, c))

			require.Len(t, c.Portions, 3)
			for i, p := range c.Portions {
				assert.Equal(t, i+1, p.InstallmentNumber)
				assertDecimal(t, tt.perInst, p.Due, "portion due")
			}
			assertDecimal(t, tt.wantTotal, c.Amount, "charge amount")
		})
	}
}

func TestChargeAllocator_OneOffPercentages(t *testing.T) {
	tests := []struct {
		name string
		calc loan.ChargeCalculationType
		pct  string
		want string
	}{
		{"percent of loan principal", loan.CalcPercentOfAmount, "2", "6"},
		{"percent of principal and interest", loan.CalcPercentOfAmountAndInterest, "10", "33"},
		{"percent of interest", loan.CalcPercentOfInterest, "10", "3"},
		{"percent of disbursed amount", loan.CalcPercentOfDisbursementAmount, "1", "3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := threeInstallmentLoan()
			c := dueDateFee(tt.pct, "2024-02-10")
			c.CalculationType = tt.calc

			require.NoError(t, loan.ChargeAllocator{}.Reprocess(l, c))
			assertDecimal(t, tt.want, c.Amount, "charge amount")
		})
	}
}

func TestChargeAllocator_OverdueChargeUsesResolvedAmount(t *testing.T) {
	l := threeInstallmentLoan()
	c := &loan.Charge{
		Penalty: true, TimeType: loan.ChargeOverdueInstallment, CalculationType: loan.CalcPercentOfAmount,
		AmountOrPercentage: dec("2"), Amount: dec("7.50"), DueDate: d("2024-02-15"),
		OverdueInstallmentNumber: 1, Active: true,
	}

	require.NoError(t, loan.ChargeAllocator{}.Reprocess(l, c))

	assertDecimal(t, "7.50", c.Amount, "amount")
	assert.Equal(t, 2, c.Portions[0].InstallmentNumber)
	assert.Equal(t, loan.Penalty, c.Component())
}

func TestProRate(t *testing.T) {
	assertDecimal(t, "4.83", loan.DefaultCurrency.Round(loan.ProRate(dec("10"), d("2024-02-01"), d("2024-03-01"), d("2024-02-15"))), "mid period")
	assertDecimal(t, "0", loan.ProRate(dec("10"), d("2024-02-01"), d("2024-02-01"), d("2024-02-01")), "zero-length period")
	assertDecimal(t, "10", loan.ProRate(dec("10"), d("2024-02-01"), d("2024-03-01"), d("2024-04-01")), "past period end")
	assertDecimal(t, "0", loan.ProRate(dec("10"), d("2024-02-01"), d("2024-03-01"), d("2024-01-01")), "before period start")
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateCharge(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *loan.Charge)
	}{
		{"unknown time type", func(c *loan.Charge) { c.TimeType = "monthly" }},
		{"disbursement percentage on installment fee", func(c *loan.Charge) {
			c.TimeType = loan.ChargeInstallmentFee
			c.CalculationType = loan.CalcPercentOfDisbursementAmount
		}},
		{"zero amount", func(c *loan.Charge) { c.AmountOrPercentage = dec("0") }},
		{"missing due date", func(c *loan.Charge) { c.DueDate = loan.Date{} }},
		{"overdue percentage without resolved amount", func(c *loan.Charge) {
			c.TimeType = loan.ChargeOverdueInstallment
			c.CalculationType = loan.CalcPercentOfAmount
		}},
	}

	assert.NoError(t, loan.ValidateCharge(dueDateFee("10", "2024-02-10")))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dueDateFee("10", "2024-02-10")
			tt.mutate(c)
			assert.ErrorIs(t, loan.ValidateCharge(c), loan.ErrInvalidCharge)
		})
	}
}

// =============================================================================
// SETTLEMENT THROUGH REPLAY
// =============================================================================

func TestReprocess_ChargePaymentSettlesCharge(t *testing.T) {
	// GIVEN: A 20 fee hosted by installment 2
	l := threeInstallmentLoan()
	fee := dueDateFee("20", "2024-02-10")
	l.AddCharge(fee)

	// WHEN: 25 is paid against the charge
	l.AddTransaction(&loan.Transaction{
		Type: loan.TxChargePayment, Date: d("2024-02-12"), Amount: dec("25"), ChargeID: loan.Int64Ptr(fee.ID),
	})
	out, _, err := newEngine().Reprocess(l, d("2024-02-12"))
	require.NoError(t, err)

	// THEN: The fee is settled first, the rest goes through the allocation rule
	ch := out.FindCharge(fee.ID)
	assert.True(t, ch.IsSettled())
	assertDecimal(t, "20", ch.AmountPaid, "charge paid")
	assertDecimal(t, "20", out.Installments[1].Paid.Fee, "installment 2 fee")
	assertDecimal(t, "5", out.Installments[0].Paid.Interest, "remainder to installment 1 interest")
	assert.True(t, out.Summary.AllChargesSettled)
	assertConservation(t, out)
}

func TestReprocess_WaiveChargesWaivesFee(t *testing.T) {
	l := threeInstallmentLoan()
	fee := dueDateFee("20", "2024-02-10")
	l.AddCharge(fee)

	l.AddTransaction(&loan.Transaction{
		Type: loan.TxWaiveCharges, Date: d("2024-02-12"), Amount: dec("20"), ChargeID: loan.Int64Ptr(fee.ID),
	})
	out, _, err := newEngine().Reprocess(l, d("2024-02-12"))
	require.NoError(t, err)

	ch := out.FindCharge(fee.ID)
	assertDecimal(t, "20", ch.AmountWaived, "charge waived")
	assertDecimal(t, "20", out.Installments[1].Waived.Fee, "installment 2 fee waived")
	assertDecimal(t, "0", out.Installments[1].Outstanding(loan.Fee), "fee outstanding")
}

func TestReprocess_RepaymentAttributesFeesToCharges(t *testing.T) {
	// GIVEN: A 20 fee on installment 1 and the default penalty-fee-interest-principal rule
	l := threeInstallmentLoan()
	fee := dueDateFee("20", "2024-01-20")
	l.AddCharge(fee)

	// WHEN: A repayment of 25
	l.AddTransaction(repayment("2024-02-01", "25"))
	out, _, err := newEngine().Reprocess(l, d("2024-02-01"))
	require.NoError(t, err)

	// THEN: The fee is paid first and recorded on the charge
	assertDecimal(t, "20", out.FindCharge(fee.ID).AmountPaid, "charge paid")
	assertDecimal(t, "5", out.Installments[0].Paid.Interest, "interest")
}
