package loan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION TYPE - Tagged variant, string-backed for persistence
// =============================================================================

type TransactionType string

const (
	TxDisbursement            TransactionType = "disbursement"
	TxRepayment               TransactionType = "repayment"
	TxRepaymentAtDisbursement TransactionType = "repayment_at_disbursement"
	TxDownPayment             TransactionType = "down_payment"
	TxMerchantIssuedRefund    TransactionType = "merchant_issued_refund"
	TxPayoutRefund            TransactionType = "payout_refund"
	TxGoodwillCredit          TransactionType = "goodwill_credit"
	TxChargeRefund            TransactionType = "charge_refund"
	TxChargeAdjustment        TransactionType = "charge_adjustment"
	TxChargePayment           TransactionType = "charge_payment"
	TxInterestPaymentWaiver   TransactionType = "interest_payment_waiver"
	TxInterestRefund          TransactionType = "interest_refund"
	TxRecoveryRepayment       TransactionType = "recovery_repayment"
	TxWaiveInterest           TransactionType = "waive_interest"
	TxWaiveCharges            TransactionType = "waive_charges"
	TxWriteOff                TransactionType = "write_off"
	TxChargeOff               TransactionType = "charge_off"
	TxReAge                   TransactionType = "re_age"
	TxReAmortize              TransactionType = "re_amortize"
	TxAccrual                 TransactionType = "accrual"
	TxAccrualAdjustment       TransactionType = "accrual_adjustment"
	TxAccrualActivity         TransactionType = "accrual_activity"
	TxIncomePosting           TransactionType = "income_posting"
	TxChargeback              TransactionType = "chargeback"
	TxCreditBalanceRefund     TransactionType = "credit_balance_refund"
	TxMarkedForRescheduling   TransactionType = "marked_for_rescheduling"
	TxInitiateTransfer        TransactionType = "initiate_transfer"
	TxApproveTransfer         TransactionType = "approve_transfer"
	TxRejectTransfer          TransactionType = "reject_transfer"
	TxWithdrawTransfer        TransactionType = "withdraw_transfer"
)

// AllTransactionTypes lists every declared type.
func AllTransactionTypes() []TransactionType {
	return []TransactionType{
		TxDisbursement, TxRepayment, TxRepaymentAtDisbursement, TxDownPayment,
		TxMerchantIssuedRefund, TxPayoutRefund, TxGoodwillCredit, TxChargeRefund,
		TxChargeAdjustment, TxChargePayment, TxInterestPaymentWaiver, TxInterestRefund,
		TxRecoveryRepayment, TxWaiveInterest, TxWaiveCharges, TxWriteOff, TxChargeOff,
		TxReAge, TxReAmortize, TxAccrual, TxAccrualAdjustment, TxAccrualActivity,
		TxIncomePosting, TxChargeback, TxCreditBalanceRefund, TxMarkedForRescheduling,
		TxInitiateTransfer, TxApproveTransfer, TxRejectTransfer, TxWithdrawTransfer,
	}
}

func ParseTransactionType(s string) (TransactionType, error) {
	for _, t := range AllTransactionTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown transaction type %q", ErrInvalidTransaction, s)
}

// =============================================================================
// TRANSACTION - A monetary or lifecycle event on the loan
// =============================================================================

// ReAgeTerms describes the new installments a re-age creates.
type ReAgeTerms struct {
	StartDate    Date `json:"start_date"`
	Installments int  `json:"installments"`
	PeriodMonths int  `json:"period_months"`
}

// Transaction is immutable in its identity and type; its component portions
// are derived and rewritten by the reprocessing engine.
type Transaction struct {
	// ID is nil until the transaction is persisted.
	ID *int64 `json:"id,omitempty"`

	// Sequence is the insertion order inside the aggregate. It is the final
	// tie-break of the canonical order.
	Sequence int `json:"sequence"`

	ExternalID  string          `json:"external_id,omitempty"`
	Type        TransactionType `json:"type"`
	Date        Date            `json:"date"`
	SubmittedOn Date            `json:"submitted_on"`
	CreatedAt   time.Time       `json:"created_at"`
	Amount      decimal.Decimal `json:"amount"`

	// Derived by reprocessing.
	Portions           Portions        `json:"portions"`
	OverpaymentPortion decimal.Decimal `json:"overpayment_portion"`
	Credited           Portions        `json:"credited"`

	Reversed   bool `json:"reversed"`
	ReversedOn Date `json:"reversed_on,omitempty"`

	// Relations
	ChargeID              *int64      `json:"charge_id,omitempty"`
	OriginalTransactionID *int64      `json:"original_transaction_id,omitempty"`
	ReplacesID            *int64      `json:"replaces_id,omitempty"`
	ReAge                 *ReAgeTerms `json:"re_age,omitempty"`
}

// IsPersisted reports whether the store has assigned an ID.
func (t *Transaction) IsPersisted() bool { return t.ID != nil }

func (t *Transaction) IDValue() int64 {
	if t.ID == nil {
		return 0
	}
	return *t.ID
}

// HasSameComponents reports whether two transactions carry identical derived splits.
func (t *Transaction) HasSameComponents(o *Transaction) bool {
	return t.Portions.Equal(o.Portions) &&
		t.OverpaymentPortion.Equal(o.OverpaymentPortion) &&
		t.Credited.Equal(o.Credited)
}

// resetDerived clears everything reprocessing recomputes.
func (t *Transaction) resetDerived() {
	t.Portions = Portions{}
	t.OverpaymentPortion = decimal.Zero
	t.Credited = Portions{}
}

func (t *Transaction) clone() *Transaction {
	c := *t
	c.ID = copyID(t.ID)
	c.ChargeID = copyID(t.ChargeID)
	c.OriginalTransactionID = copyID(t.OriginalTransactionID)
	c.ReplacesID = copyID(t.ReplacesID)
	if t.ReAge != nil {
		terms := *t.ReAge
		c.ReAge = &terms
	}
	return &c
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// Int64Ptr is a convenience for building relations and IDs.
func Int64Ptr(v int64) *int64 { return &v }

func (t *Transaction) String() string {
	id := "new"
	if t.ID != nil {
		id = fmt.Sprintf("%d", *t.ID)
	}
	return fmt.Sprintf("%s[%s %s %s]", t.Type, id, t.Date, t.Amount)
}
