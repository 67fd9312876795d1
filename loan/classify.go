package loan

// =============================================================================
// CLASSIFICATION - Pure predicates on the type tag + reversed flag
// =============================================================================
//
// Every predicate is an exhaustive switch: adding a TransactionType without
// classifying it trips TestClassification_EveryTypeClassified.

// IsRepaymentLike reports types that count toward payoff.
func (t TransactionType) IsRepaymentLike() bool {
	switch t {
	case TxRepayment, TxMerchantIssuedRefund, TxPayoutRefund, TxGoodwillCredit,
		TxChargeRefund, TxChargeAdjustment, TxDownPayment, TxInterestPaymentWaiver,
		TxInterestRefund:
		return true
	case TxDisbursement, TxRepaymentAtDisbursement, TxChargePayment, TxRecoveryRepayment,
		TxWaiveInterest, TxWaiveCharges, TxWriteOff, TxChargeOff, TxReAge, TxReAmortize,
		TxAccrual, TxAccrualAdjustment, TxAccrualActivity, TxIncomePosting, TxChargeback,
		TxCreditBalanceRefund, TxMarkedForRescheduling, TxInitiateTransfer,
		TxApproveTransfer, TxRejectTransfer, TxWithdrawTransfer:
		return false
	}
	return false
}

// IsNonMonetary reports types excluded from payoff totals.
func (t TransactionType) IsNonMonetary() bool {
	switch t {
	case TxDisbursement, TxInitiateTransfer, TxApproveTransfer, TxRejectTransfer,
		TxWithdrawTransfer, TxMarkedForRescheduling, TxAccrual, TxAccrualAdjustment,
		TxAccrualActivity, TxIncomePosting, TxChargeOff, TxReAge, TxReAmortize:
		return true
	case TxRepayment, TxRepaymentAtDisbursement, TxDownPayment, TxMerchantIssuedRefund,
		TxPayoutRefund, TxGoodwillCredit, TxChargeRefund, TxChargeAdjustment,
		TxChargePayment, TxInterestPaymentWaiver, TxInterestRefund, TxRecoveryRepayment,
		TxWaiveInterest, TxWaiveCharges, TxWriteOff, TxChargeback, TxCreditBalanceRefund:
		return false
	}
	return false
}

// IsAccrualRelated reports accrual, accrual adjustment and accrual activity.
func (t TransactionType) IsAccrualRelated() bool {
	switch t {
	case TxAccrual, TxAccrualAdjustment, TxAccrualActivity:
		return true
	}
	return false
}

// IsWaiver reports the waiver types that sort before other same-day transactions.
func (t TransactionType) IsWaiver() bool {
	return t == TxWaiveInterest || t == TxWaiveCharges
}

// IsChargebackEligible reports types a chargeback may reverse.
func (t TransactionType) IsChargebackEligible() bool {
	switch t {
	case TxRepayment, TxMerchantIssuedRefund, TxPayoutRefund, TxGoodwillCredit, TxDownPayment:
		return true
	}
	return false
}

// IsMonetary is the complement of IsNonMonetary.
func (t TransactionType) IsMonetary() bool { return !t.IsNonMonetary() }

// =============================================================================
// TRANSACTION-LEVEL PREDICATES - Include the reversed flag
// =============================================================================

func (t *Transaction) IsRepaymentLike() bool { return !t.Reversed && t.Type.IsRepaymentLike() }
func (t *Transaction) IsNonMonetary() bool   { return !t.Reversed && t.Type.IsNonMonetary() }
func (t *Transaction) IsAccrualRelated() bool {
	return !t.Reversed && t.Type.IsAccrualRelated()
}
func (t *Transaction) IsChargeback() bool { return !t.Reversed && t.Type == TxChargeback }

// QualifiesForReprocessing selects the history the engine replays: not
// reversed, and either monetary or one of the replayed non-monetary types.
func (t *Transaction) QualifiesForReprocessing() bool {
	if t.Reversed {
		return false
	}
	switch t.Type {
	case TxChargeOff, TxReAge, TxAccrualActivity, TxReAmortize:
		return true
	}
	return t.Type.IsMonetary()
}
