/*
reprocess.go - Deterministic replay of a loan's transaction history

PURPOSE:
  Balances are never edited in place. Whenever history changes (a backdated
  payment, a reversal, a new charge) the engine resets every derived balance
  and replays the qualifying transactions in canonical order.

ALGORITHM:
  1. Clone the aggregate. Nothing below touches the caller's copy.
  2. Select qualifying transactions and sort them by CompareTransactions.
  3. Reset installments: drop synthetic (re-aged, additional) installments,
     restore charged amounts from the schedule, clear derived buckets.
  4. Reset charge bookkeeping and re-run the ChargeAllocator for every
     active charge; add the fee/penalty portions to installments.
  5. Replay a working copy of each transaction against the installments.
  6. Compare the working copy with the stored transaction:
       persisted and different -> reverse the stored one, append a replacement
                                  and record the pair in the change detail
       not yet persisted       -> update in place
  7. Apply accrual shadows and recompute the summary.

  Running the engine twice without new input yields identical balances: the
  second run finds every transaction equal to its replay.

OVERPAYMENT:
  Any amount left after every installment is satisfied becomes the loan's
  overpayment balance. Chargebacks and credit balance refunds consume it.

DISBURSEMENTS:
  Disbursements are non-monetary for replay purposes. The schedule already
  carries the disbursed principal.

SEE ALSO:
  - allocation.go: how one amount spreads over installments
  - charge_allocator.go: fee/penalty portions per installment
  - statemachine.go: callers reconcile status after reprocessing
*/
package loan

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Charges ChargeAllocator
	Log     logrus.FieldLogger
}

func NewEngine(log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{Log: log}
}

// Reprocess replays the loan's history and returns the recomputed copy and
// the transactions it superseded. businessDate stamps reversals.
func (e *Engine) Reprocess(l *Loan, businessDate Date) (*Loan, *ChangedTransactionDetail, error) {
	out := l.Clone()
	r := &replay{
		loan:       out,
		alloc:      &paymentAllocator{rule: out.AllocationRule},
		charges:    e.Charges,
		worked:     make(map[*Transaction]*Transaction),
		chargeBack: make(map[*Transaction]Portions),
	}
	if len(r.alloc.rule.Order) == 0 {
		r.alloc.rule = DefaultAllocationRule()
	}

	if err := r.reset(); err != nil {
		return nil, nil, err
	}

	var qualifying []*Transaction
	for _, tx := range out.Transactions {
		if tx.QualifiesForReprocessing() {
			qualifying = append(qualifying, tx)
		}
	}
	SortTransactions(qualifying)

	changes := NewChangedTransactionDetail()
	for _, tx := range qualifying {
		work := tx.clone()
		work.resetDerived()
		if err := r.apply(work); err != nil {
			return nil, nil, fmt.Errorf("reprocess loan %d at %s: %w", out.ID, tx, err)
		}
		r.worked[tx] = work
		r.settle(tx, work, businessDate, changes)
	}

	r.applyAccruals()
	out.OverpaymentBalance = out.Currency.Round(r.overpaid)
	out.Summary = ComputeSummary(out)

	e.log().WithFields(logrus.Fields{
		"loan_id":      out.ID,
		"transactions": len(qualifying),
		"replaced":     changes.Len(),
		"outstanding":  out.Summary.TotalOutstanding.String(),
		"overpaid":     out.Summary.TotalOverpaid.String(),
	}).Debug("loan reprocessed")

	return out, changes, nil
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

// =============================================================================
// REPLAY STATE
// =============================================================================

type replay struct {
	loan     *Loan
	alloc    *paymentAllocator
	charges  ChargeAllocator
	overpaid decimal.Decimal

	// worked maps a stored transaction to its replayed copy.
	worked map[*Transaction]*Transaction

	// chargeBack tracks how much of each origin has been charged back.
	chargeBack map[*Transaction]Portions
}

func (r *replay) reset() error {
	l := r.loan

	kept := l.Installments[:0:0]
	for _, inst := range l.Installments {
		if inst.ReAged || inst.Additional {
			continue
		}
		inst.ResetDerived()
		kept = append(kept, inst)
	}
	l.Installments = kept
	l.ChargedOff = false
	l.ChargedOffOn = Date{}

	for _, c := range l.Charges {
		c.resetDerived()
		if !c.Active {
			continue
		}
		if err := r.charges.Reprocess(l, c); err != nil {
			return fmt.Errorf("charge %d: %w", c.ID, err)
		}
		for _, p := range c.Portions {
			inst, err := l.FindInstallment(p.InstallmentNumber)
			if err != nil {
				return err
			}
			inst.addCharged(c.Component(), p.Due)
		}
	}
	return nil
}

// settle reconciles the stored transaction with its replay.
func (r *replay) settle(tx, work *Transaction, businessDate Date, changes *ChangedTransactionDetail) {
	if !tx.IsPersisted() {
		tx.Portions = work.Portions
		tx.OverpaymentPortion = work.OverpaymentPortion
		tx.Credited = work.Credited
		return
	}
	if tx.HasSameComponents(work) {
		return
	}

	replacement := work
	replacement.ID = nil
	replacement.ReplacesID = copyID(tx.ID)
	replacement.ExternalID = tx.ExternalID

	tx.Reversed = true
	tx.ReversedOn = businessDate
	tx.ExternalID = ""

	r.loan.AddTransaction(replacement)
	changes.Add(TransactionChange{Old: tx, New: replacement})
}

// =============================================================================
// DISPATCH
// =============================================================================

func (r *replay) apply(tx *Transaction) error {
	switch tx.Type {
	case TxRepayment, TxRepaymentAtDisbursement, TxDownPayment, TxMerchantIssuedRefund,
		TxPayoutRefund, TxGoodwillCredit, TxChargeRefund, TxChargeAdjustment,
		TxInterestPaymentWaiver, TxInterestRefund:
		r.repay(tx, tx.Amount)
		return nil
	case TxChargePayment:
		return r.chargePayment(tx)
	case TxWaiveInterest:
		r.waiveInterest(tx)
		return nil
	case TxWaiveCharges:
		return r.waiveCharge(tx)
	case TxWriteOff:
		r.writeOff(tx)
		return nil
	case TxChargeback:
		return r.chargeback(tx)
	case TxCreditBalanceRefund:
		r.creditBalanceRefund(tx)
		return nil
	case TxRecoveryRepayment:
		// Only affects the recovered total.
		return nil
	case TxChargeOff:
		r.chargeOff(tx)
		return nil
	case TxReAge:
		return r.reAge(tx)
	case TxReAmortize:
		r.reAmortize(tx)
		return nil
	case TxAccrualActivity:
		r.accrualActivity(tx)
		return nil
	case TxDisbursement, TxAccrual, TxAccrualAdjustment, TxIncomePosting,
		TxMarkedForRescheduling, TxInitiateTransfer, TxApproveTransfer,
		TxRejectTransfer, TxWithdrawTransfer:
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, tx.Type)
}

// =============================================================================
// PAYMENTS
// =============================================================================

// repay allocates amount under the allocation rule; the rest is overpayment.
func (r *replay) repay(tx *Transaction, amount decimal.Decimal) {
	split, rem := r.alloc.allocate(r.loan.Installments, tx.Date, amount, r.attributeToCharges)
	tx.Portions = tx.Portions.Plus(split)
	if rem.IsPositive() {
		tx.OverpaymentPortion = tx.OverpaymentPortion.Add(rem)
		r.overpaid = r.overpaid.Add(rem)
	}
}

// attributeToCharges records fee and penalty payments against charge
// portions hosted by the installment, in charge order.
func (r *replay) attributeToCharges(inst *Installment, c Component, amount decimal.Decimal) {
	if c != Fee && c != Penalty {
		return
	}
	remaining := amount
	for _, ch := range r.loan.Charges {
		if !remaining.IsPositive() {
			return
		}
		if !ch.Active || ch.Component() != c {
			continue
		}
		p := ch.portionFor(inst.Number)
		if p == nil {
			continue
		}
		applied := minDecimal(remaining, p.Outstanding())
		p.Paid = p.Paid.Add(applied)
		ch.AmountPaid = ch.AmountPaid.Add(applied)
		remaining = remaining.Sub(applied)
	}
}

// chargePayment settles the targeted charge first; any excess is a repayment.
func (r *replay) chargePayment(tx *Transaction) error {
	ch, err := r.charge(tx)
	if err != nil {
		return err
	}
	comp := ch.Component()
	remaining := tx.Amount
	for i := range ch.Portions {
		p := &ch.Portions[i]
		if !remaining.IsPositive() {
			break
		}
		inst, err := r.loan.FindInstallment(p.InstallmentNumber)
		if err != nil {
			return err
		}
		applied := inst.Pay(comp, tx.Date, minDecimal(remaining, p.Outstanding()))
		p.Paid = p.Paid.Add(applied)
		ch.AmountPaid = ch.AmountPaid.Add(applied)
		tx.Portions.Add(comp, applied)
		remaining = remaining.Sub(applied)
	}
	if remaining.IsPositive() {
		r.repay(tx, remaining)
	}
	return nil
}

// =============================================================================
// WAIVERS AND WRITE-OFF
// =============================================================================

func (r *replay) waiveInterest(tx *Transaction) {
	remaining := tx.Amount
	for _, inst := range r.loan.Installments {
		if !remaining.IsPositive() {
			return
		}
		applied := inst.Waive(Interest, tx.Date, remaining)
		tx.Portions.Add(Interest, applied)
		remaining = remaining.Sub(applied)
	}
}

func (r *replay) waiveCharge(tx *Transaction) error {
	ch, err := r.charge(tx)
	if err != nil {
		return err
	}
	comp := ch.Component()
	remaining := tx.Amount
	for i := range ch.Portions {
		p := &ch.Portions[i]
		if !remaining.IsPositive() {
			break
		}
		inst, err := r.loan.FindInstallment(p.InstallmentNumber)
		if err != nil {
			return err
		}
		applied := inst.Waive(comp, tx.Date, minDecimal(remaining, p.Outstanding()))
		p.Waived = p.Waived.Add(applied)
		ch.AmountWaived = ch.AmountWaived.Add(applied)
		tx.Portions.Add(comp, applied)
		remaining = remaining.Sub(applied)
	}
	return nil
}

func (r *replay) writeOff(tx *Transaction) {
	for _, ch := range r.loan.Charges {
		if !ch.Active {
			continue
		}
		for i := range ch.Portions {
			p := &ch.Portions[i]
			out := p.Outstanding()
			p.WrittenOff = p.WrittenOff.Add(out)
			ch.AmountWrittenOff = ch.AmountWrittenOff.Add(out)
		}
	}
	for _, inst := range r.loan.Installments {
		tx.Portions = tx.Portions.Plus(inst.WriteOffAll(tx.Date))
	}
}

func (r *replay) charge(tx *Transaction) (*Charge, error) {
	if tx.ChargeID == nil {
		return nil, fmt.Errorf("%w: %s without charge", ErrInvalidTransaction, tx.Type)
	}
	ch := r.loan.FindCharge(*tx.ChargeID)
	if ch == nil || !ch.Active {
		return nil, fmt.Errorf("%w: charge %d", ErrChargeNotFound, *tx.ChargeID)
	}
	return ch, nil
}

// =============================================================================
// CHARGEBACKS AND REFUNDS
// =============================================================================

// chargeback re-opens the origin's components in credit order on the
// installment due on or after the chargeback date. Credit beyond the origin's
// remaining portions re-opens principal. The loan's overpayment is consumed
// first by paying the re-opened amounts.
func (r *replay) chargeback(tx *Transaction) error {
	origin, err := r.origin(tx)
	if err != nil {
		return err
	}
	target := r.loan.installmentOnOrAfter(tx.Date)
	if target == nil {
		return &InstallmentNotFoundError{Number: 1}
	}

	already := r.chargeBack[origin]
	var credit Portions
	remaining := tx.Amount
	for _, c := range r.alloc.rule.creditOrder() {
		avail := nonNegative(origin.Portions.Get(c).Sub(already.Get(c)))
		x := minDecimal(remaining, avail)
		credit.Add(c, x)
		remaining = remaining.Sub(x)
	}
	r.chargeBack[origin] = already.Plus(credit)
	if remaining.IsPositive() {
		credit.Add(Principal, remaining)
	}

	for _, c := range AllComponents() {
		target.Credit(c, tx.Date, credit.Get(c))
	}
	tx.Credited = credit

	for _, c := range r.alloc.rule.creditOrder() {
		if !r.overpaid.IsPositive() {
			break
		}
		applied := target.Pay(c, tx.Date, minDecimal(r.overpaid, credit.Get(c)))
		tx.Portions.Add(c, applied)
		r.overpaid = r.overpaid.Sub(applied)
	}
	return nil
}

// origin resolves the transaction a chargeback reverses, following
// replacements made by earlier replays.
func (r *replay) origin(cb *Transaction) (*Transaction, error) {
	if cb.OriginalTransactionID == nil {
		return nil, fmt.Errorf("%w: chargeback without origin", ErrInvalidChargeback)
	}
	orig := r.loan.FindTransaction(*cb.OriginalTransactionID)
	if orig == nil {
		return nil, fmt.Errorf("%w: origin %d", ErrTransactionNotFound, *cb.OriginalTransactionID)
	}
	for orig.Reversed {
		next := r.loan.replacementOf(orig)
		if next == nil {
			return nil, fmt.Errorf("%w: origin %d is reversed", ErrInvalidChargeback, *cb.OriginalTransactionID)
		}
		orig = next
	}
	if !orig.Type.IsChargebackEligible() {
		return nil, fmt.Errorf("%w: %s cannot be charged back", ErrInvalidChargeback, orig.Type)
	}
	if w, ok := r.worked[orig]; ok {
		return w, nil
	}
	return orig, nil
}

// creditBalanceRefund pays the overpayment back to the borrower. A refund
// larger than the overpayment re-opens principal.
func (r *replay) creditBalanceRefund(tx *Transaction) {
	consumed := minDecimal(tx.Amount, r.overpaid)
	r.overpaid = r.overpaid.Sub(consumed)
	tx.OverpaymentPortion = consumed

	excess := tx.Amount.Sub(consumed)
	if !excess.IsPositive() {
		return
	}
	if target := r.loan.installmentOnOrAfter(tx.Date); target != nil {
		target.Credit(Principal, tx.Date, excess)
		tx.Credited.Add(Principal, excess)
	}
}

// =============================================================================
// CHARGE-OFF, RE-AGE, RE-AMORTIZE
// =============================================================================

func (r *replay) chargeOff(tx *Transaction) {
	l := r.loan
	l.ChargedOff = true
	l.ChargedOffOn = tx.Date

	switch l.ChargeOffBehaviour {
	case ChargeOffZeroInterest:
		for _, inst := range regularInstallments(l.Installments) {
			if !inst.DueDate.After(tx.Date) {
				continue
			}
			keep := decimal.Zero
			if inst.FromDate.Before(tx.Date) {
				keep = l.Currency.Round(ProRate(inst.Charged.Interest, inst.FromDate, inst.DueDate, tx.Date))
			}
			inst.addCharged(Interest, keep.Sub(inst.Charged.Interest))
			inst.checkObligations(tx.Date)
		}

	case ChargeOffAccelerateMaturity:
		current := l.installmentOnOrAfter(tx.Date)
		if current == nil {
			return
		}
		for _, inst := range regularInstallments(l.Installments) {
			if !inst.DueDate.After(current.DueDate) {
				continue
			}
			moved := inst.Outstanding(Principal)
			inst.addCharged(Principal, moved.Neg())
			current.addCharged(Principal, moved)
			inst.checkObligations(tx.Date)
		}
		current.checkObligations(tx.Date)
	}
}

// reAge moves all outstanding principal onto new installments described by
// the transaction's terms.
func (r *replay) reAge(tx *Transaction) error {
	terms := tx.ReAge
	if terms == nil || terms.Installments <= 0 || terms.PeriodMonths <= 0 || terms.StartDate.IsZero() {
		return fmt.Errorf("%w: re-age requires start date, installments and period", ErrInvalidTransaction)
	}
	l := r.loan

	total := decimal.Zero
	for _, inst := range l.Installments {
		out := inst.Outstanding(Principal)
		if out.IsZero() {
			continue
		}
		inst.addCharged(Principal, out.Neg())
		inst.checkObligations(tx.Date)
		total = total.Add(out)
	}
	if total.IsZero() {
		return nil
	}

	shares := splitEvenly(total, terms.Installments, l.Currency)
	number := l.Installments[len(l.Installments)-1].Number
	from := tx.Date
	for k, share := range shares {
		due := terms.StartDate.AddMonths(k * terms.PeriodMonths)
		inst := NewInstallment(number+k+1, from, due, share, decimal.Zero)
		inst.ReAged = true
		l.Installments = append(l.Installments, inst)
		from = due
	}
	return nil
}

// reAmortize spreads past-due principal over the installments not yet due.
func (r *replay) reAmortize(tx *Transaction) {
	var future []*Installment
	pastDue := decimal.Zero
	insts := regularInstallments(r.loan.Installments)
	for _, inst := range insts {
		if inst.DueDate.After(tx.Date) {
			future = append(future, inst)
		}
	}
	if len(future) == 0 {
		return
	}
	for _, inst := range insts {
		if inst.DueDate.After(tx.Date) {
			continue
		}
		out := inst.Outstanding(Principal)
		inst.addCharged(Principal, out.Neg())
		inst.checkObligations(tx.Date)
		pastDue = pastDue.Add(out)
	}
	for i, share := range splitEvenly(pastDue, len(future), r.loan.Currency) {
		future[i].addCharged(Principal, share)
		future[i].checkObligations(tx.Date)
	}
}

// splitEvenly divides total into n currency-rounded shares; the last share
// absorbs the rounding remainder.
func splitEvenly(total decimal.Decimal, n int, cur Currency) []decimal.Decimal {
	shares := make([]decimal.Decimal, n)
	if n == 0 {
		return shares
	}
	share := total.Div(decimal.NewFromInt(int64(n))).Truncate(cur.Digits)
	for i := 0; i < n-1; i++ {
		shares[i] = share
	}
	shares[n-1] = total.Sub(share.Mul(decimal.NewFromInt(int64(n - 1))))
	return shares
}

// =============================================================================
// ACCRUALS
// =============================================================================

// accrualActivity recognises the income of installments due on its date.
func (r *replay) accrualActivity(tx *Transaction) {
	for _, inst := range r.loan.Installments {
		if !inst.DueDate.Equal(tx.Date) {
			continue
		}
		for _, c := range []Component{Interest, Fee, Penalty} {
			tx.Portions.Add(c, inst.Charged.Get(c))
		}
	}
}

// applyAccruals records accrual shadows on the installment each accrual falls in.
// Accruals without a split are treated as interest.
func (r *replay) applyAccruals() {
	for _, tx := range r.loan.Transactions {
		if tx.Reversed || (tx.Type != TxAccrual && tx.Type != TxAccrualAdjustment) {
			continue
		}
		inst := r.loan.installmentOnOrAfter(tx.Date)
		if inst == nil {
			return
		}
		p := tx.Portions
		if p.IsZero() {
			p = Portions{Interest: tx.Amount}
		}
		if tx.Type == TxAccrualAdjustment {
			p = p.Neg()
		}
		inst.UpdateAccrualPortion(p)
	}
}
