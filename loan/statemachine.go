/*
statemachine.go - Loan lifecycle transitions

PURPOSE:
  Maps (event, loan) to the next LoanStatus. The table is a pure lookup; the
  only dynamic inputs are the loan's recomputed summary totals.

TWO ENTRY POINTS:
  Transition:             an explicit event (approve, disburse, write off...)
  DetermineAndTransition: the reconciliation pass after any balance change.
                          It picks the event itself from the loan's totals.

TRANSITION TABLE:
  (none)                                 Created             -> Submitted
  Submitted                              Rejected            -> Rejected
  Submitted                              Approved            -> Approved
  Submitted                              Withdrawn           -> WithdrawnByClient
  Approved, ClosedObligationsMet         Disbursed           -> Active
  Overpaid (overpaid now zero)           Disbursed           -> Active | ClosedObligationsMet
  Approved                               ApprovalUndo        -> Submitted
  Active                                 DisbursalUndo       -> Approved
  ClosedObligationsMet, Overpaid         RepaymentOrWaiver   -> Active
                                         ChargePayment
  Active, Overpaid                       RepaidInFull        -> ClosedObligationsMet
  Active                                 WriteOff            -> ClosedWrittenOff
  Active                                 Reschedule          -> ClosedRescheduled
  ClosedObligationsMet, Active           Overpayment         -> Overpaid
  ClosedObligationsMet, ClosedWrittenOff AdjustTransaction   -> Active | Overpaid
  ClosedRescheduled
  any                                    InitiateTransfer    -> TransferInProgress
  TransferInProgress                     RejectTransfer      -> TransferOnHold
  TransferInProgress                     WithdrawTransfer    -> Active
  ClosedWrittenOff                       WriteOffUndo        -> Active
  Overpaid                               CreditBalanceRefund -> ClosedObligationsMet
  ClosedObligationsMet                   ChargeAdded         -> Active
  ClosedObligationsMet, Overpaid         Chargeback          -> Active
  ClosedObligationsMet                   ChargeAdjustment    -> Overpaid

ENTRY SIDE EFFECTS (keyed on the new status):
  Submitted: approval fields cleared
  Approved:  disbursement fields cleared
  Active:    closure and overpaid-date fields cleared

NOTIFICATIONS:
  Every status change is reported to the Notifier, except Created: the
  creation itself is announced separately.
*/
package loan

import "github.com/shopspring/decimal"

// StatusChange records one status move.
type StatusChange struct {
	LoanID int64      `json:"loan_id"`
	Event  LoanEvent  `json:"event"`
	From   LoanStatus `json:"from"`
	To     LoanStatus `json:"to"`
	On     Date       `json:"on"`
}

// Notifier receives status changes. Implementations live in package notify.
type Notifier interface {
	StatusChanged(change StatusChange)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(StatusChange)

func (f NotifierFunc) StatusChanged(c StatusChange) { f(c) }

// =============================================================================
// TABLE
// =============================================================================

// NextStatus returns the status the event leads to, and false when the event
// is not valid from the loan's current status. The loan's Summary must be current.
func NextStatus(event LoanEvent, l *Loan) (LoanStatus, bool) {
	from := l.Status
	sum := l.Summary

	switch event {
	case EventCreated:
		return StatusSubmitted, from == StatusNone

	case EventRejected:
		return StatusRejected, from.IsSubmitted()

	case EventApproved:
		return StatusApproved, from.IsSubmitted()

	case EventWithdrawn:
		return StatusWithdrawnByClient, from.IsSubmitted()

	case EventDisbursed:
		switch {
		case from.IsApproved(), from.IsClosedObligationsMet():
			return StatusActive, true
		case from.IsOverpaid() && !sum.IsOverpaid():
			if sum.HasOutstanding() {
				return StatusActive, true
			}
			return StatusClosedObligationsMet, true
		}

	case EventApprovalUndo:
		return StatusSubmitted, from.IsApproved()

	case EventDisbursalUndo:
		return StatusApproved, from.IsActive()

	case EventRepaymentOrWaiver, EventChargePayment:
		return StatusActive, from.IsClosedObligationsMet() || from.IsOverpaid()

	case EventRepaidInFull:
		return StatusClosedObligationsMet, from.IsActiveOrOverpaid()

	case EventWriteOff:
		return StatusClosedWrittenOff, from.IsActive()

	case EventReschedule:
		return StatusClosedRescheduled, from.IsActive()

	case EventOverpayment:
		return StatusOverpaid, from.IsClosedObligationsMet() || from.IsActive()

	case EventAdjustTransaction:
		if from.IsClosedObligationsMet() || from.IsClosedWrittenOff() || from.IsClosedRescheduled() {
			if sum.IsOverpaid() {
				return StatusOverpaid, true
			}
			return StatusActive, true
		}

	case EventInitiateTransfer:
		return StatusTransferInProgress, from != StatusNone

	case EventRejectTransfer:
		return StatusTransferOnHold, from == StatusTransferInProgress

	case EventWithdrawTransfer:
		return StatusActive, from == StatusTransferInProgress

	case EventWriteOffUndo:
		return StatusActive, from.IsClosedWrittenOff()

	case EventCreditBalanceRefund:
		return StatusClosedObligationsMet, from.IsOverpaid()

	case EventChargeAdded:
		return StatusActive, from.IsClosedObligationsMet()

	case EventChargeback:
		return StatusActive, from.IsClosedObligationsMet() || from.IsOverpaid()

	case EventChargeAdjustment:
		return StatusOverpaid, from.IsClosedObligationsMet()
	}
	return from, false
}

// DryTransition returns the would-be next status, or the current status when
// the event is not valid. The loan is not modified.
func DryTransition(event LoanEvent, l *Loan) LoanStatus {
	probe := *l
	probe.Summary = ComputeSummary(l)
	if to, ok := NextStatus(event, &probe); ok {
		return to
	}
	return l.Status
}

// Transition applies an explicit event, effective on, to a copy of the loan.
// An event that is not valid from the current status returns *InvalidTransitionError.
func Transition(event LoanEvent, l *Loan, on Date, notifier Notifier) (*Loan, *StatusChange, error) {
	out := l.Clone()
	out.Summary = ComputeSummary(out)

	to, ok := NextStatus(event, out)
	if !ok {
		return nil, nil, &InvalidTransitionError{From: l.Status, Event: event}
	}
	if to == out.Status {
		return out, nil, nil
	}
	change := moveTo(out, event, to, on, notifier)
	return out, change, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// DetermineAndTransition reconciles the status with the loan's balances after
// a balance-affecting change dated transactionDate. It returns the loan copy
// and the change applied, if any.
func DetermineAndTransition(l *Loan, transactionDate Date, notifier Notifier) (*Loan, *StatusChange) {
	out := l.Clone()
	out.Summary = ComputeSummary(out)
	sum := out.Summary

	if !sum.IsOverpaid() {
		out.OverpaidOn = Date{}
	}

	switch out.Status {
	case StatusOverpaid:
		switch {
		case !sum.IsOverpaid() && sum.IsSettledInFull():
			change := moveTo(out, EventCreditBalanceRefund, StatusClosedObligationsMet, transactionDate, notifier)
			out.ClosedOn = transactionDate
			out.MaturityDate = transactionDate
			return out, change
		case sum.HasOutstanding():
			change := moveTo(out, EventRepaymentOrWaiver, StatusActive, transactionDate, notifier)
			out.MaturityDate = out.lastDueDate()
			return out, change
		}

	case StatusClosedObligationsMet:
		switch {
		case sum.IsOverpaid():
			change := moveTo(out, EventOverpayment, StatusOverpaid, transactionDate, notifier)
			out.OverpaidOn = transactionDate
			out.ClosedOn = Date{}
			out.MaturityDate = Date{}
			return out, change
		case sum.HasOutstanding():
			change := moveTo(out, EventRepaymentOrWaiver, StatusActive, transactionDate, notifier)
			out.ClosedOn = Date{}
			out.MaturityDate = out.lastDueDate()
			return out, change
		}

	case StatusActive:
		switch {
		case sum.IsOverpaid():
			change := moveTo(out, EventOverpayment, StatusOverpaid, transactionDate, notifier)
			out.OverpaidOn = transactionDate
			out.MaturityDate = Date{}
			return out, change
		case sum.IsSettledInFull():
			change := moveTo(out, EventRepaidInFull, StatusClosedObligationsMet, transactionDate, notifier)
			out.ClosedOn = transactionDate
			out.MaturityDate = transactionDate
			return out, change
		}

	case StatusClosedWrittenOff, StatusClosedRescheduled:
		if sum.HasOutstanding() {
			to, _ := NextStatus(EventAdjustTransaction, out)
			change := moveTo(out, EventAdjustTransaction, to, transactionDate, notifier)
			return out, change
		}
	}
	return out, nil
}

// moveTo sets the status, applies entry side effects and notifies.
func moveTo(l *Loan, event LoanEvent, to LoanStatus, on Date, notifier Notifier) *StatusChange {
	change := &StatusChange{LoanID: l.ID, Event: event, From: l.Status, To: to, On: on}
	l.Status = to

	switch to {
	case StatusSubmitted:
		l.ApprovedOn = Date{}
		l.ApprovedPrincipal = decimal.Zero
	case StatusApproved:
		l.DisbursedOn = Date{}
		l.ExpectedMaturityDate = Date{}
	case StatusActive:
		l.ClosedOn = Date{}
		l.WrittenOffOn = Date{}
		l.RescheduledOn = Date{}
		l.OverpaidOn = Date{}
	}

	if notifier != nil && event != EventCreated {
		notifier.StatusChanged(*change)
	}
	return change
}
