package loan

import "fmt"

// =============================================================================
// LOAN STATUS - Closed lifecycle enumeration
// =============================================================================

type LoanStatus int

const (
	// StatusNone is the status of a loan that has not been created yet.
	StatusNone LoanStatus = iota
	StatusSubmitted
	StatusApproved
	StatusActive
	StatusRejected
	StatusWithdrawnByClient
	StatusClosedObligationsMet
	StatusClosedWrittenOff
	StatusClosedRescheduled
	StatusOverpaid
	StatusTransferInProgress
	StatusTransferOnHold
)

// AllLoanStatuses lists every real status (StatusNone excluded).
func AllLoanStatuses() []LoanStatus {
	return []LoanStatus{
		StatusSubmitted, StatusApproved, StatusActive, StatusRejected, StatusWithdrawnByClient,
		StatusClosedObligationsMet, StatusClosedWrittenOff, StatusClosedRescheduled,
		StatusOverpaid, StatusTransferInProgress, StatusTransferOnHold,
	}
}

func (s LoanStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSubmitted:
		return "submitted_and_pending_approval"
	case StatusApproved:
		return "approved"
	case StatusActive:
		return "active"
	case StatusRejected:
		return "rejected"
	case StatusWithdrawnByClient:
		return "withdrawn_by_client"
	case StatusClosedObligationsMet:
		return "closed_obligations_met"
	case StatusClosedWrittenOff:
		return "closed_written_off"
	case StatusClosedRescheduled:
		return "closed_rescheduled"
	case StatusOverpaid:
		return "overpaid"
	case StatusTransferInProgress:
		return "transfer_in_progress"
	case StatusTransferOnHold:
		return "transfer_on_hold"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func ParseLoanStatus(s string) (LoanStatus, error) {
	if s == StatusNone.String() {
		return StatusNone, nil
	}
	for _, st := range AllLoanStatuses() {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusNone, fmt.Errorf("unknown loan status %q", s)
}

func (s LoanStatus) IsSubmitted() bool            { return s == StatusSubmitted }
func (s LoanStatus) IsApproved() bool             { return s == StatusApproved }
func (s LoanStatus) IsActive() bool               { return s == StatusActive }
func (s LoanStatus) IsOverpaid() bool             { return s == StatusOverpaid }
func (s LoanStatus) IsClosedObligationsMet() bool { return s == StatusClosedObligationsMet }
func (s LoanStatus) IsClosedWrittenOff() bool     { return s == StatusClosedWrittenOff }
func (s LoanStatus) IsClosedRescheduled() bool    { return s == StatusClosedRescheduled }
func (s LoanStatus) IsActiveOrOverpaid() bool     { return s == StatusActive || s == StatusOverpaid }

// IsClosed reports the closed variants, including rejected and withdrawn applications.
func (s LoanStatus) IsClosed() bool {
	switch s {
	case StatusClosedObligationsMet, StatusClosedWrittenOff, StatusClosedRescheduled,
		StatusRejected, StatusWithdrawnByClient:
		return true
	}
	return false
}

// IsTransfer reports whether the status belongs to the transfer workflow.
func (s LoanStatus) IsTransfer() bool { return s.IsUnderTransfer() }

// IsUnderTransfer reports the external-owner transfer states.
func (s LoanStatus) IsUnderTransfer() bool {
	return s == StatusTransferInProgress || s == StatusTransferOnHold
}

// HasBeenDisbursed reports the statuses a loan can only reach after disbursement.
func (s LoanStatus) HasBeenDisbursed() bool {
	switch s {
	case StatusActive, StatusClosedObligationsMet, StatusClosedWrittenOff, StatusClosedRescheduled,
		StatusOverpaid, StatusTransferInProgress, StatusTransferOnHold:
		return true
	}
	return false
}

// =============================================================================
// LOAN EVENT - Closed enumeration of lifecycle triggers
// =============================================================================

type LoanEvent int

const (
	EventCreated LoanEvent = iota + 1
	EventApproved
	EventRejected
	EventWithdrawn
	EventDisbursed
	EventApprovalUndo
	EventDisbursalUndo
	EventRepaymentOrWaiver
	EventChargePayment
	EventRepaidInFull
	EventWriteOff
	EventReschedule
	EventOverpayment
	EventAdjustTransaction
	EventInitiateTransfer
	EventRejectTransfer
	EventWithdrawTransfer
	EventWriteOffUndo
	EventCreditBalanceRefund
	EventChargeAdded
	EventChargeback
	EventChargeAdjustment
)

func AllLoanEvents() []LoanEvent {
	return []LoanEvent{
		EventCreated, EventApproved, EventRejected, EventWithdrawn, EventDisbursed,
		EventApprovalUndo, EventDisbursalUndo, EventRepaymentOrWaiver, EventChargePayment,
		EventRepaidInFull, EventWriteOff, EventReschedule, EventOverpayment,
		EventAdjustTransaction, EventInitiateTransfer, EventRejectTransfer,
		EventWithdrawTransfer, EventWriteOffUndo, EventCreditBalanceRefund,
		EventChargeAdded, EventChargeback, EventChargeAdjustment,
	}
}

func (e LoanEvent) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventApproved:
		return "approved"
	case EventRejected:
		return "rejected"
	case EventWithdrawn:
		return "withdrawn"
	case EventDisbursed:
		return "disbursed"
	case EventApprovalUndo:
		return "approval_undo"
	case EventDisbursalUndo:
		return "disbursal_undo"
	case EventRepaymentOrWaiver:
		return "repayment_or_waiver"
	case EventChargePayment:
		return "charge_payment"
	case EventRepaidInFull:
		return "repaid_in_full"
	case EventWriteOff:
		return "write_off"
	case EventReschedule:
		return "reschedule"
	case EventOverpayment:
		return "overpayment"
	case EventAdjustTransaction:
		return "adjust_transaction"
	case EventInitiateTransfer:
		return "initiate_transfer"
	case EventRejectTransfer:
		return "reject_transfer"
	case EventWithdrawTransfer:
		return "withdraw_transfer"
	case EventWriteOffUndo:
		return "write_off_undo"
	case EventCreditBalanceRefund:
		return "credit_balance_refund"
	case EventChargeAdded:
		return "charge_added"
	case EventChargeback:
		return "chargeback"
	case EventChargeAdjustment:
		return "charge_adjustment"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

func ParseLoanEvent(s string) (LoanEvent, error) {
	for _, e := range AllLoanEvents() {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown loan event %q", s)
}
