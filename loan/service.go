/*
service.go - Orchestration over the pure pipeline

PURPOSE:
  The Service is the only place that touches the Store. Each operation:
    1. loads the aggregate
    2. validates the request against the loan's status
    3. runs the pure pipeline: Engine.Reprocess -> Transition / DetermineAndTransition
    4. saves with an optimistic version check
    5. announces the status changes collected in step 3

  Nothing is announced for an operation whose save fails.

  The aggregate is exclusive for the duration of a call by construction: two
  concurrent operations on the same loan both load version N and only the
  first save wins. The loser gets ErrConcurrentModification and may retry.

BUSINESS DATE:
  Every operation takes businessDate explicitly. It stamps reversals and
  submissions and bounds transaction dates; the engine never reads a clock.
  Now is only used for transaction creation timestamps.
*/
package loan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Result is returned by every mutating operation.
type Result struct {
	Loan         *Loan                     `json:"loan"`
	Changes      *ChangedTransactionDetail `json:"-"`
	StatusChange *StatusChange             `json:"status_change,omitempty"`
}

type Service struct {
	Store    Store
	Engine   *Engine
	Notifier Notifier
	Log      logrus.FieldLogger

	// Now stamps transaction creation times. Defaults to time.Now.
	Now func() time.Time
}

func NewService(store Store, engine *Engine, notifier Notifier, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if engine == nil {
		engine = NewEngine(log)
	}
	return &Service{Store: store, Engine: engine, Notifier: notifier, Log: log, Now: time.Now}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Create submits a new loan. The installments come from the external schedule.
func (s *Service) Create(ctx context.Context, l *Loan, businessDate Date) (*Result, error) {
	if l.Status != StatusNone {
		return nil, &InvalidTransitionError{From: l.Status, Event: EventCreated}
	}
	if len(l.Installments) == 0 {
		return nil, fmt.Errorf("%w: no installments", ErrInvalidLoan)
	}
	if len(l.AllocationRule.Order) == 0 {
		l.AllocationRule = DefaultAllocationRule()
	}
	if err := l.AllocationRule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLoan, err)
	}
	if _, ok := ParseChargeOffBehaviour(string(l.ChargeOffBehaviour)); !ok {
		return nil, fmt.Errorf("%w: unknown charge-off behaviour %q", ErrInvalidLoan, l.ChargeOffBehaviour)
	}
	if l.ChargeOffBehaviour == "" {
		l.ChargeOffBehaviour = ChargeOffRegular
	}
	if l.Currency.Code == "" {
		l.Currency = DefaultCurrency
	}
	if l.ExternalID == "" {
		l.ExternalID = uuid.NewString()
	}

	out, change, err := Transition(EventCreated, l, businessDate, nil)
	if err != nil {
		return nil, err
	}
	if out.SubmittedOn.IsZero() {
		out.SubmittedOn = businessDate
	}
	out.ExpectedMaturityDate = out.lastDueDate()

	saved, err := s.Store.Create(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("create loan: %w", err)
	}
	if change != nil {
		change.LoanID = saved.ID
	}
	s.Log.WithFields(logrus.Fields{
		"loan_id":      saved.ID,
		"external_id":  saved.ExternalID,
		"installments": len(saved.Installments),
	}).Info("loan created")
	return &Result{Loan: saved, Changes: NewChangedTransactionDetail(), StatusChange: change}, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Loan, error) {
	return s.Store.Load(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Loan, error) {
	return s.Store.List(ctx)
}

// ApplyEvent applies a lifecycle event that is not driven by a transaction.
func (s *Service) ApplyEvent(ctx context.Context, id int64, event LoanEvent, businessDate Date) (*Result, error) {
	l, err := s.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	switch event {
	case EventApproved, EventRejected, EventWithdrawn, EventApprovalUndo, EventDisbursalUndo,
		EventReschedule, EventInitiateTransfer, EventRejectTransfer, EventWithdrawTransfer:
	default:
		return nil, fmt.Errorf("%w: %s is applied through transactions", ErrInvalidTransaction, event)
	}

	working := l.Clone()
	changes := NewChangedTransactionDetail()
	if event == EventDisbursalUndo {
		if err := undoDisbursements(working, businessDate, changes); err != nil {
			return nil, err
		}
	}

	var notes pending
	out, change, err := Transition(event, working, businessDate, &notes)
	if err != nil {
		return nil, err
	}
	switch event {
	case EventApproved:
		out.ApprovedOn = businessDate
		if out.ApprovedPrincipal.IsZero() {
			out.ApprovedPrincipal = out.scheduledTotal(Principal)
		}
	case EventRejected, EventWithdrawn:
		out.ClosedOn = businessDate
	case EventReschedule:
		out.RescheduledOn = businessDate
		out.ClosedOn = businessDate
	}
	return s.commit(ctx, out, changes, change, notes, event.String())
}

// undoDisbursements reverses every disbursement. Only allowed while nothing
// else has been booked on the loan.
func undoDisbursements(l *Loan, on Date, changes *ChangedTransactionDetail) error {
	for _, tx := range l.Transactions {
		if tx.Reversed || tx.Type == TxDisbursement || tx.Type.IsAccrualRelated() {
			continue
		}
		return fmt.Errorf("%w: loan has %s transactions", ErrInvalidTransaction, tx.Type)
	}
	for _, tx := range l.Transactions {
		if !tx.Reversed && tx.Type == TxDisbursement {
			tx.Reversed = true
			tx.ReversedOn = on
			changes.Add(TransactionChange{Old: tx})
		}
	}
	l.Disbursements = nil
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// AddTransaction books a transaction, replays history and reconciles status.
func (s *Service) AddTransaction(ctx context.Context, id int64, tx *Transaction, businessDate Date) (*Result, error) {
	l, err := s.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.addTransaction(ctx, l, tx, businessDate)
}

func (s *Service) addTransaction(ctx context.Context, l *Loan, tx *Transaction, businessDate Date) (*Result, error) {
	if err := validateTransaction(l, tx, businessDate); err != nil {
		return nil, err
	}
	if tx.ExternalID == "" {
		tx.ExternalID = uuid.NewString()
	}
	if tx.SubmittedOn.IsZero() {
		tx.SubmittedOn = businessDate
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	tx.Amount = l.Currency.Round(tx.Amount)
	tx.ID = nil
	tx.Reversed = false

	working := l.Clone()
	working.AddTransaction(tx)
	if tx.Type == TxDisbursement {
		working.Disbursements = append(working.Disbursements, Disbursement{Date: tx.Date, Principal: tx.Amount})
		if working.DisbursedOn.IsZero() {
			working.DisbursedOn = tx.Date
		}
		working.ExpectedMaturityDate = working.lastDueDate()
	}

	out, changes, err := s.Engine.Reprocess(working, businessDate)
	if err != nil {
		return nil, err
	}

	var change *StatusChange
	var notes pending
	explicit := explicitEvent(out, tx)
	if explicit != 0 {
		out, change, err = Transition(explicit, out, tx.Date, &notes)
		if err != nil {
			return nil, err
		}
		switch explicit {
		case EventWriteOff:
			out.WrittenOffOn = tx.Date
			out.ClosedOn = tx.Date
		case EventReschedule:
			out.RescheduledOn = tx.Date
			out.ClosedOn = tx.Date
		}
	}
	out, reconciled := DetermineAndTransition(out, tx.Date, &notes)
	if reconciled != nil {
		change = reconciled
	}
	return s.commit(ctx, out, changes, change, notes, string(tx.Type))
}

// explicitEvent returns the lifecycle event a transaction triggers before
// reconciliation, or 0.
func explicitEvent(l *Loan, tx *Transaction) LoanEvent {
	switch tx.Type {
	case TxDisbursement:
		if !l.Status.IsActive() {
			return EventDisbursed
		}
	case TxWriteOff:
		return EventWriteOff
	case TxMarkedForRescheduling:
		return EventReschedule
	}
	return 0
}

func validateTransaction(l *Loan, tx *Transaction, businessDate Date) error {
	if _, err := ParseTransactionType(string(tx.Type)); err != nil {
		return err
	}
	if tx.Date.IsZero() {
		return fmt.Errorf("%w: transaction date is required", ErrInvalidTransaction)
	}
	if tx.Date.After(businessDate) {
		return fmt.Errorf("%w: %s dated %s is after business date %s", ErrInvalidTransaction, tx.Type, tx.Date, businessDate)
	}

	switch tx.Type {
	case TxChargeOff, TxReAge, TxReAmortize, TxAccrualActivity, TxMarkedForRescheduling,
		TxInitiateTransfer, TxApproveTransfer, TxRejectTransfer, TxWithdrawTransfer:
	default:
		if !tx.Amount.IsPositive() {
			return fmt.Errorf("%w: %s amount must be positive", ErrInvalidTransaction, tx.Type)
		}
	}

	switch tx.Type {
	case TxDisbursement:
		if l.Status.IsApproved() {
			return nil
		}
		if l.MultiDisbursement && l.Status.IsOverpaid() {
			return fmt.Errorf("%w: refund the credit balance before disbursing another tranche", ErrInvalidTransaction)
		}
		if l.MultiDisbursement && (l.Status.IsActive() || l.Status.IsClosedObligationsMet()) {
			return nil
		}
		return &InvalidTransitionError{From: l.Status, Event: EventDisbursed}
	case TxWriteOff:
		if !l.Status.IsActive() {
			return &InvalidTransitionError{From: l.Status, Event: EventWriteOff}
		}
	case TxChargeOff:
		if !l.Status.IsActive() || l.ChargedOff {
			return fmt.Errorf("%w: charge-off requires an active loan not yet charged off", ErrInvalidTransaction)
		}
	case TxReAge:
		if tx.ReAge == nil {
			return fmt.Errorf("%w: re-age terms are required", ErrInvalidTransaction)
		}
	case TxChargeback:
		if tx.OriginalTransactionID == nil {
			return fmt.Errorf("%w: chargeback requires the original transaction", ErrInvalidChargeback)
		}
		orig := l.FindTransaction(*tx.OriginalTransactionID)
		if orig == nil {
			return fmt.Errorf("%w: %d", ErrTransactionNotFound, *tx.OriginalTransactionID)
		}
		if !orig.Type.IsChargebackEligible() {
			return fmt.Errorf("%w: %s cannot be charged back", ErrInvalidChargeback, orig.Type)
		}
	case TxCreditBalanceRefund:
		if !l.Status.IsOverpaid() {
			return fmt.Errorf("%w: credit balance refund requires an overpaid loan", ErrInvalidTransaction)
		}
	case TxChargePayment, TxWaiveCharges:
		if tx.ChargeID == nil || l.FindCharge(*tx.ChargeID) == nil {
			return fmt.Errorf("%w: %s requires an existing charge", ErrChargeNotFound, tx.Type)
		}
	}
	if tx.Type != TxDisbursement && !l.Status.HasBeenDisbursed() {
		return fmt.Errorf("%w: loan in status %s has not been disbursed", ErrInvalidTransaction, l.Status)
	}
	return nil
}

// ReverseTransaction marks a stored transaction reversed and replays history.
func (s *Service) ReverseTransaction(ctx context.Context, id, txID int64, businessDate Date) (*Result, error) {
	l, err := s.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	working := l.Clone()
	tx := working.FindTransaction(txID)
	if tx == nil {
		return nil, fmt.Errorf("%w: %d", ErrTransactionNotFound, txID)
	}
	if tx.Reversed {
		return nil, fmt.Errorf("%w: transaction %d is already reversed", ErrInvalidTransaction, txID)
	}
	if tx.Type == TxDisbursement {
		return nil, fmt.Errorf("%w: undo the disbursal instead of reversing it", ErrInvalidTransaction)
	}
	for _, other := range working.Transactions {
		if other.IsChargeback() && other.OriginalTransactionID != nil && *other.OriginalTransactionID == txID {
			return nil, fmt.Errorf("%w: transaction %d has chargebacks", ErrInvalidChargeback, txID)
		}
	}
	tx.Reversed = true
	tx.ReversedOn = businessDate

	out, replayed, err := s.Engine.Reprocess(working, businessDate)
	if err != nil {
		return nil, err
	}
	changes := NewChangedTransactionDetail()
	changes.Add(TransactionChange{Old: out.FindTransaction(txID)})
	for _, c := range replayed.Entries() {
		changes.Add(c)
	}

	var change *StatusChange
	var notes pending
	if tx.Type == TxWriteOff && out.Status.IsClosedWrittenOff() {
		out, change, err = Transition(EventWriteOffUndo, out, businessDate, &notes)
		if err != nil {
			return nil, err
		}
	}
	out, reconciled := DetermineAndTransition(out, businessDate, &notes)
	if reconciled != nil {
		change = reconciled
	}
	return s.commit(ctx, out, changes, change, notes, "reverse")
}

// =============================================================================
// CHARGES
// =============================================================================

// AddCharge levies a charge, allocates it and replays history.
func (s *Service) AddCharge(ctx context.Context, id int64, c *Charge, businessDate Date) (*Result, error) {
	l, err := s.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateCharge(c); err != nil {
		return nil, err
	}
	switch l.Status {
	case StatusSubmitted, StatusApproved, StatusActive, StatusOverpaid, StatusClosedObligationsMet:
	default:
		return nil, &InvalidTransitionError{From: l.Status, Event: EventChargeAdded}
	}

	working := l.Clone()
	c.ID = 0
	c.Active = true
	working.AddCharge(c)

	out, changes, err := s.Engine.Reprocess(working, businessDate)
	if err != nil {
		return nil, err
	}

	var change *StatusChange
	var notes pending
	if out.Status.IsClosedObligationsMet() && out.Summary.HasOutstanding() {
		out, change, err = Transition(EventChargeAdded, out, businessDate, &notes)
		if err != nil {
			return nil, err
		}
	}
	if out.Status.HasBeenDisbursed() {
		var reconciled *StatusChange
		out, reconciled = DetermineAndTransition(out, businessDate, &notes)
		if reconciled != nil {
			change = reconciled
		}
	}
	return s.commit(ctx, out, changes, change, notes, "add_charge")
}

// WaiveCharge waives whatever is outstanding on the charge.
func (s *Service) WaiveCharge(ctx context.Context, id, chargeID int64, businessDate Date) (*Result, error) {
	l, err := s.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c := l.FindCharge(chargeID)
	if c == nil || !c.Active {
		return nil, fmt.Errorf("%w: %d", ErrChargeNotFound, chargeID)
	}
	if c.IsSettled() {
		return nil, fmt.Errorf("%w: charge %d has nothing outstanding", ErrInvalidCharge, chargeID)
	}
	tx := &Transaction{
		Type:     TxWaiveCharges,
		Date:     businessDate,
		Amount:   c.Outstanding(),
		ChargeID: Int64Ptr(chargeID),
	}
	return s.addTransaction(ctx, l, tx, businessDate)
}

// Reprocess replays history without new input, e.g. after a business date
// change or a data repair.
func (s *Service) Reprocess(ctx context.Context, id int64, businessDate Date) (*Result, error) {
	l, err := s.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	out, changes, err := s.Engine.Reprocess(l, businessDate)
	if err != nil {
		return nil, err
	}
	var notes pending
	out, change := DetermineAndTransition(out, businessDate, &notes)
	return s.commit(ctx, out, changes, change, notes, "reprocess")
}

// =============================================================================
// HELPERS
// =============================================================================

// pending holds status changes until the aggregate they belong to is saved.
type pending []StatusChange

func (p *pending) StatusChanged(c StatusChange) { *p = append(*p, c) }

func (s *Service) commit(ctx context.Context, l *Loan, changes *ChangedTransactionDetail, change *StatusChange, notes pending, op string) (*Result, error) {
	l.Summary = ComputeSummary(l)
	saved, err := s.Store.Save(ctx, l)
	if err != nil {
		s.Log.WithError(err).WithFields(logrus.Fields{"loan_id": l.ID, "op": op}).Warn("loan save failed")
		return nil, err
	}

	if changes != nil {
		changes.rebind(saved)
	}

	fields := logrus.Fields{
		"loan_id":     saved.ID,
		"op":          op,
		"status":      saved.Status.String(),
		"version":     saved.Version,
		"outstanding": saved.Summary.TotalOutstanding.String(),
	}
	if changes != nil && !changes.IsEmpty() {
		fields["replaced"] = changes.Len()
	}
	s.Log.WithFields(fields).Info("loan updated")

	if s.Notifier != nil {
		for _, c := range notes {
			s.Notifier.StatusChanged(c)
		}
	}
	return &Result{Loan: saved, Changes: changes, StatusChange: change}, nil
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
