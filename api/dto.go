/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loan aggregate from the HTTP surface: statuses and events travel as
  names, amounts as decimal strings, dates as YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Products:     ProductDTO (wraps factory.ProductJSON)
  Loans:        LoanDTO, InstallmentDTO, ChargeDTO, CreateLoanRequest
  Transactions: TransactionDTO, TransactionRequest, ChangeDTO
  Lifecycle:    EventRequest, StatusChangeDTO, ResultDTO
  Demo:         ScenarioDTO, ScenarioResultDTO

BUSINESS DATE:
  Every mutating request carries business_date. When omitted the handler
  uses the server's current UTC date.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/product.go: ProductJSON and LoanJSON types
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/loan-servicing/factory"
	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateProductRequest struct {
	Config factory.ProductJSON `json:"config"`
}

type CreateLoanRequest struct {
	Loan         factory.LoanJSON `json:"loan"`
	BusinessDate string           `json:"business_date,omitempty"`
}

type EventRequest struct {
	Event        string `json:"event"`
	BusinessDate string `json:"business_date,omitempty"`
}

type TransactionRequest struct {
	Type                  string          `json:"type"`
	Date                  string          `json:"date"`
	Amount                decimal.Decimal `json:"amount"`
	ExternalID            string          `json:"external_id,omitempty"`
	ChargeID              *int64          `json:"charge_id,omitempty"`
	OriginalTransactionID *int64          `json:"original_transaction_id,omitempty"`
	ReAge                 *ReAgeRequest   `json:"re_age,omitempty"`
	BusinessDate          string          `json:"business_date,omitempty"`
}

type ReAgeRequest struct {
	StartDate    string `json:"start_date"`
	Installments int    `json:"installments"`
	PeriodMonths int    `json:"period_months,omitempty"`
}

type ChargeRequest struct {
	Charge       factory.ChargeJSON `json:"charge"`
	BusinessDate string             `json:"business_date,omitempty"`
}

// BusinessDateRequest is the body of reverse, waive and reprocess.
type BusinessDateRequest struct {
	BusinessDate string `json:"business_date,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ProductDTO struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Config    factory.ProductJSON `json:"config"`
	Version   int                 `json:"version"`
	CreatedAt string              `json:"created_at,omitempty"`
}

type LoanDTO struct {
	ID                   int64             `json:"id"`
	ExternalID           string            `json:"external_id,omitempty"`
	Version              int64             `json:"version"`
	Status               string            `json:"status"`
	Currency             string            `json:"currency"`
	ApprovedPrincipal    decimal.Decimal   `json:"approved_principal"`
	SubmittedOn          string            `json:"submitted_on,omitempty"`
	ApprovedOn           string            `json:"approved_on,omitempty"`
	DisbursedOn          string            `json:"disbursed_on,omitempty"`
	ClosedOn             string            `json:"closed_on,omitempty"`
	OverpaidOn           string            `json:"overpaid_on,omitempty"`
	WrittenOffOn         string            `json:"written_off_on,omitempty"`
	ExpectedMaturityDate string            `json:"expected_maturity_date,omitempty"`
	ChargedOff           bool              `json:"charged_off"`
	ChargedOffOn         string            `json:"charged_off_on,omitempty"`
	OverpaymentBalance   decimal.Decimal   `json:"overpayment_balance"`
	Summary              loan.LoanSummary  `json:"summary"`
	Installments         []InstallmentDTO  `json:"installments"`
	Transactions         []TransactionDTO  `json:"transactions,omitempty"`
	Charges              []ChargeDTO       `json:"charges,omitempty"`
}

type InstallmentDTO struct {
	Number         int           `json:"number"`
	FromDate       string        `json:"from_date"`
	DueDate        string        `json:"due_date"`
	Charged        loan.Portions `json:"charged"`
	Paid           loan.Portions `json:"paid"`
	Waived         loan.Portions `json:"waived"`
	WrittenOff     loan.Portions `json:"written_off"`
	Outstanding    loan.Portions `json:"outstanding"`
	ObligationsMet bool          `json:"obligations_met"`
	Additional     bool          `json:"additional,omitempty"`
	ReAged         bool          `json:"re_aged,omitempty"`
	DownPayment    bool          `json:"down_payment,omitempty"`
}

type TransactionDTO struct {
	ID                    *int64          `json:"id,omitempty"`
	ExternalID            string          `json:"external_id,omitempty"`
	Type                  string          `json:"type"`
	Date                  string          `json:"date"`
	Amount                decimal.Decimal `json:"amount"`
	Portions              loan.Portions   `json:"portions"`
	OverpaymentPortion    decimal.Decimal `json:"overpayment_portion"`
	Reversed              bool            `json:"reversed"`
	ReversedOn            string          `json:"reversed_on,omitempty"`
	ChargeID              *int64          `json:"charge_id,omitempty"`
	OriginalTransactionID *int64          `json:"original_transaction_id,omitempty"`
	ReplacesID            *int64          `json:"replaces_id,omitempty"`
}

type ChargeDTO struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Penalty         bool            `json:"penalty"`
	TimeType        string          `json:"time_type"`
	CalculationType string          `json:"calculation_type"`
	Amount          decimal.Decimal `json:"amount"`
	DueDate         string          `json:"due_date,omitempty"`
	Paid            decimal.Decimal `json:"paid"`
	Waived          decimal.Decimal `json:"waived"`
	Outstanding     decimal.Decimal `json:"outstanding"`
	Active          bool            `json:"active"`
}

type StatusChangeDTO struct {
	LoanID int64  `json:"loan_id"`
	Event  string `json:"event"`
	From   string `json:"from"`
	To     string `json:"to"`
	On     string `json:"on"`
}

// ChangeDTO pairs a superseded transaction with its replacement.
type ChangeDTO struct {
	Old *TransactionDTO `json:"old,omitempty"`
	New *TransactionDTO `json:"new,omitempty"`
}

// ResultDTO is returned by every mutating endpoint.
type ResultDTO struct {
	Loan         LoanDTO          `json:"loan"`
	Changes      []ChangeDTO      `json:"changes"`
	StatusChange *StatusChangeDTO `json:"status_change,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// ScenarioResultDTO is returned after a scenario is loaded.
type ScenarioResultDTO struct {
	Scenario string  `json:"scenario"`
	Loan     LoanDTO `json:"loan"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLoanDTO(l *loan.Loan, withHistory bool) LoanDTO {
	dto := LoanDTO{
		ID:                   l.ID,
		ExternalID:           l.ExternalID,
		Version:              l.Version,
		Status:               l.Status.String(),
		Currency:             l.Currency.Code,
		ApprovedPrincipal:    l.ApprovedPrincipal,
		SubmittedOn:          l.SubmittedOn.String(),
		ApprovedOn:           l.ApprovedOn.String(),
		DisbursedOn:          l.DisbursedOn.String(),
		ClosedOn:             l.ClosedOn.String(),
		OverpaidOn:           l.OverpaidOn.String(),
		WrittenOffOn:         l.WrittenOffOn.String(),
		ExpectedMaturityDate: l.ExpectedMaturityDate.String(),
		ChargedOff:           l.ChargedOff,
		ChargedOffOn:         l.ChargedOffOn.String(),
		OverpaymentBalance:   l.OverpaymentBalance,
		Summary:              l.Summary,
		Installments:         make([]InstallmentDTO, len(l.Installments)),
	}
	for i, inst := range l.Installments {
		dto.Installments[i] = InstallmentDTO{
			Number:         inst.Number,
			FromDate:       inst.FromDate.String(),
			DueDate:        inst.DueDate.String(),
			Charged:        inst.Charged,
			Paid:           inst.Paid,
			Waived:         inst.Waived,
			WrittenOff:     inst.WrittenOff,
			Outstanding:    inst.OutstandingPortions(),
			ObligationsMet: inst.ObligationsMet,
			Additional:     inst.Additional,
			ReAged:         inst.ReAged,
			DownPayment:    inst.DownPayment,
		}
	}
	if !withHistory {
		return dto
	}
	for _, tx := range l.Transactions {
		dto.Transactions = append(dto.Transactions, toTransactionDTO(tx))
	}
	for _, c := range l.Charges {
		dto.Charges = append(dto.Charges, ChargeDTO{
			ID:              c.ID,
			Name:            c.Name,
			Penalty:         c.Penalty,
			TimeType:        string(c.TimeType),
			CalculationType: string(c.CalculationType),
			Amount:          c.Amount,
			DueDate:         c.DueDate.String(),
			Paid:            c.AmountPaid,
			Waived:          c.AmountWaived,
			Outstanding:     c.Outstanding(),
			Active:          c.Active,
		})
	}
	return dto
}

func toTransactionDTO(tx *loan.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                    tx.ID,
		ExternalID:            tx.ExternalID,
		Type:                  string(tx.Type),
		Date:                  tx.Date.String(),
		Amount:                tx.Amount,
		Portions:              tx.Portions,
		OverpaymentPortion:    tx.OverpaymentPortion,
		Reversed:              tx.Reversed,
		ReversedOn:            tx.ReversedOn.String(),
		ChargeID:              tx.ChargeID,
		OriginalTransactionID: tx.OriginalTransactionID,
		ReplacesID:            tx.ReplacesID,
	}
}

func toStatusChangeDTO(c *loan.StatusChange) *StatusChangeDTO {
	if c == nil {
		return nil
	}
	return &StatusChangeDTO{
		LoanID: c.LoanID,
		Event:  c.Event.String(),
		From:   c.From.String(),
		To:     c.To.String(),
		On:     c.On.String(),
	}
}

func toResultDTO(res *loan.Result) ResultDTO {
	dto := ResultDTO{
		Loan:         toLoanDTO(res.Loan, true),
		Changes:      []ChangeDTO{},
		StatusChange: toStatusChangeDTO(res.StatusChange),
	}
	if res.Changes == nil {
		return dto
	}
	for _, c := range res.Changes.Entries() {
		var cd ChangeDTO
		if c.Old != nil {
			old := toTransactionDTO(c.Old)
			cd.Old = &old
		}
		if c.New != nil {
			n := toTransactionDTO(c.New)
			cd.New = &n
		}
		dto.Changes = append(dto.Changes, cd)
	}
	return dto
}
