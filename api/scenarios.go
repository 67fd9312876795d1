/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	loans for testing and demos. Each scenario creates a product, submits a
	loan, approves and disburses it, then books the transactions that show
	one servicing feature.

AVAILABLE SCENARIOS:

	repaid-on-time:      Three installments repaid on their due dates
	late-fee:            Missed installment, penalty charge, partial repayment
	backdated-repayment: A late booked repayment reshuffles a later one
	charge-off:          Zero-interest charge-off in the middle of a period
	overpayment-refund:  Overpaid loan closed by a credit balance refund

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the product via factory
 3. Submit and approve the loan
 4. Disburse
 5. Book the scenario's transactions, each on its own business date

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "late-fee"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/product.go: Product and loan JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-servicing/factory"
	"github.com/warp/loan-servicing/loan"
	"github.com/warp/loan-servicing/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "repaid-on-time",
		Name:        "Repaid On Time",
		Description: "Three monthly installments, each repaid on its due date",
		Category:    "repayment",
	},
	{
		ID:          "late-fee",
		Name:        "Late Fee",
		Description: "Missed first installment, penalty levied, partial repayment",
		Category:    "charges",
	},
	{
		ID:          "backdated-repayment",
		Name:        "Backdated Repayment",
		Description: "A repayment booked late replaces the allocation of a later one",
		Category:    "repayment",
	},
	{
		ID:          "charge-off",
		Name:        "Charge-Off",
		Description: "Zero-interest charge-off pro-rates the current period's interest",
		Category:    "charge-off",
	},
	{
		ID:          "overpayment-refund",
		Name:        "Overpayment Refund",
		Description: "Loan overpaid in one go, then closed by a credit balance refund",
		Category:    "repayment",
	},
}

const scenarioProduct = `{
	"id": "demo-3m",
	"name": "Demo loan, 3 months",
	"allocation_rule": {"order": ["penalty", "fee", "interest", "principal"]},
	"charge_off_behaviour": "%s"
}`

const scenarioLoan = `{
	"product_id": "demo-3m",
	"external_id": "%s",
	"submitted_on": "2023-12-20",
	"schedule": {"start_date": "2024-01-01", "installments": 3, "principal": "300", "interest": "30"}
}`

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loader func(ctx context.Context) (int64, error)
	switch req.ScenarioID {
	case "repaid-on-time":
		loader = h.loadRepaidOnTimeScenario
	case "late-fee":
		loader = h.loadLateFeeScenario
	case "backdated-repayment":
		loader = h.loadBackdatedRepaymentScenario
	case "charge-off":
		loader = h.loadChargeOffScenario
	case "overpayment-refund":
		loader = h.loadOverpaymentRefundScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	resetter, ok := h.Products.(Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Reset is not supported by this store", nil)
		return
	}
	if err := resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if h.Recorder != nil {
		h.Recorder.Reset()
	}
	h.setScenario("")

	id, err := loader(ctx)
	if err != nil {
		h.Log.WithError(err).WithField("scenario", req.ScenarioID).Error("failed to load scenario")
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.setScenario(req.ScenarioID)

	l, err := h.Service.Get(ctx, id)
	if err != nil {
		h.writeServiceError(w, "Failed to load scenario loan", err)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioResultDTO{Scenario: req.ScenarioID, Loan: toLoanDTO(l, true)})
}

func (h *Handler) scenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadRepaidOnTimeScenario(ctx context.Context) (int64, error) {
	b := h.newScenario(ctx, loan.ChargeOffRegular, "demo-on-time")
	b.book(loan.TxRepayment, "2024-02-01", "110")
	b.book(loan.TxRepayment, "2024-03-01", "110")
	b.book(loan.TxRepayment, "2024-04-01", "110")
	return b.id, b.err
}

func (h *Handler) loadLateFeeScenario(ctx context.Context) (int64, error) {
	b := h.newScenario(ctx, loan.ChargeOffRegular, "demo-late-fee")
	b.charge(factory.ChargeJSON{
		Name: "Late payment fee", Penalty: true, TimeType: "specified_due_date",
		CalculationType: "flat", Amount: "15", DueDate: "2024-02-01",
	}, "2024-02-10")
	b.book(loan.TxRepayment, "2024-02-20", "60")
	return b.id, b.err
}

func (h *Handler) loadBackdatedRepaymentScenario(ctx context.Context) (int64, error) {
	b := h.newScenario(ctx, loan.ChargeOffRegular, "demo-backdated")
	b.book(loan.TxRepayment, "2024-02-01", "110")
	b.bookOn(loan.TxRepayment, "2024-01-20", "40", "2024-02-05")
	return b.id, b.err
}

func (h *Handler) loadChargeOffScenario(ctx context.Context) (int64, error) {
	b := h.newScenario(ctx, loan.ChargeOffZeroInterest, "demo-charge-off")
	b.book(loan.TxRepayment, "2024-02-01", "110")
	b.book(loan.TxChargeOff, "2024-02-15", "0")
	return b.id, b.err
}

func (h *Handler) loadOverpaymentRefundScenario(ctx context.Context) (int64, error) {
	b := h.newScenario(ctx, loan.ChargeOffRegular, "demo-overpaid")
	b.book(loan.TxRepayment, "2024-02-01", "350")
	b.book(loan.TxCreditBalanceRefund, "2024-02-05", "20")
	return b.id, b.err
}

// =============================================================================
// SCENARIO BUILDER
// =============================================================================

// scenarioBuilder runs service calls in sequence and stops at the first error.
type scenarioBuilder struct {
	h   *Handler
	ctx context.Context
	id  int64
	err error
}

// newScenario stores the demo product, then submits, approves and disburses
// one loan from it.
func (h *Handler) newScenario(ctx context.Context, behaviour loan.ChargeOffBehaviour, externalID string) *scenarioBuilder {
	b := &scenarioBuilder{h: h, ctx: ctx}

	configJSON := fmt.Sprintf(scenarioProduct, behaviour)
	product, err := h.Factory.ParseProduct(configJSON)
	if err != nil {
		b.err = err
		return b
	}
	b.err = h.Products.SaveProduct(ctx, sqlite.ProductRecord{ID: product.ID, Name: product.Name, ConfigJSON: configJSON})
	if b.err != nil {
		return b
	}

	l, err := h.Factory.ParseLoan(fmt.Sprintf(scenarioLoan, externalID), product)
	if err != nil {
		b.err = err
		return b
	}
	res, err := h.Service.Create(ctx, l, loan.MustParseDate("2023-12-20"))
	if err != nil {
		b.err = err
		return b
	}
	b.id = res.Loan.ID

	if _, err := h.Service.ApplyEvent(ctx, b.id, loan.EventApproved, loan.MustParseDate("2023-12-22")); err != nil {
		b.err = err
		return b
	}
	b.book(loan.TxDisbursement, "2024-01-01", "300")
	return b
}

func (b *scenarioBuilder) book(txType loan.TransactionType, date, amount string) {
	b.bookOn(txType, date, amount, date)
}

// bookOn books a transaction dated date on a later business date.
func (b *scenarioBuilder) bookOn(txType loan.TransactionType, date, amount, businessDate string) {
	if b.err != nil {
		return
	}
	tx := &loan.Transaction{
		Type:   txType,
		Date:   loan.MustParseDate(date),
		Amount: decimal.RequireFromString(amount),
	}
	if _, err := b.h.Service.AddTransaction(b.ctx, b.id, tx, loan.MustParseDate(businessDate)); err != nil {
		b.err = fmt.Errorf("%s on %s: %w", txType, date, err)
	}
}

func (b *scenarioBuilder) charge(cj factory.ChargeJSON, businessDate string) {
	if b.err != nil {
		return
	}
	c, err := b.h.Factory.ParseCharge(cj)
	if err != nil {
		b.err = err
		return
	}
	if _, err := b.h.Service.AddCharge(b.ctx, b.id, c, loan.MustParseDate(businessDate)); err != nil {
		b.err = fmt.Errorf("charge %q: %w", cj.Name, err)
	}
}
