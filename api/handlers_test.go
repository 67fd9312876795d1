/*
handlers_test.go - HTTP tests for the loan API

Tests drive the chi router end to end against an in-memory SQLite store:
- Product CRUD and loan creation from a product
- Lifecycle events, transactions, reversals, charges and waivers
- Error mapping (400, 404)
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-servicing/api"
	"github.com/warp/loan-servicing/loan"
	"github.com/warp/loan-servicing/notify"
	"github.com/warp/loan-servicing/store/sqlite"
)

const testProduct = `{"config": {
	"id": "short-term",
	"name": "Short term",
	"allocation_rule": {"order": ["penalty", "fee", "interest", "principal"]},
	"charge_off_behaviour": "zero_interest"
}}`

const testLoan = `{"loan": {
	"product_id": "short-term",
	"external_id": "app-42",
	"installments": [
		{"from_date": "2024-01-01", "due_date": "2024-02-01", "principal": "100", "interest": "10"}
	]
}, "business_date": "2023-12-20"}`

type testServer struct {
	router   http.Handler
	recorder *notify.Recorder
	svc      *loan.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	recorder := notify.NewRecorder()
	svc := loan.NewService(store, loan.NewEngine(logger), recorder, logger)

	h := api.NewHandler(svc, store, recorder, logger)
	h.Today = func() loan.Date { return loan.MustParseDate("2024-03-01") }
	return &testServer{router: api.NewRouter(h, nil), recorder: recorder, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

// activeLoan creates the product and a loan, approves and disburses it.
func (s *testServer) activeLoan(t *testing.T) int64 {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/products", testProduct)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodPost, "/api/loans", testLoan)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := decode[api.ResultDTO](t, rr).Loan.ID

	rr = s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/events", id),
		`{"event": "approved", "business_date": "2023-12-22"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions", id),
		`{"type": "disbursement", "date": "2024-01-01", "amount": "100", "business_date": "2024-01-01"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return id
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestProducts_CreateGetList(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/products", testProduct)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[api.ProductDTO](t, rr)
	assert.Equal(t, "short-term", created.ID)
	assert.Equal(t, 1, created.Version)

	rr = s.do(t, http.MethodGet, "/api/products/short-term", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[api.ProductDTO](t, rr)
	assert.Equal(t, "zero_interest", got.Config.ChargeOffBehaviour)

	rr = s.do(t, http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]api.ProductDTO](t, rr), 1)
}

func TestProducts_Errors(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/products/none", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/products", `{"config": {"id": "x"}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Invalid product configuration", decode[api.ErrorResponse](t, rr).Error)

	rr = s.do(t, http.MethodPost, "/api/products", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// =============================================================================
// LOAN LIFECYCLE
// =============================================================================

func TestLoans_CreateFromProduct(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/products", testProduct).Code)

	rr := s.do(t, http.MethodPost, "/api/loans", testLoan)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decode[api.ResultDTO](t, rr)
	assert.Equal(t, "submitted_and_pending_approval", res.Loan.Status)
	assert.Equal(t, "app-42", res.Loan.ExternalID)
	assert.Equal(t, "2023-12-20", res.Loan.SubmittedOn)
	assert.Equal(t, "2024-02-01", res.Loan.ExpectedMaturityDate)
	require.NotNil(t, res.StatusChange)
	assert.Equal(t, "created", res.StatusChange.Event)
	assert.Empty(t, res.Changes)

	rr = s.do(t, http.MethodGet, "/api/loans", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]api.LoanDTO](t, rr), 1)
}

func TestLoans_CreateErrors(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/loans", testLoan)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown product")

	rr = s.do(t, http.MethodPost, "/api/loans", `{"loan": {"external_id": "x"}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "no schedule")

	rr = s.do(t, http.MethodPost, "/api/loans", `{"loan": {"schedule":
		{"start_date": "2024-01-01", "installments": 2, "principal": "100"}}, "business_date": "01/01/2024"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "bad business date")
}

func TestLoans_RepaymentClosesLoan(t *testing.T) {
	// GIVEN: An active loan of 100 principal and 10 interest
	s := newTestServer(t)
	id := s.activeLoan(t)

	// WHEN: It is repaid in full
	rr := s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions", id),
		`{"type": "repayment", "date": "2024-02-01", "amount": "110", "external_id": "pay-1", "business_date": "2024-02-01"}`)

	// THEN: The loan closes and the repayment is split by the allocation rule
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decode[api.ResultDTO](t, rr)
	assert.Equal(t, "closed_obligations_met", res.Loan.Status)
	assert.Equal(t, "2024-02-01", res.Loan.ClosedOn)
	require.Len(t, res.Loan.Transactions, 2)
	pay := res.Loan.Transactions[1]
	assert.Equal(t, "pay-1", pay.ExternalID)
	assert.NotNil(t, pay.ID)
	assert.True(t, pay.Portions.Interest.Equal(decimal.NewFromInt(10)))
	assert.True(t, pay.Portions.Principal.Equal(decimal.NewFromInt(100)))
	assert.True(t, res.Loan.Installments[0].ObligationsMet)

	// AND: The status history was recorded
	rr = s.do(t, http.MethodGet, fmt.Sprintf("/api/loans/%d/status-changes", id), "")
	require.Equal(t, http.StatusOK, rr.Code)
	changes := decode[[]api.StatusChangeDTO](t, rr)
	require.NotEmpty(t, changes)
	assert.Equal(t, "closed_obligations_met", changes[len(changes)-1].To)
}

func TestLoans_BackdatedRepaymentReportsChanges(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan(t)
	path := fmt.Sprintf("/api/loans/%d/transactions", id)

	rr := s.do(t, http.MethodPost, path, `{"type": "repayment", "date": "2024-02-01", "amount": "50", "business_date": "2024-02-01"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodPost, path, `{"type": "repayment", "date": "2024-01-15", "amount": "20", "business_date": "2024-02-02"}`)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decode[api.ResultDTO](t, rr)
	require.Len(t, res.Changes, 1)
	change := res.Changes[0]
	require.NotNil(t, change.Old)
	require.NotNil(t, change.New)
	require.NotNil(t, change.New.ID)
	assert.Equal(t, *change.Old.ID, *change.New.ReplacesID)
	assert.True(t, change.Old.Reversed)
}

func TestLoans_ReverseTransaction(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan(t)

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions", id),
		`{"type": "repayment", "date": "2024-02-01", "amount": "110", "business_date": "2024-02-01"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	txID := *decode[api.ResultDTO](t, rr).Loan.Transactions[1].ID

	rr = s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions/%d/reverse", id, txID),
		`{"business_date": "2024-02-05"}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[api.ResultDTO](t, rr)
	assert.Equal(t, "active", res.Loan.Status)
	assert.True(t, res.Loan.Transactions[1].Reversed)
	assert.Equal(t, "2024-02-05", res.Loan.Transactions[1].ReversedOn)

	rr = s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions/%d/reverse", id, 9999), "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLoans_ChargeAndWaive(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan(t)

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/charges", id), `{"charge":
		{"name": "Late fee", "penalty": true, "time_type": "specified_due_date",
		 "calculation_type": "flat", "amount": "15", "due_date": "2024-01-20"},
		"business_date": "2024-01-20"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decode[api.ResultDTO](t, rr)
	require.Len(t, res.Loan.Charges, 1)
	charge := res.Loan.Charges[0]
	assert.True(t, charge.Outstanding.Equal(decimal.NewFromInt(15)))
	assert.True(t, res.Loan.Installments[0].Charged.Penalty.Equal(decimal.NewFromInt(15)))

	rr = s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/charges/%d/waive", id, charge.ID), `{"business_date": "2024-01-21"}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res = decode[api.ResultDTO](t, rr)
	assert.True(t, res.Loan.Charges[0].Waived.Equal(decimal.NewFromInt(15)))
	assert.True(t, res.Loan.Charges[0].Outstanding.IsZero())

	rr = s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/charges/%d/waive", id, 77), "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLoans_ReprocessUsesToday(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan(t)

	rr := s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/%d/reprocess", id), "")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[api.ResultDTO](t, rr)
	assert.Equal(t, "active", res.Loan.Status)
	assert.Empty(t, res.Changes)
}

func TestLoans_Errors(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown loan", http.MethodGet, "/api/loans/404", "", http.StatusNotFound},
		{"non numeric id", http.MethodGet, "/api/loans/abc", "", http.StatusBadRequest},
		{"unknown event", http.MethodPost, fmt.Sprintf("/api/loans/%d/events", id), `{"event": "explode"}`, http.StatusBadRequest},
		{"invalid transition", http.MethodPost, fmt.Sprintf("/api/loans/%d/events", id), `{"event": "approved"}`, http.StatusBadRequest},
		{"transaction event", http.MethodPost, fmt.Sprintf("/api/loans/%d/events", id), `{"event": "disbursed"}`, http.StatusBadRequest},
		{"unknown transaction type", http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions", id),
			`{"type": "gift", "date": "2024-02-01", "amount": "1"}`, http.StatusBadRequest},
		{"bad transaction date", http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions", id),
			`{"type": "repayment", "date": "tomorrow", "amount": "1"}`, http.StatusBadRequest},
		{"non positive amount", http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions", id),
			`{"type": "repayment", "date": "2024-02-01", "amount": "0"}`, http.StatusBadRequest},
		{"invalid charge", http.MethodPost, fmt.Sprintf("/api/loans/%d/charges", id),
			`{"charge": {"name": "x", "time_type": "monthly", "calculation_type": "flat", "amount": "1"}}`, http.StatusBadRequest},
		{"malformed reverse body", http.MethodPost, fmt.Sprintf("/api/loans/%d/transactions/1/reverse", id), `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decode[api.ErrorResponse](t, rr).Error)
		})
	}
}

// =============================================================================
// ADMIN
// =============================================================================

func TestReset(t *testing.T) {
	s := newTestServer(t)
	s.activeLoan(t)
	require.NotEmpty(t, s.recorder.Changes())

	rr := s.do(t, http.MethodPost, "/api/reset", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, s.recorder.Changes())
	assert.Empty(t, decode[[]api.LoanDTO](t, s.do(t, http.MethodGet, "/api/loans", "")))
	assert.Empty(t, decode[[]api.ProductDTO](t, s.do(t, http.MethodGet, "/api/products", "")))
}
