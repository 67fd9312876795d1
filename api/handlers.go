/*
handlers.go - HTTP API handlers for the loan servicing engine

PURPOSE:
  Exposes loan.Service via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the service. No accounting happens here.

ENDPOINTS:
  Products:
    GET    /api/products                        List products
    POST   /api/products                        Create or update a product
    GET    /api/products/{id}                   Get a product

  Loans:
    GET    /api/loans                           List loans
    POST   /api/loans                           Submit a loan (from LoanJSON)
    GET    /api/loans/{id}                      Loan with schedule and history
    POST   /api/loans/{id}/events               Approve, reject, withdraw, undo, transfer
    POST   /api/loans/{id}/transactions         Book a transaction
    POST   /api/loans/{id}/transactions/{txID}/reverse
    POST   /api/loans/{id}/charges              Levy a charge
    POST   /api/loans/{id}/charges/{chargeID}/waive
    POST   /api/loans/{id}/reprocess            Replay history
    GET    /api/loans/{id}/status-changes       Recorded status moves

  Scenarios:
    GET    /api/scenarios                       List demo scenarios
    GET    /api/scenarios/current               Currently loaded scenario
    POST   /api/scenarios/load                  Reset and load a scenario

  Admin:
    POST   /api/reset                           Clear the database (dev only)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid transitions, bad input
  - 404: Loan, transaction or charge not found
  - 409: Concurrent modification (retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/loan-servicing/factory"
	"github.com/warp/loan-servicing/loan"
	"github.com/warp/loan-servicing/notify"
	"github.com/warp/loan-servicing/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ProductStore persists loan products.
type ProductStore interface {
	SaveProduct(ctx context.Context, p sqlite.ProductRecord) error
	GetProduct(ctx context.Context, id string) (*sqlite.ProductRecord, error)
	ListProducts(ctx context.Context) ([]sqlite.ProductRecord, error)
}

// Resetter clears persisted state.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *loan.Service
	Products ProductStore
	Factory  *factory.LoanFactory
	Recorder *notify.Recorder
	Log      logrus.FieldLogger

	// Today supplies the business date when a request omits it.
	Today func() loan.Date

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. recorder may be nil.
func NewHandler(svc *loan.Service, products ProductStore, recorder *notify.Recorder, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Service:  svc,
		Products: products,
		Factory:  factory.NewLoanFactory(),
		Recorder: recorder,
		Log:      log,
		Today:    func() loan.Date { return loan.DateOf(time.Now()) },
	}
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns all products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	records, err := h.Products.ListProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list products", err)
		return
	}

	dtos := make([]ProductDTO, 0, len(records))
	for _, rec := range records {
		dto, err := toProductDTO(rec)
		if err != nil {
			h.Log.WithError(err).WithField("product_id", rec.ID).Warn("skipping unreadable product")
			continue
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProduct validates and stores a product.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Factory.ValidateProduct(&req.Config); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid product configuration", err)
		return
	}

	configJSON, _ := json.Marshal(req.Config)
	record := sqlite.ProductRecord{
		ID:         req.Config.ID,
		Name:       req.Config.Name,
		ConfigJSON: string(configJSON),
	}
	if err := h.Products.SaveProduct(r.Context(), record); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save product", err)
		return
	}

	saved, err := h.Products.GetProduct(r.Context(), record.ID)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload product", err)
		return
	}
	dto, _ := toProductDTO(*saved)
	writeJSON(w, http.StatusCreated, dto)
}

// GetProduct returns a single product.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	record, err := h.Products.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get product", err)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "Product not found", nil)
		return
	}
	dto, err := toProductDTO(*record)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Stored product is unreadable", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns all loans without their history.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Service.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l, false)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateLoan builds a loan from its product and submits it.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	businessDate, ok := h.businessDate(w, req.BusinessDate)
	if !ok {
		return
	}

	var product *factory.ProductJSON
	if req.Loan.ProductID != "" {
		record, err := h.Products.GetProduct(r.Context(), req.Loan.ProductID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get product", err)
			return
		}
		if record == nil {
			writeError(w, http.StatusBadRequest, "Unknown product", fmt.Errorf("product %q not found", req.Loan.ProductID))
			return
		}
		product, err = h.Factory.ParseProduct(record.ConfigJSON)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Stored product is invalid", err)
			return
		}
	}

	l, err := h.Factory.FromJSON(req.Loan, product)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid loan definition", err)
		return
	}

	res, err := h.Service.Create(r.Context(), l, businessDate)
	if err != nil {
		h.writeServiceError(w, "Failed to create loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// GetLoan returns a loan with its schedule, transactions and charges.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	l, err := h.Service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(l, true))
}

// ApplyEvent applies a lifecycle event that is not driven by a transaction.
func (h *Handler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	event, err := loan.ParseLoanEvent(req.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown event", err)
		return
	}
	businessDate, ok := h.businessDate(w, req.BusinessDate)
	if !ok {
		return
	}

	res, err := h.Service.ApplyEvent(r.Context(), id, event, businessDate)
	if err != nil {
		h.writeServiceError(w, "Failed to apply event", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// AddTransaction books a transaction and replays the loan's history.
func (h *Handler) AddTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	businessDate, ok := h.businessDate(w, req.BusinessDate)
	if !ok {
		return
	}
	tx, err := req.toTransaction()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction", err)
		return
	}

	res, err := h.Service.AddTransaction(r.Context(), id, tx, businessDate)
	if err != nil {
		h.writeServiceError(w, "Failed to add transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// ReverseTransaction reverses a booked transaction.
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	txID, ok := idParam(w, r, "txID")
	if !ok {
		return
	}
	businessDate, ok := h.optionalBusinessDate(w, r)
	if !ok {
		return
	}

	res, err := h.Service.ReverseTransaction(r.Context(), id, txID, businessDate)
	if err != nil {
		h.writeServiceError(w, "Failed to reverse transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// AddCharge levies a charge on the loan.
func (h *Handler) AddCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	businessDate, ok := h.businessDate(w, req.BusinessDate)
	if !ok {
		return
	}
	c, err := h.Factory.ParseCharge(req.Charge)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid charge", err)
		return
	}

	res, err := h.Service.AddCharge(r.Context(), id, c, businessDate)
	if err != nil {
		h.writeServiceError(w, "Failed to add charge", err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// WaiveCharge waives the outstanding part of a charge.
func (h *Handler) WaiveCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	chargeID, ok := idParam(w, r, "chargeID")
	if !ok {
		return
	}
	businessDate, ok := h.optionalBusinessDate(w, r)
	if !ok {
		return
	}

	res, err := h.Service.WaiveCharge(r.Context(), id, chargeID, businessDate)
	if err != nil {
		h.writeServiceError(w, "Failed to waive charge", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// Reprocess replays the loan's history as of the business date.
func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	businessDate, ok := h.optionalBusinessDate(w, r)
	if !ok {
		return
	}

	res, err := h.Service.Reprocess(r.Context(), id, businessDate)
	if err != nil {
		h.writeServiceError(w, "Failed to reprocess loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// ListStatusChanges returns the status moves recorded for a loan.
func (h *Handler) ListStatusChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	dtos := []StatusChangeDTO{}
	if h.Recorder != nil {
		for _, c := range h.Recorder.ForLoan(id) {
			dtos = append(dtos, *toStatusChangeDTO(&c))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	resetter, ok := h.Products.(Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Reset is not supported by this store", nil)
		return
	}
	if err := resetter.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if h.Recorder != nil {
		h.Recorder.Reset()
	}
	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (req TransactionRequest) toTransaction() (*loan.Transaction, error) {
	txType, err := loan.ParseTransactionType(req.Type)
	if err != nil {
		return nil, err
	}
	date, err := loan.ParseDate(req.Date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %w", err)
	}
	tx := &loan.Transaction{
		Type:                  txType,
		Date:                  date,
		Amount:                req.Amount,
		ExternalID:            req.ExternalID,
		ChargeID:              req.ChargeID,
		OriginalTransactionID: req.OriginalTransactionID,
	}
	if req.ReAge != nil {
		start, err := loan.ParseDate(req.ReAge.StartDate)
		if err != nil {
			return nil, fmt.Errorf("invalid re-age start date: %w", err)
		}
		tx.ReAge = &loan.ReAgeTerms{
			StartDate:    start,
			Installments: req.ReAge.Installments,
			PeriodMonths: req.ReAge.PeriodMonths,
		}
	}
	return tx, nil
}

func toProductDTO(rec sqlite.ProductRecord) (ProductDTO, error) {
	var config factory.ProductJSON
	if err := json.Unmarshal([]byte(rec.ConfigJSON), &config); err != nil {
		return ProductDTO{}, err
	}
	return ProductDTO{
		ID:        rec.ID,
		Name:      rec.Name,
		Config:    config,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (h *Handler) businessDate(w http.ResponseWriter, raw string) (loan.Date, bool) {
	if raw == "" {
		return h.Today(), true
	}
	d, err := loan.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid business_date", err)
		return loan.Date{}, false
	}
	return d, true
}

// optionalBusinessDate reads business_date from an optional JSON body.
func (h *Handler) optionalBusinessDate(w http.ResponseWriter, r *http.Request) (loan.Date, bool) {
	var req BusinessDateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return loan.Date{}, false
		}
	}
	return h.businessDate(w, req.BusinessDate)
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return 0, false
	}
	return id, true
}

// writeServiceError maps loan errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case loan.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case loan.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case loan.IsClientError(err), errors.Is(err, factory.ErrInvalidDefinition):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
