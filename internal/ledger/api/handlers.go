package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/database"
	"paycore/internal/gateway"
	"paycore/internal/ledger"
)

// Handler handles payment HTTP requests
type Handler struct {
	service *ledger.Service
}

// NewHandler creates a new payments handler
func NewHandler(service *ledger.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreatePayment)
	r.Post("/{id}/confirm", h.ConfirmPayment)
	r.Post("/refunds", h.RequestRefund)
	r.Post("/checkout-sessions", h.CreateCheckoutSession)

	r.Get("/transactions", h.ListTransactions)
	r.Get("/transactions/{id}", h.GetTransaction)

	r.Post("/invoices", h.CreateInvoice)
	r.Get("/invoices/{id}", h.GetInvoice)

	return r
}

// CreatePayment handles POST /
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.CreatePayment(r.Context(), req)
	if err != nil {
		writeGatewayAwareError(w, err, "failed to create payment")
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

// ConfirmPaymentRequest is the API request for confirming a payment
type ConfirmPaymentRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// ConfirmPayment handles POST /{id}/confirm
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "transaction ID required")
		return
	}

	var req ConfirmPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.ConfirmPayment(r.Context(), id, req.PaymentMethodID)
	if err != nil {
		writeGatewayAwareError(w, err, "failed to confirm payment")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// RequestRefund handles POST /refunds
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	var input ledger.RequestRefundInput
	if err := api.DecodeAndValidate(r, &input); err != nil {
		api.ValidationError(w, err)
		return
	}

	refund, err := h.service.RequestRefund(r.Context(), input)
	if err != nil {
		if errors.Is(err, ledger.ErrNotRefundable) {
			api.Conflict(w, "transaction is not refundable")
			return
		}
		writeGatewayAwareError(w, err, "failed to create refund")
		return
	}

	api.WriteData(w, http.StatusCreated, refund)
}

// CreateCheckoutSessionRequest is the API request for a hosted checkout page
type CreateCheckoutSessionRequest struct {
	InvoiceID  string               `json:"invoice_id"`
	ClientID   string               `json:"client_id" validate:"required"`
	SuccessURL string               `json:"success_url" validate:"required,url"`
	CancelURL  string               `json:"cancel_url" validate:"required,url"`
	CustomerID string               `json:"customer_id"`
	LineItems  []gateway.LineItem   `json:"line_items" validate:"required,min=1"`
}

// CreateCheckoutSession handles POST /checkout-sessions
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutSessionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	session, err := h.service.CreateCheckoutSession(r.Context(), gateway.CreateCheckoutSessionRequest{
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		CustomerID: req.CustomerID,
		LineItems:  req.LineItems,
	}, req.InvoiceID, req.ClientID)
	if err != nil {
		writeGatewayAwareError(w, err, "failed to create checkout session")
		return
	}

	api.WriteData(w, http.StatusCreated, session)
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "transaction ID required")
		return
	}

	txn, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "transaction not found")
			return
		}
		api.InternalError(w, "failed to get transaction")
		return
	}

	api.WriteData(w, http.StatusOK, txn)
}

// ListTransactions handles GET /transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if intentID := q.Get("payment_intent_id"); intentID != "" {
		txn, err := h.service.FindTransactionByIntent(r.Context(), intentID)
		if err != nil {
			if database.IsNotFound(err) {
				api.NotFound(w, "transaction not found")
				return
			}
			api.InternalError(w, "failed to find transaction")
			return
		}
		api.WriteData(w, http.StatusOK, txn)
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	txns, err := h.service.ListTransactions(r.Context(), q.Get("invoice_id"), q.Get("client_id"), limit, offset)
	if err != nil {
		api.InternalError(w, "failed to list transactions")
		return
	}

	api.WriteData(w, http.StatusOK, txns)
}

// CreateInvoice handles POST /invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), req)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			api.Conflict(w, "invoice already exists")
			return
		}
		api.InternalError(w, "failed to create invoice")
		return
	}

	api.WriteData(w, http.StatusCreated, inv)
}

// GetInvoice handles GET /invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "invoice ID required")
		return
	}

	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "invoice not found")
			return
		}
		api.InternalError(w, "failed to get invoice")
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

// writeGatewayAwareError maps gateway failures to response codes: caller
// mistakes and provider rejections are 4xx, transient outages are 503.
func writeGatewayAwareError(w http.ResponseWriter, err error, fallback string) {
	var invalid *gateway.InvalidRequestError
	if errors.As(err, &invalid) {
		api.BadRequest(w, invalid.Error())
		return
	}
	var gwErr *gateway.GatewayError
	if errors.As(err, &gwErr) {
		api.WriteError(w, http.StatusPaymentRequired, "GATEWAY_REJECTED", gwErr.Message)
		return
	}
	if gateway.IsTransient(err) {
		api.ServiceUnavailable(w, "payment gateway unavailable")
		return
	}
	if database.IsNotFound(err) {
		api.NotFound(w, "not found")
		return
	}
	api.InternalError(w, fallback)
}
