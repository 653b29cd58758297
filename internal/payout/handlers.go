package payout

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/database"
	"paycore/internal/gateway"
)

// Handler handles payout HTTP requests
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payout routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/accounts", h.ProvisionAccount)
	r.Get("/accounts/{consultantID}", h.GetAccount)
	r.Post("/accounts/{consultantID}/onboarding-link", h.CreateOnboardingLink)
	r.Post("/transfers", h.SendPayout)

	return r
}

// ProvisionAccountRequest is the API request for provisioning an account
type ProvisionAccountRequest struct {
	ConsultantID string `json:"consultant_id" validate:"required"`
	Country      string `json:"country" validate:"required,len=2"`
	Email        string `json:"email" validate:"required,email"`
}

// ProvisionAccount handles POST /accounts
func (h *Handler) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var req ProvisionAccountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	acct, err := h.service.ProvisionAccount(r.Context(), req.ConsultantID, req.Country, req.Email)
	if err != nil {
		writeGatewayAwareError(w, err, "failed to provision account")
		return
	}

	api.WriteData(w, http.StatusCreated, acct)
}

// GetAccount handles GET /accounts/{consultantID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	consultantID := chi.URLParam(r, "consultantID")

	acct, err := h.service.store.GetConnectAccountByConsultant(r.Context(), consultantID, h.service.client.Provider())
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payout account not found")
			return
		}
		api.InternalError(w, "failed to get account")
		return
	}

	api.WriteData(w, http.StatusOK, acct)
}

// OnboardingLinkRequest is the API request for an onboarding link
type OnboardingLinkRequest struct {
	RefreshURL string `json:"refresh_url" validate:"required,url"`
	ReturnURL  string `json:"return_url" validate:"required,url"`
}

// CreateOnboardingLink handles POST /accounts/{consultantID}/onboarding-link
func (h *Handler) CreateOnboardingLink(w http.ResponseWriter, r *http.Request) {
	consultantID := chi.URLParam(r, "consultantID")

	var req OnboardingLinkRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	link, err := h.service.CreateOnboardingLink(r.Context(), consultantID, req.RefreshURL, req.ReturnURL)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payout account not found")
			return
		}
		writeGatewayAwareError(w, err, "failed to create onboarding link")
		return
	}

	api.WriteData(w, http.StatusCreated, link)
}

// SendPayoutRequest is the API request for sending a payout
type SendPayoutRequest struct {
	ConsultantID string  `json:"consultant_id" validate:"required"`
	Amount       float64 `json:"amount" validate:"required,gt=0"`
	Currency     string  `json:"currency" validate:"required,len=3"`
	Description  string  `json:"description"`
}

// SendPayout handles POST /transfers
func (h *Handler) SendPayout(w http.ResponseWriter, r *http.Request) {
	var req SendPayoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	transfer, err := h.service.SendPayout(r.Context(), req.ConsultantID, req.Amount, req.Currency, req.Description)
	if err != nil {
		if errors.Is(err, ErrNotPayable) {
			api.Conflict(w, "account has not completed onboarding")
			return
		}
		if database.IsNotFound(err) {
			api.NotFound(w, "payout account not found")
			return
		}
		writeGatewayAwareError(w, err, "failed to send payout")
		return
	}

	api.WriteData(w, http.StatusCreated, transfer)
}

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
