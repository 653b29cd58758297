package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
)

// Config holds gateway client configuration.
type Config struct {
	Provider      string        `envconfig:"GATEWAY_PROVIDER" default:"stripe"`
	BaseURL       string        `envconfig:"GATEWAY_BASE_URL" required:"true"`
	SecretKey     string        `envconfig:"GATEWAY_SECRET_KEY" required:"true"`
	SigningSecret string        `envconfig:"GATEWAY_SIGNING_SECRET" required:"true"`
	Timeout       time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
}

// Client is a typed wrapper over the provider's REST API. It performs no
// retries and keeps no local state; retry policy belongs to the caller.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Provider returns the configured provider name.
func (c *Client) Provider() string {
	return c.config.Provider
}

// CreatePaymentIntent creates a payment intent for the given amount.
func (c *Client) CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest) (*PaymentIntent, error) {
	if req.Amount <= 0 {
		return nil, invalidRequest("amount", "must be positive")
	}
	if req.Currency == "" {
		return nil, invalidRequest("currency", "is required")
	}

	body := map[string]any{
		"amount":   money.FromMajor(req.Amount, money.ParseCurrency(req.Currency)).AmountMinor,
		"currency": req.Currency,
	}
	if req.CustomerID != "" {
		body["customer"] = req.CustomerID
	}
	if req.PaymentMethodID != "" {
		body["payment_method"] = req.PaymentMethodID
	}
	if req.CaptureMethod != "" {
		body["capture_method"] = req.CaptureMethod
	}
	if req.Description != "" {
		body["description"] = req.Description
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	if req.ConfirmImmediately {
		body["confirm"] = true
	}

	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", body, idempotencyKey(req.IdempotencyKey), &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ConfirmPaymentIntent confirms a previously created payment intent.
func (c *Client) ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethodID string) (*PaymentIntent, error) {
	if intentID == "" {
		return nil, invalidRequest("payment_intent", "is required")
	}

	body := map[string]any{}
	if paymentMethodID != "" {
		body["payment_method"] = paymentMethodID
	}

	var intent PaymentIntent
	path := fmt.Sprintf("/v1/payment_intents/%s/confirm", intentID)
	if err := c.do(ctx, http.MethodPost, path, body, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CapturePaymentIntent captures an authorized payment intent.
func (c *Client) CapturePaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	if intentID == "" {
		return nil, invalidRequest("payment_intent", "is required")
	}

	var intent PaymentIntent
	path := fmt.Sprintf("/v1/payment_intents/%s/capture", intentID)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CancelPaymentIntent cancels a payment intent that has not settled.
func (c *Client) CancelPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	if intentID == "" {
		return nil, invalidRequest("payment_intent", "is required")
	}

	var intent PaymentIntent
	path := fmt.Sprintf("/v1/payment_intents/%s/cancel", intentID)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, "", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreateCustomer creates a provider-side customer.
func (c *Client) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*Customer, error) {
	if req.Email == "" {
		return nil, invalidRequest("email", "is required")
	}

	var customer Customer
	if err := c.do(ctx, http.MethodPost, "/v1/customers", req, idempotencyKey(req.IdempotencyKey), &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// CreatePaymentMethod tokenizes a payment instrument.
func (c *Client) CreatePaymentMethod(ctx context.Context, req CreatePaymentMethodRequest) (*PaymentMethod, error) {
	if req.Type == "" {
		return nil, invalidRequest("type", "is required")
	}
	if req.Token == "" {
		return nil, invalidRequest("token", "is required")
	}

	var pm PaymentMethod
	if err := c.do(ctx, http.MethodPost, "/v1/payment_methods", req, idempotencyKey(req.IdempotencyKey), &pm); err != nil {
		return nil, err
	}
	return &pm, nil
}

// AttachPaymentMethod attaches a payment method to a customer.
func (c *Client) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) (*PaymentMethod, error) {
	if paymentMethodID == "" {
		return nil, invalidRequest("payment_method", "is required")
	}
	if customerID == "" {
		return nil, invalidRequest("customer", "is required")
	}

	var pm PaymentMethod
	path := fmt.Sprintf("/v1/payment_methods/%s/attach", paymentMethodID)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"customer": customerID}, "", &pm); err != nil {
		return nil, err
	}
	return &pm, nil
}

// DetachPaymentMethod detaches a payment method from its customer.
func (c *Client) DetachPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error) {
	if paymentMethodID == "" {
		return nil, invalidRequest("payment_method", "is required")
	}

	var pm PaymentMethod
	path := fmt.Sprintf("/v1/payment_methods/%s/detach", paymentMethodID)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, "", &pm); err != nil {
		return nil, err
	}
	return &pm, nil
}

// ListPaymentMethods lists a customer's stored payment methods.
func (c *Client) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	if customerID == "" {
		return nil, invalidRequest("customer", "is required")
	}

	var out struct {
		Data []PaymentMethod `json:"data"`
	}
	path := fmt.Sprintf("/v1/customers/%s/payment_methods", customerID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CreateRefund refunds a charge. A zero amount requests a full refund.
func (c *Client) CreateRefund(ctx context.Context, req CreateRefundRequest) (*Refund, error) {
	if req.ChargeID == "" {
		return nil, invalidRequest("charge", "is required")
	}
	if req.Amount < 0 {
		return nil, invalidRequest("amount", "must not be negative")
	}

	body := map[string]any{"charge": req.ChargeID}
	if req.Amount > 0 {
		if req.Currency == "" {
			return nil, invalidRequest("currency", "is required for partial refunds")
		}
		body["amount"] = money.FromMajor(req.Amount, money.ParseCurrency(req.Currency)).AmountMinor
	}
	if req.Reason != "" {
		body["reason"] = req.Reason
	}

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", body, idempotencyKey(req.IdempotencyKey), &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// CreateAccount creates a connected payout account.
func (c *Client) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if req.Country == "" {
		return nil, invalidRequest("country", "is required")
	}
	if req.Email == "" {
		return nil, invalidRequest("email", "is required")
	}

	var account Account
	if err := c.do(ctx, http.MethodPost, "/v1/accounts", req, idempotencyKey(req.IdempotencyKey), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccountLink creates an onboarding link for a connected account.
func (c *Client) CreateAccountLink(ctx context.Context, req CreateAccountLinkRequest) (*AccountLink, error) {
	if req.AccountID == "" {
		return nil, invalidRequest("account", "is required")
	}
	if req.RefreshURL == "" || req.ReturnURL == "" {
		return nil, invalidRequest("refresh_url/return_url", "are required")
	}

	var link AccountLink
	if err := c.do(ctx, http.MethodPost, "/v1/account_links", req, "", &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// CreateTransfer transfers funds to a connected account.
func (c *Client) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error) {
	if req.Amount <= 0 {
		return nil, invalidRequest("amount", "must be positive")
	}
	if req.Currency == "" {
		return nil, invalidRequest("currency", "is required")
	}
	if req.Destination == "" {
		return nil, invalidRequest("destination", "is required")
	}

	body := map[string]any{
		"amount":      money.FromMajor(req.Amount, money.ParseCurrency(req.Currency)).AmountMinor,
		"currency":    req.Currency,
		"destination": req.Destination,
	}
	if req.Description != "" {
		body["description"] = req.Description
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", body, idempotencyKey(req.IdempotencyKey), &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// CreateCheckoutSession creates a hosted checkout page.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CreateCheckoutSessionRequest) (*CheckoutSession, error) {
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, invalidRequest("success_url/cancel_url", "are required")
	}
	if len(req.LineItems) == 0 {
		return nil, invalidRequest("line_items", "must not be empty")
	}

	items := make([]map[string]any, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		if li.Amount <= 0 {
			return nil, invalidRequest("line_items.amount", "must be positive")
		}
		qty := li.Quantity
		if qty == 0 {
			qty = 1
		}
		items = append(items, map[string]any{
			"name":     li.Name,
			"amount":   money.FromMajor(li.Amount, money.ParseCurrency(li.Currency)).AmountMinor,
			"currency": li.Currency,
			"quantity": qty,
		})
	}

	body := map[string]any{
		"success_url": req.SuccessURL,
		"cancel_url":  req.CancelURL,
		"line_items":  items,
	}
	if req.CustomerID != "" {
		body["customer"] = req.CustomerID
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", body, idempotencyKey(req.IdempotencyKey), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// idempotencyKey resolves the key for a creation call, minting one when the
// caller did not pin it. A caller retrying a creation call must set the key
// on the request so every attempt sends the same one.
func idempotencyKey(key string) string {
	if key == "" {
		return ulid.Make().String()
	}
	return key
}

// do executes one API call. Creation calls carry an idempotency key so an
// ambiguous network failure can be safely re-sent by the caller.
func (c *Client) do(ctx context.Context, method, path string, payload any, idemKey string, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	if idemKey != "" {
		httpReq.Header.Set("Idempotency-Key", idemKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("gateway unavailable: status=%d", httpResp.StatusCode)}
	}

	if httpResp.StatusCode >= 400 {
		gerr := &GatewayError{
			StatusCode: httpResp.StatusCode,
			Raw:        respBody,
		}
		var wrapper struct {
			Error ErrorDetail `json:"error"`
		}
		if jsonErr := json.Unmarshal(respBody, &wrapper); jsonErr == nil {
			gerr.Code = wrapper.Error.Code
			gerr.Message = wrapper.Error.Message
		}
		c.logger.Warn("gateway rejected request",
			"method", method,
			"path", path,
			"status", httpResp.StatusCode,
			"code", gerr.Code,
		)
		return gerr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
