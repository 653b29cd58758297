// Package gateway provides a typed client for the external payment provider:
// request/response wrappers over its REST API, webhook signature
// verification, and decoding of its event payloads. It holds no local state;
// reconciliation against the ledger happens elsewhere.
package gateway

import "time"

// Object statuses reported by the provider.
const (
	IntentStatusRequiresAction = "requires_action"
	IntentStatusProcessing     = "processing"
	IntentStatusSucceeded      = "succeeded"
	IntentStatusCanceled       = "canceled"

	ChargeStatusSucceeded = "succeeded"
	ChargeStatusFailed    = "failed"

	RefundStatusSucceeded = "succeeded"
	RefundStatusPending   = "pending"
	RefundStatusFailed    = "failed"
)

// PaymentIntent is the provider's record of one attempt to collect a specific
// amount from a payer.
type PaymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"` // minor units
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	CustomerID     string            `json:"customer,omitempty"`
	LatestCharge   *Charge           `json:"latest_charge,omitempty"`
	LastError      *ErrorDetail      `json:"last_payment_error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ClientSecret   string            `json:"client_secret,omitempty"`
	CreatedAt      int64             `json:"created"`
}

// Charge is the provider's record of an actual funds movement tied to a
// payment intent.
type Charge struct {
	ID              string          `json:"id"`
	PaymentIntentID string          `json:"payment_intent,omitempty"`
	Amount          int64           `json:"amount"`
	AmountRefunded  int64           `json:"amount_refunded"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	ReceiptURL      string          `json:"receipt_url,omitempty"`
	PaymentMethod   *CardDetails    `json:"payment_method_details,omitempty"`
	BillingDetails  *BillingDetails `json:"billing_details,omitempty"`
	Refunds         []Refund        `json:"refunds,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Refund is one refund issued against a charge. A charge may accumulate
// several partial refunds, each with its own ID.
type Refund struct {
	ID       string `json:"id"`
	ChargeID string `json:"charge,omitempty"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// CardDetails is the card snapshot captured at settlement.
type CardDetails struct {
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

// BillingDetails is the payer snapshot captured at settlement.
type BillingDetails struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// ErrorDetail is the provider's structured error attached to a failed
// payment attempt.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
}

// Customer is a provider-side payer record.
type Customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email,omitempty"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PaymentMethod is a stored payment instrument.
type PaymentMethod struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	CustomerID string       `json:"customer,omitempty"`
	Card       *CardDetails `json:"card,omitempty"`
}

// Account is a provider-managed connected payout account.
type Account struct {
	ID               string   `json:"id"`
	Country          string   `json:"country,omitempty"`
	Email            string   `json:"email,omitempty"`
	ChargesEnabled   bool     `json:"charges_enabled"`
	PayoutsEnabled   bool     `json:"payouts_enabled"`
	DetailsSubmitted bool     `json:"details_submitted"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// AccountLink is a single-use onboarding URL for a connected account.
type AccountLink struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// Transfer moves funds to a connected account.
type Transfer struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   int64             `json:"created"`
}

// CheckoutSession is a hosted payment page session.
type CheckoutSession struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	PaymentIntentID string `json:"payment_intent,omitempty"`
	Status          string `json:"status"`
	ExpiresAt       int64  `json:"expires_at"`
}

// CreatePaymentIntentRequest creates a new payment intent. Amounts are
// major-unit decimals; the client converts to minor units on the wire.
// IdempotencyKey, when set, is sent as the Idempotency-Key header so a caller
// retrying the call replays the same creation instead of minting a duplicate.
type CreatePaymentIntentRequest struct {
	IdempotencyKey     string            `json:"-"`
	Amount             float64           `json:"-"`
	Currency           string            `json:"currency"`
	CustomerID         string            `json:"customer,omitempty"`
	PaymentMethodID    string            `json:"payment_method,omitempty"`
	CaptureMethod      string            `json:"capture_method,omitempty"`
	Description        string            `json:"description,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	ConfirmImmediately bool              `json:"confirm,omitempty"`
}

// CreateCustomerRequest creates a provider-side customer record.
type CreateCustomerRequest struct {
	IdempotencyKey string            `json:"-"`
	Email          string            `json:"email"`
	Name           string            `json:"name,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreatePaymentMethodRequest tokenizes a payment instrument reference.
type CreatePaymentMethodRequest struct {
	IdempotencyKey string `json:"-"`
	Type           string `json:"type"`
	Token          string `json:"token"`
}

// CreateRefundRequest refunds a charge, fully or partially.
type CreateRefundRequest struct {
	IdempotencyKey string  `json:"-"`
	ChargeID       string  `json:"charge"`
	Amount         float64 `json:"-"` // major units; zero means full refund
	Currency       string  `json:"-"` // required when Amount is set
	Reason         string  `json:"reason,omitempty"`
}

// CreateAccountRequest creates a connected payout account.
type CreateAccountRequest struct {
	IdempotencyKey string            `json:"-"`
	Country        string            `json:"country"`
	Email          string            `json:"email"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreateAccountLinkRequest creates an onboarding link for an account.
type CreateAccountLinkRequest struct {
	AccountID  string `json:"account"`
	RefreshURL string `json:"refresh_url"`
	ReturnURL  string `json:"return_url"`
}

// CreateTransferRequest transfers funds to a connected account.
type CreateTransferRequest struct {
	IdempotencyKey string            `json:"-"`
	Amount         float64           `json:"-"`
	Currency       string            `json:"currency"`
	Destination    string            `json:"destination"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// LineItem is one purchasable row on a checkout session.
type LineItem struct {
	Name     string  `json:"name"`
	Amount   float64 `json:"-"`
	Currency string  `json:"currency"`
	Quantity int     `json:"quantity"`
}

// CreateCheckoutSessionRequest creates a hosted checkout page.
type CreateCheckoutSessionRequest struct {
	IdempotencyKey string            `json:"-"`
	SuccessURL     string            `json:"success_url"`
	CancelURL      string            `json:"cancel_url"`
	CustomerID     string            `json:"customer,omitempty"`
	LineItems      []LineItem        `json:"line_items"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Metadata keys the caller sets on gateway objects so asynchronous events can
// be correlated back to ledger records.
const (
	MetaTransactionID = "transaction_id"
	MetaInvoiceID     = "invoice_id"
	MetaClientID      = "client_id"
	MetaConsultantID  = "consultant_id"
)

// clock is overridable in tests for signature timestamp checks.
var clock = time.Now
