package domain

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
)

// TransactionType represents the kind of money movement a transaction records
type TransactionType string

const (
	TransactionTypePayment TransactionType = "payment"
	TransactionTypeRefund  TransactionType = "refund"
	TransactionTypePayout  TransactionType = "payout"
)

// TransactionMethod records how the money moved. Gateway transactions carry
// the provider name; the fixed values cover movements booked outside it.
type TransactionMethod string

const (
	MethodBankTransfer TransactionMethod = "bank_transfer"
	MethodWallet       TransactionMethod = "wallet"
	MethodOther        TransactionMethod = "other"
)

// TransactionStatus represents the lifecycle state of a transaction
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

var (
	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow. Terminal states never move backward.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCurrencyMismatch is returned when settlement data arrives in a
	// different currency than the transaction was opened with.
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// GatewayData links a transaction to its provider-side objects. All IDs are
// opaque provider references; at most one transaction per provider may hold a
// given payment intent ID while not failed.
type GatewayData struct {
	Provider        string `json:"provider"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	ChargeID        string `json:"charge_id,omitempty"`
	RefundID        string `json:"refund_id,omitempty"`
	TransferID      string `json:"transfer_id,omitempty"`
	ReceiptURL      string `json:"receipt_url,omitempty"`
}

// CardSnapshot holds the card details captured at settlement time
type CardSnapshot struct {
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

// BillingSnapshot holds the billing details captured at settlement time
type BillingSnapshot struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// FailureDetail records why a transaction failed
type FailureDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Transaction is the ledger's record of one money movement. Amounts are in
// major currency units; conversion to the provider's minor units happens at
// the gateway boundary only.
type Transaction struct {
	ID             string            `json:"id"`
	Type           TransactionType   `json:"type"`
	Method         TransactionMethod `json:"method"`
	Status         TransactionStatus `json:"status"`
	Amount         float64           `json:"amount"`
	AmountRefunded float64           `json:"amount_refunded"`
	Currency       money.Currency    `json:"currency"`
	InvoiceID      string            `json:"invoice_id,omitempty"`
	ClientID       string            `json:"client_id,omitempty"`
	ConsultantID   string            `json:"consultant_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	Gateway        GatewayData       `json:"gateway"`
	Card           *CardSnapshot     `json:"card,omitempty"`
	Billing        *BillingSnapshot  `json:"billing,omitempty"`
	Failure        *FailureDetail    `json:"failure,omitempty"`
	RefundReason   string            `json:"refund_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewTransaction creates a pending transaction
func NewTransaction(txType TransactionType, amount float64, currency money.Currency, gateway GatewayData) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if currency == "" {
		return nil, errors.New("currency is required")
	}
	if gateway.Provider == "" {
		return nil, errors.New("gateway provider is required")
	}
	switch txType {
	case TransactionTypePayment, TransactionTypeRefund, TransactionTypePayout:
	default:
		return nil, errors.New("unknown transaction type")
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:        ulid.Make().String(),
		Type:      txType,
		Method:    TransactionMethod(gateway.Provider),
		Status:    TransactionStatusPending,
		Amount:    money.RoundMajor(amount, currency),
		Currency:  currency,
		Gateway:   gateway,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// canTransition reports whether the lifecycle allows moving between statuses.
// pending may move anywhere; completed may only move to itself (duplicate
// settlement); failed and cancelled are terminal.
func canTransition(from, to TransactionStatus) bool {
	switch from {
	case TransactionStatusPending:
		return true
	case TransactionStatusCompleted:
		return to == TransactionStatusCompleted
	default:
		return false
	}
}

// Settlement is the data a completed payment carries over from the provider
type Settlement struct {
	ChargeID   string
	ReceiptURL string
	Card       *CardSnapshot
	Billing    *BillingSnapshot
}

// Complete applies a settlement. The first completion wins: a repeat only
// fills fields the first one left empty and never overwrites recorded data.
func (t *Transaction) Complete(s Settlement) error {
	if !canTransition(t.Status, TransactionStatusCompleted) {
		return ErrInvalidTransition
	}

	if t.Status != TransactionStatusCompleted {
		now := time.Now().UTC()
		t.Status = TransactionStatusCompleted
		t.CompletedAt = &now
		t.Failure = nil
	}

	if t.Gateway.ChargeID == "" {
		t.Gateway.ChargeID = s.ChargeID
	}
	if t.Gateway.ReceiptURL == "" {
		t.Gateway.ReceiptURL = s.ReceiptURL
	}
	if t.Card == nil {
		t.Card = s.Card
	}
	if t.Billing == nil {
		t.Billing = s.Billing
	}

	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the transaction failed with the provider's reason
func (t *Transaction) Fail(code, message string) error {
	if !canTransition(t.Status, TransactionStatusFailed) {
		return ErrInvalidTransition
	}
	t.Status = TransactionStatusFailed
	t.Failure = &FailureDetail{Code: code, Message: message}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel marks the transaction cancelled before settlement
func (t *Transaction) Cancel() error {
	if !canTransition(t.Status, TransactionStatusCancelled) {
		return ErrInvalidTransition
	}
	t.Status = TransactionStatusCancelled
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordRefund accumulates a refunded amount against a completed payment.
// The running total is capped at the transaction amount.
func (t *Transaction) RecordRefund(amount float64) error {
	if t.Status != TransactionStatusCompleted {
		return ErrInvalidTransition
	}
	if amount <= 0 {
		return errors.New("refund amount must be positive")
	}

	total := money.RoundMajor(t.AmountRefunded+amount, t.Currency)
	if total > t.Amount {
		total = t.Amount
	}
	t.AmountRefunded = total
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SyncRefunded records the provider's cumulative refunded total. The total
// never decreases, so replaying an older snapshot is a no-op, and it is
// capped at the transaction amount.
func (t *Transaction) SyncRefunded(total float64) error {
	if t.Status != TransactionStatusCompleted {
		return ErrInvalidTransition
	}
	if total < 0 {
		return errors.New("refunded total must not be negative")
	}

	total = money.RoundMajor(total, t.Currency)
	if total > t.Amount {
		total = t.Amount
	}
	if total > t.AmountRefunded {
		t.AmountRefunded = total
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// FullyRefunded reports whether refunds have consumed the full amount
func (t *Transaction) FullyRefunded() bool {
	return t.AmountRefunded >= t.Amount
}
