// Package events defines the audit event envelope published to the
// notification sink. Audit publication is fire-and-forget and never part of
// reconciliation correctness.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Audit event types.
const (
	TypePaymentCompleted  = "payment.completed"
	TypePaymentFailed     = "payment.failed"
	TypeRefundRecorded    = "refund.recorded"
	TypePayoutRecorded    = "payout.recorded"
	TypeAccountUpdated    = "connect_account.updated"
	TypeAnomalyDetected   = "reconcile.anomaly"
	TypeSignatureRejected = "webhook.signature_rejected"
)

// Event represents an audit event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// TransactionAuditData is the payload for transaction lifecycle events.
type TransactionAuditData struct {
	TransactionID   string  `json:"transaction_id"`
	Type            string  `json:"transaction_type"`
	Status          string  `json:"status"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	Provider        string  `json:"provider"`
	PaymentIntentID string  `json:"payment_intent_id,omitempty"`
	ChargeID        string  `json:"charge_id,omitempty"`
	RefundID        string  `json:"refund_id,omitempty"`
	TransferID      string  `json:"transfer_id,omitempty"`
	InvoiceID       string  `json:"invoice_id,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
}

// AnomalyData is the payload for manual-review anomalies (orphan refunds,
// amount mismatches, unmatched gateway objects).
type AnomalyData struct {
	Kind        string `json:"kind"`
	Provider    string `json:"provider"`
	GatewayRef  string `json:"gateway_ref"`
	Description string `json:"description"`
}

// AccountAuditData is the payload for connect account status changes.
type AccountAuditData struct {
	ConsultantID      string `json:"consultant_id"`
	ExternalAccountID string `json:"external_account_id"`
	Status            string `json:"status"`
}
