package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event types the reconciliation engine understands. Anything else decodes
// to an OtherEvent and is acknowledged without processing.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded   = "charge.refunded"
	EventTransferCreated  = "transfer.created"
	EventAccountUpdated   = "account.updated"
)

// ErrSignatureVerification is returned for any payload that fails
// authenticity checks. Such payloads must never be processed.
var ErrSignatureVerification = errors.New("webhook signature verification failed")

// SignatureTolerance bounds how stale a signed timestamp may be, defending
// against replay of captured payloads.
const SignatureTolerance = 5 * time.Minute

// Event is the decoded webhook envelope. Exactly one of the typed payload
// fields is set, matching Type; unrecognized types carry only Raw.
type Event struct {
	ID   string
	Type string

	PaymentIntent *PaymentIntent
	Charge        *Charge
	Transfer      *Transfer
	Account       *Account

	Raw json.RawMessage
}

// IsKnown reports whether the event type maps to a typed payload.
func (e *Event) IsKnown() bool {
	switch e.Type {
	case EventPaymentSucceeded, EventPaymentFailed, EventChargeRefunded,
		EventTransferCreated, EventAccountUpdated:
		return true
	}
	return false
}

// VerifySignature checks the signature header against the raw request body.
// The header format is "t=<unix>,v1=<hex hmac-sha256>", where the MAC covers
// "<unix>.<body>" keyed with the signing secret.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return fmt.Errorf("%w: no signing secret configured", ErrSignatureVerification)
	}

	var timestamp int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: malformed timestamp", ErrSignatureVerification)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return fmt.Errorf("%w: missing timestamp or signature", ErrSignatureVerification)
	}

	age := clock().Sub(time.Unix(timestamp, 0))
	if age > SignatureTolerance || age < -SignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureVerification)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrSignatureVerification)
}

// SignPayload produces a signature header for body. Used by tests and by
// tooling that replays events against a local endpoint.
func SignPayload(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// ParseEvent decodes a verified payload into a typed event. The data object
// is decoded exactly once here; downstream code never touches raw JSON.
func ParseEvent(body []byte) (*Event, error) {
	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, errors.New("malformed event payload: missing id or type")
	}

	event := &Event{
		ID:   envelope.ID,
		Type: envelope.Type,
		Raw:  envelope.Data.Object,
	}

	switch envelope.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pi PaymentIntent
		if err := json.Unmarshal(envelope.Data.Object, &pi); err != nil {
			return nil, fmt.Errorf("decoding payment intent: %w", err)
		}
		if pi.ID == "" {
			return nil, fmt.Errorf("event %s: payment intent has no id", envelope.ID)
		}
		if pi.Amount <= 0 {
			return nil, fmt.Errorf("event %s: payment intent %s has non-positive amount", envelope.ID, pi.ID)
		}
		event.PaymentIntent = &pi
	case EventChargeRefunded:
		var ch Charge
		if err := json.Unmarshal(envelope.Data.Object, &ch); err != nil {
			return nil, fmt.Errorf("decoding charge: %w", err)
		}
		if ch.ID == "" {
			return nil, fmt.Errorf("event %s: charge has no id", envelope.ID)
		}
		if ch.Amount <= 0 {
			return nil, fmt.Errorf("event %s: charge %s has non-positive amount", envelope.ID, ch.ID)
		}
		event.Charge = &ch
	case EventTransferCreated:
		var tr Transfer
		if err := json.Unmarshal(envelope.Data.Object, &tr); err != nil {
			return nil, fmt.Errorf("decoding transfer: %w", err)
		}
		if tr.ID == "" {
			return nil, fmt.Errorf("event %s: transfer has no id", envelope.ID)
		}
		if tr.Amount <= 0 {
			return nil, fmt.Errorf("event %s: transfer %s has non-positive amount", envelope.ID, tr.ID)
		}
		event.Transfer = &tr
	case EventAccountUpdated:
		var acct Account
		if err := json.Unmarshal(envelope.Data.Object, &acct); err != nil {
			return nil, fmt.Errorf("decoding account: %w", err)
		}
		if acct.ID == "" {
			return nil, fmt.Errorf("event %s: account has no id", envelope.ID)
		}
		event.Account = &acct
	}

	return event, nil
}
