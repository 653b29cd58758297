// Package ledger exposes the payment operations built on top of the
// transaction store: initiating collections through the gateway, requesting
// refunds, and reading ledger state. Settlement itself always flows through
// the reconciliation engine, whether it arrives synchronously or by webhook.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/ledger/domain"
)

// ErrNotRefundable is returned for refund requests against transactions
// that never settled.
var ErrNotRefundable = errors.New("transaction is not refundable")

// GatewayClient is the provider surface the service needs
type GatewayClient interface {
	Provider() string
	CreatePaymentIntent(ctx context.Context, req gateway.CreatePaymentIntentRequest) (*gateway.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethodID string) (*gateway.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, intentID string) (*gateway.PaymentIntent, error)
	CreateRefund(ctx context.Context, req gateway.CreateRefundRequest) (*gateway.Refund, error)
	CreateCheckoutSession(ctx context.Context, req gateway.CreateCheckoutSessionRequest) (*gateway.CheckoutSession, error)
}

// Store is the persistence surface the service needs
type Store interface {
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	FindByPaymentIntent(ctx context.Context, provider, paymentIntentID string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, invoiceID, clientID string, limit, offset int) ([]*domain.Transaction, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
}

// Reconciler is the engine surface the synchronous path records through
type Reconciler interface {
	TrackPayment(ctx context.Context, pi *gateway.PaymentIntent) (*domain.Transaction, error)
	HandlePaymentSucceeded(ctx context.Context, pi *gateway.PaymentIntent) error
	HandlePaymentFailed(ctx context.Context, pi *gateway.PaymentIntent) error
	HandleChargeRefunded(ctx context.Context, ch *gateway.Charge) error
}

// Service provides payment and ledger operations
type Service struct {
	client GatewayClient
	store  Store
	engine Reconciler
	logger *slog.Logger
}

// NewService creates a payment service
func NewService(client GatewayClient, store Store, engine Reconciler, logger *slog.Logger) *Service {
	return &Service{
		client: client,
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// CreatePaymentRequest describes a collection attempt. When InvoiceID is set
// and Amount is zero, the invoice's outstanding balance is collected.
type CreatePaymentRequest struct {
	InvoiceID       string  `json:"invoice_id"`
	ClientID        string  `json:"client_id" validate:"required"`
	Amount          float64 `json:"amount" validate:"gte=0"`
	Currency        string  `json:"currency"`
	CustomerID      string  `json:"customer_id"`
	PaymentMethodID string  `json:"payment_method_id"`
	Description     string  `json:"description"`
	Confirm         bool    `json:"confirm"`
}

// PaymentResult pairs the ledger transaction with the client-side secret
// needed to finish collection in the payer's browser.
type PaymentResult struct {
	Transaction  *domain.Transaction `json:"transaction"`
	ClientSecret string              `json:"client_secret,omitempty"`
	IntentStatus string              `json:"intent_status"`
}

// CreatePayment opens a payment intent at the gateway and registers its
// ledger transaction before any webhook can arrive.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*PaymentResult, error) {
	amount := req.Amount
	currency := req.Currency
	var consultantID string

	if req.InvoiceID != "" {
		invoice, err := s.store.GetInvoice(ctx, req.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("loading invoice %s: %w", req.InvoiceID, err)
		}
		if amount == 0 {
			amount = invoice.Outstanding()
		}
		if currency == "" {
			currency = string(invoice.Currency)
		}
		consultantID = invoice.ConsultantID
	}
	if amount <= 0 {
		return nil, errors.New("nothing to collect")
	}

	metadata := map[string]string{
		gateway.MetaClientID: req.ClientID,
	}
	if req.InvoiceID != "" {
		metadata[gateway.MetaInvoiceID] = req.InvoiceID
	}
	if consultantID != "" {
		metadata[gateway.MetaConsultantID] = consultantID
	}

	intent, err := s.client.CreatePaymentIntent(ctx, gateway.CreatePaymentIntentRequest{
		Amount:             amount,
		Currency:           currency,
		CustomerID:         req.CustomerID,
		PaymentMethodID:    req.PaymentMethodID,
		Description:        req.Description,
		Metadata:           metadata,
		ConfirmImmediately: req.Confirm && req.PaymentMethodID != "",
	})
	if err != nil {
		return nil, fmt.Errorf("creating payment intent: %w", err)
	}

	txn, err := s.engine.TrackPayment(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("registering transaction: %w", err)
	}

	// An immediately confirmed intent can come back already settled or
	// already declined; both are reconciled on the spot.
	if err := s.reconcileIntentOutcome(ctx, intent); err != nil {
		return nil, err
	}
	if txn, err = s.store.GetTransaction(ctx, txn.ID); err != nil {
		return nil, err
	}

	s.logger.Info("payment initiated",
		"transaction_id", txn.ID,
		"payment_intent_id", intent.ID,
		"amount", amount,
		"invoice_id", req.InvoiceID,
	)
	return &PaymentResult{
		Transaction:  txn,
		ClientSecret: intent.ClientSecret,
		IntentStatus: intent.Status,
	}, nil
}

// ConfirmPayment confirms a previously created intent server-side. Transient
// gateway failures are retried a bounded number of times; confirmation is
// safe to re-send.
func (s *Service) ConfirmPayment(ctx context.Context, transactionID, paymentMethodID string) (*PaymentResult, error) {
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Gateway.PaymentIntentID == "" {
		return nil, errors.New("transaction has no payment intent")
	}

	var intent *gateway.PaymentIntent
	err = gateway.RetryTransient(ctx, 3, func() error {
		var confirmErr error
		intent, confirmErr = s.client.ConfirmPaymentIntent(ctx, txn.Gateway.PaymentIntentID, paymentMethodID)
		return confirmErr
	})
	if err != nil {
		var gwErr *gateway.GatewayError
		if errors.As(err, &gwErr) {
			// A declined confirmation is a final answer for this attempt.
			failed := &gateway.PaymentIntent{
				ID:        txn.Gateway.PaymentIntentID,
				Amount:    money.FromMajor(txn.Amount, txn.Currency).AmountMinor,
				Currency:  string(txn.Currency),
				LastError: &gateway.ErrorDetail{Code: gwErr.Code, Message: gwErr.Message},
			}
			if recErr := s.engine.HandlePaymentFailed(ctx, failed); recErr != nil {
				s.logger.Error("recording declined confirmation", "error", recErr)
			}
		}
		return nil, fmt.Errorf("confirming payment: %w", err)
	}

	if err := s.reconcileIntentOutcome(ctx, intent); err != nil {
		return nil, err
	}
	if txn, err = s.store.GetTransaction(ctx, txn.ID); err != nil {
		return nil, err
	}

	return &PaymentResult{
		Transaction:  txn,
		ClientSecret: intent.ClientSecret,
		IntentStatus: intent.Status,
	}, nil
}

func (s *Service) reconcileIntentOutcome(ctx context.Context, intent *gateway.PaymentIntent) error {
	switch intent.Status {
	case gateway.IntentStatusSucceeded:
		return s.engine.HandlePaymentSucceeded(ctx, intent)
	default:
		if intent.LastError != nil {
			return s.engine.HandlePaymentFailed(ctx, intent)
		}
		return nil
	}
}

// RequestRefundInput describes a refund request. A zero amount refunds the
// full remaining balance.
type RequestRefundInput struct {
	TransactionID string  `json:"transaction_id" validate:"required"`
	Amount        float64 `json:"amount" validate:"gte=0"`
	Reason        string  `json:"reason"`
}

// RequestRefund asks the gateway to refund a settled payment. The ledger is
// not touched here: the refund is booked when the gateway confirms it,
// through the same path the webhook uses.
func (s *Service) RequestRefund(ctx context.Context, input RequestRefundInput) (*gateway.Refund, error) {
	txn, err := s.store.GetTransaction(ctx, input.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.Type != domain.TransactionTypePayment ||
		txn.Status != domain.TransactionStatusCompleted ||
		txn.Gateway.ChargeID == "" {
		return nil, ErrNotRefundable
	}
	if txn.FullyRefunded() {
		return nil, fmt.Errorf("transaction %s: %w", txn.ID, ErrNotRefundable)
	}

	// One key for the whole operation: a retried attempt replays the same
	// refund at the gateway instead of issuing a second one.
	refundReq := gateway.CreateRefundRequest{
		IdempotencyKey: ulid.Make().String(),
		ChargeID:       txn.Gateway.ChargeID,
		Amount:         input.Amount,
		Currency:       string(txn.Currency),
		Reason:         input.Reason,
	}
	var refund *gateway.Refund
	err = gateway.RetryTransient(ctx, 3, func() error {
		var callErr error
		refund, callErr = s.client.CreateRefund(ctx, refundReq)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("creating refund: %w", err)
	}

	// Book immediately when the gateway already settled the refund; the
	// webhook delivery is then a replay.
	if refund.Status == gateway.RefundStatusSucceeded {
		charge := &gateway.Charge{
			ID:              txn.Gateway.ChargeID,
			PaymentIntentID: txn.Gateway.PaymentIntentID,
			Refunds:         []gateway.Refund{*refund},
		}
		if err := s.engine.HandleChargeRefunded(ctx, charge); err != nil {
			s.logger.Error("booking synchronous refund", "refund_id", refund.ID, "error", err)
		}
	}

	s.logger.Info("refund requested",
		"transaction_id", txn.ID,
		"refund_id", refund.ID,
		"amount", input.Amount,
	)
	return refund, nil
}

// CreateCheckoutSession opens a hosted checkout page carrying the ledger
// references in metadata so the resulting payment reconciles automatically.
func (s *Service) CreateCheckoutSession(ctx context.Context, req gateway.CreateCheckoutSessionRequest, invoiceID, clientID string) (*gateway.CheckoutSession, error) {
	if req.Metadata == nil {
		req.Metadata = make(map[string]string)
	}
	if invoiceID != "" {
		req.Metadata[gateway.MetaInvoiceID] = invoiceID
	}
	if clientID != "" {
		req.Metadata[gateway.MetaClientID] = clientID
	}

	session, err := s.client.CreateCheckoutSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}
	return session, nil
}

// CreateInvoiceRequest describes a new invoice
type CreateInvoiceRequest struct {
	ClientID     string  `json:"client_id" validate:"required"`
	ConsultantID string  `json:"consultant_id"`
	AmountDue    float64 `json:"amount_due" validate:"required,gt=0"`
	Currency     string  `json:"currency" validate:"required,len=3"`
}

// CreateInvoice opens an invoice for collection
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*domain.Invoice, error) {
	now := time.Now().UTC()
	inv := &domain.Invoice{
		ID:           ulid.Make().String(),
		ClientID:     req.ClientID,
		ConsultantID: req.ConsultantID,
		AmountDue:    money.RoundMajor(req.AmountDue, money.ParseCurrency(req.Currency)),
		Currency:     money.ParseCurrency(req.Currency),
		Status:       domain.InvoiceStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	s.logger.Info("invoice created",
		"invoice_id", inv.ID,
		"client_id", inv.ClientID,
		"amount_due", inv.AmountDue,
	)
	return inv, nil
}

// GetTransaction retrieves a transaction by ID
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// FindTransactionByIntent retrieves the live transaction for a payment intent
func (s *Service) FindTransactionByIntent(ctx context.Context, paymentIntentID string) (*domain.Transaction, error) {
	return s.store.FindByPaymentIntent(ctx, s.client.Provider(), paymentIntentID)
}

// ListTransactions lists transactions filtered by invoice or client
func (s *Service) ListTransactions(ctx context.Context, invoiceID, clientID string, limit, offset int) ([]*domain.Transaction, error) {
	return s.store.ListTransactions(ctx, invoiceID, clientID, limit, offset)
}

// GetInvoice retrieves an invoice by ID
func (s *Service) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return inv, nil
}
