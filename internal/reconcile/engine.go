// Package reconcile converges the ledger with the payment provider's view of
// the world. Every handler is idempotent: gateway events arrive at least
// once, in any order, and replaying a delivery must leave the ledger
// unchanged.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/ledger/domain"
)

// Store is the ledger access the engine needs
type Store interface {
	CreateTransaction(ctx context.Context, txn *domain.Transaction) error
	UpdateTransaction(ctx context.Context, txn *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	FindByPaymentIntent(ctx context.Context, provider, paymentIntentID string) (*domain.Transaction, error)
	FindByChargeID(ctx context.Context, provider, chargeID string) (*domain.Transaction, error)
	FindByRefundID(ctx context.Context, provider, refundID string) (*domain.Transaction, error)
	FindByTransferID(ctx context.Context, provider, transferID string) (*domain.Transaction, error)
	ApplyPaymentToInvoice(ctx context.Context, invoiceID, transactionID string, amount float64) error
	ApplyRefundToInvoice(ctx context.Context, invoiceID, refundRef string, amount float64) error
	GetConnectAccountByGatewayID(ctx context.Context, provider, gatewayAccountID string) (*domain.ConnectAccount, error)
	UpdateConnectAccount(ctx context.Context, acct *domain.ConnectAccount) error
}

// AuditSink receives audit events. Publication failures are logged by the
// sink and never propagated.
type AuditSink interface {
	Publish(ctx context.Context, event *events.Event)
}

// Engine applies gateway state to the ledger
type Engine struct {
	store    Store
	provider string
	audit    AuditSink
	logger   *slog.Logger
	locks    *keyedMutex
}

// New creates a reconciliation engine for one provider
func New(store Store, provider string, audit AuditSink, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		provider: provider,
		audit:    audit,
		logger:   logger,
		locks:    newKeyedMutex(),
	}
}

// HandleEvent dispatches a decoded gateway event to its handler. Unknown
// event types are acknowledged without processing.
func (e *Engine) HandleEvent(ctx context.Context, event *gateway.Event) error {
	switch event.Type {
	case gateway.EventPaymentSucceeded:
		return e.HandlePaymentSucceeded(ctx, event.PaymentIntent)
	case gateway.EventPaymentFailed:
		return e.HandlePaymentFailed(ctx, event.PaymentIntent)
	case gateway.EventChargeRefunded:
		return e.HandleChargeRefunded(ctx, event.Charge)
	case gateway.EventTransferCreated:
		return e.HandleTransferCreated(ctx, event.Transfer)
	case gateway.EventAccountUpdated:
		return e.HandleAccountUpdated(ctx, event.Account)
	default:
		e.logger.Debug("ignoring unhandled event type", "type", event.Type, "event_id", event.ID)
		return nil
	}
}

// HandlePaymentSucceeded settles the transaction behind a payment intent.
// The transaction is created if the webhook raced ahead of the synchronous
// confirmation path. The first settlement wins; replays only fill fields the
// first one left empty.
func (e *Engine) HandlePaymentSucceeded(ctx context.Context, pi *gateway.PaymentIntent) error {
	unlock := e.locks.Lock(e.intentKey(pi.ID))
	defer unlock()

	txn, err := e.findOrCreatePayment(ctx, pi)
	if err != nil {
		return err
	}

	received := money.New(pi.AmountReceived, money.ParseCurrency(pi.Currency)).Major()
	if received > 0 && received != txn.Amount {
		e.reportAnomaly(ctx, "amount_mismatch", pi.ID, fmt.Sprintf(
			"intent settled %.2f but ledger recorded %.2f", received, txn.Amount))
	}

	settlement := domain.Settlement{}
	if ch := pi.LatestCharge; ch != nil {
		settlement.ChargeID = ch.ID
		settlement.ReceiptURL = ch.ReceiptURL
		if pm := ch.PaymentMethod; pm != nil {
			settlement.Card = &domain.CardSnapshot{
				Brand:    pm.Brand,
				Last4:    pm.Last4,
				ExpMonth: pm.ExpMonth,
				ExpYear:  pm.ExpYear,
			}
		}
		if bd := ch.BillingDetails; bd != nil {
			settlement.Billing = &domain.BillingSnapshot{
				Name:       bd.Name,
				Email:      bd.Email,
				Line1:      bd.Line1,
				City:       bd.City,
				PostalCode: bd.PostalCode,
				Country:    bd.Country,
			}
		}
	}

	alreadyCompleted := txn.Status == domain.TransactionStatusCompleted
	if err := txn.Complete(settlement); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			e.reportAnomaly(ctx, "settlement_after_terminal", pi.ID, fmt.Sprintf(
				"intent succeeded but transaction %s is %s", txn.ID, txn.Status))
			return nil
		}
		return err
	}

	if err := e.store.UpdateTransaction(ctx, txn); err != nil {
		return fmt.Errorf("persisting settlement: %w", err)
	}

	if txn.InvoiceID != "" {
		if err := e.store.ApplyPaymentToInvoice(ctx, txn.InvoiceID, txn.ID, txn.Amount); err != nil {
			return fmt.Errorf("crediting invoice %s: %w", txn.InvoiceID, err)
		}
	}

	if !alreadyCompleted {
		e.publishTransactionAudit(ctx, events.TypePaymentCompleted, txn)
		e.logger.Info("payment settled",
			"transaction_id", txn.ID,
			"payment_intent_id", pi.ID,
			"amount", txn.Amount,
			"currency", txn.Currency,
		)
	}
	return nil
}

// HandlePaymentFailed records a failed collection attempt. A transaction
// that already settled stays settled; the conflicting failure is reported
// for review instead.
func (e *Engine) HandlePaymentFailed(ctx context.Context, pi *gateway.PaymentIntent) error {
	unlock := e.locks.Lock(e.intentKey(pi.ID))
	defer unlock()

	txn, err := e.findOrCreatePayment(ctx, pi)
	if err != nil {
		return err
	}

	var code, message string
	if pi.LastError != nil {
		code = pi.LastError.Code
		message = pi.LastError.Message
	}

	if err := txn.Fail(code, message); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			if txn.Status == domain.TransactionStatusCompleted {
				e.reportAnomaly(ctx, "failure_after_settlement", pi.ID, fmt.Sprintf(
					"intent reported failed but transaction %s already settled", txn.ID))
			}
			return nil
		}
		return err
	}

	if err := e.store.UpdateTransaction(ctx, txn); err != nil {
		return fmt.Errorf("persisting failure: %w", err)
	}

	e.publishTransactionAudit(ctx, events.TypePaymentFailed, txn)
	e.logger.Info("payment failed",
		"transaction_id", txn.ID,
		"payment_intent_id", pi.ID,
		"code", code,
	)
	return nil
}

// HandleChargeRefunded records each refund on the charge exactly once,
// keyed by the provider's refund ID. A refund against an unknown charge is
// an orphan: it is still booked as a standalone refund transaction, with an
// anomaly reported for manual review.
//
// Every step here must survive redelivery after a partial failure: a refund
// row may already exist from an earlier delivery that died before the invoice
// debit or the payment update landed, so those steps run on every delivery
// and are individually replay safe.
func (e *Engine) HandleChargeRefunded(ctx context.Context, ch *gateway.Charge) error {
	lockKey := "charge:" + e.provider + ":" + ch.ID
	if ch.PaymentIntentID != "" {
		lockKey = e.intentKey(ch.PaymentIntentID)
	}
	unlock := e.locks.Lock(lockKey)
	defer unlock()

	payment, err := e.findRefundedPayment(ctx, ch)
	if err != nil {
		return err
	}
	if payment == nil {
		e.reportAnomaly(ctx, "orphan_refund", ch.ID, fmt.Sprintf(
			"no settled payment for refunded charge %s", ch.ID))
	}

	for _, refund := range ch.Refunds {
		if refund.Status != gateway.RefundStatusSucceeded {
			continue
		}
		if err := e.recordRefund(ctx, payment, ch, refund); err != nil {
			return err
		}
	}

	return e.syncPaymentRefunded(ctx, payment, ch)
}

// syncPaymentRefunded folds the charge's cumulative refunded total into the
// settled payment. The total is monotonic, so replays and out-of-order
// deliveries of older snapshots change nothing.
func (e *Engine) syncPaymentRefunded(ctx context.Context, payment *domain.Transaction, ch *gateway.Charge) error {
	if payment == nil {
		return nil
	}

	currency := money.ParseCurrency(ch.Currency)
	if currency == "" {
		currency = payment.Currency
	}
	totalMinor := ch.AmountRefunded
	if totalMinor == 0 {
		for _, refund := range ch.Refunds {
			if refund.Status == gateway.RefundStatusSucceeded {
				totalMinor += refund.Amount
			}
		}
	}
	if totalMinor == 0 {
		return nil
	}

	before := payment.AmountRefunded
	if err := payment.SyncRefunded(money.New(totalMinor, currency).Major()); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			e.reportAnomaly(ctx, "refund_before_settlement", ch.ID, fmt.Sprintf(
				"charge refunded but transaction %s is %s", payment.ID, payment.Status))
			return nil
		}
		return err
	}
	if payment.AmountRefunded == before {
		return nil
	}
	if err := e.store.UpdateTransaction(ctx, payment); err != nil {
		return fmt.Errorf("updating refunded payment: %w", err)
	}
	return nil
}

// findRefundedPayment resolves the settled payment behind a refunded charge,
// by payment intent when the charge carries one, by charge ID otherwise.
// A nil result with a nil error means no payment matched.
func (e *Engine) findRefundedPayment(ctx context.Context, ch *gateway.Charge) (*domain.Transaction, error) {
	var payment *domain.Transaction
	var err error
	if ch.PaymentIntentID != "" {
		payment, err = e.store.FindByPaymentIntent(ctx, e.provider, ch.PaymentIntentID)
	} else {
		payment, err = e.store.FindByChargeID(ctx, e.provider, ch.ID)
	}
	if err != nil {
		if database.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding refunded payment: %w", err)
	}
	return payment, nil
}

// recordRefund books one refund. A nil payment records a standalone refund
// with no invoice or client linkage. The invoice debit runs on every
// delivery, not just the one that created the row, so a delivery that died
// between the two steps is completed by the next one.
func (e *Engine) recordRefund(ctx context.Context, payment *domain.Transaction, ch *gateway.Charge, refund gateway.Refund) error {
	currency := money.ParseCurrency(refund.Currency)
	if currency == "" && payment != nil {
		currency = payment.Currency
	}
	amount := money.New(refund.Amount, currency).Major()

	chargeID := refund.ChargeID
	if chargeID == "" {
		chargeID = ch.ID
	}

	var created *domain.Transaction
	_, err := e.store.FindByRefundID(ctx, e.provider, refund.ID)
	switch {
	case err == nil:
		// Already on the books from an earlier delivery.
	case database.IsNotFound(err):
		data := domain.GatewayData{
			Provider: e.provider,
			ChargeID: chargeID,
			RefundID: refund.ID,
		}
		if payment != nil {
			data.PaymentIntentID = payment.Gateway.PaymentIntentID
		}

		txn, err := domain.NewTransaction(domain.TransactionTypeRefund, amount, currency, data)
		if err != nil {
			return fmt.Errorf("building refund transaction: %w", err)
		}
		txn.RefundReason = refund.Reason
		if payment != nil {
			txn.InvoiceID = payment.InvoiceID
			txn.ClientID = payment.ClientID
			txn.ConsultantID = payment.ConsultantID
			txn.Description = "refund of " + payment.ID
		} else {
			txn.Description = "refund of unmatched charge " + chargeID
		}
		if err := txn.Complete(domain.Settlement{ChargeID: chargeID}); err != nil {
			return err
		}

		if err := e.store.CreateTransaction(ctx, txn); err != nil {
			if !errors.Is(err, database.ErrAlreadyExists) {
				return fmt.Errorf("recording refund %s: %w", refund.ID, err)
			}
			// A concurrent writer created the row; fall through to the debit.
		} else {
			created = txn
		}
	default:
		return fmt.Errorf("checking refund %s: %w", refund.ID, err)
	}

	if payment != nil && payment.InvoiceID != "" {
		if err := e.store.ApplyRefundToInvoice(ctx, payment.InvoiceID, refund.ID, amount); err != nil {
			return fmt.Errorf("debiting invoice %s: %w", payment.InvoiceID, err)
		}
	}

	if created != nil {
		e.publishTransactionAudit(ctx, events.TypeRefundRecorded, created)
		e.logger.Info("refund recorded",
			"transaction_id", created.ID,
			"refund_id", refund.ID,
			"amount", amount,
			"orphan", payment == nil,
		)
	}
	return nil
}

// HandleTransferCreated records a payout transfer once, keyed by the
// provider's transfer ID.
func (e *Engine) HandleTransferCreated(ctx context.Context, tr *gateway.Transfer) error {
	unlock := e.locks.Lock(e.transferKey(tr.ID))
	defer unlock()

	_, err := e.store.FindByTransferID(ctx, e.provider, tr.ID)
	if err == nil {
		return nil
	}
	if !database.IsNotFound(err) {
		return fmt.Errorf("checking transfer %s: %w", tr.ID, err)
	}

	currency := money.ParseCurrency(tr.Currency)
	amount := money.New(tr.Amount, currency).Major()

	txn, err := domain.NewTransaction(domain.TransactionTypePayout, amount, currency, domain.GatewayData{
		Provider:   e.provider,
		TransferID: tr.ID,
	})
	if err != nil {
		return fmt.Errorf("building payout transaction: %w", err)
	}
	txn.ConsultantID = tr.Metadata[gateway.MetaConsultantID]
	txn.Description = tr.Description
	if err := txn.Complete(domain.Settlement{}); err != nil {
		return err
	}

	if err := e.store.CreateTransaction(ctx, txn); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("recording transfer %s: %w", tr.ID, err)
	}

	e.publishTransactionAudit(ctx, events.TypePayoutRecorded, txn)
	e.logger.Info("payout recorded",
		"transaction_id", txn.ID,
		"transfer_id", tr.ID,
		"destination", tr.Destination,
		"amount", amount,
	)
	return nil
}

// HandleAccountUpdated folds the provider's capability flags into the local
// payout account. Updates for accounts we never provisioned are reported and
// dropped.
func (e *Engine) HandleAccountUpdated(ctx context.Context, acct *gateway.Account) error {
	unlock := e.locks.Lock("account:" + e.provider + ":" + acct.ID)
	defer unlock()

	local, err := e.store.GetConnectAccountByGatewayID(ctx, e.provider, acct.ID)
	if err != nil {
		if database.IsNotFound(err) {
			e.reportAnomaly(ctx, "unknown_account", acct.ID, "account update for unprovisioned account")
			return nil
		}
		return fmt.Errorf("finding connect account: %w", err)
	}

	local.ApplyCapabilities(acct.ChargesEnabled, acct.PayoutsEnabled, acct.DetailsSubmitted)
	if err := e.store.UpdateConnectAccount(ctx, local); err != nil {
		return fmt.Errorf("updating connect account: %w", err)
	}

	if event, eventErr := events.NewEvent(events.TypeAccountUpdated, "connect_account", local.ID, events.AccountAuditData{
		ConsultantID:      local.ConsultantID,
		ExternalAccountID: local.GatewayAccountID,
		Status:            string(local.Status),
	}); eventErr == nil {
		e.audit.Publish(ctx, event.WithCorrelation(middleware.GetCorrelationID(ctx)))
	}

	e.logger.Info("connect account updated",
		"account_id", local.ID,
		"gateway_account_id", acct.ID,
		"status", local.Status,
	)
	return nil
}

// findOrCreatePayment resolves the ledger transaction for a payment intent.
// Losing the insert race means another writer created the row; the losing
// side re-reads and proceeds against the winner.
func (e *Engine) findOrCreatePayment(ctx context.Context, pi *gateway.PaymentIntent) (*domain.Transaction, error) {
	txn, err := e.store.FindByPaymentIntent(ctx, e.provider, pi.ID)
	if err == nil {
		return txn, nil
	}
	if !database.IsNotFound(err) {
		return nil, fmt.Errorf("finding transaction for intent %s: %w", pi.ID, err)
	}

	currency := money.ParseCurrency(pi.Currency)
	amount := money.New(pi.Amount, currency).Major()

	txn, err = domain.NewTransaction(domain.TransactionTypePayment, amount, currency, domain.GatewayData{
		Provider:        e.provider,
		PaymentIntentID: pi.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("building transaction for intent %s: %w", pi.ID, err)
	}
	txn.InvoiceID = pi.Metadata[gateway.MetaInvoiceID]
	txn.ClientID = pi.Metadata[gateway.MetaClientID]
	txn.ConsultantID = pi.Metadata[gateway.MetaConsultantID]
	txn.Metadata = pi.Metadata

	if err := e.store.CreateTransaction(ctx, txn); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return e.store.FindByPaymentIntent(ctx, e.provider, pi.ID)
		}
		return nil, fmt.Errorf("creating transaction for intent %s: %w", pi.ID, err)
	}
	return txn, nil
}

// TrackPayment registers a transaction for a freshly created payment intent
// on the synchronous path, before any webhook can land.
func (e *Engine) TrackPayment(ctx context.Context, pi *gateway.PaymentIntent) (*domain.Transaction, error) {
	unlock := e.locks.Lock(e.intentKey(pi.ID))
	defer unlock()
	return e.findOrCreatePayment(ctx, pi)
}

func (e *Engine) intentKey(paymentIntentID string) string {
	return "intent:" + e.provider + ":" + paymentIntentID
}

func (e *Engine) transferKey(transferID string) string {
	return "transfer:" + e.provider + ":" + transferID
}

func (e *Engine) publishTransactionAudit(ctx context.Context, eventType string, txn *domain.Transaction) {
	data := events.TransactionAuditData{
		TransactionID:   txn.ID,
		Type:            string(txn.Type),
		Status:          string(txn.Status),
		Amount:          txn.Amount,
		Currency:        string(txn.Currency),
		Provider:        txn.Gateway.Provider,
		PaymentIntentID: txn.Gateway.PaymentIntentID,
		ChargeID:        txn.Gateway.ChargeID,
		RefundID:        txn.Gateway.RefundID,
		TransferID:      txn.Gateway.TransferID,
		InvoiceID:       txn.InvoiceID,
	}
	if txn.Failure != nil {
		data.ErrorCode = txn.Failure.Code
	}

	event, err := events.NewEvent(eventType, "transaction", txn.ID, data)
	if err != nil {
		e.logger.Error("building audit event", "error", err)
		return
	}
	e.audit.Publish(ctx, event.WithCorrelation(middleware.GetCorrelationID(ctx)))
}

func (e *Engine) reportAnomaly(ctx context.Context, kind, gatewayRef, description string) {
	e.logger.Warn("reconciliation anomaly",
		"kind", kind,
		"gateway_ref", gatewayRef,
		"description", description,
	)

	event, err := events.NewEvent(events.TypeAnomalyDetected, "anomaly", gatewayRef, events.AnomalyData{
		Kind:        kind,
		Provider:    e.provider,
		GatewayRef:  gatewayRef,
		Description: description,
	})
	if err != nil {
		return
	}
	e.audit.Publish(ctx, event.WithCorrelation(middleware.GetCorrelationID(ctx)))
}
