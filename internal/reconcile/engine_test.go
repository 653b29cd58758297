package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/ledger/domain"
)

type memoryStore struct {
	mu           sync.Mutex
	transactions map[string]*domain.Transaction
	invoices     map[string]*domain.Invoice
	accounts     map[string]*domain.ConnectAccount
	applications map[string]float64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		transactions: make(map[string]*domain.Transaction),
		invoices:     make(map[string]*domain.Invoice),
		accounts:     make(map[string]*domain.ConnectAccount),
		applications: make(map[string]float64),
	}
}

func cloneTxn(t *domain.Transaction) *domain.Transaction {
	c := *t
	return &c
}

func (m *memoryStore) CreateTransaction(_ context.Context, txn *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.transactions {
		if txn.Type == domain.TransactionTypePayment &&
			existing.Type == domain.TransactionTypePayment &&
			txn.Gateway.PaymentIntentID != "" &&
			existing.Gateway.Provider == txn.Gateway.Provider &&
			existing.Gateway.PaymentIntentID == txn.Gateway.PaymentIntentID &&
			existing.Status != domain.TransactionStatusFailed &&
			txn.Status != domain.TransactionStatusFailed {
			return database.ErrAlreadyExists
		}
		if txn.Gateway.RefundID != "" && existing.Gateway.RefundID == txn.Gateway.RefundID {
			return database.ErrAlreadyExists
		}
		if txn.Gateway.TransferID != "" && existing.Gateway.TransferID == txn.Gateway.TransferID {
			return database.ErrAlreadyExists
		}
	}
	m.transactions[txn.ID] = cloneTxn(txn)
	return nil
}

func (m *memoryStore) UpdateTransaction(_ context.Context, txn *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[txn.ID]; !ok {
		return database.ErrNotFound
	}
	m.transactions[txn.ID] = cloneTxn(txn)
	return nil
}

func (m *memoryStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cloneTxn(txn), nil
}

func (m *memoryStore) FindByPaymentIntent(_ context.Context, provider, intentID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.transactions {
		if txn.Gateway.Provider == provider &&
			txn.Gateway.PaymentIntentID == intentID &&
			txn.Status != domain.TransactionStatusFailed &&
			txn.Type == domain.TransactionTypePayment {
			return cloneTxn(txn), nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memoryStore) FindByChargeID(_ context.Context, provider, chargeID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.transactions {
		if txn.Gateway.Provider == provider && txn.Gateway.ChargeID == chargeID &&
			txn.Type == domain.TransactionTypePayment && txn.Status != domain.TransactionStatusFailed {
			return cloneTxn(txn), nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memoryStore) FindByRefundID(_ context.Context, provider, refundID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.transactions {
		if txn.Gateway.Provider == provider && txn.Gateway.RefundID == refundID {
			return cloneTxn(txn), nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memoryStore) FindByTransferID(_ context.Context, provider, transferID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.transactions {
		if txn.Gateway.Provider == provider && txn.Gateway.TransferID == transferID {
			return cloneTxn(txn), nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memoryStore) ApplyPaymentToInvoice(_ context.Context, invoiceID, transactionID string, amount float64) error {
	return m.apply(invoiceID, "payment:"+transactionID, amount, false)
}

func (m *memoryStore) ApplyRefundToInvoice(_ context.Context, invoiceID, refundRef string, amount float64) error {
	return m.apply(invoiceID, "refund:"+refundRef, amount, true)
}

func (m *memoryStore) apply(invoiceID, ref string, amount float64, refund bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := invoiceID + "/" + ref
	if _, done := m.applications[key]; done {
		return nil
	}
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return database.ErrNotFound
	}
	m.applications[key] = amount
	if refund {
		return inv.ApplyRefund(amount)
	}
	return inv.ApplyPayment(amount)
}

func (m *memoryStore) GetConnectAccountByGatewayID(_ context.Context, provider, gatewayAccountID string) (*domain.ConnectAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range m.accounts {
		if acct.Provider == provider && acct.GatewayAccountID == gatewayAccountID {
			c := *acct
			return &c, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memoryStore) UpdateConnectAccount(_ context.Context, acct *domain.ConnectAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; !ok {
		return database.ErrNotFound
	}
	c := *acct
	m.accounts[acct.ID] = &c
	return nil
}

func (m *memoryStore) transactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

func (m *memoryStore) paymentFor(t *testing.T, intentID string) *domain.Transaction {
	t.Helper()
	txn, err := m.FindByPaymentIntent(context.Background(), "stripe", intentID)
	require.NoError(t, err)
	return txn
}

type memoryAudit struct {
	mu     sync.Mutex
	events []*events.Event
}

func (a *memoryAudit) Publish(_ context.Context, event *events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *memoryAudit) ofType(eventType string) []*events.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*events.Event
	for _, e := range a.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine() (*Engine, *memoryStore, *memoryAudit) {
	store := newMemoryStore()
	audit := &memoryAudit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, "stripe", audit, logger), store, audit
}

func succeededIntent(intentID string, amountMinor int64, metadata map[string]string) *gateway.PaymentIntent {
	return &gateway.PaymentIntent{
		ID:             intentID,
		Amount:         amountMinor,
		AmountReceived: amountMinor,
		Currency:       "usd",
		Status:         gateway.IntentStatusSucceeded,
		Metadata:       metadata,
		LatestCharge: &gateway.Charge{
			ID:         "ch_" + intentID,
			Amount:     amountMinor,
			Status:     gateway.ChargeStatusSucceeded,
			ReceiptURL: "https://receipts.test/" + intentID,
			PaymentMethod: &gateway.CardDetails{
				Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030,
			},
		},
	}
}

func seedInvoice(store *memoryStore, id string, amountDue float64) *domain.Invoice {
	inv := &domain.Invoice{
		ID:        id,
		ClientID:  "client_1",
		AmountDue: amountDue,
		Currency:  money.USD,
		Status:    domain.InvoiceStatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	store.invoices[id] = inv
	return inv
}

func TestPaymentSucceededCreatesAndSettles(t *testing.T) {
	engine, store, audit := newTestEngine()
	seedInvoice(store, "inv_1", 150.00)

	pi := succeededIntent("pi_1", 15000, map[string]string{
		gateway.MetaInvoiceID: "inv_1",
		gateway.MetaClientID:  "client_1",
	})
	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), pi))

	txn := store.paymentFor(t, "pi_1")
	assert.Equal(t, domain.TransactionStatusCompleted, txn.Status)
	assert.Equal(t, 150.00, txn.Amount)
	assert.Equal(t, money.USD, txn.Currency)
	assert.Equal(t, "ch_pi_1", txn.Gateway.ChargeID)
	require.NotNil(t, txn.Card)
	assert.Equal(t, "4242", txn.Card.Last4)

	inv := store.invoices["inv_1"]
	assert.Equal(t, 150.00, inv.AmountPaid)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)

	assert.Len(t, audit.ofType(events.TypePaymentCompleted), 1)
}

func TestPaymentSucceededReplayIsIdempotent(t *testing.T) {
	engine, store, audit := newTestEngine()
	seedInvoice(store, "inv_1", 150.00)

	pi := succeededIntent("pi_1", 15000, map[string]string{gateway.MetaInvoiceID: "inv_1"})
	for i := 0; i < 5; i++ {
		require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), pi))
	}

	assert.Equal(t, 1, store.transactionCount())
	assert.Equal(t, 150.00, store.invoices["inv_1"].AmountPaid)
	assert.Len(t, audit.ofType(events.TypePaymentCompleted), 1)
}

func TestPaymentFailedRecordsReason(t *testing.T) {
	engine, store, audit := newTestEngine()

	pi := succeededIntent("pi_1", 15000, nil)
	pi.Status = "requires_payment_method"
	pi.LastError = &gateway.ErrorDetail{Code: "card_declined", Message: "Your card was declined."}
	require.NoError(t, engine.HandlePaymentFailed(context.Background(), pi))

	_, err := store.FindByPaymentIntent(context.Background(), "stripe", "pi_1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	var failed *domain.Transaction
	for _, txn := range store.transactions {
		failed = txn
	}
	require.NotNil(t, failed)
	assert.Equal(t, domain.TransactionStatusFailed, failed.Status)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, "card_declined", failed.Failure.Code)
	assert.Len(t, audit.ofType(events.TypePaymentFailed), 1)
}

func TestRetryAfterFailureOpensNewTransaction(t *testing.T) {
	engine, store, _ := newTestEngine()

	pi := succeededIntent("pi_1", 15000, nil)
	pi.LastError = &gateway.ErrorDetail{Code: "card_declined"}
	require.NoError(t, engine.HandlePaymentFailed(context.Background(), pi))

	// The retry reuses the same intent; the failed row does not block it.
	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), succeededIntent("pi_1", 15000, nil)))

	assert.Equal(t, 2, store.transactionCount())
	txn := store.paymentFor(t, "pi_1")
	assert.Equal(t, domain.TransactionStatusCompleted, txn.Status)
}

func TestLateFailureDoesNotUnsettle(t *testing.T) {
	engine, store, audit := newTestEngine()

	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), succeededIntent("pi_1", 15000, nil)))

	pi := succeededIntent("pi_1", 15000, nil)
	pi.LastError = &gateway.ErrorDetail{Code: "processing_error"}
	require.NoError(t, engine.HandlePaymentFailed(context.Background(), pi))

	txn := store.paymentFor(t, "pi_1")
	assert.Equal(t, domain.TransactionStatusCompleted, txn.Status)
	assert.NotEmpty(t, audit.ofType(events.TypeAnomalyDetected))
}

func TestChargeRefunded(t *testing.T) {
	engine, store, audit := newTestEngine()
	seedInvoice(store, "inv_1", 150.00)

	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(),
		succeededIntent("pi_1", 15000, map[string]string{gateway.MetaInvoiceID: "inv_1"})))

	charge := &gateway.Charge{
		ID:              "ch_pi_1",
		PaymentIntentID: "pi_1",
		Amount:          15000,
		AmountRefunded:  5000,
		Refunds: []gateway.Refund{
			{ID: "re_1", ChargeID: "ch_pi_1", Amount: 5000, Currency: "usd", Status: gateway.RefundStatusSucceeded},
		},
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.HandleChargeRefunded(context.Background(), charge))
	}

	payment := store.paymentFor(t, "pi_1")
	assert.Equal(t, 50.00, payment.AmountRefunded)
	assert.False(t, payment.FullyRefunded())

	inv := store.invoices["inv_1"]
	assert.Equal(t, 150.00, inv.AmountPaid)
	assert.Equal(t, 50.00, inv.AmountRefunded)
	assert.Equal(t, 100.00, inv.Balance())
	assert.Equal(t, domain.InvoiceStatusPartiallyRefunded, inv.Status)

	// One payment, one refund transaction, regardless of replays.
	assert.Equal(t, 2, store.transactionCount())
	assert.Len(t, audit.ofType(events.TypeRefundRecorded), 1)
}

func TestChargeRefundedAccumulates(t *testing.T) {
	engine, store, _ := newTestEngine()

	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), succeededIntent("pi_1", 15000, nil)))

	first := &gateway.Charge{
		ID: "ch_pi_1", PaymentIntentID: "pi_1", Amount: 15000, AmountRefunded: 5000,
		Refunds: []gateway.Refund{
			{ID: "re_1", ChargeID: "ch_pi_1", Amount: 5000, Currency: "usd", Status: gateway.RefundStatusSucceeded},
		},
	}
	require.NoError(t, engine.HandleChargeRefunded(context.Background(), first))

	// The second event carries the full refund list; only re_2 is new.
	second := &gateway.Charge{
		ID: "ch_pi_1", PaymentIntentID: "pi_1", Amount: 15000, AmountRefunded: 15000,
		Refunds: []gateway.Refund{
			{ID: "re_1", ChargeID: "ch_pi_1", Amount: 5000, Currency: "usd", Status: gateway.RefundStatusSucceeded},
			{ID: "re_2", ChargeID: "ch_pi_1", Amount: 10000, Currency: "usd", Status: gateway.RefundStatusSucceeded},
		},
	}
	require.NoError(t, engine.HandleChargeRefunded(context.Background(), second))

	payment := store.paymentFor(t, "pi_1")
	assert.Equal(t, 150.00, payment.AmountRefunded)
	assert.True(t, payment.FullyRefunded())
}

// flakyRefundStore drops the invoice debit a fixed number of times,
// simulating a repository outage between creating the refund row and
// debiting the invoice.
type flakyRefundStore struct {
	*memoryStore
	failDebits int
}

func (s *flakyRefundStore) ApplyRefundToInvoice(ctx context.Context, invoiceID, refundRef string, amount float64) error {
	if s.failDebits > 0 {
		s.failDebits--
		return errors.New("connection reset")
	}
	return s.memoryStore.ApplyRefundToInvoice(ctx, invoiceID, refundRef, amount)
}

func TestRefundRedeliveryCompletesPartialFailure(t *testing.T) {
	inner := newMemoryStore()
	store := &flakyRefundStore{memoryStore: inner, failDebits: 1}
	audit := &memoryAudit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := New(store, "stripe", audit, logger)

	seedInvoice(inner, "inv_1", 150.00)
	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(),
		succeededIntent("pi_1", 15000, map[string]string{gateway.MetaInvoiceID: "inv_1"})))

	charge := &gateway.Charge{
		ID:              "ch_pi_1",
		PaymentIntentID: "pi_1",
		Amount:          15000,
		AmountRefunded:  5000,
		Refunds: []gateway.Refund{
			{ID: "re_1", ChargeID: "ch_pi_1", Amount: 5000, Currency: "usd", Status: gateway.RefundStatusSucceeded},
		},
	}

	// The first delivery creates the refund row, then dies at the debit.
	require.Error(t, engine.HandleChargeRefunded(context.Background(), charge))
	assert.Equal(t, 2, inner.transactionCount())
	assert.Equal(t, 0.00, inner.invoices["inv_1"].AmountRefunded)

	// Redelivery finds the existing row and completes the remaining steps.
	require.NoError(t, engine.HandleChargeRefunded(context.Background(), charge))

	inv := inner.invoices["inv_1"]
	assert.Equal(t, 150.00, inv.AmountPaid)
	assert.Equal(t, 50.00, inv.AmountRefunded)
	assert.Equal(t, 100.00, inv.Balance())

	payment := inner.paymentFor(t, "pi_1")
	assert.Equal(t, 50.00, payment.AmountRefunded)
	assert.Equal(t, 2, inner.transactionCount())
}

func TestOrphanRefundRecordedStandalone(t *testing.T) {
	engine, store, audit := newTestEngine()

	charge := &gateway.Charge{
		ID: "ch_unknown", PaymentIntentID: "pi_unknown", AmountRefunded: 5000,
		Refunds: []gateway.Refund{
			{ID: "re_1", Amount: 5000, Currency: "usd", Status: gateway.RefundStatusSucceeded},
		},
	}
	require.NoError(t, engine.HandleChargeRefunded(context.Background(), charge))

	// The refund is still booked, detached from any invoice or client.
	assert.Equal(t, 1, store.transactionCount())
	txn, err := store.FindByRefundID(context.Background(), "stripe", "re_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeRefund, txn.Type)
	assert.Equal(t, 50.00, txn.Amount)
	assert.Empty(t, txn.InvoiceID)
	assert.Empty(t, txn.ClientID)
	assert.Equal(t, "ch_unknown", txn.Gateway.ChargeID)

	anomalies := audit.ofType(events.TypeAnomalyDetected)
	require.Len(t, anomalies, 1)
	var data events.AnomalyData
	require.NoError(t, anomalies[0].DecodeData(&data))
	assert.Equal(t, "orphan_refund", data.Kind)

	// Replay creates nothing new.
	require.NoError(t, engine.HandleChargeRefunded(context.Background(), charge))
	assert.Equal(t, 1, store.transactionCount())
}

func TestTransferCreated(t *testing.T) {
	engine, store, audit := newTestEngine()

	transfer := &gateway.Transfer{
		ID: "tr_1", Amount: 9000, Currency: "usd", Destination: "acct_1",
		Metadata: map[string]string{gateway.MetaConsultantID: "cons_1"},
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, engine.HandleTransferCreated(context.Background(), transfer))
	}

	assert.Equal(t, 1, store.transactionCount())
	txn, err := store.FindByTransferID(context.Background(), "stripe", "tr_1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypePayout, txn.Type)
	assert.Equal(t, domain.TransactionStatusCompleted, txn.Status)
	assert.Equal(t, 90.00, txn.Amount)
	assert.Equal(t, "cons_1", txn.ConsultantID)
	assert.Len(t, audit.ofType(events.TypePayoutRecorded), 1)
}

func TestAccountUpdated(t *testing.T) {
	engine, store, audit := newTestEngine()

	acct, err := domain.NewConnectAccount("cons_1", "stripe", "acct_1")
	require.NoError(t, err)
	store.accounts[acct.ID] = acct

	require.NoError(t, engine.HandleAccountUpdated(context.Background(), &gateway.Account{
		ID: "acct_1", ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true,
	}))

	updated, err := store.GetConnectAccountByGatewayID(context.Background(), "stripe", "acct_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectAccountStatusActive, updated.Status)
	assert.Len(t, audit.ofType(events.TypeAccountUpdated), 1)

	t.Run("unknown account is an anomaly", func(t *testing.T) {
		require.NoError(t, engine.HandleAccountUpdated(context.Background(), &gateway.Account{ID: "acct_ghost"}))
		assert.NotEmpty(t, audit.ofType(events.TypeAnomalyDetected))
	})
}

func TestHandleEventDispatch(t *testing.T) {
	engine, store, _ := newTestEngine()

	event := &gateway.Event{
		ID:            "evt_1",
		Type:          gateway.EventPaymentSucceeded,
		PaymentIntent: succeededIntent("pi_1", 15000, nil),
	}
	require.NoError(t, engine.HandleEvent(context.Background(), event))
	assert.Equal(t, 1, store.transactionCount())

	// Unknown types are acknowledged without touching the ledger.
	require.NoError(t, engine.HandleEvent(context.Background(), &gateway.Event{
		ID: "evt_2", Type: "invoice.finalized",
	}))
	assert.Equal(t, 1, store.transactionCount())
}

func TestConcurrentDeliveriesForSameIntent(t *testing.T) {
	engine, store, _ := newTestEngine()
	seedInvoice(store, "inv_1", 150.00)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pi := succeededIntent("pi_1", 15000, map[string]string{gateway.MetaInvoiceID: "inv_1"})
			assert.NoError(t, engine.HandlePaymentSucceeded(context.Background(), pi))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.transactionCount())
	assert.Equal(t, 150.00, store.invoices["inv_1"].AmountPaid)
}

func TestTrackPaymentThenWebhookSettles(t *testing.T) {
	engine, store, _ := newTestEngine()
	seedInvoice(store, "inv_1", 150.00)

	pending := &gateway.PaymentIntent{
		ID: "pi_1", Amount: 15000, Currency: "usd",
		Status:   gateway.IntentStatusProcessing,
		Metadata: map[string]string{gateway.MetaInvoiceID: "inv_1"},
	}
	txn, err := engine.TrackPayment(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, txn.Status)

	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(),
		succeededIntent("pi_1", 15000, map[string]string{gateway.MetaInvoiceID: "inv_1"})))

	settled := store.paymentFor(t, "pi_1")
	assert.Equal(t, txn.ID, settled.ID)
	assert.Equal(t, domain.TransactionStatusCompleted, settled.Status)
	assert.Equal(t, 1, store.transactionCount())
}
