package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/ledger/domain"
)

// ApplicationKind distinguishes invoice application records
type ApplicationKind string

const (
	ApplicationKindPayment ApplicationKind = "payment"
	ApplicationKindRefund  ApplicationKind = "refund"
)

// Store provides ledger data access
type Store struct {
	db *database.DB
}

// New creates a new ledger store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const transactionColumns = `
	id, type, method, status, amount, amount_refunded, currency, invoice_id,
	client_id, consultant_id, description, provider, payment_intent_id,
	charge_id, refund_id, transfer_id, receipt_url, card, billing,
	failure, refund_reason, metadata, completed_at, created_at, updated_at
`

// CreateTransaction inserts a transaction. A unique violation on any of the
// provider reference indexes surfaces as ErrAlreadyExists so the caller can
// re-read the row that won.
func (s *Store) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`

	_, err := s.db.Exec(ctx, query,
		txn.ID,
		txn.Type,
		txn.Method,
		txn.Status,
		txn.Amount,
		txn.AmountRefunded,
		txn.Currency,
		nullIfEmpty(txn.InvoiceID),
		nullIfEmpty(txn.ClientID),
		nullIfEmpty(txn.ConsultantID),
		txn.Description,
		txn.Gateway.Provider,
		nullIfEmpty(txn.Gateway.PaymentIntentID),
		nullIfEmpty(txn.Gateway.ChargeID),
		nullIfEmpty(txn.Gateway.RefundID),
		nullIfEmpty(txn.Gateway.TransferID),
		txn.Gateway.ReceiptURL,
		txn.Card,
		txn.Billing,
		txn.Failure,
		txn.RefundReason,
		txn.Metadata,
		txn.CompletedAt,
		txn.CreatedAt,
		txn.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction for %s already exists: %w",
				txn.Gateway.PaymentIntentID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating transaction: %w", err)
	}
	return nil
}

// UpdateTransaction persists mutable transaction state
func (s *Store) UpdateTransaction(ctx context.Context, txn *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $2, amount_refunded = $3, invoice_id = $4,
			charge_id = $5, refund_id = $6, transfer_id = $7,
			receipt_url = $8, card = $9, billing = $10, failure = $11,
			metadata = $12, completed_at = $13, updated_at = $14
		WHERE id = $1
	`

	tag, err := s.db.Exec(ctx, query,
		txn.ID,
		txn.Status,
		txn.AmountRefunded,
		nullIfEmpty(txn.InvoiceID),
		nullIfEmpty(txn.Gateway.ChargeID),
		nullIfEmpty(txn.Gateway.RefundID),
		nullIfEmpty(txn.Gateway.TransferID),
		txn.Gateway.ReceiptURL,
		txn.Card,
		txn.Billing,
		txn.Failure,
		txn.Metadata,
		txn.CompletedAt,
		txn.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction update collides with existing reference: %w", database.ErrConflict)
		}
		return fmt.Errorf("updating transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(s.db.QueryRow(ctx, query, id))
}

// FindByPaymentIntent finds the live transaction for a provider payment
// intent. Failed transactions are excluded so a retried payment can reuse
// the same intent reference.
func (s *Store) FindByPaymentIntent(ctx context.Context, provider, paymentIntentID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE provider = $1 AND payment_intent_id = $2
			AND type = 'payment' AND status <> 'failed'
	`
	return scanTransaction(s.db.QueryRow(ctx, query, provider, paymentIntentID))
}

// FindByChargeID finds the payment that settled a provider charge
func (s *Store) FindByChargeID(ctx context.Context, provider, chargeID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE provider = $1 AND charge_id = $2
			AND type = 'payment' AND status <> 'failed'
	`
	return scanTransaction(s.db.QueryRow(ctx, query, provider, chargeID))
}

// FindByRefundID finds the payout-side record of a provider refund
func (s *Store) FindByRefundID(ctx context.Context, provider, refundID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE provider = $1 AND refund_id = $2
	`
	return scanTransaction(s.db.QueryRow(ctx, query, provider, refundID))
}

// FindByTransferID finds the transaction recording a provider transfer
func (s *Store) FindByTransferID(ctx context.Context, provider, transferID string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE provider = $1 AND transfer_id = $2
	`
	return scanTransaction(s.db.QueryRow(ctx, query, provider, transferID))
}

// ListTransactions lists transactions filtered by invoice or client,
// newest first
func (s *Store) ListTransactions(ctx context.Context, invoiceID, clientID string, limit, offset int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if invoiceID != "" {
		query += fmt.Sprintf(` AND invoice_id = $%d`, argIdx)
		args = append(args, invoiceID)
		argIdx++
	}
	if clientID != "" {
		query += fmt.Sprintf(` AND client_id = $%d`, argIdx)
		args = append(args, clientID)
		argIdx++
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*domain.Transaction
	for rows.Next() {
		txn, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// GetInvoice retrieves an invoice by ID
func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	query := `
		SELECT id, client_id, consultant_id, amount_due, amount_paid,
			   amount_refunded, currency, status, paid_at, created_at, updated_at
		FROM invoices
		WHERE id = $1
	`

	var inv domain.Invoice
	var consultantID *string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&inv.ID, &inv.ClientID, &consultantID, &inv.AmountDue, &inv.AmountPaid,
		&inv.AmountRefunded, &inv.Currency, &inv.Status, &inv.PaidAt,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning invoice: %w", err)
	}
	if consultantID != nil {
		inv.ConsultantID = *consultantID
	}
	return &inv, nil
}

// CreateInvoice inserts an invoice
func (s *Store) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	query := `
		INSERT INTO invoices (
			id, client_id, consultant_id, amount_due, amount_paid,
			amount_refunded, currency, status, paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.Exec(ctx, query,
		inv.ID, inv.ClientID, nullIfEmpty(inv.ConsultantID), inv.AmountDue,
		inv.AmountPaid, inv.AmountRefunded, inv.Currency, inv.Status,
		inv.PaidAt, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("invoice %s already exists: %w", inv.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating invoice: %w", err)
	}
	return nil
}

// ApplyPaymentToInvoice credits a settled transaction against its invoice
// exactly once. The application record's primary key makes a replay a no-op,
// so the invoice arithmetic runs at most once per transaction.
func (s *Store) ApplyPaymentToInvoice(ctx context.Context, invoiceID, transactionID string, amount float64) error {
	return s.applyToInvoice(ctx, invoiceID, transactionID, ApplicationKindPayment, amount)
}

// ApplyRefundToInvoice debits a refund from its invoice exactly once per
// provider refund reference.
func (s *Store) ApplyRefundToInvoice(ctx context.Context, invoiceID, refundRef string, amount float64) error {
	return s.applyToInvoice(ctx, invoiceID, refundRef, ApplicationKindRefund, amount)
}

func (s *Store) applyToInvoice(ctx context.Context, invoiceID, ref string, kind ApplicationKind, amount float64) error {
	apply := func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO invoice_applications (invoice_id, reference, kind, amount, applied_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (invoice_id, reference, kind) DO NOTHING
		`, invoiceID, ref, kind, amount)
		if err != nil {
			return fmt.Errorf("recording invoice application: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already applied by an earlier delivery.
			return nil
		}

		var inv domain.Invoice
		var consultantID *string
		err = tx.QueryRow(ctx, `
			SELECT id, client_id, consultant_id, amount_due, amount_paid,
				   amount_refunded, currency, status, paid_at, created_at, updated_at
			FROM invoices
			WHERE id = $1
			FOR UPDATE
		`, invoiceID).Scan(
			&inv.ID, &inv.ClientID, &consultantID, &inv.AmountDue, &inv.AmountPaid,
			&inv.AmountRefunded, &inv.Currency, &inv.Status, &inv.PaidAt,
			&inv.CreatedAt, &inv.UpdatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return database.ErrNotFound
			}
			return fmt.Errorf("locking invoice: %w", err)
		}

		switch kind {
		case ApplicationKindPayment:
			err = inv.ApplyPayment(amount)
		case ApplicationKindRefund:
			err = inv.ApplyRefund(amount)
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE invoices
			SET amount_paid = $2, amount_refunded = $3, status = $4,
				paid_at = $5, updated_at = $6
			WHERE id = $1
		`, inv.ID, inv.AmountPaid, inv.AmountRefunded, inv.Status, inv.PaidAt, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating invoice: %w", err)
		}
		return nil
	}

	// Concurrent deliveries for the same invoice contend on the row lock.
	return database.Retry(ctx, 3, func() error {
		return s.db.WithTx(ctx, apply)
	})
}

// CreateConnectAccount inserts a payout account mapping
func (s *Store) CreateConnectAccount(ctx context.Context, acct *domain.ConnectAccount) error {
	query := `
		INSERT INTO connect_accounts (
			id, consultant_id, provider, gateway_account_id, status,
			charges_enabled, payouts_enabled, details_submitted,
			country, email, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.Exec(ctx, query,
		acct.ID, acct.ConsultantID, acct.Provider, acct.GatewayAccountID,
		acct.Status, acct.ChargesEnabled, acct.PayoutsEnabled,
		acct.DetailsSubmitted, acct.Country, acct.Email,
		acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("consultant %s already has a %s account: %w",
				acct.ConsultantID, acct.Provider, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating connect account: %w", err)
	}
	return nil
}

// UpdateConnectAccount persists capability and status changes
func (s *Store) UpdateConnectAccount(ctx context.Context, acct *domain.ConnectAccount) error {
	query := `
		UPDATE connect_accounts
		SET status = $2, charges_enabled = $3, payouts_enabled = $4,
			details_submitted = $5, country = $6, email = $7, updated_at = $8
		WHERE id = $1
	`

	tag, err := s.db.Exec(ctx, query,
		acct.ID, acct.Status, acct.ChargesEnabled, acct.PayoutsEnabled,
		acct.DetailsSubmitted, acct.Country, acct.Email, acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating connect account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

const connectAccountColumns = `
	id, consultant_id, provider, gateway_account_id, status,
	charges_enabled, payouts_enabled, details_submitted,
	country, email, created_at, updated_at
`

// GetConnectAccountByConsultant finds a consultant's account for a provider
func (s *Store) GetConnectAccountByConsultant(ctx context.Context, consultantID, provider string) (*domain.ConnectAccount, error) {
	query := `SELECT ` + connectAccountColumns + `
		FROM connect_accounts WHERE consultant_id = $1 AND provider = $2`
	return scanConnectAccount(s.db.QueryRow(ctx, query, consultantID, provider))
}

// GetConnectAccountByGatewayID finds the account behind a provider account ID
func (s *Store) GetConnectAccountByGatewayID(ctx context.Context, provider, gatewayAccountID string) (*domain.ConnectAccount, error) {
	query := `SELECT ` + connectAccountColumns + `
		FROM connect_accounts WHERE provider = $1 AND gateway_account_id = $2`
	return scanConnectAccount(s.db.QueryRow(ctx, query, provider, gatewayAccountID))
}

// Helper functions

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func emptyIfNull(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	txn, err := scanTransactionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	return txn, nil
}

func scanTransactionRows(rows pgx.Rows) (*domain.Transaction, error) {
	txn, err := scanTransactionRow(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	return txn, nil
}

func scanTransactionRow(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var invoiceID, clientID, consultantID *string
	var intentID, chargeID, refundID, transferID *string
	err := row.Scan(
		&t.ID, &t.Type, &t.Method, &t.Status, &t.Amount, &t.AmountRefunded,
		&t.Currency, &invoiceID, &clientID, &consultantID, &t.Description,
		&t.Gateway.Provider, &intentID, &chargeID, &refundID, &transferID,
		&t.Gateway.ReceiptURL, &t.Card, &t.Billing, &t.Failure,
		&t.RefundReason, &t.Metadata, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.InvoiceID = emptyIfNull(invoiceID)
	t.ClientID = emptyIfNull(clientID)
	t.ConsultantID = emptyIfNull(consultantID)
	t.Gateway.PaymentIntentID = emptyIfNull(intentID)
	t.Gateway.ChargeID = emptyIfNull(chargeID)
	t.Gateway.RefundID = emptyIfNull(refundID)
	t.Gateway.TransferID = emptyIfNull(transferID)
	return &t, nil
}

func scanConnectAccount(row pgx.Row) (*domain.ConnectAccount, error) {
	var a domain.ConnectAccount
	err := row.Scan(
		&a.ID, &a.ConsultantID, &a.Provider, &a.GatewayAccountID, &a.Status,
		&a.ChargesEnabled, &a.PayoutsEnabled, &a.DetailsSubmitted,
		&a.Country, &a.Email, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning connect account: %w", err)
	}
	return &a, nil
}
