package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
)

func newTestInvoice(amountDue float64) *Invoice {
	now := time.Now().UTC()
	return &Invoice{
		ID:        "inv_1",
		ClientID:  "client_1",
		AmountDue: amountDue,
		Currency:  money.USD,
		Status:    InvoiceStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInvoiceApplyPayment(t *testing.T) {
	inv := newTestInvoice(200.00)

	require.NoError(t, inv.ApplyPayment(150.00))
	assert.Equal(t, 150.00, inv.AmountPaid)
	assert.Equal(t, InvoiceStatusOpen, inv.Status)
	assert.Equal(t, 50.00, inv.Outstanding())

	require.NoError(t, inv.ApplyPayment(50.00))
	assert.Equal(t, InvoiceStatusPaid, inv.Status)
	assert.NotNil(t, inv.PaidAt)
	assert.Equal(t, 0.00, inv.Outstanding())
}

func TestInvoiceOverpayment(t *testing.T) {
	inv := newTestInvoice(100.00)
	require.NoError(t, inv.ApplyPayment(120.00))
	assert.Equal(t, InvoiceStatusPaid, inv.Status)
	assert.Equal(t, 0.00, inv.Outstanding())
}

func TestInvoiceApplyRefund(t *testing.T) {
	inv := newTestInvoice(150.00)
	require.NoError(t, inv.ApplyPayment(150.00))

	// AmountPaid never decreases; refunds accumulate on their own side.
	require.NoError(t, inv.ApplyRefund(50.00))
	assert.Equal(t, 150.00, inv.AmountPaid)
	assert.Equal(t, 50.00, inv.AmountRefunded)
	assert.Equal(t, 100.00, inv.Balance())
	assert.Equal(t, InvoiceStatusPartiallyRefunded, inv.Status)

	require.NoError(t, inv.ApplyRefund(100.00))
	assert.Equal(t, 150.00, inv.AmountRefunded)
	assert.Equal(t, 0.00, inv.Balance())
	assert.Equal(t, InvoiceStatusRefunded, inv.Status)
}

func TestInvoiceRefundCap(t *testing.T) {
	inv := newTestInvoice(150.00)
	require.NoError(t, inv.ApplyPayment(150.00))

	// A refund larger than what was collected caps at the collected amount.
	require.NoError(t, inv.ApplyRefund(200.00))
	assert.Equal(t, 150.00, inv.AmountRefunded)
	assert.Equal(t, 0.00, inv.Balance())
	assert.Equal(t, InvoiceStatusRefunded, inv.Status)
}

func TestInvoiceRejectsNonPositiveAmounts(t *testing.T) {
	inv := newTestInvoice(100.00)
	assert.Error(t, inv.ApplyPayment(0))
	assert.Error(t, inv.ApplyPayment(-10))
	assert.Error(t, inv.ApplyRefund(0))
	assert.Error(t, inv.ApplyRefund(-10))
}

func TestConnectAccountCapabilities(t *testing.T) {
	acct, err := NewConnectAccount("cons_1", "stripe", "acct_abc")
	require.NoError(t, err)
	assert.Equal(t, ConnectAccountStatusPendingOnboarding, acct.Status)
	assert.False(t, acct.CanReceivePayouts())

	acct.ApplyCapabilities(true, true, true)
	assert.Equal(t, ConnectAccountStatusActive, acct.Status)
	assert.True(t, acct.CanReceivePayouts())

	// Details submitted but payouts disabled means the provider turned the
	// account off after onboarding.
	acct.ApplyCapabilities(false, false, true)
	assert.Equal(t, ConnectAccountStatusDisabled, acct.Status)
	assert.False(t, acct.CanReceivePayouts())

	acct.ApplyCapabilities(false, false, false)
	assert.Equal(t, ConnectAccountStatusPendingOnboarding, acct.Status)
}
