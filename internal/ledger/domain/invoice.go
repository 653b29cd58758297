package domain

import (
	"errors"
	"time"

	"paycore/internal/common/money"
)

// InvoiceStatus represents the payment state of an invoice
type InvoiceStatus string

const (
	InvoiceStatusOpen              InvoiceStatus = "open"
	InvoiceStatusPaid              InvoiceStatus = "paid"
	InvoiceStatusPartiallyRefunded InvoiceStatus = "partially_refunded"
	InvoiceStatusRefunded          InvoiceStatus = "refunded"
)

// Invoice tracks how much of a billed amount has been collected and how much
// of the collected amount has been returned. AmountPaid only ever grows;
// refunds accumulate in AmountRefunded, so the net balance is
// AmountPaid - AmountRefunded. Amounts are in major currency units.
type Invoice struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"client_id"`
	ConsultantID   string         `json:"consultant_id,omitempty"`
	AmountDue      float64        `json:"amount_due"`
	AmountPaid     float64        `json:"amount_paid"`
	AmountRefunded float64        `json:"amount_refunded"`
	Currency       money.Currency `json:"currency"`
	Status         InvoiceStatus  `json:"status"`
	PaidAt         *time.Time     `json:"paid_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ApplyPayment credits a settled payment against the invoice. The caller is
// responsible for applying each transaction at most once; this only performs
// the arithmetic and status change.
func (inv *Invoice) ApplyPayment(amount float64) error {
	if amount <= 0 {
		return errors.New("payment amount must be positive")
	}

	inv.AmountPaid = money.RoundMajor(inv.AmountPaid+amount, inv.Currency)
	if inv.AmountPaid >= inv.AmountDue && inv.Status == InvoiceStatusOpen {
		now := time.Now().UTC()
		inv.Status = InvoiceStatusPaid
		inv.PaidAt = &now
	}
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyRefund accumulates a returned amount. AmountPaid is untouched; the
// refund total is capped at the collected amount.
func (inv *Invoice) ApplyRefund(amount float64) error {
	if amount <= 0 {
		return errors.New("refund amount must be positive")
	}

	total := money.RoundMajor(inv.AmountRefunded+amount, inv.Currency)
	if total > inv.AmountPaid {
		total = inv.AmountPaid
	}
	inv.AmountRefunded = total

	if inv.AmountRefunded >= inv.AmountPaid && inv.AmountPaid > 0 {
		inv.Status = InvoiceStatusRefunded
	} else if inv.AmountRefunded > 0 {
		inv.Status = InvoiceStatusPartiallyRefunded
	}
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

// Balance returns the net collected amount after refunds
func (inv *Invoice) Balance() float64 {
	return money.RoundMajor(inv.AmountPaid-inv.AmountRefunded, inv.Currency)
}

// Outstanding returns how much is still owed
func (inv *Invoice) Outstanding() float64 {
	rest := money.RoundMajor(inv.AmountDue-inv.AmountPaid, inv.Currency)
	if rest < 0 {
		return 0
	}
	return rest
}
