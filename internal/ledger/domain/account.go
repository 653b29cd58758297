package domain

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ConnectAccountStatus represents the onboarding state of a payout account
type ConnectAccountStatus string

const (
	ConnectAccountStatusPendingOnboarding ConnectAccountStatus = "pending_onboarding"
	ConnectAccountStatusActive            ConnectAccountStatus = "active"
	ConnectAccountStatusDisabled          ConnectAccountStatus = "disabled"
)

// ConnectAccount maps a consultant to their provider-side payout account.
// One consultant holds at most one account per provider.
type ConnectAccount struct {
	ID               string               `json:"id"`
	ConsultantID     string               `json:"consultant_id"`
	Provider         string               `json:"provider"`
	GatewayAccountID string               `json:"gateway_account_id"`
	Status           ConnectAccountStatus `json:"status"`
	ChargesEnabled   bool                 `json:"charges_enabled"`
	PayoutsEnabled   bool                 `json:"payouts_enabled"`
	DetailsSubmitted bool                 `json:"details_submitted"`
	Country          string               `json:"country,omitempty"`
	Email            string               `json:"email,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// NewConnectAccount creates an account awaiting onboarding
func NewConnectAccount(consultantID, provider, gatewayAccountID string) (*ConnectAccount, error) {
	if consultantID == "" {
		return nil, errors.New("consultant_id is required")
	}
	if provider == "" {
		return nil, errors.New("provider is required")
	}
	if gatewayAccountID == "" {
		return nil, errors.New("gateway_account_id is required")
	}

	now := time.Now().UTC()
	return &ConnectAccount{
		ID:               ulid.Make().String(),
		ConsultantID:     consultantID,
		Provider:         provider,
		GatewayAccountID: gatewayAccountID,
		Status:           ConnectAccountStatusPendingOnboarding,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// ApplyCapabilities updates capability flags from the provider's view of the
// account and derives the onboarding status. Status derivation is a pure
// function of the flags, so replayed updates converge.
func (a *ConnectAccount) ApplyCapabilities(chargesEnabled, payoutsEnabled, detailsSubmitted bool) {
	a.ChargesEnabled = chargesEnabled
	a.PayoutsEnabled = payoutsEnabled
	a.DetailsSubmitted = detailsSubmitted

	switch {
	case payoutsEnabled:
		a.Status = ConnectAccountStatusActive
	case detailsSubmitted:
		a.Status = ConnectAccountStatusDisabled
	default:
		a.Status = ConnectAccountStatusPendingOnboarding
	}
	a.UpdatedAt = time.Now().UTC()
}

// CanReceivePayouts reports whether transfers to this account are allowed
func (a *ConnectAccount) CanReceivePayouts() bool {
	return a.Status == ConnectAccountStatusActive && a.PayoutsEnabled
}
