// Package payout manages consultant payout accounts and transfers: provider
// account provisioning, onboarding links, and sending funds to onboarded
// accounts.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"paycore/internal/common/database"
	"paycore/internal/gateway"
	"paycore/internal/ledger/domain"
)

// ErrNotPayable is returned when a transfer targets an account the provider
// has not cleared for payouts.
var ErrNotPayable = errors.New("account is not enabled for payouts")

// GatewayClient is the provider surface the service needs
type GatewayClient interface {
	Provider() string
	CreateAccount(ctx context.Context, req gateway.CreateAccountRequest) (*gateway.Account, error)
	CreateAccountLink(ctx context.Context, req gateway.CreateAccountLinkRequest) (*gateway.AccountLink, error)
	CreateTransfer(ctx context.Context, req gateway.CreateTransferRequest) (*gateway.Transfer, error)
}

// Store is the ledger access the service needs
type Store interface {
	CreateConnectAccount(ctx context.Context, acct *domain.ConnectAccount) error
	GetConnectAccountByConsultant(ctx context.Context, consultantID, provider string) (*domain.ConnectAccount, error)
}

// Recorder books transfers into the ledger. The synchronous path records
// through the same idempotent handler the webhook uses, so whichever side
// lands first wins and the other is a no-op.
type Recorder interface {
	HandleTransferCreated(ctx context.Context, tr *gateway.Transfer) error
}

// Service manages payout accounts and transfers
type Service struct {
	client   GatewayClient
	store    Store
	recorder Recorder
	logger   *slog.Logger
}

// NewService creates a payout service
func NewService(client GatewayClient, store Store, recorder Recorder, logger *slog.Logger) *Service {
	return &Service{
		client:   client,
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
}

// ProvisionAccount ensures the consultant has a provider payout account.
// Calling it again for the same consultant returns the existing account
// without touching the provider.
func (s *Service) ProvisionAccount(ctx context.Context, consultantID, country, email string) (*domain.ConnectAccount, error) {
	if consultantID == "" {
		return nil, errors.New("consultant_id is required")
	}

	existing, err := s.store.GetConnectAccountByConsultant(ctx, consultantID, s.client.Provider())
	if err == nil {
		return existing, nil
	}
	if !database.IsNotFound(err) {
		return nil, fmt.Errorf("checking existing account: %w", err)
	}

	gwAccount, err := s.client.CreateAccount(ctx, gateway.CreateAccountRequest{
		Country: country,
		Email:   email,
		Metadata: map[string]string{
			gateway.MetaConsultantID: consultantID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning gateway account: %w", err)
	}

	acct, err := domain.NewConnectAccount(consultantID, s.client.Provider(), gwAccount.ID)
	if err != nil {
		return nil, err
	}
	acct.Country = country
	acct.Email = email

	if err := s.store.CreateConnectAccount(ctx, acct); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			// A concurrent provision won; the provider-side account just
			// created stays unused and unonboarded.
			return s.store.GetConnectAccountByConsultant(ctx, consultantID, s.client.Provider())
		}
		return nil, fmt.Errorf("saving connect account: %w", err)
	}

	s.logger.Info("payout account provisioned",
		"consultant_id", consultantID,
		"gateway_account_id", gwAccount.ID,
	)
	return acct, nil
}

// CreateOnboardingLink returns a fresh provider-hosted onboarding URL.
// Links expire quickly, so one is minted per request.
func (s *Service) CreateOnboardingLink(ctx context.Context, consultantID, refreshURL, returnURL string) (*gateway.AccountLink, error) {
	acct, err := s.store.GetConnectAccountByConsultant(ctx, consultantID, s.client.Provider())
	if err != nil {
		return nil, fmt.Errorf("finding payout account: %w", err)
	}

	link, err := s.client.CreateAccountLink(ctx, gateway.CreateAccountLinkRequest{
		AccountID:  acct.GatewayAccountID,
		RefreshURL: refreshURL,
		ReturnURL:  returnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating onboarding link: %w", err)
	}
	return link, nil
}

// SendPayout transfers funds to a consultant's onboarded account and books
// the payout transaction.
func (s *Service) SendPayout(ctx context.Context, consultantID string, amount float64, currency, description string) (*gateway.Transfer, error) {
	acct, err := s.store.GetConnectAccountByConsultant(ctx, consultantID, s.client.Provider())
	if err != nil {
		return nil, fmt.Errorf("finding payout account: %w", err)
	}
	if !acct.CanReceivePayouts() {
		return nil, fmt.Errorf("consultant %s: %w", consultantID, ErrNotPayable)
	}

	transfer, err := s.client.CreateTransfer(ctx, gateway.CreateTransferRequest{
		Amount:      amount,
		Currency:    currency,
		Destination: acct.GatewayAccountID,
		Description: description,
		Metadata: map[string]string{
			gateway.MetaConsultantID: consultantID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating transfer: %w", err)
	}

	if err := s.recorder.HandleTransferCreated(ctx, transfer); err != nil {
		// The transfer exists at the provider; the webhook delivery will
		// book it if this path could not.
		s.logger.Error("recording payout locally failed",
			"transfer_id", transfer.ID,
			"consultant_id", consultantID,
			"error", err,
		)
	}

	s.logger.Info("payout sent",
		"transfer_id", transfer.ID,
		"consultant_id", consultantID,
		"amount", amount,
		"currency", currency,
	)
	return transfer, nil
}
