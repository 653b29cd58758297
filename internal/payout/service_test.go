package payout

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/database"
	"paycore/internal/gateway"
	"paycore/internal/ledger/domain"
)

type stubGateway struct {
	accounts  int
	transfers []gateway.CreateTransferRequest
	links     []gateway.CreateAccountLinkRequest
}

func (s *stubGateway) Provider() string { return "stripe" }

func (s *stubGateway) CreateAccount(_ context.Context, req gateway.CreateAccountRequest) (*gateway.Account, error) {
	s.accounts++
	return &gateway.Account{ID: "acct_new", Country: req.Country, Email: req.Email}, nil
}

func (s *stubGateway) CreateAccountLink(_ context.Context, req gateway.CreateAccountLinkRequest) (*gateway.AccountLink, error) {
	s.links = append(s.links, req)
	return &gateway.AccountLink{URL: "https://onboard.test/" + req.AccountID}, nil
}

func (s *stubGateway) CreateTransfer(_ context.Context, req gateway.CreateTransferRequest) (*gateway.Transfer, error) {
	s.transfers = append(s.transfers, req)
	return &gateway.Transfer{
		ID:          "tr_1",
		Amount:      9000,
		Currency:    req.Currency,
		Destination: req.Destination,
		Metadata:    req.Metadata,
	}, nil
}

type stubStore struct {
	accounts map[string]*domain.ConnectAccount
}

func newStubStore() *stubStore {
	return &stubStore{accounts: make(map[string]*domain.ConnectAccount)}
}

func (s *stubStore) CreateConnectAccount(_ context.Context, acct *domain.ConnectAccount) error {
	if _, ok := s.accounts[acct.ConsultantID]; ok {
		return database.ErrAlreadyExists
	}
	s.accounts[acct.ConsultantID] = acct
	return nil
}

func (s *stubStore) GetConnectAccountByConsultant(_ context.Context, consultantID, _ string) (*domain.ConnectAccount, error) {
	acct, ok := s.accounts[consultantID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return acct, nil
}

type stubRecorder struct {
	transfers []*gateway.Transfer
}

func (s *stubRecorder) HandleTransferCreated(_ context.Context, tr *gateway.Transfer) error {
	s.transfers = append(s.transfers, tr)
	return nil
}

func newTestService() (*Service, *stubGateway, *stubStore, *stubRecorder) {
	client := &stubGateway{}
	store := newStubStore()
	recorder := &stubRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(client, store, recorder, logger), client, store, recorder
}

func TestProvisionAccount(t *testing.T) {
	svc, client, store, _ := newTestService()

	acct, err := svc.ProvisionAccount(context.Background(), "cons_1", "GB", "c@test.io")
	require.NoError(t, err)
	assert.Equal(t, "acct_new", acct.GatewayAccountID)
	assert.Equal(t, domain.ConnectAccountStatusPendingOnboarding, acct.Status)
	assert.Equal(t, 1, client.accounts)

	// Provisioning again returns the stored account without a provider call.
	again, err := svc.ProvisionAccount(context.Background(), "cons_1", "GB", "c@test.io")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
	assert.Equal(t, 1, client.accounts)
	assert.Len(t, store.accounts, 1)
}

func TestCreateOnboardingLink(t *testing.T) {
	svc, client, _, _ := newTestService()

	_, err := svc.CreateOnboardingLink(context.Background(), "cons_missing", "https://r", "https://ret")
	assert.Error(t, err)

	_, err = svc.ProvisionAccount(context.Background(), "cons_1", "GB", "c@test.io")
	require.NoError(t, err)

	link, err := svc.CreateOnboardingLink(context.Background(), "cons_1", "https://r", "https://ret")
	require.NoError(t, err)
	assert.Equal(t, "https://onboard.test/acct_new", link.URL)
	require.Len(t, client.links, 1)
	assert.Equal(t, "acct_new", client.links[0].AccountID)
}

func TestSendPayout(t *testing.T) {
	svc, client, store, recorder := newTestService()

	acct, err := svc.ProvisionAccount(context.Background(), "cons_1", "GB", "c@test.io")
	require.NoError(t, err)

	// Onboarding incomplete: the provider has not enabled payouts.
	_, err = svc.SendPayout(context.Background(), "cons_1", 90.00, "usd", "march invoices")
	assert.ErrorIs(t, err, ErrNotPayable)
	assert.Empty(t, client.transfers)

	acct.ApplyCapabilities(true, true, true)
	store.accounts["cons_1"] = acct

	transfer, err := svc.SendPayout(context.Background(), "cons_1", 90.00, "usd", "march invoices")
	require.NoError(t, err)
	assert.Equal(t, "tr_1", transfer.ID)

	require.Len(t, client.transfers, 1)
	assert.Equal(t, 90.00, client.transfers[0].Amount)
	assert.Equal(t, "acct_new", client.transfers[0].Destination)
	assert.Equal(t, "cons_1", client.transfers[0].Metadata[gateway.MetaConsultantID])

	require.Len(t, recorder.transfers, 1)
	assert.Equal(t, "tr_1", recorder.transfers[0].ID)
}
