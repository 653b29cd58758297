package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		Provider:      "stripe",
		BaseURL:       server.URL,
		SecretKey:     "sk_test_123",
		SigningSecret: "whsec_test",
		Timeout:       5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreatePaymentIntentValidation(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := client.CreatePaymentIntent(context.Background(), CreatePaymentIntentRequest{
		Amount: 0, Currency: "usd",
	})
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "amount", invalid.Field)

	_, err = client.CreatePaymentIntent(context.Background(), CreatePaymentIntentRequest{
		Amount: 10,
	})
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "currency", invalid.Field)

	assert.False(t, called, "invalid requests must not reach the network")
}

func TestCreatePaymentIntentConvertsToMinorUnits(t *testing.T) {
	var received map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(PaymentIntent{
			ID: "pi_123", Amount: 15000, Currency: "usd", Status: IntentStatusProcessing,
		})
	})

	intent, err := client.CreatePaymentIntent(context.Background(), CreatePaymentIntentRequest{
		Amount:   150.00,
		Currency: "usd",
		Metadata: map[string]string{MetaTransactionID: "txn_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, float64(15000), received["amount"])
	assert.Equal(t, "usd", received["currency"])
}

func TestCreatePaymentIntentZeroDecimalCurrency(t *testing.T) {
	var received map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(PaymentIntent{ID: "pi_jpy"})
	})

	_, err := client.CreatePaymentIntent(context.Background(), CreatePaymentIntentRequest{
		Amount: 1500, Currency: "jpy",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1500), received["amount"])
}

func TestIdempotencyKeyStableAcrossRetries(t *testing.T) {
	var keys []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Refund{ID: "re_1", ChargeID: "ch_1", Status: "succeeded"})
	})

	req := CreateRefundRequest{IdempotencyKey: "idem_re_42", ChargeID: "ch_1"}
	err := RetryTransient(context.Background(), 3, func() error {
		_, callErr := client.CreateRefund(context.Background(), req)
		return callErr
	})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "idem_re_42", keys[0])
	assert.Equal(t, keys[0], keys[1], "every attempt must replay the same key")
}

func TestIdempotencyKeyMintedWhenUnset(t *testing.T) {
	var keys []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		json.NewEncoder(w).Encode(Customer{ID: "cus_1"})
	})

	_, err := client.CreateCustomer(context.Background(), CreateCustomerRequest{Email: "a@b.co"})
	require.NoError(t, err)
	_, err = client.CreateCustomer(context.Background(), CreateCustomerRequest{Email: "a@b.co"})
	require.NoError(t, err)

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.NotEmpty(t, keys[1])
	assert.NotEqual(t, keys[0], keys[1], "distinct logical operations get distinct keys")
}

func TestGatewayErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, `{"error":{"code":"card_declined","message":"Your card was declined.","type":"card_error"}}`)
	})

	_, err := client.ConfirmPaymentIntent(context.Background(), "pi_123", "pm_456")
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusPaymentRequired, gerr.StatusCode)
	assert.Equal(t, "card_declined", gerr.Code)
	assert.Equal(t, "Your card was declined.", gerr.Message)
	assert.False(t, IsTransient(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.CapturePaymentIntent(context.Background(), "pi_123")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	client := NewClient(Config{
		BaseURL: server.URL, SecretKey: "sk", SigningSecret: "whsec", Timeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := client.CreateCustomer(context.Background(), CreateCustomerRequest{Email: "a@b.co"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCreateRefundRequiresCurrencyForPartial(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the network")
	})

	_, err := client.CreateRefund(context.Background(), CreateRefundRequest{
		ChargeID: "ch_1", Amount: 50.00,
	})
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "currency", invalid.Field)
}

func TestCreateRefundFullOmitsAmount(t *testing.T) {
	var received map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(Refund{ID: "re_1", ChargeID: "ch_1", Status: "succeeded"})
	})

	refund, err := client.CreateRefund(context.Background(), CreateRefundRequest{ChargeID: "ch_1"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", refund.ID)
	_, hasAmount := received["amount"]
	assert.False(t, hasAmount)
}

func TestCreateTransfer(t *testing.T) {
	var received map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(Transfer{ID: "tr_1", Amount: 12550, Currency: "usd", Destination: "acct_1"})
	})

	transfer, err := client.CreateTransfer(context.Background(), CreateTransferRequest{
		Amount: 125.50, Currency: "usd", Destination: "acct_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", transfer.ID)
	assert.Equal(t, float64(12550), received["amount"])
}

func TestRetryTransient(t *testing.T) {
	t.Run("retries transient then succeeds", func(t *testing.T) {
		attempts := 0
		err := RetryTransient(context.Background(), 3, func() error {
			attempts++
			if attempts < 3 {
				return &TransientError{Err: errors.New("connection reset")}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("does not retry gateway errors", func(t *testing.T) {
		attempts := 0
		gerr := &GatewayError{StatusCode: 402, Code: "card_declined"}
		err := RetryTransient(context.Background(), 3, func() error {
			attempts++
			return gerr
		})
		require.ErrorIs(t, err, gerr)
		assert.Equal(t, 1, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		attempts := 0
		err := RetryTransient(context.Background(), 2, func() error {
			attempts++
			return &TransientError{Err: errors.New("timeout")}
		})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, 2, attempts)
	})
}
