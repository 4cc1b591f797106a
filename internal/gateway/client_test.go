package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIntent(t *testing.T) {
	var gotBody createIntentBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "order-1-attempt-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","client_secret":"pi_123_secret","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "sk_test", time.Second)
	intent, err := c.CreateIntent(context.Background(), IntentRequest{
		Amount:         decimal.RequireFromString("25.00"),
		Currency:       "USD",
		IdempotencyKey: "order-1-attempt-1",
		Metadata:       map[string]string{"order_id": "1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret", intent.ClientSecret)
	assert.Contains(t, string(intent.Raw), "requires_payment_method")
	assert.Equal(t, int64(2500), gotBody.Amount)
	assert.Equal(t, "usd", gotBody.Currency)
	assert.Equal(t, "1", gotBody.Metadata["order_id"])
}

func TestCreateRefundAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"code":"charge_already_refunded","message":"already refunded"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.CreateRefund(context.Background(), "pi_123", "refund-payment-1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Equal(t, "charge_already_refunded", apiErr.Code)
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 20*time.Millisecond)
	_, err := c.CreateIntent(context.Background(), IntentRequest{Amount: decimal.NewFromInt(1), Currency: "usd"})
	assert.Error(t, err)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1999), MinorUnits(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(500), MinorUnits(decimal.NewFromInt(5)))
	assert.Equal(t, int64(1), MinorUnits(decimal.RequireFromString("0.005")))
}
