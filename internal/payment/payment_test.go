package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChargePostsMinorUnits(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/create-payment-intent", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"clientSecret": "pi_123_secret", "paymentIntentId": "pi_123"})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL+"/", time.Second)
	s, err := p.Charge(context.Background(), ChargeRequest{AmountCents: 11550, Currency: "USD", Description: "order ord-1"})
	require.NoError(t, err)

	assert.True(t, s.Success)
	assert.Equal(t, "pi_123", s.Reference)
	assert.Equal(t, "pi_123_secret", s.ClientSecret)
	assert.Equal(t, float64(11550), got["amount"])
	assert.Equal(t, "usd", got["currency"])
	assert.Equal(t, "order ord-1", got["description"])
}

func TestHTTPChargeDeclineIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "card_declined"})
	}))
	defer srv.Close()

	s, err := NewHTTPProcessor(srv.URL, time.Second).Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.False(t, s.Success)
	assert.Equal(t, "card_declined", s.FailureReason)
}

func TestHTTPChargeServerErrorAndMissingIntent(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	_, err := NewHTTPProcessor(failing.URL, time.Second).Charge(context.Background(), ChargeRequest{AmountCents: 100})
	require.Error(t, err)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"clientSecret":"x"}`))
	}))
	defer empty.Close()
	_, err = NewHTTPProcessor(empty.URL, time.Second).Charge(context.Background(), ChargeRequest{AmountCents: 100})
	require.Error(t, err)
}

func TestHTTPChargeHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPProcessor(srv.URL, 10*time.Second).Charge(ctx, ChargeRequest{AmountCents: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPRefundPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refund", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"refundId": "re_1", "status": "succeeded"})
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL, time.Second)
	res, err := p.Refund(context.Background(), RefundRequest{Reference: "pi_123", AmountCents: 500, Reason: "requested_by_customer"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.Reference)
	assert.Equal(t, "pi_123", got["paymentIntentId"])
	assert.Equal(t, float64(500), got["amount"])
	assert.Equal(t, "requested_by_customer", got["reason"])

	got = nil
	_, err = p.Refund(context.Background(), RefundRequest{Reference: "pi_123"})
	require.NoError(t, err)
	_, hasAmount := got["amount"]
	assert.False(t, hasAmount, "full refunds omit amount")

	_, err = p.Refund(context.Background(), RefundRequest{})
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := Registry{MethodCash: CashProcessor{}}
	p, err := r.Get(" CASH ")
	require.NoError(t, err)

	s, err := p.Charge(context.Background(), ChargeRequest{AmountCents: 100})
	require.NoError(t, err)
	assert.True(t, s.Success)
	assert.NotEmpty(t, s.Reference)

	_, err = r.Get("bitcoin")
	require.ErrorIs(t, err, ErrUnknownMethod)
	assert.Equal(t, []string{"cash"}, r.Methods())
}
