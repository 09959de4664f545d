package wallet

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

func newTestGateway(t *testing.T, h http.HandlerFunc) (*Gateway, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "key", r.Header.Get("X-App-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(Options{Name: "bKash", BaseURL: srv.URL + "/v1", AppKey: "key", AppSecret: "secret", Timeout: time.Second}), &calls
}

func initiateRequest(msisdn string) payment.InitiateRequest {
	return payment.InitiateRequest{
		Reference: "s1",
		Amount:    decimal.RequireFromString("1390"),
		Currency:  "BDT",
		Customer:  payment.Customer{Name: "Rahim", MobileNumber: msisdn},
	}
}

func TestGateway_Available(t *testing.T) {
	g := New(Options{Name: "nagad", BaseURL: "https://nagad.example.com"})
	assert.False(t, g.Available())
	assert.Equal(t, "nagad", g.Name())
	assert.Equal(t, payment.FlowPayThenCreate, g.Flow())

	_, err := g.Initiate(context.Background(), initiateRequest("01712345678"))
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)
}

func TestGateway_Initiate(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/initiate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"msisdn":"01712345678"`)
		assert.Contains(t, string(body), `"amount":1390.00`)
		_, _ = io.WriteString(w, `{"status":"initiated","transaction_id":"TX1"}`)
	})

	init, err := g.Initiate(context.Background(), initiateRequest(" 01712345678 "))
	require.NoError(t, err)
	assert.Equal(t, "TX1", init.TransactionID)
	assert.True(t, init.OTPRequired)
	assert.Equal(t, "bkash", g.Name())
}

func TestGateway_Initiate_InvalidInput(t *testing.T) {
	g, calls := newTestGateway(t, func(http.ResponseWriter, *http.Request) {})

	for _, msisdn := range []string{"", "0171234567", "017123456789", "11712345678", "0171234567x"} {
		t.Run(msisdn, func(t *testing.T) {
			_, err := g.Initiate(context.Background(), initiateRequest(msisdn))
			require.ErrorIs(t, err, payment.ErrInvalidInput)
			assert.True(t, strings.Contains(err.Error(), "mobile number"))
		})
	}

	req := initiateRequest("01712345678")
	req.Amount = decimal.Zero
	_, err := g.Initiate(context.Background(), req)
	require.ErrorIs(t, err, payment.ErrInvalidInput)

	assert.Zero(t, calls.Load(), "validation must happen before any network call")
}

func TestGateway_Initiate_Rejected(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"status":"failed","message":"insufficient balance"}`)
	})

	_, err := g.Initiate(context.Background(), initiateRequest("01712345678"))
	require.ErrorIs(t, err, payment.ErrRejected)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestGateway_Initiate_Timeout(t *testing.T) {
	release := make(chan struct{})
	g, _ := newTestGateway(t, func(http.ResponseWriter, *http.Request) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Initiate(ctx, initiateRequest("01712345678"))
	require.ErrorIs(t, err, payment.ErrTimeout)
}

func TestGateway_Verify(t *testing.T) {
	g, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/TX1/verify", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.Contains(string(body), `"otp":"123456"`):
			_, _ = io.WriteString(w, `{"status":"verified","transaction_id":"TX1"}`)
		case strings.Contains(string(body), `"otp":"500500"`):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"status":"failed","message":"wrong otp"}`)
		}
	})
	ctx := context.Background()

	v, err := g.Verify(ctx, payment.VerifyRequest{TransactionID: "TX1", Code: "123456"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusVerified, v.Status)
	assert.Equal(t, "TX1", v.TransactionID)
	assert.JSONEq(t, `{"status":"verified","transaction_id":"TX1"}`, string(v.Response))

	v, err = g.Verify(ctx, payment.VerifyRequest{TransactionID: "TX1", Code: "000000"})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, v.Status)

	_, err = g.Verify(ctx, payment.VerifyRequest{TransactionID: "TX1", Code: "500500"})
	require.ErrorIs(t, err, payment.ErrRejected)

	_, err = g.Verify(ctx, payment.VerifyRequest{TransactionID: "TX1"})
	require.ErrorIs(t, err, payment.ErrInvalidInput)
}
