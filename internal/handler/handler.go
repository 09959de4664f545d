// Package handler exposes the checkout service over HTTP.
package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const maxBodySize = 1 << 20

// Checkout is the session orchestrator the handlers delegate to.
type Checkout interface {
	Open(ctx context.Context, req checkout.OpenRequest) (*checkout.View, error)
	Get(ctx context.Context, id string) (*checkout.View, error)
	Reprice(ctx context.Context, id string, req checkout.RepriceRequest) (*checkout.View, error)
	Pay(ctx context.Context, id string, req checkout.PayRequest) (*checkout.View, error)
	SubmitOTP(ctx context.Context, id, code string) (*checkout.View, error)
	CancelPayment(ctx context.Context, id string) (*checkout.View, error)
	RetryOrder(ctx context.Context, id string) (*checkout.View, error)
	CompleteRedirect(ctx context.Context, id string, req checkout.ReturnRequest) (*checkout.View, error)
	Gateways() []payment.Option
}

// Handler serves the checkout API.
type Handler struct {
	checkout Checkout
	// paymentLimit guards the endpoints that reach a payment gateway.
	paymentLimit func(http.Handler) http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithPaymentLimit installs mw in front of the pay and OTP endpoints.
func WithPaymentLimit(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.paymentLimit = mw
	}
}

// NewHandler creates a Handler.
func NewHandler(c Checkout, opts ...Option) *Handler {
	h := &Handler{
		checkout:     c,
		paymentLimit: func(next http.Handler) http.Handler { return next },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the API on r. Paths are relative to the /api prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Use(ForwardToken)
	r.Get("/gateways", h.listGateways)
	r.Route("/checkout", func(r chi.Router) {
		r.Post("/", h.open)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Patch("/", h.reprice)
			r.With(h.paymentLimit).Post("/pay", h.pay)
			r.With(h.paymentLimit).Post("/otp", h.submitOTP)
			r.Post("/cancel", h.cancel)
			r.Post("/retry", h.retry)
			r.Get("/return", h.completeRedirect)
		})
	})
}

// SessionKey keys rate limiting by checkout session.
func SessionKey(r *http.Request) string {
	return "session:" + chi.URLParam(r, "sessionID")
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(errBadRequest, err.Error())
	}
	if len(body) == 0 {
		return nil, errors.Wrap(errBadRequest, "request body is empty")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
