package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/otp"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

var errBadRequest = errors.New("malformed request")

type apiError struct {
	Status    int
	Message   string
	Retryable bool
}

// mapError converts domain errors to HTTP errors.
func mapError(err error) apiError {
	var (
		submitErr *order.SubmitError
		lineErr   *pricing.InvalidLineError
	)
	switch {
	case errors.As(err, &submitErr):
		msg := "the order could not be created, retry to submit it again"
		if submitErr.Paid {
			msg = "payment received but " + msg
		}
		return apiError{
			Status:    http.StatusBadGateway,
			Message:   msg,
			Retryable: submitErr.Retryable,
		}
	case errors.As(err, &lineErr),
		errors.Is(err, errBadRequest),
		errors.Is(err, checkout.ErrInvalidInput),
		errors.Is(err, payment.ErrInvalidInput):
		return apiError{Status: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, checkout.ErrSessionNotFound):
		return apiError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, checkout.ErrWrongState),
		errors.Is(err, checkout.ErrBusy),
		errors.Is(err, checkout.ErrCancelled),
		errors.Is(err, order.ErrSubmitInProgress):
		return apiError{Status: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, coupon.ErrInvalidCoupon),
		errors.Is(err, coupon.ErrUnsupportedType),
		errors.Is(err, payment.ErrUnknownGateway):
		return apiError{Status: http.StatusUnprocessableEntity, Message: err.Error()}
	case errors.Is(err, otp.ErrAttemptsExhausted),
		errors.Is(err, payment.ErrRejected):
		return apiError{Status: http.StatusPaymentRequired, Message: err.Error()}
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return apiError{Status: http.StatusServiceUnavailable, Message: err.Error()}
	case errors.Is(err, payment.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return apiError{Status: http.StatusGatewayTimeout, Message: "payment provider did not answer in time, try again"}
	default:
		return apiError{Status: http.StatusInternalServerError, Message: "internal error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := mapError(err)
	lg := zctx.From(r.Context())
	if ae.Status >= http.StatusInternalServerError {
		lg.Error("Request failed", zap.Int("status", ae.Status), zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.Int("status", ae.Status), zap.Error(err))
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("code")
	e.Int(ae.Status)
	e.FieldStart("message")
	e.Str(ae.Message)
	e.FieldStart("retryable")
	e.Bool(ae.Retryable)
	e.ObjEnd()
	writeJSON(w, ae.Status, e.Bytes())
}
