// Package cod implements cash on delivery. Nothing is charged up front, so
// initiation always succeeds and there is no transaction id.
package cod

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Name is the gateway identifier sent to the backend.
const Name = "cash_on_delivery"

var _ payment.Gateway = Gateway{}

// Gateway is the cash-on-delivery adapter.
type Gateway struct{}

func (Gateway) Name() string       { return Name }
func (Gateway) Flow() payment.Flow { return payment.FlowPayThenCreate }
func (Gateway) Available() bool    { return true }

// Initiate accepts any non-negative amount, including zero when the wallet
// covers the whole order.
func (Gateway) Initiate(_ context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	if req.Amount.IsNegative() {
		return nil, errors.Wrapf(payment.ErrInvalidInput, "amount %s", req.Amount)
	}
	return &payment.Initiation{}, nil
}
